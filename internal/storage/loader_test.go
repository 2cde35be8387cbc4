package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

// fakeRepo records calls and serves canned catalog answers.
type fakeRepo struct {
	schemas map[string]bool
	tables  map[string]bool
	columns map[string][]string
	pks     map[string][]string

	appended [][]any
	replaced bool
	deleted  [][]any
	lastCols []string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		schemas: map[string]bool{"gym": true},
		tables:  map[string]bool{},
		columns: map[string][]string{},
		pks:     map[string][]string{},
	}
}

func (f *fakeRepo) Close()                            {}
func (f *fakeRepo) Ping(ctx context.Context) error    { return nil }
func (f *fakeRepo) SchemaExists(ctx context.Context, s string) (bool, error) {
	return f.schemas[s], nil
}
func (f *fakeRepo) TableExists(ctx context.Context, s, t string) (bool, error) {
	return f.tables[t], nil
}
func (f *fakeRepo) TableColumns(ctx context.Context, s, t string) ([]string, error) {
	return f.columns[t], nil
}
func (f *fakeRepo) PrimaryKeyColumns(ctx context.Context, s, t string) ([]string, error) {
	return f.pks[t], nil
}
func (f *fakeRepo) Append(ctx context.Context, s, t string, cols []string, rows [][]any) (int64, error) {
	f.lastCols = cols
	f.appended = append(f.appended, rows...)
	return int64(len(rows)), nil
}
func (f *fakeRepo) Replace(ctx context.Context, s, t string, cols []string, rows [][]any) (int64, error) {
	f.replaced = true
	return f.Append(ctx, s, t, cols, rows)
}
func (f *fakeRepo) DeleteAndAppend(ctx context.Context, s, t string, cols []string, rows [][]any, keys []string) (int64, error) {
	f.deleted = KeyTuples(cols, keys, rows)
	return f.Append(ctx, s, t, cols, rows)
}

func TestLoaderInsertReconcilesToCatalogOrder(t *testing.T) {
	repo := newFakeRepo()
	repo.columns["GrootboekRekening"] = []string{"Id", "Sleutel", "Label", "DatumLaatsteUpdate"}
	l := NewLoader(repo, "gym")
	l.now = func() time.Time { return time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC) }

	n, err := l.Load(context.Background(), "GrootboekRekening", []Row{
		{"Label": "Contributie", "Id": "ga-1", "Sleutel": "8000", "Extra": "dropped"},
	}, StrategyInsert)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n != 1 {
		t.Errorf("n = %d", n)
	}
	if len(repo.appended) != 1 {
		t.Fatalf("appended %d rows", len(repo.appended))
	}
	row := repo.appended[0]
	if row[0] != "ga-1" || row[1] != "8000" || row[2] != "Contributie" {
		t.Errorf("row order wrong: %#v", row)
	}
	if len(row) != 4 {
		t.Errorf("extra column not dropped: %#v", row)
	}
}

func TestLoaderFillsMissingColumnsWithDefaults(t *testing.T) {
	repo := newFakeRepo()
	repo.columns["Abonnementen"] = []string{"Id", "Naam", "Bedrag", "Aantal", "Actief", "AangemaaktOp"}
	l := NewLoader(repo, "gym")
	stamp := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return stamp }

	_, err := l.Load(context.Background(), "Abonnementen", []Row{{"Naam": "Basic"}}, StrategyInsert)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	row := repo.appended[0]
	if row[0] != "" { // *Id
		t.Errorf("Id default = %#v", row[0])
	}
	if row[2] != 0.0 { // *Bedrag
		t.Errorf("Bedrag default = %#v", row[2])
	}
	if row[3] != int64(0) { // *Aantal
		t.Errorf("Aantal default = %#v", row[3])
	}
	if row[4] != false { // Actief
		t.Errorf("Actief default = %#v", row[4])
	}
	if row[5] != stamp { // *Op
		t.Errorf("AangemaaktOp default = %#v", row[5])
	}
}

func TestLoaderFallbackCatalog(t *testing.T) {
	repo := newFakeRepo() // no introspected columns
	l := NewLoader(repo, "gym")
	_, err := l.Load(context.Background(), "Omzet", []Row{{"Type": "MEMBERSHIP"}}, StrategyInsert)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := fallbackColumns["Omzet"]
	if strings.Join(repo.lastCols, ",") != strings.Join(want, ",") {
		t.Errorf("columns = %v, want fallback %v", repo.lastCols, want)
	}
}

func TestLoaderUnknownTableFails(t *testing.T) {
	l := NewLoader(newFakeRepo(), "gym")
	if _, err := l.Load(context.Background(), "Mystery", []Row{{"A": 1}}, StrategyInsert); err == nil {
		t.Fatal("want error for table with no layout")
	}
}

func TestLoaderReplaceStrategy(t *testing.T) {
	repo := newFakeRepo()
	repo.columns["LesDeelname"] = []string{"LesId", "LedenId"}
	l := NewLoader(repo, "gym")
	if _, err := l.Load(context.Background(), "LesDeelname", []Row{{"LesId": "l1", "LedenId": "m1"}}, StrategyReplace); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !repo.replaced {
		t.Error("Replace not called")
	}
}

func TestLoaderUpsertDedupesLastWins(t *testing.T) {
	repo := newFakeRepo()
	repo.columns["Leden"] = []string{"Id", "Email"}
	repo.pks["Leden"] = []string{"Id"}
	l := NewLoader(repo, "gym")

	_, err := l.Load(context.Background(), "Leden", []Row{
		{"Id": "m-1", "Email": "old@x.test"},
		{"Id": "m-2", "Email": "b@x.test"},
		{"Id": "m-1", "Email": "new@x.test"},
	}, StrategyUpsert)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(repo.appended) != 2 {
		t.Fatalf("appended %d rows, want deduplicated 2", len(repo.appended))
	}
	byID := map[any]any{}
	for _, row := range repo.appended {
		byID[row[0]] = row[1]
	}
	if byID["m-1"] != "new@x.test" {
		t.Errorf("m-1 email = %v, want the later occurrence", byID["m-1"])
	}
	if len(repo.deleted) != 2 {
		t.Errorf("deleted key tuples = %d, want 2", len(repo.deleted))
	}
}

func TestLoaderUpsertWithoutKeyAppends(t *testing.T) {
	repo := newFakeRepo()
	repo.columns["AbonnementStatistieken"] = []string{"Datum", "Aantal"}
	l := NewLoader(repo, "gym")
	if _, err := l.Load(context.Background(), "AbonnementStatistieken", []Row{{"Aantal": int64(1)}}, StrategyUpsert); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if repo.deleted != nil {
		t.Error("no deletes expected without a primary key")
	}
	if len(repo.appended) != 1 {
		t.Errorf("appended %d", len(repo.appended))
	}
}

func TestLoaderEmptyBatchIsNoop(t *testing.T) {
	repo := newFakeRepo()
	l := NewLoader(repo, "gym")
	n, err := l.Load(context.Background(), "Leden", nil, StrategyUpsert)
	if err != nil || n != 0 {
		t.Errorf("Load(empty) = %d, %v", n, err)
	}
	if len(repo.appended) != 0 {
		t.Error("append called for empty batch")
	}
}

func TestReadyReportsMissingObjects(t *testing.T) {
	repo := newFakeRepo()
	repo.tables["Leden"] = true
	l := NewLoader(repo, "gym")

	if err := l.Ready(context.Background(), []string{"Leden"}); err != nil {
		t.Errorf("Ready: %v", err)
	}
	if err := l.Ready(context.Background(), []string{"Leden", "Lessen"}); err == nil {
		t.Error("want error for missing table")
	}
	l2 := NewLoader(repo, "other")
	if err := l2.Ready(context.Background(), nil); err == nil {
		t.Error("want error for missing schema")
	}
}
