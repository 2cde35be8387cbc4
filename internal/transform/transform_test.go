package transform

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"gymetl/internal/config"
)

var testStamp = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func testTransformer(schema *config.Schema) *Transformer {
	t := New(schema)
	t.now = func() time.Time { return testStamp }
	return t
}

func TestApplyKindVocabulary(t *testing.T) {
	rec := Record{
		"endpoint_category": "new",
		"nested":            map[string]any{"deep": map[string]any{"value": "x"}},
	}
	tests := []struct {
		name string
		fm   config.FieldMapping
		in   any
		want any
	}{
		{name: "direct", fm: config.FieldMapping{Transformation: "direct"}, in: "v", want: "v"},
		{name: "direct nil", fm: config.FieldMapping{Transformation: "direct"}, in: nil, want: ""},
		{name: "direct number stringifies", fm: config.FieldMapping{Transformation: "direct"}, in: 42.0, want: "42"},
		{name: "json_dump", fm: config.FieldMapping{Transformation: "json_dump"}, in: map[string]any{"a": 1.0}, want: `{"a":1}`},
		{name: "json_dump nil", fm: config.FieldMapping{Transformation: "json_dump"}, in: nil, want: "[]"},
		{name: "json_dump empty list", fm: config.FieldMapping{Transformation: "json_dump"}, in: []any{}, want: "[]"},
		{name: "boolean true string", fm: config.FieldMapping{Transformation: "boolean"}, in: "Yes", want: true},
		{name: "boolean falsy", fm: config.FieldMapping{Transformation: "boolean"}, in: "off", want: false},
		{name: "boolean nil", fm: config.FieldMapping{Transformation: "boolean"}, in: nil, want: false},
		{name: "integer empty string", fm: config.FieldMapping{Transformation: "integer"}, in: "", want: int64(0)},
		{name: "integer float string", fm: config.FieldMapping{Transformation: "integer"}, in: "12.9", want: int64(12)},
		{name: "integer nil", fm: config.FieldMapping{Transformation: "integer"}, in: nil, want: int64(0)},
		{name: "null_to_empty", fm: config.FieldMapping{Transformation: "null_to_empty"}, in: nil, want: ""},
		{name: "null_to_empty passthrough", fm: config.FieldMapping{Transformation: "null_to_empty"}, in: "v", want: "v"},
		{name: "null_to_empty stringifies", fm: config.FieldMapping{Transformation: "null_to_empty"}, in: 7.0, want: "7"},
		{name: "google_sheet_lookup stub", fm: config.FieldMapping{Transformation: "google_sheet_lookup"}, in: "anything", want: ""},
		{name: "nested_field", fm: config.FieldMapping{Transformation: "nested_field", SourcePath: "nested.deep.value"}, in: nil, want: "x"},
		{
			name: "extract_from_url mapped category",
			fm:   config.FieldMapping{Transformation: "extract_from_url", Mapping: map[string]string{"new": "Nieuw"}},
			in:   "ignored",
			want: "Nieuw",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyKind(tt.in, tt.fm, rec)
			if err != nil {
				t.Fatalf("applyKind: %v", err)
			}
			if got != tt.want {
				t.Errorf("applyKind() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestApplyKindDecimal(t *testing.T) {
	got, err := applyKind("12.50", config.FieldMapping{Transformation: "decimal"}, nil)
	if err != nil {
		t.Fatalf("applyKind: %v", err)
	}
	if !got.(decimal.Decimal).Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("decimal = %v", got)
	}
	zero, err := applyKind("", config.FieldMapping{Transformation: "decimal"}, nil)
	if err != nil {
		t.Fatalf("applyKind empty: %v", err)
	}
	if !zero.(decimal.Decimal).IsZero() {
		t.Errorf("empty decimal = %v", zero)
	}
}

func TestApplyKindDates(t *testing.T) {
	iso, err := applyKind("2024-03-01T09:30:00Z", config.FieldMapping{Transformation: "iso_datetime"}, nil)
	if err != nil {
		t.Fatalf("iso_datetime: %v", err)
	}
	if iso.(time.Time).Hour() != 9 {
		t.Errorf("iso_datetime = %v", iso)
	}

	for _, s := range []string{"2024-03-01", "01-03-2024", "03/01/2024"} {
		d, err := applyKind(s, config.FieldMapping{Transformation: "parse_date"}, nil)
		if err != nil {
			t.Fatalf("parse_date(%q): %v", s, err)
		}
		got := d.(time.Time)
		if got.Year() != 2024 || got.Month() != time.March || got.Day() != 1 {
			t.Errorf("parse_date(%q) = %v", s, got)
		}
	}
	if _, err := applyKind("March first", config.FieldMapping{Transformation: "parse_date"}, nil); err == nil {
		t.Error("parse_date should reject free text")
	}
}

func TestApplyKindUnknownTransformation(t *testing.T) {
	if _, err := applyKind("v", config.FieldMapping{Transformation: "reverse"}, nil); err == nil {
		t.Error("want error for unknown transformation")
	}
}

func memberSchema() *config.Schema {
	return &config.Schema{Tables: map[string]config.Table{
		"Leden": {
			Endpoint: "members",
			Columns: []config.FieldMapping{
				{SourceField: "id", TargetColumn: "Id", Transformation: "direct", Required: true},
				{SourceField: "profile.email", TargetColumn: "Email", Transformation: "null_to_empty"},
				{SourceField: "active", TargetColumn: "Actief", Transformation: "boolean"},
			},
		},
		"LesDeelname": {
			Columns: []config.FieldMapping{
				{SourceField: "memberId", TargetColumn: "LedenId", Transformation: "direct", Required: true},
			},
			CustomFields: map[string]string{"LesId": "course_id_from_context"},
		},
	}}
}

func TestTransformTable(t *testing.T) {
	tr := testTransformer(memberSchema())
	rows, err := tr.TransformTable("Leden", []Record{
		{"id": "m-1", "profile": map[string]any{"email": "a@b.test"}, "active": true},
		{"profile": map[string]any{}, "active": false}, // missing required id, dropped
		{"id": "m-2", "active": "yes"},
	})
	if err != nil {
		t.Fatalf("TransformTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (one dropped)", len(rows))
	}
	first := rows[0]
	if first["Id"] != "m-1" || first["Email"] != "a@b.test" || first["Actief"] != true {
		t.Errorf("row = %#v", first)
	}
	if first["DatumLaatsteUpdate"] != testStamp {
		t.Errorf("DatumLaatsteUpdate = %v", first["DatumLaatsteUpdate"])
	}
	if rows[1]["Email"] != "" {
		t.Errorf("missing nested field should become empty, got %#v", rows[1]["Email"])
	}
}

func TestTransformTableRequiredEmptyAfterTransform(t *testing.T) {
	tr := testTransformer(memberSchema())
	rows, err := tr.TransformTable("Leden", []Record{
		{"id": "", "active": true},
		{"id": "m-1", "active": true},
	})
	if err != nil {
		t.Fatalf("TransformTable: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1 (empty required id dropped)", len(rows))
	}
	if rows[0]["Id"] != "m-1" {
		t.Errorf("row = %#v", rows[0])
	}
}

func TestTransformTableCustomFieldFailureKeepsRecord(t *testing.T) {
	tr := testTransformer(memberSchema())
	rows, err := tr.TransformTable("LesDeelname", []Record{
		{"memberId": "m-1", "course_id": "c-1"},
		{"memberId": "m-2"}, // no course context, column empty but row kept
	})
	if err != nil {
		t.Fatalf("TransformTable: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["LesId"] != "c-1" {
		t.Errorf("LesId = %#v", rows[0]["LesId"])
	}
	if rows[1]["LesId"] != "" {
		t.Errorf("unresolved custom field = %#v, want empty", rows[1]["LesId"])
	}
}

func TestTransformTableUnknownTable(t *testing.T) {
	tr := testTransformer(memberSchema())
	if _, err := tr.TransformTable("Nope", nil); err == nil {
		t.Error("want error for unmapped table")
	}
}

func TestValidateDropsRowsMissingCustomColumns(t *testing.T) {
	tr := testTransformer(memberSchema())
	rows := []Row{
		{"LedenId": "m-1", "LesId": "c-1"},
		{"LedenId": "m-2", "LesId": nil},
		{"LedenId": nil, "LesId": "c-2"},
	}
	kept := tr.Validate("LesDeelname", rows)
	if len(kept) != 1 {
		t.Fatalf("kept %d rows, want 1", len(kept))
	}
	if kept[0]["LedenId"] != "m-1" {
		t.Errorf("kept = %#v", kept[0])
	}
}

func TestExtractFieldBracketsUnsupported(t *testing.T) {
	rec := Record{"items": []any{"a"}}
	if got := extractField(rec, "items[0]"); got != nil {
		t.Errorf("extractField(items[0]) = %#v, want nil", got)
	}
}
