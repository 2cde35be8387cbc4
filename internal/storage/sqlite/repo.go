// Package sqlite is the SQLite backend, used for local development and for
// exercising load strategies in tests without a warehouse.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"gymetl/internal/storage"
)

func init() {
	storage.Register("sqlite", New)
}

var dialect = storage.Dialect{
	QuoteIdent:  func(s string) string { return `"` + s + `"` },
	Placeholder: func(i int) string { return "?" },
	MaxParams:   32000,
}

// Repo wraps the generic SQL repository with SQLite's catalog quirks:
// there are no schemas, and column metadata comes from PRAGMA table_info.
type Repo struct {
	*storage.SQLRepo
}

// New opens (and if needed creates) the SQLite database at cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Concurrent writers deadlock the file driver.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	d := dialect
	d.InsertRows = cfg.BatchSize
	return &Repo{SQLRepo: &storage.SQLRepo{DB: db, Dialect: d}}, nil
}

// SchemaExists always reports true: SQLite has a single implicit schema.
func (r *Repo) SchemaExists(ctx context.Context, schema string) (bool, error) {
	return true, nil
}

func (r *Repo) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repo) TableColumns(ctx context.Context, schema, table string) ([]string, error) {
	cols, _, err := r.tableInfo(ctx, table)
	return cols, err
}

func (r *Repo) PrimaryKeyColumns(ctx context.Context, schema, table string) ([]string, error) {
	_, pks, err := r.tableInfo(ctx, table)
	return pks, err
}

// tableInfo reads PRAGMA table_info once for both column order and primary
// key membership. The pk field is the 1-based position of the column in
// the primary key, zero when it is not part of it.
func (r *Repo) tableInfo(ctx context.Context, table string) (columns, pks []string, err error) {
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", dialect.QuoteIdent(table)))
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	type pkCol struct {
		name string
		pos  int
	}
	var pkCols []pkCol
	for rows.Next() {
		var (
			cid       int
			name, typ string
			notNull   int
			dflt      sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, nil, err
		}
		columns = append(columns, name)
		if pk > 0 {
			pkCols = append(pkCols, pkCol{name: name, pos: pk})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	for want := 1; ; want++ {
		found := false
		for _, c := range pkCols {
			if c.pos == want {
				pks = append(pks, c.name)
				found = true
				break
			}
		}
		if !found {
			break
		}
	}
	return columns, pks, nil
}

// Append, Replace, and DeleteAndAppend run against the empty schema name;
// the generic implementation handles the rest.
func (r *Repo) Append(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	return r.SQLRepo.Append(ctx, "", table, columns, rows)
}

func (r *Repo) Replace(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	return r.SQLRepo.Replace(ctx, "", table, columns, rows)
}

func (r *Repo) DeleteAndAppend(ctx context.Context, schema, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	return r.SQLRepo.DeleteAndAppend(ctx, "", table, columns, rows, keyColumns)
}
