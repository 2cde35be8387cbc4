// Package postgres is the PostgreSQL warehouse backend.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"gymetl/internal/storage"
)

func init() {
	storage.Register("postgres", New)
}

var dialect = storage.Dialect{
	QuoteIdent:  func(s string) string { return `"` + s + `"` },
	Placeholder: func(i int) string { return fmt.Sprintf("$%d", i) },
	MaxParams:   65535,
}

var queries = storage.IntrospectionQueries{
	SchemaExists: `SELECT COUNT(*) FROM information_schema.schemata WHERE schema_name = $1`,
	TableExists:  `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2`,
	TableColumns: `SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`,
	PrimaryKeys: `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON kcu.constraint_name = tc.constraint_name
		 AND kcu.table_schema = tc.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`,
}

// New opens a pgx stdlib pool and verifies connectivity before returning.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	storage.ConfigurePool(db, cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	d := dialect
	d.InsertRows = cfg.BatchSize
	return &storage.SQLRepo{DB: db, Dialect: d, Queries: queries}, nil
}
