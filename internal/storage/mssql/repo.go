// Package mssql is the SQL Server warehouse backend.
package mssql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/microsoft/go-mssqldb"

	"gymetl/internal/storage"
)

func init() {
	storage.Register("mssql", New)
}

var dialect = storage.Dialect{
	QuoteIdent:  func(s string) string { return "[" + s + "]" },
	Placeholder: func(i int) string { return fmt.Sprintf("@p%d", i) },
	// SQL Server rejects statements with more than 2100 parameters.
	MaxParams: 2100,
}

var queries = storage.IntrospectionQueries{
	SchemaExists: `SELECT COUNT(*) FROM INFORMATION_SCHEMA.SCHEMATA WHERE SCHEMA_NAME = @p1`,
	TableExists:  `SELECT COUNT(*) FROM INFORMATION_SCHEMA.TABLES WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`,
	TableColumns: `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
		ORDER BY ORDINAL_POSITION`,
	PrimaryKeys: `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2 AND CONSTRAINT_NAME LIKE 'PK%'
		ORDER BY ORDINAL_POSITION`,
}

// New opens a SQL Server pool and verifies connectivity before returning.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("mssql: open: %w", err)
	}
	storage.ConfigurePool(db, cfg)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("mssql: ping: %w", err)
	}
	d := dialect
	d.InsertRows = cfg.BatchSize
	return &storage.SQLRepo{DB: db, Dialect: d, Queries: queries}, nil
}
