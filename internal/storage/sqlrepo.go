package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// IntrospectionQueries are the catalog lookups in a backend's placeholder
// syntax. SchemaExists takes the schema name; the rest take schema then
// table.
type IntrospectionQueries struct {
	SchemaExists string
	TableExists  string
	TableColumns string
	PrimaryKeys  string
}

// SQLRepo implements Repository on top of database/sql for backends whose
// dialect fits the Dialect/IntrospectionQueries seams. The sqlite backend
// embeds it and overrides the catalog methods with PRAGMA equivalents.
type SQLRepo struct {
	DB      *sql.DB
	Dialect Dialect
	Queries IntrospectionQueries
}

// ConfigurePool applies pool sizing from config, leaving driver defaults
// in place for unset values.
func ConfigurePool(db *sql.DB, cfg Config) {
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetime) * time.Minute)
	}
}

func (r *SQLRepo) Close() {
	_ = r.DB.Close()
}

func (r *SQLRepo) Ping(ctx context.Context) error {
	var one int
	return r.DB.QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

func (r *SQLRepo) SchemaExists(ctx context.Context, schema string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, r.Queries.SchemaExists, schema).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLRepo) TableExists(ctx context.Context, schema, table string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, r.Queries.TableExists, schema, table).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *SQLRepo) TableColumns(ctx context.Context, schema, table string) ([]string, error) {
	return r.queryStrings(ctx, r.Queries.TableColumns, schema, table)
}

func (r *SQLRepo) PrimaryKeyColumns(ctx context.Context, schema, table string) ([]string, error) {
	return r.queryStrings(ctx, r.Queries.PrimaryKeys, schema, table)
}

func (r *SQLRepo) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SQLRepo) Append(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	return r.inTx(ctx, r.Dialect.InsertBatches(schema, table, columns, rows), int64(len(rows)))
}

func (r *SQLRepo) Replace(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error) {
	batches := []Batch{{SQL: "DELETE FROM " + r.Dialect.QualifiedTable(schema, table)}}
	batches = append(batches, r.Dialect.InsertBatches(schema, table, columns, rows)...)
	return r.inTx(ctx, batches, int64(len(rows)))
}

func (r *SQLRepo) DeleteAndAppend(ctx context.Context, schema, table string, columns []string, rows [][]any, keyColumns []string) (int64, error) {
	tuples := KeyTuples(columns, keyColumns, rows)
	batches := r.Dialect.DeleteKeyBatches(schema, table, keyColumns, tuples)
	batches = append(batches, r.Dialect.InsertBatches(schema, table, columns, rows)...)
	return r.inTx(ctx, batches, int64(len(rows)))
}

// inTx executes the batches in one transaction and reports the given
// appended-row count on success.
func (r *SQLRepo) inTx(ctx context.Context, batches []Batch, appended int64) (int64, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, b := range batches {
		if _, err := tx.ExecContext(ctx, b.SQL, b.Args...); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return appended, nil
}
