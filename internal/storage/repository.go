// Package storage loads warehouse rows into the configured database. It
// owns strategy execution (insert, replace, upsert) and column
// reconciliation; the backend sub-packages supply dialect-specific SQL.
package storage

import (
	"context"
	"fmt"
	"sync"
)

// Strategy is a table's load strategy from the schema mapping document.
type Strategy string

const (
	StrategyInsert  Strategy = "insert"
	StrategyReplace Strategy = "replace"
	StrategyUpsert  Strategy = "upsert"
)

// Config selects and parameterizes a backend.
type Config struct {
	Kind       string
	DSN        string
	SchemaName string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime int // minutes

	// BatchSize caps rows per INSERT statement when positive.
	BatchSize int
}

// Repository is the backend-agnostic surface the loader needs. Each backend
// implements these in its own dialect; DeleteAndAppend must run as a single
// transaction so a failed upsert never leaves a table half-emptied.
type Repository interface {
	Close()
	Ping(ctx context.Context) error

	SchemaExists(ctx context.Context, schema string) (bool, error)
	TableExists(ctx context.Context, schema, table string) (bool, error)
	// TableColumns returns column names in catalog (ordinal) order.
	TableColumns(ctx context.Context, schema, table string) ([]string, error)
	PrimaryKeyColumns(ctx context.Context, schema, table string) ([]string, error)

	Append(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error)
	// Replace deletes all existing rows and appends, in one transaction.
	Replace(ctx context.Context, schema, table string, columns []string, rows [][]any) (int64, error)
	// DeleteAndAppend deletes the rows matching the incoming key values,
	// then appends the batch, in one transaction.
	DeleteAndAppend(ctx context.Context, schema, table string, columns []string, rows [][]any, keyColumns []string) (int64, error)
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend factory under a kind. Backend packages call
// it from init; registering the same kind twice panics so an ambiguous
// selection fails fast.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()
	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New constructs a Repository for the configured backend kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}
	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()
	if f == nil {
		return nil, fmt.Errorf("storage: unsupported kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
