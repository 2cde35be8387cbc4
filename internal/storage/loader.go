package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Loader executes table loads against a Repository. It owns everything
// that is the same across backends: readiness checks, column
// reconciliation, strategy selection, and upsert batch dedupe.
type Loader struct {
	repo   Repository
	schema string
	now    func() time.Time
}

func NewLoader(repo Repository, schema string) *Loader {
	return &Loader{repo: repo, schema: schema, now: time.Now}
}

// Ready verifies the schema and every listed table exist. A missing object
// is a configuration error the pipeline must not run over.
func (l *Loader) Ready(ctx context.Context, tables []string) error {
	ok, err := l.repo.SchemaExists(ctx, l.schema)
	if err != nil {
		return fmt.Errorf("storage: check schema %s: %w", l.schema, err)
	}
	if !ok {
		return fmt.Errorf("storage: schema %s does not exist", l.schema)
	}
	for _, table := range tables {
		ok, err := l.repo.TableExists(ctx, l.schema, table)
		if err != nil {
			return fmt.Errorf("storage: check table %s.%s: %w", l.schema, table, err)
		}
		if !ok {
			return fmt.Errorf("storage: table %s.%s does not exist", l.schema, table)
		}
	}
	return nil
}

// Ping reports whether the database answers at all.
func (l *Loader) Ping(ctx context.Context) error {
	return l.repo.Ping(ctx)
}

// Load writes rows to a table using the given strategy and returns the
// number of rows appended.
func (l *Loader) Load(ctx context.Context, table string, rows []Row, strategy Strategy) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	catalog, err := l.tableCatalog(ctx, table)
	if err != nil {
		return 0, err
	}

	switch strategy {
	case StrategyReplace:
		values := reconcileRows(table, catalog, rows, l.now())
		n, err := l.repo.Replace(ctx, l.schema, table, catalog, values)
		if err != nil {
			return 0, fmt.Errorf("storage: replace %s.%s: %w", l.schema, table, err)
		}
		return n, nil

	case StrategyUpsert:
		keys, err := l.repo.PrimaryKeyColumns(ctx, l.schema, table)
		if err != nil {
			return 0, fmt.Errorf("storage: primary keys of %s.%s: %w", l.schema, table, err)
		}
		if len(keys) == 0 {
			log.Warn().Str("table", table).Msg("upsert requested but table has no primary key, appending")
			values := reconcileRows(table, catalog, rows, l.now())
			n, err := l.repo.Append(ctx, l.schema, table, catalog, values)
			if err != nil {
				return 0, fmt.Errorf("storage: append %s.%s: %w", l.schema, table, err)
			}
			return n, nil
		}
		deduped := dedupeByKeys(rows, keys)
		if dropped := len(rows) - len(deduped); dropped > 0 {
			log.Debug().Str("table", table).Int("dropped", dropped).Msg("duplicate keys in batch, last occurrence wins")
		}
		values := reconcileRows(table, catalog, deduped, l.now())
		n, err := l.repo.DeleteAndAppend(ctx, l.schema, table, catalog, values, keys)
		if err != nil {
			return 0, fmt.Errorf("storage: upsert %s.%s: %w", l.schema, table, err)
		}
		return n, nil

	default: // insert
		values := reconcileRows(table, catalog, rows, l.now())
		n, err := l.repo.Append(ctx, l.schema, table, catalog, values)
		if err != nil {
			return 0, fmt.Errorf("storage: append %s.%s: %w", l.schema, table, err)
		}
		return n, nil
	}
}

// tableCatalog returns the table's column order, preferring live catalog
// introspection and falling back to the static table layouts.
func (l *Loader) tableCatalog(ctx context.Context, table string) ([]string, error) {
	catalog, err := l.repo.TableColumns(ctx, l.schema, table)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Msg("catalog introspection failed, using fallback layout")
	}
	if len(catalog) == 0 {
		catalog = fallbackColumns[table]
	}
	if len(catalog) == 0 {
		return nil, fmt.Errorf("storage: no column layout known for %s.%s", l.schema, table)
	}
	return catalog, nil
}

// dedupeByKeys keeps the last row per key tuple, preserving first-seen
// order of the surviving keys.
func dedupeByKeys(rows []Row, keys []string) []Row {
	reversed := lo.Reverse(append([]Row(nil), rows...))
	unique := lo.UniqBy(reversed, func(r Row) string {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = normalizeKeyPart(r[k])
		}
		return strings.Join(parts, "\x1f")
	})
	return lo.Reverse(unique)
}

// normalizeKeyPart renders one key value in a canonical string form so the
// same key matches whether the API delivered it as a string or a number.
func normalizeKeyPart(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprint(t)
	case int64:
		return fmt.Sprintf("%d", t)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
