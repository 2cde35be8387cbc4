package storage

import (
	"strings"

	"github.com/samber/lo"
)

const (
	// singleKeyDeleteChunk bounds how many key values one DELETE ... IN
	// carries; compositeKeyDeleteChunk bounds OR-of-AND tuple deletes,
	// which expand to one predicate per row.
	singleKeyDeleteChunk    = 1000
	compositeKeyDeleteChunk = 100
	insertRowChunk          = 1000
)

// Batch is one executable statement with its arguments.
type Batch struct {
	SQL  string
	Args []any
}

// Dialect captures what differs between the SQL backends: identifier
// quoting, placeholder syntax, and the driver's parameter budget per
// statement (SQL Server caps at 2100).
type Dialect struct {
	QuoteIdent  func(string) string
	Placeholder func(i int) string // 1-based
	MaxParams   int
	// InsertRows overrides the default rows-per-INSERT chunk when positive.
	InsertRows int
}

func (d Dialect) QualifiedTable(schema, table string) string {
	if schema == "" {
		return d.QuoteIdent(table)
	}
	return d.QuoteIdent(schema) + "." + d.QuoteIdent(table)
}

func (d Dialect) placeholders(n, offset int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = d.Placeholder(offset + i + 1)
	}
	return strings.Join(parts, ", ")
}

// InsertBatches splits rows into multi-row INSERT statements that stay
// inside the dialect's parameter budget.
func (d Dialect) InsertBatches(schema, table string, columns []string, rows [][]any) []Batch {
	if len(rows) == 0 {
		return nil
	}
	perBatch := insertRowChunk
	if d.InsertRows > 0 {
		perBatch = d.InsertRows
	}
	if budget := (d.MaxParams - 10) / len(columns); budget > 0 && budget < perBatch {
		perBatch = budget
	}

	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = d.QuoteIdent(c)
	}
	prefix := "INSERT INTO " + d.QualifiedTable(schema, table) +
		" (" + strings.Join(quoted, ", ") + ") VALUES "

	batches := make([]Batch, 0, (len(rows)+perBatch-1)/perBatch)
	for _, chunk := range lo.Chunk(rows, perBatch) {
		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString("(" + d.placeholders(len(columns), len(args)) + ")")
			args = append(args, row...)
		}
		batches = append(batches, Batch{SQL: sb.String(), Args: args})
	}
	return batches
}

// DeleteKeyBatches builds the DELETEs an upsert issues before appending.
// A single-column key becomes chunked IN lists; a composite key becomes
// chunked OR-of-AND tuple predicates.
func (d Dialect) DeleteKeyBatches(schema, table string, keyColumns []string, keyTuples [][]any) []Batch {
	if len(keyTuples) == 0 {
		return nil
	}
	target := d.QualifiedTable(schema, table)

	if len(keyColumns) == 1 {
		perBatch := singleKeyDeleteChunk
		if d.MaxParams > 0 && d.MaxParams-10 < perBatch {
			perBatch = d.MaxParams - 10
		}
		col := d.QuoteIdent(keyColumns[0])
		var batches []Batch
		for _, chunk := range lo.Chunk(keyTuples, perBatch) {
			args := make([]any, len(chunk))
			for i, t := range chunk {
				args[i] = t[0]
			}
			sql := "DELETE FROM " + target + " WHERE " + col + " IN (" + d.placeholders(len(args), 0) + ")"
			batches = append(batches, Batch{SQL: sql, Args: args})
		}
		return batches
	}

	perBatch := compositeKeyDeleteChunk
	if budget := (d.MaxParams - 10) / len(keyColumns); budget > 0 && budget < perBatch {
		perBatch = budget
	}
	var batches []Batch
	for _, chunk := range lo.Chunk(keyTuples, perBatch) {
		var sb strings.Builder
		sb.WriteString("DELETE FROM " + target + " WHERE ")
		args := make([]any, 0, len(chunk)*len(keyColumns))
		for i, tuple := range chunk {
			if i > 0 {
				sb.WriteString(" OR ")
			}
			sb.WriteString("(")
			for j, col := range keyColumns {
				if j > 0 {
					sb.WriteString(" AND ")
				}
				sb.WriteString(d.QuoteIdent(col) + " = " + d.Placeholder(len(args)+1))
				args = append(args, tuple[j])
			}
			sb.WriteString(")")
		}
		batches = append(batches, Batch{SQL: sb.String(), Args: args})
	}
	return batches
}

// KeyTuples projects each value row onto the key columns.
func KeyTuples(columns []string, keyColumns []string, rows [][]any) [][]any {
	idx := make([]int, 0, len(keyColumns))
	for _, k := range keyColumns {
		for i, c := range columns {
			if c == k {
				idx = append(idx, i)
				break
			}
		}
	}
	tuples := make([][]any, len(rows))
	for i, row := range rows {
		t := make([]any, len(idx))
		for j, p := range idx {
			t[j] = row[p]
		}
		tuples[i] = t
	}
	return tuples
}
