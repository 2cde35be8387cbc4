// Package transform turns raw API records into warehouse rows. Generic
// tables are driven by the schema mapping document through a small closed
// vocabulary of field transformations; analytics, revenue, and membership
// tables have dedicated aggregation paths.
package transform

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
)

// Row is one warehouse row keyed by target column name.
type Row = map[string]any

// Record is one raw API record.
type Record = map[string]any

// Transformer applies schema mappings. Its clock is a field so tests can
// pin the DatumLaatsteUpdate stamp.
type Transformer struct {
	schema *config.Schema
	now    func() time.Time
}

func New(schema *config.Schema) *Transformer {
	return &Transformer{schema: schema, now: time.Now}
}

// TransformTable maps every record through the table's column mappings.
// A record that fails to transform is logged with its index and dropped;
// the rest of the batch continues.
func (t *Transformer) TransformTable(table string, records []Record) ([]Row, error) {
	tc, ok := t.schema.Tables[table]
	if !ok {
		return nil, fmt.Errorf("transform: no schema mapping for table %q", table)
	}
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		row, err := t.transformRecord(tc, rec)
		if err != nil {
			log.Warn().Err(err).Str("table", table).Int("record", i).Msg("record dropped")
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (t *Transformer) transformRecord(tc config.Table, rec Record) (Row, error) {
	row := Row{}
	for _, fm := range tc.Columns {
		raw := extractField(rec, fm.SourceField)
		v, err := applyKind(raw, fm, rec)
		if err != nil {
			return nil, fmt.Errorf("column %q: %w", fm.TargetColumn, err)
		}
		// Required is judged on the transformed value: a field that lands
		// on nil or the empty string fails the record unless nulls are
		// allowed.
		if fm.Required && !fm.AllowNull && (v == nil || v == "") {
			return nil, fmt.Errorf("required field %q is null or empty", fm.TargetColumn)
		}
		row[fm.TargetColumn] = v
	}
	for column, kind := range tc.CustomFields {
		v, err := customField(kind, rec)
		if err != nil {
			// Custom field failures never sink the record.
			log.Warn().Err(err).Str("column", column).Msg("custom field unresolved")
			v = ""
		}
		row[column] = v
	}
	row["DatumLaatsteUpdate"] = t.now()
	return row, nil
}

// extractField reads a source field from a record. One level of dot
// notation reaches into a nested object; bracketed indexes are not
// supported and resolve to nil.
func extractField(rec Record, field string) any {
	if field == "" {
		return nil
	}
	if strings.ContainsAny(field, "[]") {
		return nil
	}
	if !strings.Contains(field, ".") {
		return rec[field]
	}
	parts := strings.SplitN(field, ".", 2)
	nested, ok := rec[parts[0]].(map[string]any)
	if !ok {
		return nil
	}
	return nested[parts[1]]
}

func customField(kind string, rec Record) (any, error) {
	switch kind {
	case "course_id_from_context":
		if v, ok := rec["course_id"]; ok && v != nil {
			return v, nil
		}
		return nil, fmt.Errorf("record carries no course_id")
	case "membership_id_from_context":
		if v, ok := rec["membership_id"]; ok && v != nil {
			return v, nil
		}
		return nil, fmt.Errorf("record carries no membership_id")
	case "google_sheet_lookup":
		// Sheet-backed enrichment is not wired up; the column stays empty.
		return "", nil
	default:
		return nil, fmt.Errorf("unknown custom field kind %q", kind)
	}
}

// Validate drops rows that are missing a required column or a custom field
// column, logging the reason. Survivors keep their original order.
func (t *Transformer) Validate(table string, rows []Row) []Row {
	tc, ok := t.schema.Tables[table]
	if !ok {
		return rows
	}
	required := make([]string, 0)
	for _, fm := range tc.Columns {
		if fm.Required && !fm.AllowNull {
			required = append(required, fm.TargetColumn)
		}
	}
	for column := range tc.CustomFields {
		required = append(required, column)
	}
	kept := rows[:0]
	for i, row := range rows {
		missing := ""
		for _, col := range required {
			if v, ok := row[col]; !ok || v == nil {
				missing = col
				break
			}
		}
		if missing != "" {
			log.Warn().Str("table", table).Int("row", i).Str("column", missing).Msg("row failed validation")
			continue
		}
		kept = append(kept, row)
	}
	return kept
}
