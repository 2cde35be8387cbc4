package transform

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"gymetl/internal/config"
)

// dateFormats are tried in order by parse_date. The first two are the
// formats the API and the legacy exports actually emit; the US form shows
// up in hand-entered data.
var dateFormats = []string{"2006-01-02", "02-01-2006", "01/02/2006"}

// applyKind dispatches one value through the named transformation. An
// unknown name is a mapping-document bug and fails the record.
func applyKind(v any, fm config.FieldMapping, rec Record) (any, error) {
	switch fm.Transformation {
	case "", "direct":
		return stringify(v), nil
	case "json_dump":
		return jsonDump(v)
	case "boolean":
		return toBool(v), nil
	case "integer":
		return toInt(v)
	case "decimal":
		return toDecimal(v)
	case "iso_datetime":
		return toISODatetime(v)
	case "parse_date":
		return parseDate(v)
	case "nested_field":
		return nestedField(rec, fm.SourcePath), nil
	case "null_to_empty":
		return stringify(v), nil
	case "extract_from_url":
		return extractFromURL(v, fm, rec), nil
	case "google_sheet_lookup":
		return "", nil
	default:
		return nil, fmt.Errorf("unknown transformation %q", fm.Transformation)
	}
}

// stringify renders a value for the direct and null_to_empty kinds; nil
// becomes the empty string rather than "<nil>".
func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

func jsonDump(v any) (string, error) {
	if emptyValue(v) {
		return "[]", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("json_dump: %w", err)
	}
	return string(b), nil
}

// emptyValue reports whether json_dump should fall back to the empty-list
// literal instead of encoding the value.
func emptyValue(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case float64:
		return x == 0
	case []any:
		return len(x) == 0
	case map[string]any:
		return len(x) == 0
	default:
		return false
	}
}

var truthy = map[string]bool{"true": true, "1": true, "yes": true, "on": true}

func toBool(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return truthy[strings.ToLower(strings.TrimSpace(x))]
	default:
		return false
	}
}

// toInt truncates through float so "12.0" and 12.7 both land on an int.
func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return int64(x), nil
	case int:
		return int64(x), nil
	case int64:
		return x, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("integer: %q: %w", x, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("integer: cannot convert %T", v)
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case float64:
		return decimal.NewFromFloat(x), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("decimal: %q: %w", x, err)
		}
		return d, nil
	default:
		return decimal.Zero, fmt.Errorf("decimal: cannot convert %T", v)
	}
}

// toISODatetime parses an ISO 8601 timestamp, tolerating a trailing Z and
// second precision without an offset.
func toISODatetime(v any) (any, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts, nil
		}
	}
	return nil, fmt.Errorf("iso_datetime: unparseable %q", s)
}

func parseDate(v any) (any, error) {
	s, ok := v.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return nil, nil
	}
	d, err := ParseDateString(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ParseDateString tries the known date formats in order.
func ParseDateString(s string) (time.Time, error) {
	for _, layout := range dateFormats {
		if d, err := time.Parse(layout, s); err == nil {
			return d, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse_date: unparseable %q", s)
}

// nestedField walks the full dot path given as source_path.
func nestedField(rec Record, path string) any {
	if path == "" {
		return nil
	}
	var cur any = map[string]any(rec)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

// extractFromURL resolves a categorical value from the record's endpoint
// identity. Candidates are tried in order: endpoint_category, category,
// endpoint_type, then the raw value itself. The winning candidate passes
// through the field's mapping table when one is configured.
func extractFromURL(v any, fm config.FieldMapping, rec Record) any {
	candidate := ""
	for _, key := range []string{"endpoint_category", "category", "endpoint_type"} {
		if s, ok := rec[key].(string); ok && s != "" {
			candidate = s
			break
		}
	}
	if candidate == "" {
		if s, ok := v.(string); ok {
			candidate = s
		}
	}
	if len(fm.Mapping) > 0 {
		if mapped, ok := fm.Mapping[candidate]; ok {
			return mapped
		}
	}
	return candidate
}
