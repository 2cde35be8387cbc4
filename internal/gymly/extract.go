package gymly

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
)

// maxPages bounds page-based pagination against a server that never
// reports a final page.
const maxPages = 1000

// Record is one raw API record.
type Record = map[string]any

// ExtractEndpointData fetches every record an endpoint yields for the given
// runtime parameters. When the endpoint declares variants, each variant is
// fetched in turn with its parameter overlay applied, the overlay merged
// onto every resulting record, and the results concatenated. Every record is
// stamped with endpoint_type and, when configured, endpoint_category.
func (c *Client) ExtractEndpointData(ctx context.Context, name string, ep config.Endpoint, runtime map[string]string) ([]Record, error) {
	if len(ep.Variants) == 0 {
		records, err := c.fetchEndpoint(ctx, ep, runtime)
		if err != nil {
			return nil, err
		}
		stampAll(records, name, ep.Category, nil)
		return records, nil
	}

	var all []Record
	for i, variant := range ep.Variants {
		merged := mergeParams(runtime, variant)
		records, err := c.fetchEndpoint(ctx, ep, merged)
		if err != nil {
			return nil, fmt.Errorf("gymly: endpoint %s variant %d: %w", name, i, err)
		}
		stampAll(records, name, ep.Category, variant)
		all = append(all, records...)
	}
	return all, nil
}

func mergeParams(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// stampAll merges the variant overlay and endpoint identity onto each
// record so the transformer can key off them later.
func stampAll(records []Record, name, category string, variant map[string]string) {
	for _, rec := range records {
		for k, v := range variant {
			rec[k] = v
		}
		rec["endpoint_type"] = name
		if category != "" {
			rec["endpoint_category"] = category
		}
		if pt, ok := variant["payment_type"]; ok {
			rec["payment_type_filter"] = pt
		}
	}
}

// fetchEndpoint resolves the endpoint's configured parameters against the
// runtime values and fans out to the right response-shape handler.
func (c *Client) fetchEndpoint(ctx context.Context, ep config.Endpoint, runtime map[string]string) ([]Record, error) {
	params := c.resolveParams(ep, runtime)
	if ep.Pagination != nil && ep.Pagination.Type == "page_based" {
		return c.fetchPaginated(ctx, ep, params)
	}
	raw, err := c.get(ctx, c.BuildURL(ep.URLTemplate, params))
	if err != nil {
		return nil, err
	}
	return recordsFromResponse(raw, ep)
}

// resolveParams materializes the endpoint's parameter map: static values
// pass through, "{name}" placeholders are filled from runtime, and runtime
// keys the endpoint does not mention are forwarded as-is for URL templating.
func (c *Client) resolveParams(ep config.Endpoint, runtime map[string]string) map[string]string {
	out := make(map[string]string, len(ep.Parameters)+len(runtime))
	for k, v := range runtime {
		out[k] = v
	}
	for k, v := range ep.Parameters {
		if strings.HasPrefix(v, "{") && strings.HasSuffix(v, "}") {
			name := v[1 : len(v)-1]
			rv, ok := runtime[name]
			if !ok {
				log.Warn().Str("param", k).Str("placeholder", name).Msg("no runtime value for templated parameter")
				delete(out, k)
				continue
			}
			out[k] = rv
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Client) fetchPaginated(ctx context.Context, ep config.Endpoint, params map[string]string) ([]Record, error) {
	size := ep.Pagination.DefaultSize
	if size <= 0 {
		size = c.pageSize
	}

	var all []Record
	for page := 1; page <= maxPages; page++ {
		pageParams := mergeParams(params, map[string]string{
			ep.Pagination.PageParam: fmt.Sprint(page),
			ep.Pagination.SizeParam: fmt.Sprint(size),
		})
		raw, err := c.get(ctx, c.BuildURL(ep.URLTemplate, pageParams))
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		records, meta, err := pageFromResponse(raw, ep)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		if len(records) == 0 {
			break
		}
		all = append(all, records...)
		if meta.totalPages > 0 && meta.currentPage >= meta.totalPages-1 {
			break
		}
		if page == maxPages {
			log.Warn().Int("pages", maxPages).Msg("pagination safety cap reached, stopping")
		}
	}
	return all, nil
}

type pageMeta struct {
	totalElements int
	totalPages    int
	currentPage   int
	size          int
}

// pageFromResponse splits one paginated payload into its records and its
// paging metadata. The record list lives under data_path, "content" when
// unset.
func pageFromResponse(raw any, ep config.Endpoint) ([]Record, pageMeta, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, pageMeta{}, fmt.Errorf("gymly: paginated response is %T, want object", raw)
	}
	path := ep.DataPath
	if path == "" {
		path = "content"
	}
	content, _ := lookupPath(obj, path)
	records := toRecords(content)
	meta := pageMeta{
		totalElements: intField(obj, "totalElements"),
		totalPages:    intField(obj, "totalPages"),
		currentPage:   intField(obj, "number"),
		size:          intField(obj, "size"),
	}
	return records, meta, nil
}

// recordsFromResponse normalizes a non-paginated payload to a record slice.
func recordsFromResponse(raw any, ep config.Endpoint) ([]Record, error) {
	v := raw
	if ep.DataPath != "" {
		if obj, ok := raw.(map[string]any); ok {
			if nested, found := lookupPath(obj, ep.DataPath); found {
				v = nested
			}
		}
	}
	switch ep.ResponseType {
	case "object":
		if obj, ok := v.(map[string]any); ok {
			return []Record{obj}, nil
		}
		if recs := toRecords(v); recs != nil {
			return recs, nil
		}
		return nil, fmt.Errorf("gymly: object response is %T", v)
	default: // "array" and legacy configs without a response_type
		if recs := toRecords(v); recs != nil {
			return recs, nil
		}
		if obj, ok := v.(map[string]any); ok {
			return []Record{obj}, nil
		}
		return nil, fmt.Errorf("gymly: array response is %T", v)
	}
}

func toRecords(v any) []Record {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	records := make([]Record, 0, len(list))
	for _, item := range list {
		if obj, ok := item.(map[string]any); ok {
			records = append(records, obj)
		}
	}
	return records
}

// lookupPath walks a dot-separated path through nested objects.
func lookupPath(obj map[string]any, path string) (any, bool) {
	var cur any = obj
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func intField(obj map[string]any, key string) int {
	if f, ok := obj[key].(float64); ok {
		return int(f)
	}
	return 0
}

// DateRangeFor computes the default extraction window for an endpoint.
// Daily endpoints span days_back before today through days_forward after;
// monthly endpoints start 30*months_back days before the first of the
// current month. Endpoints without a date_range get yesterday through
// today.
func DateRangeFor(ep config.Endpoint, now time.Time) (start, end time.Time) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	if ep.DateRange == nil {
		return today.AddDate(0, 0, -1), today
	}
	switch ep.DateRange.Type {
	case "daily":
		return today.AddDate(0, 0, -ep.DateRange.DaysBack), today.AddDate(0, 0, ep.DateRange.DaysForward)
	case "monthly":
		first := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, today.Location())
		return first.AddDate(0, 0, -ep.DateRange.MonthsBack*30), today
	default:
		return today.AddDate(0, 0, -1), today
	}
}
