// Package extract resolves warehouse tables to API extractions. Most
// tables map straight onto one endpoint; class attendance, per-subscription
// statistics, and product sales need follow-up requests per parent record.
package extract

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"gymetl/internal/config"
	"gymetl/internal/gymly"
)

// Record is one raw API record.
type Record = gymly.Record

// subscriptionStatsEndpoints feed the aggregate statistics table; each
// carries its own category and payment-type variants.
var subscriptionStatsEndpoints = []string{
	"subscription_statistics_new",
	"subscription_statistics_paused",
	"subscription_statistics_active",
	"subscription_statistics_expirations",
}

// maxSubscriptionWorkers bounds the per-subscription analytics fan-out.
const maxSubscriptionWorkers = 10

// Window is the extraction date range. Historical windows come from the
// CLI; otherwise each endpoint derives its own default window.
type Window struct {
	Start      time.Time
	End        time.Time
	Historical bool
}

const dateLayout = "2006-01-02"

// Extractor fetches raw records per table. The subscription list is cached
// for the lifetime of the extractor so the per-subscription fan-out does
// not refetch it for every period.
type Extractor struct {
	client *gymly.Client
	cfg    *config.Config
	now    func() time.Time

	mu            sync.Mutex
	subscriptions []Record
}

func New(client *gymly.Client, cfg *config.Config) *Extractor {
	return &Extractor{client: client, cfg: cfg, now: time.Now}
}

// TableData returns the raw records for one table.
func (e *Extractor) TableData(ctx context.Context, table string, win Window) ([]Record, error) {
	switch table {
	case "LesDeelname":
		return e.classAttendance(ctx, win)
	case "AbonnementStatistieken":
		return e.subscriptionStats(ctx, win)
	case "AbonnementStatistiekenSpecifiek":
		return e.perSubscriptionStats(ctx, win)
	case "ProductVerkopen":
		return e.productSales(ctx, win)
	default:
		return e.endpointData(ctx, table, win)
	}
}

// endpointData is the direct table-to-endpoint path.
func (e *Extractor) endpointData(ctx context.Context, table string, win Window) ([]Record, error) {
	name, ep, err := e.endpointFor(table)
	if err != nil {
		return nil, err
	}
	records, err := e.client.ExtractEndpointData(ctx, name, ep, e.rangeParams(ep, win))
	if err != nil {
		return nil, fmt.Errorf("extract: table %s: %w", table, err)
	}
	return records, nil
}

func (e *Extractor) endpointFor(table string) (string, config.Endpoint, error) {
	tc, ok := e.cfg.Schema.Tables[table]
	if !ok || tc.Endpoint == "" {
		return "", config.Endpoint{}, fmt.Errorf("extract: table %s has no endpoint", table)
	}
	ep, ok := e.cfg.Endpoints.Endpoints[tc.Endpoint]
	if !ok {
		return "", config.Endpoint{}, fmt.Errorf("extract: endpoint %s not defined", tc.Endpoint)
	}
	return tc.Endpoint, ep, nil
}

// rangeParams renders the window as start_date/end_date runtime params,
// deferring to the endpoint's own default window outside historical runs.
func (e *Extractor) rangeParams(ep config.Endpoint, win Window) map[string]string {
	start, end := win.Start, win.End
	if !win.Historical {
		start, end = gymly.DateRangeFor(ep, e.now())
	}
	return map[string]string{
		"start_date": start.Format(dateLayout),
		"end_date":   end.Format(dateLayout),
	}
}

// classAttendance fetches the class window, keeps classes that already
// took place, and follows up with one participant request per class. The
// default window reaches a week back and a day forward; the historical
// path uses a strict before-today cutoff where the daily path includes
// today's classes.
func (e *Extractor) classAttendance(ctx context.Context, win Window) ([]Record, error) {
	classesName, classesEp, err := e.endpointFor("Lessen")
	if err != nil {
		return nil, err
	}
	attendanceName, attendanceEp, err := e.endpointFor("LesDeelname")
	if err != nil {
		return nil, err
	}

	now := e.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	params := map[string]string{}
	if win.Historical {
		params["start_date"] = win.Start.Format(dateLayout)
		params["end_date"] = win.End.Format(dateLayout)
	} else {
		params["start_date"] = today.AddDate(0, 0, -7).Format(dateLayout)
		params["end_date"] = today.AddDate(0, 0, 1).Format(dateLayout)
	}

	classes, err := e.client.ExtractEndpointData(ctx, classesName, classesEp, params)
	if err != nil {
		return nil, fmt.Errorf("extract: classes for attendance: %w", err)
	}

	var out []Record
	for _, class := range classes {
		start, ok := classStart(class)
		if !ok {
			continue
		}
		classDay := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, today.Location())
		if win.Historical {
			if !classDay.Before(today) {
				continue
			}
		} else if classDay.After(today) {
			continue
		}
		classID := fmt.Sprint(class["id"])
		members, err := e.client.ExtractEndpointData(ctx, attendanceName, attendanceEp,
			map[string]string{"course_id": classID})
		if err != nil {
			log.Warn().Err(err).Str("class", classID).Msg("class participants unavailable, class skipped")
			continue
		}
		for _, m := range members {
			m["course_id"] = classID
		}
		out = append(out, members...)
	}
	return out, nil
}

func classStart(class Record) (time.Time, bool) {
	for _, key := range []string{"startDate", "start", "date"} {
		s, ok := class[key].(string)
		if !ok || s == "" {
			continue
		}
		for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", dateLayout} {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// subscriptionStats concatenates the four category endpoints.
func (e *Extractor) subscriptionStats(ctx context.Context, win Window) ([]Record, error) {
	var all []Record
	for _, name := range subscriptionStatsEndpoints {
		ep, ok := e.cfg.Endpoints.Endpoints[name]
		if !ok {
			return nil, fmt.Errorf("extract: endpoint %s not defined", name)
		}
		records, err := e.client.ExtractEndpointData(ctx, name, ep, e.rangeParams(ep, win))
		if err != nil {
			return nil, fmt.Errorf("extract: %s: %w", name, err)
		}
		all = append(all, records...)
	}
	return all, nil
}

// perSubscriptionStats issues one analytics request per known subscription,
// at most maxSubscriptionWorkers in flight. A failed subscription logs and
// contributes nothing; the rest of the fan-out continues.
func (e *Extractor) perSubscriptionStats(ctx context.Context, win Window) ([]Record, error) {
	name, ep, err := e.endpointFor("AbonnementStatistiekenSpecifiek")
	if err != nil {
		return nil, err
	}
	subs, err := e.subscriptionList(ctx)
	if err != nil {
		return nil, err
	}
	if len(subs) == 0 {
		return nil, nil
	}

	var (
		mu  sync.Mutex
		out []Record
	)
	g, gctx := errgroup.WithContext(ctx)
	limit := maxSubscriptionWorkers
	if len(subs) < limit {
		limit = len(subs)
	}
	g.SetLimit(limit)

	for _, sub := range subs {
		g.Go(func() error {
			subID := fmt.Sprint(sub["id"])
			params := e.rangeParams(ep, win)
			params["membership_id"] = subID
			params["granularity"] = "DAY"

			records, err := e.client.ExtractEndpointData(gctx, name, ep, params)
			if err != nil {
				log.Warn().Err(err).Str("subscription", subID).Msg("subscription statistics unavailable")
				return nil
			}
			startCtx, _ := sub["startDate"].(string)
			for _, r := range records {
				r["membership_id"] = subID
				r["granularity"] = firstNonEmpty(stringOf(r["granularity"]), "DAY")
				if startCtx != "" {
					r["start_date_context"] = startCtx
				}
			}
			mu.Lock()
			out = append(out, records...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// subscriptionList fetches the subscription catalog once and caches it.
func (e *Extractor) subscriptionList(ctx context.Context) ([]Record, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscriptions != nil {
		return e.subscriptions, nil
	}
	name, ep, err := e.endpointFor("Abonnementen")
	if err != nil {
		return nil, err
	}
	subs, err := e.client.ExtractEndpointData(ctx, name, ep, nil)
	if err != nil {
		return nil, fmt.Errorf("extract: subscriptions: %w", err)
	}
	e.subscriptions = subs
	return subs, nil
}

// productSales requests point-of-sale statistics one day at a time and
// keeps only products that actually sold. Row ids are synthesized from the
// day and the product's position in the full response array so reruns of
// the same day overwrite; the product's own id stays on the record.
func (e *Extractor) productSales(ctx context.Context, win Window) ([]Record, error) {
	name, ep, err := e.endpointFor("ProductVerkopen")
	if err != nil {
		return nil, err
	}
	start, end := win.Start, win.End
	if !win.Historical {
		start, end = gymly.DateRangeFor(ep, e.now())
	}

	var out []Record
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		records, err := e.client.ExtractEndpointData(ctx, name, ep, map[string]string{
			"start_date": day.Format(dateLayout),
			"end_date":   day.AddDate(0, 0, 1).Format(dateLayout),
		})
		if err != nil {
			log.Warn().Err(err).Str("day", day.Format(dateLayout)).Msg("pos statistics unavailable for day")
			continue
		}
		for i, r := range records {
			sales, _ := r["sales"].(float64)
			if sales <= 0 {
				continue
			}
			r["product_verkopen_id"] = fmt.Sprintf("PV_%s_%03d", day.Format("20060102"), i)
			r["date"] = day.Format(dateLayout)
			out = append(out, r)
		}
	}
	return out, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
