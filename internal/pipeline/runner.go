package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"gymetl/internal/config"
	"gymetl/internal/extract"
	"gymetl/internal/metrics"
	"gymetl/internal/storage"
	"gymetl/internal/transform"
)

// Run statuses.
const (
	StatusSuccess        = "success"
	StatusPartialSuccess = "partial_success"
	StatusError          = "error"
)

// executionIDPrefix carries the customer site tag the warehouse reports
// filter on.
const executionIDPrefix = "tree11"

// Options toggles run behavior from the CLI.
type Options struct {
	DryRun           bool
	SkipHealthChecks bool
}

// TableResult is the outcome of one table in one run.
type TableResult struct {
	Table       string
	Status      string
	Extracted   int
	Transformed int
	Loaded      int64
	Duration    time.Duration
	Err         error
}

// Result is the outcome of one pipeline run.
type Result struct {
	ExecutionID string
	StartedAt   time.Time
	FinishedAt  time.Time
	Status      string
	Tables      []TableResult
	TotalLoaded int64
	Err         error
}

// Extractor is the slice of the extract package the runner needs.
type Extractor interface {
	TableData(ctx context.Context, table string, win extract.Window) ([]extract.Record, error)
}

// Loader is the slice of the storage loader the runner needs.
type Loader interface {
	Ping(ctx context.Context) error
	Ready(ctx context.Context, tables []string) error
	Load(ctx context.Context, table string, rows []storage.Row, strategy storage.Strategy) (int64, error)
}

// Runner executes pipeline runs. Raw member records are cached per runner
// so ActieveAbonnementen can project them without refetching when Leden ran
// in the same process.
type Runner struct {
	extractor   Extractor
	transformer *transform.Transformer
	loader      Loader
	cfg         *config.Config
	metrics     metrics.Backend
	opts        Options
	now         func() time.Time

	mu         sync.Mutex
	rawMembers []extract.Record
}

func NewRunner(ex Extractor, tr *transform.Transformer, l Loader, cfg *config.Config, m metrics.Backend, opts Options) *Runner {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Runner{
		extractor:   ex,
		transformer: tr,
		loader:      l,
		cfg:         cfg,
		metrics:     m,
		opts:        opts,
		now:         time.Now,
	}
}

// ExecutionID renders the run identifier for a daily run, or a historical
// run when win.Historical is set.
func (r *Runner) ExecutionID(win extract.Window) string {
	ts := r.now().Format("20060102_150405")
	if win.Historical {
		return fmt.Sprintf("%s_historical_%s_to_%s_%s", executionIDPrefix,
			win.Start.Format("2006-01-02"), win.End.Format("2006-01-02"), ts)
	}
	return executionIDPrefix + "_" + ts
}

// Run executes one pipeline run over the requested tables. Per-table
// failures are recorded and the run continues; only a failed health check
// aborts the whole run.
func (r *Runner) Run(ctx context.Context, tables []string, win extract.Window) Result {
	res := Result{
		ExecutionID: r.ExecutionID(win),
		StartedAt:   r.now(),
	}
	order := ProcessingOrder(tables)
	log.Info().Str("execution_id", res.ExecutionID).Strs("order", order).
		Bool("dry_run", r.opts.DryRun).Msg("pipeline run starting")

	if !r.opts.SkipHealthChecks {
		if err := r.healthCheck(ctx, order); err != nil {
			res.Status = StatusError
			res.Err = err
			res.FinishedAt = r.now()
			log.Error().Err(err).Msg("health check failed, run aborted")
			return res
		}
	}

	for _, table := range order {
		tr := r.processTable(ctx, table, win)
		res.Tables = append(res.Tables, tr)
		res.TotalLoaded += tr.Loaded

		r.metrics.IncCounter(metrics.TableTotal, 1, metrics.Labels{"table": table, "status": tr.Status})
		r.metrics.ObserveHistogram(metrics.TableDurationSeconds, tr.Duration.Seconds(),
			metrics.Labels{"table": table, "status": tr.Status})
		if tr.Loaded > 0 {
			r.metrics.IncCounter(metrics.RowsTotal, float64(tr.Loaded), metrics.Labels{"table": table, "stage": "loaded"})
		}
	}

	failed := lo.CountBy(res.Tables, func(t TableResult) bool { return t.Status == StatusError })
	switch {
	case failed == 0:
		res.Status = StatusSuccess
	case failed == len(res.Tables):
		res.Status = StatusError
	default:
		res.Status = StatusPartialSuccess
	}
	res.FinishedAt = r.now()
	log.Info().Str("execution_id", res.ExecutionID).Str("status", res.Status).
		Int64("rows", res.TotalLoaded).Dur("took", res.FinishedAt.Sub(res.StartedAt)).
		Msg("pipeline run finished")
	return res
}

// healthCheck verifies database reachability and that every target table
// exists before any extraction starts.
func (r *Runner) healthCheck(ctx context.Context, tables []string) error {
	if err := r.loader.Ping(ctx); err != nil {
		return fmt.Errorf("pipeline: database unreachable: %w", err)
	}
	return r.loader.Ready(ctx, tables)
}

// HealthCheck is the standalone check the CLI's --health-check-only mode
// runs.
func (r *Runner) HealthCheck(ctx context.Context, tables []string) error {
	return r.healthCheck(ctx, ProcessingOrder(tables))
}

func (r *Runner) processTable(ctx context.Context, table string, win extract.Window) TableResult {
	started := r.now()
	tr := TableResult{Table: table}
	fail := func(err error) TableResult {
		tr.Status = StatusError
		tr.Err = err
		tr.Duration = r.now().Sub(started)
		log.Error().Err(err).Str("table", table).Msg("table failed")
		return tr
	}

	records, err := r.extractTable(ctx, table, win)
	if err != nil {
		return fail(err)
	}
	tr.Extracted = len(records)

	rows, err := r.transformTable(table, records)
	if err != nil {
		return fail(err)
	}
	rows = r.transformer.Validate(table, rows)
	tr.Transformed = len(rows)

	if r.opts.DryRun {
		log.Info().Str("table", table).Int("rows", len(rows)).Msg("dry run, load skipped")
		tr.Status = StatusSuccess
		tr.Duration = r.now().Sub(started)
		return tr
	}

	loaded, err := r.loader.Load(ctx, table, rows, r.strategyFor(table))
	if err != nil {
		return fail(err)
	}
	tr.Loaded = loaded
	tr.Status = StatusSuccess
	tr.Duration = r.now().Sub(started)
	log.Info().Str("table", table).Int("extracted", tr.Extracted).
		Int("transformed", tr.Transformed).Int64("loaded", loaded).Msg("table loaded")
	return tr
}

// extractTable fetches raw records, serving ActieveAbonnementen from the
// member rows cached by a Leden extraction in the same run when possible.
func (r *Runner) extractTable(ctx context.Context, table string, win extract.Window) ([]extract.Record, error) {
	if table == "ActieveAbonnementen" {
		if cached := r.cachedMembers(); cached != nil {
			return cached, nil
		}
		records, err := r.extractor.TableData(ctx, "Leden", win)
		if err != nil {
			return nil, err
		}
		r.setCachedMembers(records)
		return records, nil
	}

	records, err := r.extractor.TableData(ctx, table, win)
	if err != nil {
		return nil, err
	}
	if table == "Leden" {
		r.setCachedMembers(records)
	}
	return records, nil
}

// transformTable routes tables with dedicated aggregations; everything
// else goes through the schema mappings.
func (r *Runner) transformTable(table string, records []extract.Record) ([]transform.Row, error) {
	switch table {
	case "AbonnementStatistieken":
		return r.transformer.AnalyticsData(records)
	case "AbonnementStatistiekenSpecifiek":
		return r.transformer.AnalyticsSpecificData(records)
	case "Omzet":
		rows, _, err := r.transformer.RevenueData(records)
		return rows, err
	case "GrootboekRekening":
		_, rows, err := r.transformer.RevenueData(records)
		return rows, err
	case "ActieveAbonnementen":
		return r.transformer.ActiveMemberships(records), nil
	case "Uitbetalingen":
		return r.transformer.PayoutsData(records)
	default:
		return r.transformer.TransformTable(table, records)
	}
}

func (r *Runner) strategyFor(table string) storage.Strategy {
	if tc, ok := r.cfg.Schema.Tables[table]; ok && tc.UpdateStrategy != "" {
		return storage.Strategy(tc.UpdateStrategy)
	}
	return storage.StrategyInsert
}

func (r *Runner) cachedMembers() []extract.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rawMembers
}

func (r *Runner) setCachedMembers(records []extract.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rawMembers = records
}

// HistoricalResult aggregates the per-period runs of a historical
// extraction.
type HistoricalResult struct {
	ExecutionID      string
	Status           string
	PeriodsPlanned   int
	PeriodsSucceeded int
	Periods          []Result
	TotalLoaded      int64
}

// HistoricalOptions controls period splitting.
type HistoricalOptions struct {
	// Weekly splits by week instead of by month.
	Weekly bool
	// DisableMonthlySplit forces a single period regardless of span.
	DisableMonthlySplit bool
	// SplitExempt tables run once over the whole range instead of per
	// period; the per-subscription statistics fan-out would otherwise
	// refetch every subscription for every period.
	SplitExempt []string
}

// RunHistorical executes a historical extraction over [start, end],
// splitting long ranges into periods and running each in turn, oldest
// first.
func (r *Runner) RunHistorical(ctx context.Context, tables []string, start, end time.Time, opts HistoricalOptions) HistoricalResult {
	fullWin := extract.Window{Start: start, End: end, Historical: true}
	hr := HistoricalResult{ExecutionID: r.ExecutionID(fullWin)}

	exempt := map[string]bool{}
	for _, t := range opts.SplitExempt {
		exempt[t] = true
	}
	splitTables := lo.Filter(tables, func(t string, _ int) bool { return !exempt[t] })
	exemptTables := lo.Filter(tables, func(t string, _ int) bool { return exempt[t] })

	periods := r.planPeriods(start, end, opts)
	hr.PeriodsPlanned = len(periods)
	log.Info().Str("execution_id", hr.ExecutionID).Int("periods", len(periods)).
		Strs("tables", tables).Msg("historical run starting")

	if len(splitTables) > 0 {
		for _, p := range periods {
			win := extract.Window{Start: p.Start, End: p.End, Historical: true}
			res := r.Run(ctx, splitTables, win)
			hr.Periods = append(hr.Periods, res)
			hr.TotalLoaded += res.TotalLoaded
			if res.Status != StatusError {
				hr.PeriodsSucceeded++
			}
		}
	}

	if len(exemptTables) > 0 {
		res := r.Run(ctx, exemptTables, fullWin)
		hr.Periods = append(hr.Periods, res)
		hr.TotalLoaded += res.TotalLoaded
	}

	hr.Status = historicalStatus(hr.Periods)
	log.Info().Str("execution_id", hr.ExecutionID).Str("status", hr.Status).
		Int64("rows", hr.TotalLoaded).Msg("historical run finished")
	return hr
}

func (r *Runner) planPeriods(start, end time.Time, opts HistoricalOptions) []Period {
	days := rangeDays(start, end)
	switch {
	case opts.Weekly && days > weeklySplitThresholdDays:
		return SplitByWeeks(start, end)
	case !opts.Weekly && !opts.DisableMonthlySplit && days > splitThresholdDays:
		return SplitByMonths(start, end)
	default:
		return []Period{{Start: start, End: end}}
	}
}

func historicalStatus(periods []Result) string {
	if len(periods) == 0 {
		return StatusError
	}
	var ok, failed int
	for _, p := range periods {
		if p.Status == StatusError {
			failed++
		} else {
			ok++
		}
	}
	switch {
	case ok == 0:
		return StatusError
	case failed == 0 && !anyPartial(periods):
		return StatusSuccess
	default:
		return StatusPartialSuccess
	}
}

func anyPartial(periods []Result) bool {
	for _, p := range periods {
		if p.Status == StatusPartialSuccess {
			return true
		}
	}
	return false
}

// FormatSummary renders a one-line-per-table report for CLI output.
func FormatSummary(res Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s, %d rows\n", res.ExecutionID, res.Status, res.TotalLoaded)
	for _, t := range res.Tables {
		if t.Err != nil {
			fmt.Fprintf(&sb, "  %-34s %-8s %v\n", t.Table, t.Status, t.Err)
			continue
		}
		fmt.Fprintf(&sb, "  %-34s %-8s extracted=%d transformed=%d loaded=%d\n",
			t.Table, t.Status, t.Extracted, t.Transformed, t.Loaded)
	}
	return sb.String()
}
