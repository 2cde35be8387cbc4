package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
	"gymetl/internal/extract"
	"gymetl/internal/gymly"
	"gymetl/internal/metrics"
	"gymetl/internal/metrics/datadog"
	"gymetl/internal/pipeline"
	"gymetl/internal/storage"
	"gymetl/internal/transform"

	// register all backends with the storage factory.
	// config specifies which to use but we need to build in support for all of them.
	_ "gymetl/internal/storage/all"
)

// Exit codes. Partial success shares 2 with usage errors; monitoring keys
// off the run summary, not the code alone. 130 follows the shell convention
// for SIGINT.
const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitPartial     = 2
	exitInterrupted = 130
)

const (
	defaultHistoricalTables = "Lessen,LesDeelname,Omzet,GrootboekRekening,AbonnementStatistiekenSpecifiek"
	defaultNoSplitTables    = "AbonnementStatistiekenSpecifiek"
)

const dateLayout = "2006-01-02"

// cliOptions is the parsed flag set.
type cliOptions struct {
	configDir        string
	tables           string
	dryRun           bool
	verbose          bool
	healthCheckOnly  bool
	showDependencies bool
	skipHealthChecks bool

	historical       string // "start..end" convenience, or use startDate/endDate
	startDate        string
	endDate          string
	historicalTables string
	weekly           bool
	noMonthlySplit   bool
	noSplitTables    string

	metricsBackend string
	schedule       string
	batchSize      int
	force          bool
}

// runner is the slice of the pipeline runner the CLI drives.
type runner interface {
	Run(ctx context.Context, tables []string, win extract.Window) pipeline.Result
	RunHistorical(ctx context.Context, tables []string, start, end time.Time, opts pipeline.HistoricalOptions) pipeline.HistoricalResult
	HealthCheck(ctx context.Context, tables []string) error
}

// appDeps are the seams between flag handling and the heavy machinery, so
// the CLI flow is testable without a database or an API.
type appDeps struct {
	loadEnv    func()
	loadConfig func(dir string) (*config.Config, error)
	openRepo   func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newMetrics func(ctx context.Context, name string) (metrics.Backend, func(), error)
	newRunner  func(cfg *config.Config, repo storage.Repository, m metrics.Backend, opts pipeline.Options) runner
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv: func() {
			// A missing .env is fine; real deployments set the environment
			// directly.
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Msg(".env not loaded")
			}
		},
		loadConfig: config.Load,
		openRepo:   storage.New,
		newMetrics: initMetrics,
		newRunner: func(cfg *config.Config, repo storage.Repository, m metrics.Backend, opts pipeline.Options) runner {
			client := gymly.NewClient(cfg.Endpoints)
			client.SetMetrics(m)
			extractor := extract.New(client, cfg)
			loader := storage.NewLoader(repo, cfg.Database.SchemaName)
			return pipeline.NewRunner(extractor, transform.New(cfg.Schema), loader, cfg, m, opts)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	var opts cliOptions
	fs := flag.NewFlagSet("gymetl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configDir, "config-dir", "configs", "directory holding the JSON config documents")
	fs.StringVar(&opts.tables, "tables", "", "comma-separated tables to process (default: all)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "extract and transform but skip loading")
	fs.BoolVar(&opts.verbose, "verbose", false, "enable debug logging")
	fs.BoolVar(&opts.healthCheckOnly, "health-check-only", false, "run the database health check and exit")
	fs.BoolVar(&opts.showDependencies, "show-dependencies", false, "print the table dependency graph and exit")
	fs.BoolVar(&opts.skipHealthChecks, "skip-health-checks", false, "start processing without the upfront health check")
	fs.StringVar(&opts.startDate, "start-date", "", "historical range start (YYYY-MM-DD)")
	fs.StringVar(&opts.endDate, "end-date", "", "historical range end (YYYY-MM-DD)")
	fs.StringVar(&opts.historical, "historical", "", "run a historical extraction over START..END (shorthand for -start-date/-end-date)")
	fs.StringVar(&opts.historicalTables, "historical-tables", defaultHistoricalTables, "tables to include in historical runs")
	fs.BoolVar(&opts.weekly, "weekly", false, "split historical ranges by week instead of by month")
	fs.BoolVar(&opts.noMonthlySplit, "disable-monthly-split", false, "run the historical range as a single period")
	fs.StringVar(&opts.noSplitTables, "no-monthly-split-tables", defaultNoSplitTables, "tables that run once over the full historical range")
	fs.StringVar(&opts.metricsBackend, "metrics-backend", "", "metrics backend to use (datadog, none)")
	fs.StringVar(&opts.schedule, "schedule", "", "cron expression; keep running and execute on schedule")
	fs.IntVar(&opts.batchSize, "batch-size", 0, "rows per INSERT statement (0 uses the backend default)")
	fs.BoolVar(&opts.force, "force", false, "reserved; accepted for forward compatibility")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	setupLogging(stderr, opts.verbose)

	if opts.force {
		log.Debug().Msg("force flag set; currently has no effect")
	}

	if opts.showDependencies {
		printDependencies(stdout)
		return exitOK
	}

	deps.loadEnv()

	cfg, err := deps.loadConfig(opts.configDir)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailure
	}

	tables, start, end, historical, err := resolveRun(cfg, opts)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}

	repo, err := deps.openRepo(ctx, storage.Config{
		Kind:            cfg.Database.Kind,
		DSN:             cfg.Database.DSN(),
		SchemaName:      cfg.Database.SchemaName,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetimeMinutes,
		BatchSize:       opts.batchSize,
	})
	if err != nil {
		fmt.Fprintf(stderr, "storage: %v\n", err)
		return exitFailure
	}
	defer repo.Close()

	m, closeMetrics, err := deps.newMetrics(ctx, opts.metricsBackend)
	if err != nil {
		log.Warn().Err(err).Msg("metrics backend unavailable, metrics disabled")
		m, closeMetrics = metrics.Nop{}, func() {}
	}
	defer closeMetrics()

	r := deps.newRunner(cfg, repo, m, pipeline.Options{
		DryRun:           opts.dryRun,
		SkipHealthChecks: opts.skipHealthChecks,
	})

	if opts.healthCheckOnly {
		if err := r.HealthCheck(ctx, tables); err != nil {
			fmt.Fprintf(stderr, "health check: %v\n", err)
			return exitFailure
		}
		fmt.Fprintln(stdout, "ok")
		return exitOK
	}

	if opts.schedule != "" {
		return runScheduled(ctx, stdout, stderr, r, tables, opts)
	}

	if historical {
		return runHistorical(ctx, stdout, r, tables, start, end, opts)
	}
	return runOnce(ctx, stdout, r, tables)
}

func runOnce(ctx context.Context, stdout io.Writer, r runner, tables []string) int {
	res := r.Run(ctx, tables, extract.Window{})
	fmt.Fprint(stdout, pipeline.FormatSummary(res))
	if ctx.Err() != nil {
		return exitInterrupted
	}
	switch res.Status {
	case pipeline.StatusSuccess:
		return exitOK
	case pipeline.StatusPartialSuccess:
		return exitPartial
	default:
		return exitFailure
	}
}

func runHistorical(ctx context.Context, stdout io.Writer, r runner, tables []string, start, end time.Time, opts cliOptions) int {
	hopts := pipeline.HistoricalOptions{
		Weekly:              opts.weekly,
		DisableMonthlySplit: opts.noMonthlySplit,
		SplitExempt:         intersect(splitCSV(opts.noSplitTables), tables),
	}
	hr := r.RunHistorical(ctx, tables, start, end, hopts)
	fmt.Fprintf(stdout, "%s: %s, %d/%d periods, %d rows\n",
		hr.ExecutionID, hr.Status, hr.PeriodsSucceeded, hr.PeriodsPlanned, hr.TotalLoaded)
	if ctx.Err() != nil {
		return exitInterrupted
	}
	switch hr.Status {
	case pipeline.StatusSuccess:
		return exitOK
	case pipeline.StatusPartialSuccess:
		return exitPartial
	default:
		return exitFailure
	}
}

// runScheduled keeps the process alive and runs the daily pipeline on the
// cron schedule until interrupted. Overlapping runs are skipped.
func runScheduled(ctx context.Context, stdout, stderr io.Writer, r runner, tables []string, opts cliOptions) int {
	c := cron.New()
	running := make(chan struct{}, 1)
	_, err := c.AddFunc(opts.schedule, func() {
		select {
		case running <- struct{}{}:
		default:
			log.Warn().Msg("previous run still in progress, tick skipped")
			return
		}
		defer func() { <-running }()

		res := r.Run(ctx, tables, extract.Window{})
		fmt.Fprint(stdout, pipeline.FormatSummary(res))
	})
	if err != nil {
		fmt.Fprintf(stderr, "schedule: invalid cron expression %q: %v\n", opts.schedule, err)
		return exitUsage
	}

	log.Info().Str("schedule", opts.schedule).Strs("tables", tables).Msg("scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	log.Info().Msg("scheduler stopped")
	return exitInterrupted
}

// resolveRun works the table list and the historical window out of the
// flags. Daily runs default to every known table; historical runs default
// to the tables that benefit from backfilling.
func resolveRun(cfg *config.Config, opts cliOptions) (tables []string, start, end time.Time, historical bool, err error) {
	historical = opts.historical != "" || opts.startDate != "" || opts.endDate != ""

	switch {
	case opts.tables != "":
		tables = splitCSV(opts.tables)
	case historical:
		tables = splitCSV(opts.historicalTables)
	default:
		tables = pipeline.KnownTables()
	}
	for _, t := range tables {
		if !pipeline.Known(t) {
			return nil, start, end, false, fmt.Errorf("unknown table %q (see -show-dependencies)", t)
		}
	}

	if !historical {
		return tables, start, end, false, nil
	}

	startStr, endStr := opts.startDate, opts.endDate
	if opts.historical != "" {
		parts := strings.SplitN(opts.historical, "..", 2)
		if len(parts) != 2 {
			return nil, start, end, false, fmt.Errorf("-historical wants START..END, got %q", opts.historical)
		}
		startStr, endStr = parts[0], parts[1]
	}
	if startStr == "" || endStr == "" {
		return nil, start, end, false, fmt.Errorf("historical runs need both -start-date and -end-date")
	}
	if start, err = time.Parse(dateLayout, startStr); err != nil {
		return nil, start, end, false, fmt.Errorf("invalid -start-date %q", startStr)
	}
	if end, err = time.Parse(dateLayout, endStr); err != nil {
		return nil, start, end, false, fmt.Errorf("invalid -end-date %q", endStr)
	}
	if end.Before(start) {
		return nil, start, end, false, fmt.Errorf("-end-date %s is before -start-date %s", endStr, startStr)
	}
	return tables, start, end, true, nil
}

// initMetrics builds the selected metrics backend. The returned cleanup is
// always safe to call.
func initMetrics(ctx context.Context, name string) (metrics.Backend, func(), error) {
	if name == "" {
		name = os.Getenv("METRICS_BACKEND")
	}
	switch name {
	case "", "none":
		return metrics.Nop{}, func() {}, nil
	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName: "gymetl",
			Env:     os.Getenv("DD_ENV"),
			Tags:    datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
		})
		if err != nil {
			return nil, func() {}, err
		}
		return b, func() {
			if err := b.Close(); err != nil {
				log.Warn().Err(err).Msg("metrics close")
			}
		}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown metrics backend %q", name)
	}
}

func setupLogging(stderr io.Writer, verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()
}

func printDependencies(w io.Writer) {
	for _, t := range pipeline.KnownTables() {
		deps := pipeline.Dependencies(t)
		if len(deps) == 0 {
			fmt.Fprintf(w, "%s\n", t)
			continue
		}
		fmt.Fprintf(w, "%s <- %s\n", t, strings.Join(deps, ", "))
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intersect(a, b []string) []string {
	in := map[string]bool{}
	for _, v := range b {
		in[v] = true
	}
	var out []string
	for _, v := range a {
		if in[v] {
			out = append(out, v)
		}
	}
	return out
}
