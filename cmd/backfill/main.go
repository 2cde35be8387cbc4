// Command backfill replays history month by month, oldest first, keeping a
// progress file so an interrupted backfill resumes where it stopped instead
// of refetching months that already landed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
	"gymetl/internal/extract"
	"gymetl/internal/gymly"
	"gymetl/internal/metrics"
	"gymetl/internal/pipeline"
	"gymetl/internal/storage"
	"gymetl/internal/transform"

	_ "gymetl/internal/storage/all"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

const dateLayout = "2006-01-02"

const defaultTables = "Lessen,LesDeelname,Omzet,GrootboekRekening,AbonnementStatistiekenSpecifiek"

// batchEntry records one completed table-month.
type batchEntry struct {
	AttemptID   string    `json:"attempt_id"`
	CompletedAt time.Time `json:"completed_at"`
	Rows        int64     `json:"rows"`
}

// progressFile is the on-disk resume state: table name to completed batch
// keys, where a batch key is the period's "start..end".
type progressFile struct {
	UpdatedAt time.Time                        `json:"updated_at"`
	Tables    map[string]map[string]batchEntry `json:"tables"`
}

func newProgress() *progressFile {
	return &progressFile{Tables: map[string]map[string]batchEntry{}}
}

func (p *progressFile) done(table, batch string) bool {
	_, ok := p.Tables[table][batch]
	return ok
}

func (p *progressFile) mark(table, batch string, rows int64) {
	if p.Tables[table] == nil {
		p.Tables[table] = map[string]batchEntry{}
	}
	p.Tables[table][batch] = batchEntry{
		AttemptID:   uuid.NewString(),
		CompletedAt: time.Now().UTC(),
		Rows:        rows,
	}
}

func loadProgress(path string) (*progressFile, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return newProgress(), nil
	}
	if err != nil {
		return nil, err
	}
	p := newProgress()
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("progress file %s is corrupt: %w", path, err)
	}
	return p, nil
}

// saveProgress writes via a temp file and rename so a crash mid-write never
// corrupts the resume state.
func saveProgress(path string, p *progressFile) error {
	p.UpdatedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+".tmp")
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func batchKey(p pipeline.Period) string {
	return p.Start.Format(dateLayout) + ".." + p.End.Format(dateLayout)
}

// runner is the slice of the pipeline runner the backfill drives.
type runner interface {
	Run(ctx context.Context, tables []string, win extract.Window) pipeline.Result
}

type appDeps struct {
	loadEnv    func()
	loadConfig func(dir string) (*config.Config, error)
	openRepo   func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newRunner  func(cfg *config.Config, repo storage.Repository) runner
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv: func() {
			if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Msg(".env not loaded")
			}
		},
		loadConfig: config.Load,
		openRepo:   storage.New,
		newRunner: func(cfg *config.Config, repo storage.Repository) runner {
			client := gymly.NewClient(cfg.Endpoints)
			extractor := extract.New(client, cfg)
			loader := storage.NewLoader(repo, cfg.Database.SchemaName)
			return pipeline.NewRunner(extractor, transform.New(cfg.Schema), loader, cfg, metrics.Nop{}, pipeline.Options{})
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
	var (
		configDir    string
		tablesFlag   string
		startStr     string
		endStr       string
		progressPath string
		verbose      bool
	)
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configDir, "config-dir", "configs", "directory holding the JSON config documents")
	fs.StringVar(&tablesFlag, "tables", defaultTables, "comma-separated tables to backfill")
	fs.StringVar(&startStr, "start-date", "", "backfill range start (YYYY-MM-DD)")
	fs.StringVar(&endStr, "end-date", "", "backfill range end (YYYY-MM-DD)")
	fs.StringVar(&progressPath, "progress-file", "backfill_progress.json", "resume state path")
	fs.BoolVar(&verbose, "verbose", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		Level(level).With().Timestamp().Logger()

	if startStr == "" || endStr == "" {
		fmt.Fprintln(stderr, "usage: backfill -start-date YYYY-MM-DD -end-date YYYY-MM-DD [-tables ...]")
		return exitUsage
	}
	start, err := time.Parse(dateLayout, startStr)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -start-date %q\n", startStr)
		return exitUsage
	}
	end, err := time.Parse(dateLayout, endStr)
	if err != nil {
		fmt.Fprintf(stderr, "invalid -end-date %q\n", endStr)
		return exitUsage
	}
	if end.Before(start) {
		fmt.Fprintf(stderr, "-end-date %s is before -start-date %s\n", endStr, startStr)
		return exitUsage
	}

	var tables []string
	for _, t := range strings.Split(tablesFlag, ",") {
		if t = strings.TrimSpace(t); t == "" {
			continue
		}
		if !pipeline.Known(t) {
			fmt.Fprintf(stderr, "unknown table %q\n", t)
			return exitUsage
		}
		tables = append(tables, t)
	}
	if len(tables) == 0 {
		fmt.Fprintln(stderr, "no tables to backfill")
		return exitUsage
	}

	deps.loadEnv()

	cfg, err := deps.loadConfig(configDir)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailure
	}

	progress, err := loadProgress(progressPath)
	if err != nil {
		fmt.Fprintf(stderr, "progress: %v\n", err)
		return exitFailure
	}

	repo, err := deps.openRepo(ctx, storage.Config{
		Kind:            cfg.Database.Kind,
		DSN:             cfg.Database.DSN(),
		SchemaName:      cfg.Database.SchemaName,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetimeMinutes,
	})
	if err != nil {
		fmt.Fprintf(stderr, "storage: %v\n", err)
		return exitFailure
	}
	defer repo.Close()

	r := deps.newRunner(cfg, repo)
	return backfill(ctx, stdout, r, tables, start, end, progress, progressPath)
}

// backfill walks the monthly periods oldest first and runs each pending
// table-month as its own pipeline run, saving progress after every batch.
func backfill(ctx context.Context, stdout io.Writer, r runner, tables []string, start, end time.Time, progress *progressFile, progressPath string) int {
	periods := pipeline.SplitByMonths(start, end)
	var ran, skipped, failed int

	for _, period := range periods {
		key := batchKey(period)
		for _, table := range tables {
			if ctx.Err() != nil {
				fmt.Fprintf(stdout, "interrupted: %d batches done, %d skipped, %d failed\n", ran, skipped, failed)
				return exitInterrupted
			}
			if progress.done(table, key) {
				skipped++
				log.Debug().Str("table", table).Str("batch", key).Msg("batch already completed")
				continue
			}

			win := extract.Window{Start: period.Start, End: period.End, Historical: true}
			res := r.Run(ctx, []string{table}, win)
			if res.Status != pipeline.StatusSuccess {
				failed++
				log.Error().Str("table", table).Str("batch", key).Err(res.Err).
					Str("status", res.Status).Msg("batch failed, will retry on next invocation")
				continue
			}

			ran++
			progress.mark(table, key, res.TotalLoaded)
			if err := saveProgress(progressPath, progress); err != nil {
				log.Error().Err(err).Msg("progress not saved")
			}
			log.Info().Str("table", table).Str("batch", key).Int64("rows", res.TotalLoaded).Msg("batch completed")
		}
	}

	fmt.Fprintf(stdout, "backfill finished: %d batches run, %d skipped, %d failed\n", ran, skipped, failed)
	if failed > 0 {
		return exitFailure
	}
	return exitOK
}
