// Command gymfetch pulls the raw records behind one endpoint or one table
// and prints them as JSON lines. It is the debugging companion to the
// pipeline: same config, same rate-limited client, no transform, no load.
//
// The output is meant for machine parsing (jq, head, wc -l). One record per
// line, exactly as the API returned it plus the stamps the extractor adds.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gymetl/internal/config"
	"gymetl/internal/extract"
	"gymetl/internal/gymly"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const dateLayout = "2006-01-02"

type fetchConfig struct {
	configDir string
	endpoint  string
	table     string
	startStr  string
	endStr    string
	outPath   string
	pretty    bool
}

// fetcher is the seam the tests replace: both paths yield raw records.
type fetcher interface {
	Endpoint(ctx context.Context, name string, params map[string]string) ([]gymly.Record, error)
	Table(ctx context.Context, table string, win extract.Window) ([]gymly.Record, error)
}

type apiFetcher struct {
	cfg       *config.Config
	client    *gymly.Client
	extractor *extract.Extractor
}

func (f *apiFetcher) Endpoint(ctx context.Context, name string, params map[string]string) ([]gymly.Record, error) {
	ep, ok := f.cfg.Endpoints.Endpoints[name]
	if !ok {
		return nil, fmt.Errorf("endpoint %q not defined", name)
	}
	return f.client.ExtractEndpointData(ctx, name, ep, params)
}

func (f *apiFetcher) Table(ctx context.Context, table string, win extract.Window) ([]gymly.Record, error) {
	return f.extractor.TableData(ctx, table, win)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, func(cfg *config.Config) fetcher {
		client := gymly.NewClient(cfg.Endpoints)
		return &apiFetcher{cfg: cfg, client: client, extractor: extract.New(client, cfg)}
	})
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, newFetcher func(*config.Config) fetcher) int {
	var fc fetchConfig
	fs := flag.NewFlagSet("gymfetch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&fc.configDir, "config-dir", "configs", "directory holding the JSON config documents")
	fs.StringVar(&fc.endpoint, "endpoint", "", "endpoint name from api_endpoints.json")
	fs.StringVar(&fc.table, "table", "", "table name; runs the full extraction including follow-up requests")
	fs.StringVar(&fc.startStr, "start-date", "", "window start (YYYY-MM-DD); default per endpoint")
	fs.StringVar(&fc.endStr, "end-date", "", "window end (YYYY-MM-DD)")
	fs.StringVar(&fc.outPath, "out", "", "write records to this file instead of stdout")
	fs.BoolVar(&fc.pretty, "pretty", false, "indent the JSON output")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	if (fc.endpoint == "") == (fc.table == "") {
		fmt.Fprintln(stderr, "usage: gymfetch -endpoint NAME | -table NAME [-start-date ... -end-date ...]")
		return exitUsage
	}
	win, err := windowFromFlags(fc.startStr, fc.endStr)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg(".env not loaded")
	}
	cfg, err := config.Load(fc.configDir)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFailure
	}

	f := newFetcher(cfg)
	started := time.Now()

	var records []gymly.Record
	if fc.table != "" {
		records, err = f.Table(ctx, fc.table, win)
	} else {
		records, err = f.Endpoint(ctx, fc.endpoint, paramsFromWindow(win))
	}
	if err != nil {
		fmt.Fprintf(stderr, "fetch: %v\n", err)
		return exitFailure
	}

	out := stdout
	if fc.outPath != "" {
		file, err := os.Create(fc.outPath)
		if err != nil {
			fmt.Fprintf(stderr, "out: %v\n", err)
			return exitFailure
		}
		defer file.Close()
		out = file
	}
	if err := writeRecords(out, records, fc.pretty); err != nil {
		fmt.Fprintf(stderr, "write: %v\n", err)
		return exitFailure
	}

	log.Info().Int("records", len(records)).
		Dur("took", time.Since(started).Truncate(time.Millisecond)).Msg("fetch done")
	return exitOK
}

// windowFromFlags parses the optional explicit window. Both dates or
// neither; a window makes the run historical so the extractor does not
// substitute its per-endpoint default.
func windowFromFlags(startStr, endStr string) (extract.Window, error) {
	if startStr == "" && endStr == "" {
		return extract.Window{}, nil
	}
	if startStr == "" || endStr == "" {
		return extract.Window{}, fmt.Errorf("-start-date and -end-date must be given together")
	}
	start, err := time.Parse(dateLayout, startStr)
	if err != nil {
		return extract.Window{}, fmt.Errorf("invalid -start-date %q", startStr)
	}
	end, err := time.Parse(dateLayout, endStr)
	if err != nil {
		return extract.Window{}, fmt.Errorf("invalid -end-date %q", endStr)
	}
	if end.Before(start) {
		return extract.Window{}, fmt.Errorf("-end-date %s is before -start-date %s", endStr, startStr)
	}
	return extract.Window{Start: start, End: end, Historical: true}, nil
}

func paramsFromWindow(win extract.Window) map[string]string {
	if !win.Historical {
		return nil
	}
	return map[string]string{
		"start_date": win.Start.Format(dateLayout),
		"end_date":   win.End.Format(dateLayout),
	}
}

// writeRecords emits one JSON document per record, one per line unless
// pretty is set.
func writeRecords(w io.Writer, records []gymly.Record, pretty bool) error {
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	for _, r := range records {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}
