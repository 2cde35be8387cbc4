// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Observations are buffered in memory and submitted on a ticker (default
// once per minute) plus one final flush on Close. Short CLI runs therefore
// still get their tail flushed at shutdown, while a long backfill shows up
// as a time series instead of a single spike at exit.
//
// Concurrency model:
//   - pipeline goroutines call IncCounter/ObserveHistogram at any time
//   - Flush snapshots and resets buffers under a mutex, then submits
//     out-of-lock
//   - the flush loop calls Flush periodically; Close stops the loop
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"gymetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric. Defaults to
	// "gymetl".
	JobName string

	// Env becomes tag "env:<env>". Defaults to "unknown".
	Env string

	// Tags are extra Datadog tags (e.g. []string{"service:gymetl"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// Defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these; tests use
	// them to avoid real clocks, tickers, and network submission.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend
// needs. The SDK only exposes the concrete *datadogV2.MetricsApi, which
// cannot be stubbed without real HTTP; depending on this interface keeps
// the tests deterministic.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	tableCounts    map[string]float64   // table\x00status -> runs
	rowCounts      map[string]float64   // table\x00stage -> rows
	tableDurations map[string][]float64 // table\x00status -> seconds
	apiCounts      map[string]float64   // status -> requests
	apiDurations   map[string][]float64 // status -> seconds
}

// NewBackend constructs a Datadog backend using the official client. The
// client reads DD_API_KEY and friends from the environment; a missing key
// surfaces as submission errors at Flush time, not here.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "gymetl"
	}
	env := opts.Env
	if env == "" {
		env = "unknown"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, "env:"+env, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,

		tableCounts:    make(map[string]float64),
		rowCounts:      make(map[string]float64),
		tableDurations: make(map[string][]float64),
		apiCounts:      make(map[string]float64),
		apiDurations:   make(map[string][]float64),
	}
	go b.loop()
	return b, nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)
	t := b.newTicker(b.flushEvery)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Call once at
// process shutdown.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.TableTotal:
		b.tableCounts[pairKey(labels["table"], labels["status"])] += delta
	case metrics.RowsTotal:
		b.rowCounts[pairKey(labels["table"], labels["stage"])] += delta
	case metrics.APIRequestsTotal:
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.apiCounts[status] += delta
	default:
		// Unknown counters are ignored.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case metrics.TableDurationSeconds:
		k := pairKey(labels["table"], labels["status"])
		b.tableDurations[k] = append(b.tableDurations[k], value)
	case metrics.APIDurationSeconds:
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.apiDurations[status] = append(b.apiDurations[status], value)
	default:
		// Unknown histograms are ignored.
	}
}

// snapshot carries one collection window's buffers out of the lock so the
// payload can be built and submitted without blocking writers.
type snapshot struct {
	tableCounts    map[string]float64
	rowCounts      map[string]float64
	tableDurations map[string][]float64
	apiCounts      map[string]float64
	apiDurations   map[string][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		tableCounts:    b.tableCounts,
		rowCounts:      b.rowCounts,
		tableDurations: b.tableDurations,
		apiCounts:      b.apiCounts,
		apiDurations:   b.apiDurations,
	}
	b.tableCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.tableDurations = make(map[string][]float64)
	b.apiCounts = make(map[string]float64)
	b.apiDurations = make(map[string][]float64)
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.tableCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.tableDurations) == 0 &&
		len(s.apiCounts) == 0 &&
		len(s.apiDurations) == 0
}

// Flush submits buffered metrics and resets the buffers. Buffers reset
// even when submission fails, so a Datadog outage cannot grow process
// memory without bound.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}
	series := b.buildSeries(snap, b.now().Unix())
	_, _, err := b.api.SubmitMetrics(b.ctx, datadogV2.MetricPayload{Series: series}, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure: no locks, no clocks, no network. It owns the metric
// naming and tagging contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.tableCounts)+len(s.rowCounts)+16)

	for k, v := range s.tableCounts {
		if v == 0 {
			continue
		}
		table, status := splitPairKey(k)
		series = append(series, countSeries("gymetl.table.total", v,
			withTags(b.baseTags, "table:"+table, "status:"+status), nowUnix))
	}
	for k, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		table, stage := splitPairKey(k)
		series = append(series, countSeries("gymetl.rows.total", v,
			withTags(b.baseTags, "table:"+table, "stage:"+stage), nowUnix))
	}
	for status, v := range s.apiCounts {
		if v == 0 {
			continue
		}
		series = append(series, countSeries("gymetl.api.requests.total", v,
			withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for k, samples := range s.tableDurations {
		table, status := splitPairKey(k)
		appendPercentiles(&series, "gymetl.table.duration_seconds",
			withTags(b.baseTags, "table:"+table, "status:"+status), samples, nowUnix)
	}
	for status, samples := range s.apiDurations {
		appendPercentiles(&series, "gymetl.api.duration_seconds",
			withTags(b.baseTags, "status:"+status), samples, nowUnix)
	}
	return series
}

// appendPercentiles publishes nearest-rank percentile gauges plus max and
// sample count for one sample set. Sorts a copy, never the input.
func appendPercentiles(series *[]datadogV2.MetricSeries, prefix string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix))
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (string, string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

// percentileNearestRank picks the sample at the nearest rank for p in
// (0, 1) over a sorted slice.
func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:gymetl".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var _ metrics.Backend = (*Backend)(nil)
