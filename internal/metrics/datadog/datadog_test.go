package datadog

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"gymetl/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush().
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

func newTestBackend(t *testing.T, sub *fakeSubmitter) *Backend {
	t.Helper()
	b, err := NewBackend(context.Background(), Options{
		JobName:   "gymetl-test",
		Env:       "test",
		now:       func() time.Time { return time.Unix(1700000000, 0) },
		newTicker: func(d time.Duration) *time.Ticker { return time.NewTicker(time.Hour) },
		submitter: sub,
	})
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	return b
}

func seriesByMetric(p datadogV2.MetricPayload) map[string]datadogV2.MetricSeries {
	out := map[string]datadogV2.MetricSeries{}
	for _, s := range p.Series {
		out[s.Metric] = s
	}
	return out
}

func TestFlushEmptySubmitsNothing(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 0 {
		t.Errorf("submitted %d payloads for empty buffers", sub.count())
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestFlushBuildsTableSeries(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer b.Close()

	b.IncCounter(metrics.TableTotal, 1, metrics.Labels{"table": "Leden", "status": "success"})
	b.IncCounter(metrics.TableTotal, 1, metrics.Labels{"table": "Leden", "status": "success"})
	b.IncCounter(metrics.RowsTotal, 42, metrics.Labels{"table": "Leden", "stage": "loaded"})
	b.ObserveHistogram(metrics.TableDurationSeconds, 1.5, metrics.Labels{"table": "Leden", "status": "success"})

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	payload, ok := sub.last()
	if !ok {
		t.Fatal("nothing submitted")
	}
	byMetric := seriesByMetric(payload)

	total, ok := byMetric["gymetl.table.total"]
	if !ok {
		t.Fatalf("no table total series in %v", payload.Series)
	}
	if *total.Points[0].Value != 2 {
		t.Errorf("table total = %v, want counted 2", *total.Points[0].Value)
	}
	wantTags := []string{"table:Leden", "status:success"}
	for _, w := range wantTags {
		found := false
		for _, tag := range total.Tags {
			if tag == w {
				found = true
			}
		}
		if !found {
			t.Errorf("tag %q missing from %v", w, total.Tags)
		}
	}

	if rows := byMetric["gymetl.rows.total"]; *rows.Points[0].Value != 42 {
		t.Errorf("rows total = %v", *rows.Points[0].Value)
	}
	if _, ok := byMetric["gymetl.table.duration_seconds.p50"]; !ok {
		t.Error("duration percentiles missing")
	}
	if samples := byMetric["gymetl.table.duration_seconds.samples"]; *samples.Points[0].Value != 1 {
		t.Errorf("samples = %v", *samples.Points[0].Value)
	}
}

func TestFlushResetsBuffers(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer b.Close()

	b.IncCounter(metrics.APIRequestsTotal, 1, metrics.Labels{"status": "200"})
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if err := b.Flush(); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if sub.count() != 1 {
		t.Errorf("submitted %d payloads, want buffers reset after first flush", sub.count())
	}
}

func TestFlushResetsEvenOnSubmitError(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("intake down")}
	b := newTestBackend(t, sub)
	defer b.Close()

	b.IncCounter(metrics.APIRequestsTotal, 1, metrics.Labels{"status": "503"})
	if err := b.Flush(); err == nil {
		t.Fatal("want submit error")
	}
	sub.err = nil
	if err := b.Flush(); err != nil {
		t.Fatalf("Flush after reset: %v", err)
	}
	if sub.count() != 1 {
		t.Errorf("payloads = %d, want failed buffer discarded", sub.count())
	}
}

func TestCloseFlushesTail(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	b.IncCounter(metrics.TableTotal, 1, metrics.Labels{"table": "Omzet", "status": "error"})
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if sub.count() != 1 {
		t.Errorf("Close did not flush the tail")
	}
}

func TestNegativeAndUnknownObservationsIgnored(t *testing.T) {
	sub := &fakeSubmitter{}
	b := newTestBackend(t, sub)
	defer b.Close()

	b.IncCounter(metrics.TableTotal, -1, metrics.Labels{"table": "Leden", "status": "success"})
	b.IncCounter("something_else", 1, nil)
	b.ObserveHistogram(metrics.TableDurationSeconds, -0.5, metrics.Labels{"table": "Leden"})
	b.ObserveHistogram("something_else", 1, nil)

	if err := b.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if sub.count() != 0 {
		t.Errorf("ignored observations still produced a payload")
	}
}

func TestPairKeyRoundTrip(t *testing.T) {
	tests := []struct{ a, b string }{
		{"Leden", "success"},
		{"", "success"},
		{"Omzet", ""},
		{"", ""},
	}
	for _, tc := range tests {
		a, b := splitPairKey(pairKey(tc.a, tc.b))
		if a != tc.a || b != tc.b {
			t.Errorf("round trip (%q,%q) = (%q,%q)", tc.a, tc.b, a, b)
		}
	}
}

func TestPercentileNearestRank(t *testing.T) {
	s := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentileNearestRank(s, 0.5); got != 6 {
		t.Errorf("p50 = %v", got)
	}
	if got := percentileNearestRank(s, 0); got != 1 {
		t.Errorf("p0 = %v", got)
	}
	if got := percentileNearestRank(s, 1); got != 10 {
		t.Errorf("p100 = %v", got)
	}
	if got := percentileNearestRank(nil, 0.5); got != 0 {
		t.Errorf("empty = %v", got)
	}
}

func TestParseTagsCSV(t *testing.T) {
	got := ParseTagsCSV(" env:prod , service:gymetl ,, ")
	if len(got) != 2 || got[0] != "env:prod" || got[1] != "service:gymetl" {
		t.Errorf("ParseTagsCSV = %v", got)
	}
	if ParseTagsCSV("") != nil {
		t.Error("empty input should return nil")
	}
	if !strings.HasPrefix(got[1], "service:") {
		t.Errorf("tag = %q", got[1])
	}
}
