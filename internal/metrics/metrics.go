// Package metrics is the seam between the pipeline and whatever metrics
// system a deployment uses. The pipeline only ever talks to Backend; the
// Datadog implementation lives in the datadog sub-package, and deployments
// without a metrics system get Nop.
package metrics

// Labels tag a single observation.
type Labels map[string]string

// Metric names the pipeline emits. Backends may ignore names they do not
// chart.
const (
	TableTotal           = "pipeline_table_total"             // labels: table, status
	RowsTotal            = "pipeline_rows_total"              // labels: table, stage
	TableDurationSeconds = "pipeline_table_duration_seconds"  // labels: table, status
	APIRequestsTotal     = "pipeline_api_requests_total"      // labels: status
	APIDurationSeconds   = "pipeline_api_duration_seconds"    // labels: status
)

// Backend receives observations. Implementations must be safe for
// concurrent use; the per-subscription fan-out reports from many
// goroutines.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered observations out. Close stops any background
	// flushing and flushes one final time.
	Flush() error
	Close() error
}

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) Flush() error                             { return nil }
func (Nop) Close() error                             { return nil }

var _ Backend = Nop{}
