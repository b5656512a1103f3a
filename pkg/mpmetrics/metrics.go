// Package mpmetrics exposes Prometheus counters, gauges, and histograms for
// every component that talks to the Provider or the local store. Metrics
// are process-wide (Prometheus collectors are registered once, at package
// init) while a Collector gives each component a labeled convenience API,
// mirroring the teacher's pkg/metrics.
package mpmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts every Transport request attempt that received an
	// HTTP response, by endpoint and outcome (success, or an mperrors.Type
	// string on failure); attempts that fail before a response are counted
	// only in retriesTotal.
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpdata_requests_total",
			Help: "Total Provider HTTP requests by endpoint and outcome",
		},
		[]string{"component", "endpoint", "outcome"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "mpdata_request_latency_seconds",
			Help: "Provider HTTP request latency in seconds",
			Buckets: []float64{
				0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
			},
		},
		[]string{"component", "endpoint"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpdata_retries_total",
			Help: "Total retry attempts by endpoint",
		},
		[]string{"component", "endpoint"},
	)

	// rateLimitBudgetUsed holds the expected request count of the most
	// recent parallel fetch job per budget, set by the ParallelFetcher when
	// it checks whether to log its 80% budget warning.
	rateLimitBudgetUsed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpdata_rate_limit_budget_used",
			Help: "Expected Provider requests of the most recent parallel fetch job",
		},
		[]string{"budget"},
	)

	rowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpdata_rows_written_total",
			Help: "Total rows appended to the local store by table",
		},
		[]string{"table"},
	)

	sliceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mpdata_fetch_slices_total",
			Help: "ParallelFetcher slice outcomes by table and status",
		},
		[]string{"table", "status"},
	)

	activeWorkers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mpdata_active_workers",
			Help: "Currently running fetch workers by table",
		},
		[]string{"table"},
	)
)

// Collector is a component-scoped view over the process-wide metrics,
// analogous to the teacher's metrics.Collector.
type Collector struct {
	component string
}

// NewCollector returns a Collector labeled with component (e.g.
// "transport", "storage", "fetch:events").
func NewCollector(component string) *Collector {
	return &Collector{component: component}
}

// RecordRequest records the outcome and latency of one HTTP request.
func (c *Collector) RecordRequest(endpoint, outcome string, elapsed time.Duration) {
	requestsTotal.WithLabelValues(c.component, endpoint, outcome).Inc()
	requestLatency.WithLabelValues(c.component, endpoint).Observe(elapsed.Seconds())
}

// RecordRetry increments the retry counter for endpoint.
func (c *Collector) RecordRetry(endpoint string) {
	retriesTotal.WithLabelValues(c.component, endpoint).Inc()
}

// SetBudgetUsed reports the expected request count of a parallel fetch job
// against a budget (budget is "query" or "export").
func SetBudgetUsed(budget string, used int) {
	rateLimitBudgetUsed.WithLabelValues(budget).Set(float64(used))
}

// RecordRowsWritten increments the row counter for a table by n.
func RecordRowsWritten(table string, n int64) {
	rowsWritten.WithLabelValues(table).Add(float64(n))
}

// RecordSliceOutcome increments the slice counter for table by status
// ("success" or "failure").
func RecordSliceOutcome(table, status string) {
	sliceOutcomes.WithLabelValues(table, status).Inc()
}

// SetActiveWorkers reports the current worker count for a table's fetch.
func SetActiveWorkers(table string, n int) {
	activeWorkers.WithLabelValues(table).Set(float64(n))
}

// Timer measures an operation's elapsed duration.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the elapsed duration since the timer was created.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
