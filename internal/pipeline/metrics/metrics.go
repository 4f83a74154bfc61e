package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes recorded on firepoints_runs_total.
const (
	OutcomeSuccess      = "success"
	OutcomeFetchTimeout = "fetch_timeout"
	OutcomeFetchRemote  = "fetch_remote_error"
	OutcomeFetchError   = "fetch_error"
	OutcomeParseError   = "parse_error"
	OutcomeLoadError    = "load_error"
	OutcomeError        = "error"
)

// Metrics holds the Prometheus metrics for refresh runs. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunsSkipped     prometheus.Counter
	RunDuration     prometheus.Histogram
	FetchedBytes    prometheus.Gauge
	RowsRejected    prometheus.Counter
	RecordsLoaded   prometheus.Gauge
	SampleFailures  prometheus.Counter
	LastSuccessTime prometheus.Gauge
}

// New creates the refresh metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "firepoints_runs_total",
			Help: "Refresh runs by outcome",
		}, []string{"outcome"}),
		RunsSkipped: f.NewCounter(prometheus.CounterOpts{
			Name: "firepoints_runs_skipped_total",
			Help: "Refresh triggers ignored because a run was already in progress",
		}),
		RunDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "firepoints_run_duration_seconds",
			Help:    "Wall time of refresh runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		FetchedBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "firepoints_fetched_bytes",
			Help: "Size of the most recently downloaded source file",
		}),
		RowsRejected: f.NewCounter(prometheus.CounterOpts{
			Name: "firepoints_rows_rejected_total",
			Help: "Source rows dropped for malformed numeric fields",
		}),
		RecordsLoaded: f.NewGauge(prometheus.GaugeOpts{
			Name: "firepoints_records_loaded",
			Help: "Records written by the most recent successful run",
		}),
		SampleFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "firepoints_ndvi_sample_failures_total",
			Help: "Records whose NDVI lookup failed and was stored as absent",
		}),
		LastSuccessTime: f.NewGauge(prometheus.GaugeOpts{
			Name: "firepoints_last_success_timestamp_seconds",
			Help: "Unix time of the most recent successful run",
		}),
	}
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(start time.Time, outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
	m.RunDuration.Observe(time.Since(start).Seconds())
	if outcome == OutcomeSuccess {
		m.LastSuccessTime.SetToCurrentTime()
	}
}

func (m *Metrics) IncSkipped() {
	if m == nil {
		return
	}
	m.RunsSkipped.Inc()
}

func (m *Metrics) SetFetchedBytes(n int64) {
	if m == nil {
		return
	}
	m.FetchedBytes.Set(float64(n))
}

func (m *Metrics) AddRejected(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RowsRejected.Add(float64(n))
}

func (m *Metrics) SetLoaded(n int) {
	if m == nil {
		return
	}
	m.RecordsLoaded.Set(float64(n))
}

func (m *Metrics) AddSampleFailures(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SampleFailures.Add(float64(n))
}
