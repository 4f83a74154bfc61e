package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRun(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRun(time.Now(), OutcomeSuccess)
	m.ObserveRun(time.Now(), OutcomeFetchTimeout)
	m.ObserveRun(time.Now(), OutcomeFetchTimeout)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues(OutcomeFetchTimeout)))
	assert.Greater(t, testutil.ToFloat64(m.LastSuccessTime), 0.0)

	n, err := testutil.GatherAndCount(reg, "firepoints_run_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCountersIgnoreNonPositive(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.AddRejected(0)
	m.AddRejected(-3)
	m.AddRejected(2)
	m.AddSampleFailures(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RowsRejected))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SampleFailures))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveRun(time.Now(), OutcomeError)
		m.IncSkipped()
		m.SetFetchedBytes(10)
		m.AddRejected(1)
		m.SetLoaded(1)
		m.AddSampleFailures(1)
	})
}
