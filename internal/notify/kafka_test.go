package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"firepoints/internal/detection/models"
	"firepoints/pkg/platform/circuit"
	"firepoints/pkg/platform/sentinel"
)

func TestNewKafkaValidation(t *testing.T) {
	_, err := NewKafka(nil, "fire-points.runs")
	assert.ErrorContains(t, err, "kafka brokers are required")

	_, err = NewKafka([]string{"localhost:9092"}, "")
	assert.ErrorContains(t, err, "kafka topic is required")
}

func TestSummaryRecord(t *testing.T) {
	started := time.Date(2024, 7, 1, 5, 0, 0, 0, time.UTC)
	summary := &models.RunSummary{
		RunID:        "3f1c2a4e-7d43-4b8e-9b0a-5c2f1e9d8a71",
		StartedAt:    started,
		FinishedAt:   started.Add(42 * time.Second),
		FetchedBytes: 1024,
		Parsed:       10,
		Rejected:     1,
		Enriched:     7,
		Loaded:       10,
	}

	rec, err := summaryRecord(summary)
	require.NoError(t, err)
	assert.Equal(t, summary.RunID, string(rec.Key))
	require.Len(t, rec.Headers, 1)
	assert.Equal(t, "application/json", string(rec.Headers[0].Value))

	var fields map[string]any
	require.NoError(t, json.Unmarshal(rec.Value, &fields))
	assert.Equal(t, summary.RunID, fields["run_id"])
	assert.EqualValues(t, 10, fields["loaded"])
	assert.EqualValues(t, 7, fields["enriched"])
	assert.Equal(t, "2024-07-01T05:00:00Z", fields["started_at"])
}

func TestSummaryRecordRequiresSummary(t *testing.T) {
	_, err := summaryRecord(nil)
	assert.Error(t, err)
}

func TestPublishOpensCircuitAfterFailures(t *testing.T) {
	k, err := NewKafka([]string{"localhost:9092"}, "firepoints.refreshed",
		WithBreaker(circuit.New("test", circuit.WithFailureThreshold(2), circuit.WithCooldown(time.Hour))))
	require.NoError(t, err)
	defer k.Close()

	calls := 0
	k.produce = func(context.Context, *kgo.Record) error {
		calls++
		return errors.New("broker unreachable")
	}
	summary := &models.RunSummary{RunID: "run-1"}

	require.Error(t, k.Publish(context.Background(), summary))
	require.Error(t, k.Publish(context.Background(), summary))
	assert.False(t, k.Healthy())

	err = k.Publish(context.Background(), summary)
	assert.ErrorIs(t, err, sentinel.ErrUnavailable)
	assert.Equal(t, 2, calls, "open circuit skips the broker")
}

func TestPublishSuccessKeepsCircuitClosed(t *testing.T) {
	k, err := NewKafka([]string{"localhost:9092"}, "firepoints.refreshed")
	require.NoError(t, err)
	defer k.Close()

	var got *kgo.Record
	k.produce = func(_ context.Context, rec *kgo.Record) error {
		got = rec
		return nil
	}

	require.NoError(t, k.Publish(context.Background(), &models.RunSummary{RunID: "run-2"}))
	require.NotNil(t, got)
	assert.Equal(t, "run-2", string(got.Key))
	assert.True(t, k.Healthy())
}
