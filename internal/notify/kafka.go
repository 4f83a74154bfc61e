package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"firepoints/internal/detection/models"
	"firepoints/pkg/platform/circuit"
	"firepoints/pkg/platform/sentinel"
)

// Kafka publishes run summaries as JSON records keyed by run ID. Repeated
// broker failures open a circuit and publishing is skipped until its
// cooldown elapses.
type Kafka struct {
	client  *kgo.Client
	topic   string
	produce func(ctx context.Context, rec *kgo.Record) error
	breaker *circuit.Breaker
	logger  *slog.Logger
}

type Option func(*Kafka)

func WithBreaker(b *circuit.Breaker) Option {
	return func(k *Kafka) {
		if b != nil {
			k.breaker = b
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(k *Kafka) {
		k.logger = logger
	}
}

func NewKafka(brokers []string, topic string, opts ...Option) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RecordRetries(3),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	k := &Kafka{
		client:  client,
		topic:   topic,
		breaker: circuit.New("kafka-notifier", circuit.WithFailureThreshold(3), circuit.WithCooldown(15*time.Minute)),
		logger:  slog.Default(),
	}
	k.produce = func(ctx context.Context, rec *kgo.Record) error {
		return client.ProduceSync(ctx, rec).FirstErr()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(k)
		}
	}
	return k, nil
}

// EnsureTopic creates the summary topic if it does not exist yet.
func (k *Kafka) EnsureTopic(ctx context.Context, partitions int32, replication int16) error {
	adm := kadm.NewClient(k.client)
	resp, err := adm.CreateTopics(ctx, partitions, replication, nil, k.topic)
	if err != nil {
		return fmt.Errorf("create topic %s: %w", k.topic, err)
	}
	for _, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
		}
	}
	return nil
}

func (k *Kafka) Publish(ctx context.Context, summary *models.RunSummary) error {
	rec, err := summaryRecord(summary)
	if err != nil {
		return err
	}
	if !k.breaker.Allow() {
		return fmt.Errorf("publish run summary: circuit %s open: %w", k.breaker.Name(), sentinel.ErrUnavailable)
	}
	if err := k.produce(ctx, rec); err != nil {
		if _, change := k.breaker.RecordFailure(); change.Opened {
			k.logger.Error("kafka publishing suspended", "topic", k.topic, "error", err)
		}
		return fmt.Errorf("publish run summary: %w", err)
	}
	if _, change := k.breaker.RecordSuccess(); change.Closed {
		k.logger.Info("kafka publishing resumed", "topic", k.topic)
	}
	k.logger.Debug("run summary published", "topic", k.topic, "run_id", summary.RunID)
	return nil
}

// Healthy reports whether publishing is currently attempted.
func (k *Kafka) Healthy() bool {
	return !k.breaker.IsOpen()
}

func (k *Kafka) Close() {
	k.client.Close()
}

func summaryRecord(summary *models.RunSummary) (*kgo.Record, error) {
	if summary == nil {
		return nil, errors.New("run summary is required")
	}
	payload, err := json.Marshal(summary)
	if err != nil {
		return nil, fmt.Errorf("encode run summary: %w", err)
	}
	return &kgo.Record{
		Key:   []byte(summary.RunID),
		Value: payload,
		Headers: []kgo.RecordHeader{
			{Key: "content-type", Value: []byte("application/json")},
		},
	}, nil
}
