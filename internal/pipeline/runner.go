package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"firepoints/internal/detection/models"
	"firepoints/internal/detection/parser"
	"firepoints/internal/enrich"
	"firepoints/internal/fetch"
	"firepoints/internal/pipeline/guard"
	"firepoints/internal/pipeline/metrics"
	"firepoints/internal/store/firepoints"
	"firepoints/pkg/platform/sentinel"
)

// ErrRunInProgress is returned by Run when another run holds the guard.
var ErrRunInProgress = fmt.Errorf("refresh run: %w", sentinel.ErrInProgress)

// Fetcher downloads the source file to Destination.
type Fetcher interface {
	Fetch(ctx context.Context) (int64, error)
	Destination() string
}

// Enricher attaches NDVI values to parsed detections.
type Enricher interface {
	Enrich(ctx context.Context, records []models.Detection) ([]models.EnrichedDetection, enrich.Stats)
}

// Store is the destination table for one run.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	Clear(ctx context.Context) error
	Insert(ctx context.Context, records []models.EnrichedDetection) (int, error)
	Close() error
}

// StoreOpener acquires a Store at the start of each run.
type StoreOpener interface {
	Open(ctx context.Context) (Store, error)
}

// StoreOpenerFunc adapts a function to StoreOpener.
type StoreOpenerFunc func(ctx context.Context) (Store, error)

func (f StoreOpenerFunc) Open(ctx context.Context) (Store, error) { return f(ctx) }

// Notifier publishes the summary of a successful run.
type Notifier interface {
	Publish(ctx context.Context, summary *models.RunSummary) error
}

// Runner executes refresh runs, at most one at a time.
type Runner struct {
	fetcher  Fetcher
	enricher Enricher
	opener   StoreOpener
	parse    func(path string) (*parser.Result, error)

	local    guard.Local
	lease    guard.Guard
	notifier Notifier
	snapshot string

	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithLease adds a guard taken after the in-process one, typically a
// guard.RedisLease shared by several replicas.
func WithLease(g guard.Guard) Option {
	return func(r *Runner) {
		r.lease = g
	}
}

func WithNotifier(n Notifier) Option {
	return func(r *Runner) {
		r.notifier = n
	}
}

// WithSnapshotPath writes the enriched records as CSV to path after each
// successful load.
func WithSnapshotPath(path string) Option {
	return func(r *Runner) {
		r.snapshot = path
	}
}

func WithParser(parse func(path string) (*parser.Result, error)) Option {
	return func(r *Runner) {
		if parse != nil {
			r.parse = parse
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

func New(fetcher Fetcher, enricher Enricher, opener StoreOpener, opts ...Option) (*Runner, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if enricher == nil {
		return nil, errors.New("enricher is required")
	}
	if opener == nil {
		return nil, errors.New("store opener is required")
	}
	r := &Runner{
		fetcher:  fetcher,
		enricher: enricher,
		opener:   opener,
		parse:    parser.ParseFile,
		logger:   slog.Default(),
		tracer:   otel.Tracer("firepoints/pipeline"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Running reports whether this process currently holds the run guard.
func (r *Runner) Running() bool {
	return r.local.Held()
}

// Trigger starts a run unless one is active. It returns false when the
// trigger was ignored; failures of the run itself are logged, not returned.
func (r *Runner) Trigger(ctx context.Context) bool {
	_, err := r.Run(ctx)
	if errors.Is(err, ErrRunInProgress) {
		r.logger.Info("refresh skipped, previous run still in progress")
		return false
	}
	return true
}

// Run executes one refresh and returns its summary. A failed run still
// returns the partial summary alongside the error.
func (r *Runner) Run(ctx context.Context) (*models.RunSummary, error) {
	release, ok, err := r.acquire(ctx)
	if err != nil {
		r.logger.Error("refresh guard unavailable", "error", err)
		r.metrics.ObserveRun(r.now(), metrics.OutcomeError)
		return nil, err
	}
	if !ok {
		r.metrics.IncSkipped()
		return nil, ErrRunInProgress
	}
	defer release()
	return r.execute(ctx)
}

func (r *Runner) acquire(ctx context.Context) (func(), bool, error) {
	if r.lease == nil {
		return r.local.TryAcquire(ctx)
	}
	return guard.Chain(&r.local, r.lease).TryAcquire(ctx)
}

func (r *Runner) execute(ctx context.Context) (*models.RunSummary, error) {
	start := r.now()
	summary := &models.RunSummary{RunID: uuid.NewString(), StartedAt: start}
	log := r.logger.With("run_id", summary.RunID)

	ctx, span := r.tracer.Start(ctx, "firepoints.refresh",
		trace.WithAttributes(attribute.String("firepoints.run_id", summary.RunID)))
	defer span.End()

	log.Info("refresh started")
	err := r.steps(ctx, log, summary)
	summary.FinishedAt = r.now()
	r.metrics.ObserveRun(start, outcome(err))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		log.Error("refresh failed",
			"outcome", outcome(err),
			"error", err,
			"elapsed", summary.FinishedAt.Sub(start))
		return summary, err
	}

	log.Info("refresh completed",
		"parsed", summary.Parsed,
		"rejected", summary.Rejected,
		"enriched", summary.Enriched,
		"loaded", summary.Loaded,
		"elapsed", summary.FinishedAt.Sub(start))

	if r.notifier != nil {
		if err := r.notifier.Publish(ctx, summary); err != nil {
			log.Warn("publish run summary failed", "error", err)
		}
	}
	return summary, nil
}

func (r *Runner) steps(ctx context.Context, log *slog.Logger, summary *models.RunSummary) error {
	fetchCtx, span := r.tracer.Start(ctx, "firepoints.fetch")
	n, err := r.fetcher.Fetch(fetchCtx)
	span.End()
	if err != nil {
		return fmt.Errorf("fetch source: %w", err)
	}
	summary.FetchedBytes = n
	r.metrics.SetFetchedBytes(n)

	_, span = r.tracer.Start(ctx, "firepoints.parse")
	result, err := r.parse(r.fetcher.Destination())
	span.End()
	if err != nil {
		return fmt.Errorf("parse source: %w", err)
	}
	summary.Parsed = len(result.Records)
	summary.Rejected = len(result.Rejected)
	if len(result.Rejected) > 0 {
		first := result.Rejected[0]
		log.Warn("rows rejected",
			"count", len(result.Rejected),
			"first_line", first.Line,
			"first_column", first.Column,
			"first_value", first.Value)
		r.metrics.AddRejected(len(result.Rejected))
	}

	store, err := r.opener.Open(ctx)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("close store failed", "error", err)
		}
	}()

	var (
		enriched []models.EnrichedDetection
		loaded   int
	)
	loadCtx, span := r.tracer.Start(ctx, "firepoints.load")
	err = store.RunInTx(loadCtx, func(ctx context.Context) error {
		if err := store.Clear(ctx); err != nil {
			return err
		}
		var stats enrich.Stats
		enriched, stats = r.enricher.Enrich(ctx, result.Records)
		summary.Enriched = stats.Sampled
		r.metrics.AddSampleFailures(stats.Failed)
		n, err := store.Insert(ctx, enriched)
		loaded = n
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	if err != nil {
		return fmt.Errorf("replace fire points: %w", err)
	}
	// Rows written inside a rolled-back transaction are not loaded.
	summary.Loaded = loaded
	r.metrics.SetLoaded(loaded)

	if r.snapshot != "" {
		if err := parser.WriteSnapshotFile(r.snapshot, enriched); err != nil {
			log.Warn("write snapshot failed", "path", r.snapshot, "error", err)
		}
	}
	return nil
}

func outcome(err error) string {
	var (
		timeoutErr *fetch.TimeoutError
		remoteErr  *fetch.RemoteError
		fetchErr   *fetch.Error
		parseErr   *parser.ParseError
		loadErr    *firepoints.LoadError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.As(err, &timeoutErr):
		return metrics.OutcomeFetchTimeout
	case errors.As(err, &remoteErr):
		return metrics.OutcomeFetchRemote
	case errors.As(err, &fetchErr):
		return metrics.OutcomeFetchError
	case errors.As(err, &parseErr):
		return metrics.OutcomeParseError
	case errors.As(err, &loadErr), errors.Is(err, sentinel.ErrUnavailable):
		return metrics.OutcomeLoadError
	default:
		return metrics.OutcomeError
	}
}
