package enrich

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"golang.org/x/sync/errgroup"

	"firepoints/internal/detection/models"
)

// Sampler looks up the vegetation index at a coordinate. ok is false when the
// point has no value; err reports a failed lookup for that point only.
type Sampler interface {
	Sample(lat, lon float64) (value float64, ok bool, err error)
}

// Stats summarises one Enrich call.
type Stats struct {
	Total   int
	Sampled int
	Absent  int
	Failed  int
}

// minChunk keeps tiny inputs on a single goroutine.
const minChunk = 512

// Enricher attaches NDVI samples to detections.
type Enricher struct {
	sampler Sampler
	workers int
	logger  *slog.Logger
}

type Option func(*Enricher)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Enricher) {
		e.logger = logger
	}
}

// WithWorkers bounds the number of goroutines sampling in parallel.
func WithWorkers(n int) Option {
	return func(e *Enricher) {
		if n > 0 {
			e.workers = n
		}
	}
}

func New(sampler Sampler, opts ...Option) (*Enricher, error) {
	if sampler == nil {
		return nil, errors.New("sampler is required")
	}
	e := &Enricher{
		sampler: sampler,
		workers: runtime.GOMAXPROCS(0),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Enrich returns one EnrichedDetection per input record, in input order. A
// sampling failure is logged and leaves that record's NDVI nil; it never
// aborts the batch. Cancelling ctx stops sampling early and the remaining
// records are returned without NDVI.
func (e *Enricher) Enrich(ctx context.Context, records []models.Detection) ([]models.EnrichedDetection, Stats) {
	out := make([]models.EnrichedDetection, len(records))
	if len(records) == 0 {
		return out, Stats{}
	}

	chunk := max(minChunk, (len(records)+e.workers-1)/e.workers)
	parts := make([]Stats, (len(records)+chunk-1)/chunk)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for p := range parts {
		lo := p * chunk
		hi := min(lo+chunk, len(records))
		g.Go(func() error {
			parts[p] = e.enrichRange(ctx, records[lo:hi], out[lo:hi])
			return nil
		})
	}
	_ = g.Wait()

	stats := Stats{Total: len(records)}
	for _, p := range parts {
		stats.Sampled += p.Sampled
		stats.Absent += p.Absent
		stats.Failed += p.Failed
	}
	return out, stats
}

func (e *Enricher) enrichRange(ctx context.Context, in []models.Detection, out []models.EnrichedDetection) Stats {
	var st Stats
	for i, rec := range in {
		out[i] = models.EnrichedDetection{Detection: rec}
		if ctx.Err() != nil {
			st.Absent++
			continue
		}
		v, ok, err := e.sampler.Sample(rec.Latitude, rec.Longitude)
		switch {
		case err != nil:
			st.Failed++
			e.logger.Warn("ndvi sample failed",
				"lat", rec.Latitude,
				"lon", rec.Longitude,
				"error", err,
			)
		case ok:
			out[i].NDVI = &v
			st.Sampled++
		default:
			st.Absent++
		}
	}
	return st
}
