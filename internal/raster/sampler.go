package raster

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"firepoints/pkg/platform/sentinel"
)

// SampleError reports a failed lookup for a single coordinate. Callers treat
// it as an absent value rather than a fatal error.
type SampleError struct {
	Lat float64
	Lon float64
	Err error
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample (%v, %v): %v", e.Lat, e.Lon, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }

// Sampler owns the process-wide raster grid. The grid is loaded once and
// shared read-only by every caller; Reload swaps in a fresh copy.
type Sampler struct {
	grid       atomic.Pointer[Grid]
	mu         sync.Mutex
	open       func(path string) (*Grid, error)
	maskNoData bool
	logger     *slog.Logger
}

type Option func(*Sampler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sampler) {
		s.logger = logger
	}
}

// WithNoDataMasking makes pixels equal to the raster's declared fill value
// sample as absent.
func WithNoDataMasking(enabled bool) Option {
	return func(s *Sampler) {
		s.maskNoData = enabled
	}
}

// WithOpener replaces the GeoTIFF reader used by Load and Reload.
func WithOpener(open func(path string) (*Grid, error)) Option {
	return func(s *Sampler) {
		s.open = open
	}
}

// NewSampler returns a sampler with no grid loaded.
func NewSampler(opts ...Option) *Sampler {
	s := &Sampler{
		open:   Open,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewSamplerFromGrid returns a sampler preloaded with grid.
func NewSamplerFromGrid(grid *Grid, opts ...Option) *Sampler {
	s := NewSampler(opts...)
	s.grid.Store(grid)
	return s
}

// Load reads the raster at path on first call and returns the cached grid on
// every later call, whatever path is passed.
func (s *Sampler) Load(path string) (*Grid, error) {
	if g := s.grid.Load(); g != nil {
		return g, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if g := s.grid.Load(); g != nil {
		return g, nil
	}
	return s.loadLocked(path)
}

// Reload re-reads the raster and replaces the cached grid. Samples in flight
// keep using the grid they started with.
func (s *Sampler) Reload(path string) (*Grid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(path)
}

func (s *Sampler) loadLocked(path string) (*Grid, error) {
	start := time.Now()
	g, err := s.open(path)
	if err != nil {
		return nil, err
	}
	s.grid.Store(g)
	s.logger.Info("raster loaded",
		"path", path,
		"width", g.Width,
		"height", g.Height,
		"min_lon", g.Bounds.MinLon,
		"min_lat", g.Bounds.MinLat,
		"max_lon", g.Bounds.MaxLon,
		"max_lat", g.Bounds.MaxLat,
		"duration", time.Since(start),
	)
	return g, nil
}

// Grid returns the cached grid, or nil before the first successful Load.
func (s *Sampler) Grid() *Grid {
	return s.grid.Load()
}

// Sample returns the first-band value at (lat, lon). ok is false when the
// coordinate lies outside the grid or the pixel holds no data.
func (s *Sampler) Sample(lat, lon float64) (value float64, ok bool, err error) {
	g := s.grid.Load()
	if g == nil {
		return 0, false, &SampleError{Lat: lat, Lon: lon, Err: fmt.Errorf("raster not loaded: %w", sentinel.ErrInvalidState)}
	}
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return 0, false, &SampleError{Lat: lat, Lon: lon, Err: errors.New("coordinate is NaN")}
	}
	px, py, inside := g.Pixel(lat, lon)
	if !inside {
		return 0, false, nil
	}
	v := g.At(px, py)
	if math.IsNaN(v) || (s.maskNoData && g.IsNoData(v)) {
		return 0, false, nil
	}
	return v, true, nil
}
