package raster

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/suite"

	"firepoints/pkg/platform/sentinel"
)

// =============================================================================
// Sampler Test Suite
// =============================================================================
// Justification for unit tests: coordinate-to-pixel mapping has sharp edge
// cases (east and south edges map one past the last pixel) that must be pinned.

type SamplerSuite struct {
	suite.Suite
	grid    *Grid
	sampler *Sampler
}

func TestSamplerSuite(t *testing.T) {
	suite.Run(t, new(SamplerSuite))
}

func (s *SamplerSuite) SetupTest() {
	// 4x2 grid over lon [0,4], lat [0,2]; pixel value = row-major index.
	s.grid = &Grid{
		Width:  4,
		Height: 2,
		Bounds: BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 4, MaxLat: 2},
		Values: []float64{0, 1, 2, 3, 4, 5, 6, 7},
	}
	s.sampler = NewSamplerFromGrid(s.grid, WithLogger(discardLogger()))
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *SamplerSuite) TestSampleInside() {
	cases := []struct {
		name     string
		lat, lon float64
		want     float64
	}{
		{"north west pixel", 1.5, 0.5, 0},
		{"north east pixel", 1.5, 3.5, 3},
		{"south west pixel", 0.5, 0.5, 4},
		{"south east pixel", 0.5, 3.99, 7},
		{"west edge inclusive", 1.0, 0, 4},
		{"north edge inclusive", 2, 1.5, 1},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			v, ok, err := s.sampler.Sample(tc.lat, tc.lon)
			s.Require().NoError(err)
			s.True(ok)
			s.Equal(tc.want, v)
		})
	}
}

func (s *SamplerSuite) TestSampleOutsideIsAbsent() {
	cases := []struct {
		name     string
		lat, lon float64
	}{
		{"east edge", 1, 4},
		{"south edge", 0, 1},
		{"west of grid", 1, -0.01},
		{"north of grid", 2.01, 1},
		{"far away", -45, 170},
		{"out of range latitude", 95, 1},
		{"infinite longitude", 1, math.Inf(1)},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			v, ok, err := s.sampler.Sample(tc.lat, tc.lon)
			s.Require().NoError(err)
			s.False(ok)
			s.Zero(v)
		})
	}
}

func (s *SamplerSuite) TestSampleNaNCoordinateIsSampleError() {
	_, ok, err := s.sampler.Sample(math.NaN(), 1)
	s.False(ok)

	var serr *SampleError
	s.Require().ErrorAs(err, &serr)
	s.True(math.IsNaN(serr.Lat))
}

func (s *SamplerSuite) TestSampleBeforeLoad() {
	_, ok, err := NewSampler().Sample(1, 1)
	s.False(ok)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *SamplerSuite) TestSampleNoDataAndNaNPixels() {
	fill := -3000.0
	grid := &Grid{
		Width:  3,
		Height: 1,
		Bounds: BoundingBox{MinLon: 0, MinLat: 0, MaxLon: 3, MaxLat: 1},
		Values: []float64{fill, math.NaN(), 0.25},
		NoData: &fill,
	}

	s.Run("fill value returned when masking is off", func() {
		v, ok, err := NewSamplerFromGrid(grid).Sample(0.5, 0.5)
		s.NoError(err)
		s.True(ok)
		s.Equal(fill, v)
	})

	s.Run("fill value absent when masking is on", func() {
		_, ok, err := NewSamplerFromGrid(grid, WithNoDataMasking(true)).Sample(0.5, 0.5)
		s.NoError(err)
		s.False(ok)
	})

	s.Run("NaN pixel is absent", func() {
		_, ok, err := NewSamplerFromGrid(grid).Sample(0.5, 1.5)
		s.NoError(err)
		s.False(ok)
	})
}

func (s *SamplerSuite) TestRandomPointsAgainstBoundingBox() {
	rng := rand.New(rand.NewSource(42))
	b := s.grid.Bounds
	for i := 0; i < 1000; i++ {
		lon := b.MinLon + rng.Float64()*(b.MaxLon-b.MinLon)
		lat := b.MaxLat - rng.Float64()*(b.MaxLat-b.MinLat)
		if lon == b.MinLon || lat == b.MaxLat {
			continue
		}
		_, ok, err := s.sampler.Sample(lat, lon)
		s.Require().NoError(err)
		s.Require().True(ok, "inside point (%v, %v)", lat, lon)

		outLon := b.MaxLon + rng.Float64()*10
		_, ok, err = s.sampler.Sample(lat, outLon)
		s.Require().NoError(err)
		s.Require().False(ok, "outside point (%v, %v)", lat, outLon)

		outLat := b.MinLat - rng.Float64()*10
		_, ok, err = s.sampler.Sample(outLat, lon)
		s.Require().NoError(err)
		s.Require().False(ok, "outside point (%v, %v)", outLat, lon)
	}
}

func (s *SamplerSuite) TestSampleAgreesWithBoundsContains() {
	b := s.grid.Bounds
	points := [][2]float64{
		{b.MaxLat, b.MinLon},
		{b.MinLat, b.MinLon},
		{b.MaxLat, b.MaxLon},
		{b.MinLat, b.MaxLon},
		{math.NaN(), 1},
		{1, math.Inf(1)},
	}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 500; i++ {
		points = append(points, [2]float64{
			b.MinLat - 1 + rng.Float64()*(b.MaxLat-b.MinLat+2),
			b.MinLon - 1 + rng.Float64()*(b.MaxLon-b.MinLon+2),
		})
	}
	for _, p := range points {
		_, ok, err := s.sampler.Sample(p[0], p[1])
		if math.IsNaN(p[0]) {
			s.Require().Error(err)
			continue
		}
		s.Require().NoError(err)
		s.Equal(b.Contains(p[0], p[1]), ok, "point (%v, %v)", p[0], p[1])
	}
}

func (s *SamplerSuite) TestLoadIsCachedAndReloadRereads() {
	var calls int
	open := func(path string) (*Grid, error) {
		calls++
		return s.grid, nil
	}
	sampler := NewSampler(WithOpener(open), WithLogger(discardLogger()))
	s.Nil(sampler.Grid())

	g1, err := sampler.Load("ndvi.tif")
	s.Require().NoError(err)
	g2, err := sampler.Load("other.tif")
	s.Require().NoError(err)
	s.Same(g1, g2)
	s.Equal(1, calls)

	_, err = sampler.Reload("ndvi.tif")
	s.Require().NoError(err)
	s.Equal(2, calls)
}

func (s *SamplerSuite) TestLoadFailureIsNotCached() {
	var calls int
	open := func(path string) (*Grid, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("disk on fire")
		}
		return s.grid, nil
	}
	sampler := NewSampler(WithOpener(open), WithLogger(discardLogger()))

	_, err := sampler.Load("ndvi.tif")
	s.Error(err)
	s.Nil(sampler.Grid())

	g, err := sampler.Load("ndvi.tif")
	s.Require().NoError(err)
	s.Same(s.grid, g)
}

func (s *SamplerSuite) TestConcurrentLoadOpensOnce() {
	var (
		mu    sync.Mutex
		calls int
	)
	open := func(path string) (*Grid, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return s.grid, nil
	}
	sampler := NewSampler(WithOpener(open), WithLogger(discardLogger()))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sampler.Load("ndvi.tif")
		}()
	}
	wg.Wait()
	s.Equal(1, calls)
}

func (s *SamplerSuite) TestLoadFromGeoTIFF() {
	raw := testTIFF{
		width: 2, height: 2, bits: 32, format: sampleFormatFloat,
		bands:    [][]float64{{0.1, 0.2, 0.3, 0.4}},
		tiepoint: []float64{0, 0, 0, 10, 20, 0},
		scale:    []float64{1, 1, 0},
	}.build(s.T())
	grid, err := Decode(bytes.NewReader(raw))
	s.Require().NoError(err)

	v, ok, err := NewSamplerFromGrid(grid).Sample(18.5, 11.5)
	s.Require().NoError(err)
	s.True(ok)
	s.InDelta(0.4, v, 1e-6)
}
