package raster

import "math"

// BoundingBox is the geographic extent covered by a grid, in degrees.
type BoundingBox struct {
	MinLon float64
	MinLat float64
	MaxLon float64
	MaxLat float64
}

// Contains reports whether (lat, lon) lies in the half-open extent used for
// pixel lookup: west and north edges inclusive, east and south edges exclusive.
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lon >= b.MinLon && lon < b.MaxLon && lat > b.MinLat && lat <= b.MaxLat
}

// Grid is the first band of a georeferenced raster. It is immutable once
// built and safe for concurrent reads.
type Grid struct {
	Width  int
	Height int
	Bounds BoundingBox
	// Values holds Width*Height samples, row-major, north row first.
	Values []float64
	// NoData is the declared fill value, if the raster carries one.
	NoData *float64
}

// Pixel maps a geographic coordinate to a pixel index with nearest-pixel
// (floor) semantics. ok is false when the coordinate falls outside the grid.
func (g *Grid) Pixel(lat, lon float64) (px, py int, ok bool) {
	b := g.Bounds
	if !b.Contains(lat, lon) {
		return 0, 0, false
	}
	x := math.Floor((lon - b.MinLon) / (b.MaxLon - b.MinLon) * float64(g.Width))
	y := math.Floor((b.MaxLat - lat) / (b.MaxLat - b.MinLat) * float64(g.Height))
	if x < 0 || x >= float64(g.Width) || y < 0 || y >= float64(g.Height) {
		return 0, 0, false
	}
	return int(x), int(y), true
}

// At returns the value of pixel (px, py). It panics when out of range.
func (g *Grid) At(px, py int) float64 {
	return g.Values[py*g.Width+px]
}

// IsNoData reports whether v equals the declared fill value.
func (g *Grid) IsNoData(v float64) bool {
	if g.NoData == nil {
		return false
	}
	if math.IsNaN(*g.NoData) {
		return math.IsNaN(v)
	}
	return v == *g.NoData
}
