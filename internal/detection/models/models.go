package models

import "time"

// Columns is the fixed column order of the fire detection CSV feed.
var Columns = []string{
	"latitude",
	"longitude",
	"bright_ti4",
	"scan",
	"track",
	"acq_date",
	"acq_time",
	"satellite",
	"confidence",
	"version",
	"bright_ti5",
	"frp",
	"daynight",
}

// EnrichedColumns is Columns plus the sampled vegetation index. It is also the
// column list of the fire_points table.
var EnrichedColumns = append(append([]string{}, Columns...), "ndvi")

// MaxBindParameters is PostgreSQL's per-statement bind parameter limit.
const MaxBindParameters = 65535

// MaxBatchSize is the most EnrichedDetection rows one multi-row INSERT can bind.
var MaxBatchSize = MaxBindParameters / len(EnrichedColumns)

// Detection is a single satellite fire detection as published by the feed.
// Coordinates are not range-checked; out-of-range points simply fail to
// sample a vegetation index.
type Detection struct {
	Latitude   float64
	Longitude  float64
	BrightTI4  float64
	Scan       float64
	Track      float64
	AcqDate    string
	AcqTime    string
	Satellite  string
	Confidence string
	Version    string
	BrightTI5  float64
	FRP        float64
	DayNight   string
}

// InRange reports whether the coordinates are valid geographic degrees.
func (d Detection) InRange() bool {
	return d.Latitude >= -90 && d.Latitude <= 90 &&
		d.Longitude >= -180 && d.Longitude <= 180
}

// EnrichedDetection is a Detection with an optional NDVI sample. NDVI is nil
// when the point lies outside raster coverage or sampling failed.
type EnrichedDetection struct {
	Detection
	NDVI *float64
}

// HasNDVI reports whether a vegetation index was sampled.
func (e EnrichedDetection) HasNDVI() bool {
	return e.NDVI != nil
}

// RunSummary describes one refresh run. It is also the payload published to
// downstream consumers after a successful load.
type RunSummary struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	FetchedBytes int64     `json:"fetched_bytes"`
	Parsed       int       `json:"parsed"`
	Rejected     int       `json:"rejected"`
	Enriched     int       `json:"enriched"`
	Loaded       int       `json:"loaded"`
}
