package parser

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"firepoints/internal/detection/models"
)

// WriteSnapshot writes enriched records as CSV with a header row. A missing
// NDVI is written as an empty field.
func WriteSnapshot(w io.Writer, records []models.EnrichedDetection) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(models.EnrichedColumns); err != nil {
		return fmt.Errorf("write snapshot header: %w", err)
	}
	row := make([]string, len(models.EnrichedColumns))
	for _, r := range records {
		row[0] = formatFloat(r.Latitude)
		row[1] = formatFloat(r.Longitude)
		row[2] = formatFloat(r.BrightTI4)
		row[3] = formatFloat(r.Scan)
		row[4] = formatFloat(r.Track)
		row[5] = r.AcqDate
		row[6] = r.AcqTime
		row[7] = r.Satellite
		row[8] = r.Confidence
		row[9] = r.Version
		row[10] = formatFloat(r.BrightTI5)
		row[11] = formatFloat(r.FRP)
		row[12] = r.DayNight
		row[13] = ""
		if r.HasNDVI() {
			row[13] = formatFloat(*r.NDVI)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write snapshot row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteSnapshotFile writes the snapshot to a temporary file beside path and
// renames it into place.
func WriteSnapshotFile(path string, records []models.EnrichedDetection) error {
	f, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := WriteSnapshot(f, records); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close snapshot file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename snapshot file: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
