package parser

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"firepoints/internal/detection/models"
)

// ParseError reports structurally invalid input. It aborts the whole parse.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse detections: line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("parse detections: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RejectedRow is a well-formed row dropped because a numeric field did not parse.
type RejectedRow struct {
	Line   int
	Column string
	Value  string
}

// Result holds the accepted records in input order plus the rejected rows.
type Result struct {
	Records  []models.Detection
	Rejected []RejectedRow
}

// ParseFile opens path and parses it.
func ParseFile(path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads the comma-delimited feed. The first row is a header and is
// skipped. Every row, header included, must have exactly len(models.Columns)
// fields; anything else is a *ParseError.
func Parse(r io.Reader) (*Result, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(models.Columns)
	cr.ReuseRecord = true

	res := &Result{}
	header := true
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, toParseError(err)
		}
		if header {
			header = false
			continue
		}
		line, _ := cr.FieldPos(0)

		rec, rejected, ok := decodeRow(row, line)
		if !ok {
			res.Rejected = append(res.Rejected, rejected)
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

func toParseError(err error) error {
	var csvErr *csv.ParseError
	if errors.As(err, &csvErr) {
		return &ParseError{Line: csvErr.Line, Err: csvErr.Err}
	}
	return &ParseError{Err: err}
}

// decodeRow converts one CSV row. Text fields are kept verbatim (trimmed).
func decodeRow(row []string, line int) (models.Detection, RejectedRow, bool) {
	var (
		rec models.Detection
		bad *RejectedRow
	)
	num := func(idx int) float64 {
		if bad != nil {
			return 0
		}
		raw := strings.TrimSpace(row[idx])
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			bad = &RejectedRow{Line: line, Column: models.Columns[idx], Value: raw}
			return 0
		}
		return v
	}
	text := func(idx int) string { return strings.TrimSpace(row[idx]) }

	rec = models.Detection{
		Latitude:   num(0),
		Longitude:  num(1),
		BrightTI4:  num(2),
		Scan:       num(3),
		Track:      num(4),
		AcqDate:    text(5),
		AcqTime:    text(6),
		Satellite:  text(7),
		Confidence: text(8),
		Version:    text(9),
		BrightTI5:  num(10),
		FRP:        num(11),
		DayNight:   text(12),
	}
	if bad != nil {
		return models.Detection{}, *bad, false
	}
	return rec, RejectedRow{}, true
}
