package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/couchcryptid/ensemble-forecast-service/internal/domain"
)

// timeLayouts are tried in order when parsing timestamp columns.
var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006010215",
}

// ErrMalformed marks a table whose structure is unusable: a CSV syntax error,
// no header, or a missing required column. Other ParseCSV errors come from
// the underlying reader.
var ErrMalformed = errors.New("malformed table")

// RowError describes a rejected input row. It wraps domain.ErrInvalidRecord.
type RowError struct {
	Line   int
	Column string
	Err    error
}

func (e *RowError) Error() string {
	if e.Column == "" {
		return fmt.Sprintf("line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("line %d: column %s: %v", e.Line, e.Column, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Result is the outcome of normalizing one table.
type Result struct {
	Records  []domain.ForecastRecord
	Rejected []*RowError
}

// ParseCSV reads a dataset table and normalizes each row into a
// domain.ForecastRecord: pressure scaled to hPa and forecast time derived.
// Malformed rows are collected in Result.Rejected and do not abort the batch;
// a missing required column or unreadable CSV does.
func ParseCSV(r io.Reader, spec DatasetSpec) (Result, error) {
	if err := spec.Validate(); err != nil {
		return Result{}, err
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return Result{}, fmt.Errorf("%w: empty table, no header row", ErrMalformed)
	}
	if err != nil {
		return Result{}, readError("read header", err)
	}

	cols, err := bindColumns(header, spec)
	if err != nil {
		return Result{}, err
	}

	var res Result
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return res, readError("read csv", err)
		}

		rec, rowErr := cols.normalize(row, spec)
		if rowErr != nil {
			rowErr.Line = line
			res.Rejected = append(res.Rejected, rowErr)
			continue
		}
		res.Records = append(res.Records, rec)
	}
	return res, nil
}

// boundColumns holds header indexes; -1 means the column is not used.
type boundColumns struct {
	ensemble, baseTime, step, absoluteTime int
	latitude, longitude, pressure          int
	names                                  Columns
}

func bindColumns(header []string, spec DatasetSpec) (boundColumns, error) {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}

	var missing []string
	lookup := func(name string, required bool) int {
		if name == "" {
			return -1
		}
		i, ok := idx[name]
		if !ok {
			if required {
				missing = append(missing, name)
			}
			return -1
		}
		return i
	}

	c := spec.Columns
	step := spec.TimeKind == domain.TimeKindStep
	b := boundColumns{
		ensemble:     lookup(c.Ensemble, true),
		baseTime:     lookup(c.BaseTime, step),
		step:         lookup(c.Step, step),
		absoluteTime: lookup(c.AbsoluteTime, !step),
		latitude:     lookup(c.Latitude, true),
		longitude:    lookup(c.Longitude, true),
		pressure:     lookup(c.Pressure, true),
		names:        c,
	}
	if len(missing) > 0 {
		return boundColumns{}, fmt.Errorf("%w: dataset %s: missing columns %s", ErrMalformed, spec.Name, strings.Join(missing, ", "))
	}
	return b, nil
}

func (b boundColumns) normalize(row []string, spec DatasetSpec) (domain.ForecastRecord, *RowError) {
	rec := domain.ForecastRecord{
		Dataset:    spec.Name,
		TimeKind:   spec.TimeKind,
		EnsembleID: spec.memberID(),
	}

	if b.ensemble >= 0 {
		id, err := normalizeMemberID(field(row, b.ensemble))
		if err != nil {
			return rec, invalid(b.names.Ensemble, err.Error())
		}
		rec.EnsembleID = id
	}

	if b.baseTime >= 0 {
		if v := field(row, b.baseTime); v != "" {
			t, err := parseTime(v)
			if err != nil {
				return rec, invalid(b.names.BaseTime, err.Error())
			}
			rec.BaseTime = t
		}
	}

	if b.step >= 0 {
		if v := field(row, b.step); v != "" {
			n, err := parseStep(v)
			if err != nil {
				return rec, invalid(b.names.Step, err.Error())
			}
			rec.StepIndex = &n
		}
	}

	if b.absoluteTime >= 0 {
		if v := field(row, b.absoluteTime); v != "" {
			t, err := parseTime(v)
			if err != nil {
				return rec, invalid(b.names.AbsoluteTime, err.Error())
			}
			rec.AbsoluteTime = &t
		}
	}

	var rowErr *RowError
	if rec.Latitude, rowErr = parseCoord(row, b.latitude, b.names.Latitude, 90); rowErr != nil {
		return rec, rowErr
	}
	if rec.Longitude, rowErr = parseCoord(row, b.longitude, b.names.Longitude, 360); rowErr != nil {
		return rec, rowErr
	}

	raw, err := parseFloat(field(row, b.pressure))
	if err != nil {
		return rec, invalid(b.names.Pressure, err.Error())
	}
	rec.Pressure = raw * spec.PressureScale

	derived, err := domain.DeriveForecastTime(rec, spec.StepDuration)
	if err != nil {
		return rec, &RowError{Err: err}
	}
	return derived, nil
}

// readError tags CSV syntax errors as ErrMalformed and leaves reader
// failures untagged.
func readError(op string, err error) error {
	var pe *csv.ParseError
	if errors.As(err, &pe) {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func invalid(column, reason string) *RowError {
	return &RowError{Column: column, Err: fmt.Errorf("%w: %s", domain.ErrInvalidRecord, reason)}
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// maxIndex bounds step and member indexes read from float spellings.
const maxIndex = math.MaxInt32

// parseStep accepts integer steps, including float spellings such as "2.0".
func parseStep(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("step %q is not an integer", s)
	}
	if math.Abs(f) > maxIndex {
		return 0, fmt.Errorf("step %q out of range", s)
	}
	return int(f), nil
}

func parseFloat(s string) (float64, error) {
	if s == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("not a number: %q", s)
	}
	return v, nil
}

func parseCoord(row []string, i int, column string, limit float64) (float64, *RowError) {
	v, err := parseFloat(field(row, i))
	if err != nil {
		return 0, invalid(column, err.Error())
	}
	if math.Abs(v) > limit {
		return 0, invalid(column, fmt.Sprintf("%g out of range", v))
	}
	return v, nil
}

// normalizeMemberID renders float-encoded member indexes ("3.0") as integers.
// Non-numeric labels are kept as they are.
func normalizeMemberID(s string) (string, error) {
	if s == "" {
		return "", errors.New("empty ensemble id")
	}
	if _, err := strconv.Atoi(s); err == nil {
		return s, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s, nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxIndex {
		return "", fmt.Errorf("ensemble id %q out of range", s)
	}
	if f == math.Trunc(f) {
		return strconv.Itoa(int(f)), nil
	}
	return s, nil
}

// PlausiblePressure reports whether a value looks like sea-level pressure in
// hPa. Values far outside this window usually mean a wrong unit factor.
func PlausiblePressure(hPa float64) bool {
	return hPa >= 850 && hPa <= 1100
}
