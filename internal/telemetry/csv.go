package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RangingHeader is the ranging log header used by the field collectors.
var RangingHeader = []string{
	"Tag_ID", "Timestamp_ms", "Anchor_ID", "Raw_Distance_m",
	"Filtered_Distance_m", "Signal_Power_dBm", "Anchor_Status",
}

// ErrBadCSV is returned for ranging logs that cannot be read.
var ErrBadCSV = errors.New("bad ranging csv")

// RangingRow is one anchor response. Status is 1 when the sample was
// accepted and 0 when it was rejected.
type RangingRow struct {
	TagID    int
	At       time.Time
	AnchorID int
	Raw      float64
	Filtered float64
	Quality  float64
	Status   int
}

// RangingWriter appends rows to a ranging log.
type RangingWriter struct {
	w    *csv.Writer
	rows uint64
}

// NewRangingWriter writes the header to w and returns the writer.
func NewRangingWriter(w io.Writer) (*RangingWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(RangingHeader); err != nil {
		return nil, err
	}
	return &RangingWriter{w: cw}, nil
}

// Write appends one row. Rows are buffered until Flush.
func (r *RangingWriter) Write(row RangingRow) error {
	r.rows++
	return r.w.Write([]string{
		strconv.Itoa(row.TagID),
		strconv.FormatInt(row.At.UnixMilli(), 10),
		strconv.Itoa(row.AnchorID),
		strconv.FormatFloat(row.Raw, 'f', 4, 64),
		strconv.FormatFloat(row.Filtered, 'f', 4, 64),
		strconv.FormatFloat(row.Quality, 'f', 1, 64),
		strconv.Itoa(row.Status),
	})
}

// Flush writes buffered rows to the underlying writer.
func (r *RangingWriter) Flush() error {
	r.w.Flush()
	return r.w.Error()
}

// Rows returns how many rows were written.
func (r *RangingWriter) Rows() uint64 { return r.rows }

// ReadRanging parses a ranging log. The Anchor_Status column is optional;
// rows without it read as status 1.
func ReadRanging(in io.Reader) ([]RangingRow, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrBadCSV, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, h := range RangingHeader[:len(RangingHeader)-1] {
		if _, ok := col[h]; !ok {
			return nil, fmt.Errorf("%w: missing column %s", ErrBadCSV, h)
		}
	}
	statusCol, hasStatus := col["Anchor_Status"]

	var rows []RangingRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadCSV, line, err)
		}
		field := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return rec[i]
		}
		var row RangingRow
		var errs []error
		row.TagID, err = strconv.Atoi(field("Tag_ID"))
		errs = append(errs, err)
		ms, err := strconv.ParseInt(field("Timestamp_ms"), 10, 64)
		errs = append(errs, err)
		if err == nil && ms <= 0 {
			errs = append(errs, fmt.Errorf("timestamp %d is not positive", ms))
		}
		row.At = time.UnixMilli(ms)
		row.AnchorID, err = strconv.Atoi(field("Anchor_ID"))
		errs = append(errs, err)
		row.Raw, err = strconv.ParseFloat(field("Raw_Distance_m"), 64)
		errs = append(errs, err)
		row.Filtered, err = strconv.ParseFloat(field("Filtered_Distance_m"), 64)
		errs = append(errs, err)
		row.Quality, err = strconv.ParseFloat(field("Signal_Power_dBm"), 64)
		errs = append(errs, err)
		row.Status = 1
		if hasStatus && statusCol < len(rec) && rec[statusCol] != "" {
			row.Status, err = strconv.Atoi(rec[statusCol])
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrBadCSV, line, err)
		}
		rows = append(rows, row)
	}
}

// PositionHeader is the header of a positions log.
var PositionHeader = []string{
	"Timestamp_ms", "X_m", "Y_m", "VX_mps", "VY_mps", "Speed_mps",
	"Zone", "Anchors_Used", "Solver_Status",
}

// PositionWriter writes one row per record.
type PositionWriter struct {
	w *csv.Writer
}

// NewPositionWriter writes the header to w and returns the writer.
func NewPositionWriter(w io.Writer) (*PositionWriter, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(PositionHeader); err != nil {
		return nil, err
	}
	return &PositionWriter{w: cw}, nil
}

// Write appends r. Records without a valid position are skipped.
func (p *PositionWriter) Write(r Record) error {
	if !r.Valid {
		return nil
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
	return p.w.Write([]string{
		strconv.FormatInt(r.Timestamp.UnixMilli(), 10),
		f(r.Position.X), f(r.Position.Y),
		f(r.Velocity.X), f(r.Velocity.Y), f(r.Speed),
		r.Zone,
		strconv.Itoa(r.AnchorsUsed),
		r.SolverStatus,
	})
}

// Flush writes buffered rows to the underlying writer.
func (p *PositionWriter) Flush() error {
	p.w.Flush()
	return p.w.Error()
}
