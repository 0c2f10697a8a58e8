package codec

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"
)

// Encoder writes records of one fixed column set. Values are native Go types:
// nil, string, bool, int64, float64 or time.Time.
type Encoder interface {
	// WriteRecord appends one record; len(values) must equal the column count.
	WriteRecord(values []any) error

	// Close flushes buffered output. The encoder must not be used afterwards.
	Close() error
}

// NewEncoder creates an encoder for format writing to w. The header (or the
// opening of the JSON array) is written immediately.
func NewEncoder(format Format, w io.Writer, columns []string) (Encoder, error) {
	switch format {
	case FormatCSV:
		return newCSVEncoder(w, columns)
	case FormatXLSX:
		return newXLSXEncoder(w, columns)
	case FormatJSON:
		return newJSONEncoder(w, columns)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// FormatCell renders a native value as text. Dates at midnight UTC render as
// YYYY-MM-DD, other times as RFC 3339.
func FormatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int32:
		return strconv.FormatInt(int64(x), 10)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return formatTime(x)
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}

func formatTime(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format(time.DateOnly)
	}
	return t.Format(time.RFC3339)
}

func checkWidth(values []any, columns int) error {
	if len(values) != columns {
		return fmt.Errorf("record has %d values, expected %d", len(values), columns)
	}
	return nil
}

// =============================================================================
// CSV
// =============================================================================

type csvEncoder struct {
	w       *csv.Writer
	columns int
	cells   []string
}

func newCSVEncoder(w io.Writer, columns []string) (*csvEncoder, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	return &csvEncoder{w: cw, columns: len(columns), cells: make([]string, len(columns))}, nil
}

func (e *csvEncoder) WriteRecord(values []any) error {
	if err := checkWidth(values, e.columns); err != nil {
		return err
	}
	for i, v := range values {
		e.cells[i] = FormatCell(v)
	}
	return e.w.Write(e.cells)
}

func (e *csvEncoder) Close() error {
	e.w.Flush()
	return e.w.Error()
}

// =============================================================================
// XLSX
// =============================================================================

const xlsxSheet = "Sheet1"

type xlsxEncoder struct {
	out     io.Writer
	file    *excelize.File
	sw      *excelize.StreamWriter
	columns int
	row     int
}

func newXLSXEncoder(w io.Writer, columns []string) (*xlsxEncoder, error) {
	f := excelize.NewFile()
	sw, err := f.NewStreamWriter(xlsxSheet)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("xlsx stream writer: %w", err)
	}
	e := &xlsxEncoder{out: w, file: f, sw: sw, columns: len(columns)}

	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := e.setRow(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return e, nil
}

func (e *xlsxEncoder) setRow(values []any) error {
	e.row++
	cell, err := excelize.CoordinatesToCellName(1, e.row)
	if err != nil {
		return err
	}
	return e.sw.SetRow(cell, values)
}

func (e *xlsxEncoder) WriteRecord(values []any) error {
	if err := checkWidth(values, e.columns); err != nil {
		return err
	}
	row := make([]any, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
			row[i] = nil
		case string, int, int64, float64:
			row[i] = x
		case bool:
			// Boolean cells read back as TRUE/FALSE; keep the text form instead.
			row[i] = strconv.FormatBool(x)
		default:
			row[i] = FormatCell(x)
		}
	}
	return e.setRow(row)
}

func (e *xlsxEncoder) Close() error {
	defer e.file.Close()
	if err := e.sw.Flush(); err != nil {
		return fmt.Errorf("xlsx flush: %w", err)
	}
	if err := e.file.Write(e.out); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// =============================================================================
// JSON
// =============================================================================

// jsonEncoder streams an array of objects whose keys follow column order.
type jsonEncoder struct {
	w       *bufio.Writer
	keys    [][]byte
	written int
}

func newJSONEncoder(w io.Writer, columns []string) (*jsonEncoder, error) {
	keys := make([][]byte, len(columns))
	for i, c := range columns {
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		keys[i] = k
	}
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("["); err != nil {
		return nil, err
	}
	return &jsonEncoder{w: bw, keys: keys}, nil
}

func (e *jsonEncoder) WriteRecord(values []any) error {
	if err := checkWidth(values, len(e.keys)); err != nil {
		return err
	}
	if e.written > 0 {
		e.w.WriteByte(',')
	}
	e.w.WriteString("\n{")
	for i, v := range values {
		if i > 0 {
			e.w.WriteByte(',')
		}
		if t, ok := v.(time.Time); ok {
			v = formatTime(t)
		}
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode %s: %w", e.keys[i], err)
		}
		e.w.Write(e.keys[i])
		e.w.WriteByte(':')
		e.w.Write(b)
	}
	_, err := e.w.WriteString("}")
	e.written++
	return err
}

func (e *jsonEncoder) Close() error {
	if e.written > 0 {
		e.w.WriteByte('\n')
	}
	e.w.WriteString("]\n")
	return e.w.Flush()
}
