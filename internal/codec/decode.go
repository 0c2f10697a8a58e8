package codec

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ErrNoHeader is returned when a file has no header row.
var ErrNoHeader = errors.New("file has no header row")

// ParseError reports a structurally malformed file. Nothing in the file
// should be applied when decoding fails with it.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s file: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Table is a decoded file: a header and the non-empty data rows in file order.
// Rows may be shorter or longer than the header.
//
// RowNumbers[i] is the 1-based position of Rows[i] among the data rows of
// the file, blank rows included, so it matches what the user sees.
type Table struct {
	Header     []string
	Rows       [][]string
	RowNumbers []int
}

func (t *Table) add(n int, row []string) {
	t.Rows = append(t.Rows, row)
	t.RowNumbers = append(t.RowNumbers, n)
}

// Decode reads an entire file. Whitespace-only rows are dropped so that
// len(Rows) is the number of records to process.
func Decode(format Format, r io.Reader) (*Table, error) {
	var (
		t   *Table
		err error
	)
	switch format {
	case FormatCSV:
		t, err = decodeCSV(r)
	case FormatXLSX:
		t, err = decodeXLSX(r)
	case FormatJSON:
		t, err = decodeJSON(r)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, &ParseError{Format: format, Err: err}
	}
	for i := range t.Header {
		t.Header[i] = strings.TrimSpace(t.Header[i])
	}
	return t, nil
}

func blankRow(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func decodeCSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(cleanText(r))
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, ErrNoHeader
	}
	if err != nil {
		return nil, err
	}

	t := &Table{Header: header}
	end := recordEnd(cr, header)
	n := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		// Empty lines never reach us from the reader but still count as rows.
		start, _ := cr.FieldPos(0)
		n += start - end
		end = recordEnd(cr, rec)
		if blankRow(rec) {
			continue
		}
		t.add(n, rec)
	}
	return t, nil
}

// recordEnd returns the line the record just read ends on.
func recordEnd(cr *csv.Reader, rec []string) int {
	last := len(rec) - 1
	line, _ := cr.FieldPos(last)
	return line + strings.Count(rec[last], "\n")
}

func decodeXLSX(r io.Reader) (*Table, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, ErrNoHeader
	}
	rows, err := f.Rows(sheets[0])
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var t *Table
	n := 0
	for rows.Next() {
		cells, err := rows.Columns()
		if err != nil {
			return nil, err
		}
		if t == nil {
			if blankRow(cells) {
				continue
			}
			t = &Table{Header: cells}
			continue
		}
		n++
		if blankRow(cells) {
			continue
		}
		t.add(n, cells)
	}
	if err := rows.Error(); err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNoHeader
	}
	return t, nil
}

// decodeJSON reads an array of flat objects. The header is the union of keys
// in first-seen order; nested values are kept as their JSON text.
func decodeJSON(r io.Reader) (*Table, error) {
	dec := json.NewDecoder(cleanText(r))
	dec.UseNumber()

	if err := expectDelim(dec, '['); err != nil {
		return nil, err
	}

	t := &Table{}
	index := map[string]int{}
	var objects []map[string]string

	for dec.More() {
		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}
		obj := map[string]string{}
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, err
			}
			key, ok := tok.(string)
			if !ok {
				return nil, fmt.Errorf("expected object key, got %v", tok)
			}
			var raw json.RawMessage
			if err := dec.Decode(&raw); err != nil {
				return nil, err
			}
			val, err := jsonCell(raw)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", key, err)
			}
			if _, seen := index[key]; !seen {
				index[key] = len(t.Header)
				t.Header = append(t.Header, key)
			}
			obj[key] = val
		}
		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
		objects = append(objects, obj)
	}
	if err := expectDelim(dec, ']'); err != nil {
		return nil, err
	}
	for i, obj := range objects {
		row := make([]string, len(t.Header))
		for k, v := range obj {
			row[index[k]] = v
		}
		if blankRow(row) {
			continue
		}
		t.add(i+1, row)
	}
	return t, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("expected %q, got %v", want, tok)
	}
	return nil
}

func jsonCell(raw json.RawMessage) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case json.Number:
		return x.String(), nil
	}
	return string(raw), nil
}
