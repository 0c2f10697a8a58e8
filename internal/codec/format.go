// Package codec reads and writes tabular job files.
//
// Exports stream records through an Encoder, one row at a time. Imports are
// decoded into a Table of raw string cells; type coercion belongs to the row
// validator, not here.
package codec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Format is a supported file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatXLSX Format = "xlsx"
	FormatJSON Format = "json"
)

// ErrUnsupportedFormat is returned for unknown format names or file extensions.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Formats lists every supported format.
func Formats() []Format {
	return []Format{FormatCSV, FormatXLSX, FormatJSON}
}

// ParseFormat resolves a user-supplied format name. Matching ignores case
// and accepts "excel" as an alias for xlsx.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "csv":
		return FormatCSV, nil
	case "xlsx", "excel":
		return FormatXLSX, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// FormatFromFileName derives the format from a file extension.
func FormatFromFileName(name string) (Format, error) {
	ext := strings.TrimPrefix(filepath.Ext(name), ".")
	if ext == "" {
		return "", fmt.Errorf("%w: %q has no extension", ErrUnsupportedFormat, name)
	}
	return ParseFormat(ext)
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// ContentType returns the MIME type used when serving an artifact.
func (f Format) ContentType() string {
	switch f {
	case FormatXLSX:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case FormatJSON:
		return "application/json"
	default:
		return "text/csv; charset=utf-8"
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	switch f {
	case FormatCSV, FormatXLSX, FormatJSON:
		return true
	}
	return false
}
