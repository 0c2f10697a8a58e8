package core

// convert.go turns raw cell text into native values.
//
// Import files come from spreadsheets edited by hand, so parsing is lenient:
//   - Multiple date layouts (ISO, US, EU, month names) with a two-digit year pivot
//   - Currency symbols, thousands separators and accounting negatives in numbers
//   - Several boolean spellings (yes/no, true/false, 1/0)
//   - Persian and Arabic-Indic digits
//   - Excel formula prefixes (="value")
//
// Every Parse* function returns ok=false for input it cannot interpret.

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years that would land more than this many years in the future are moved
// to the previous century.
var TwoDigitYearPivot = 20

var (
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006", "January 2, 2006",
		"20060102",
	}
	timestampLayouts = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
	}
)

// digitFolder maps Persian (U+06F0..) and Arabic-Indic (U+0660..) digits and
// separators to ASCII.
var digitFolder = strings.NewReplacer(
	"۰", "0", "۱", "1", "۲", "2", "۳", "3", "۴", "4",
	"۵", "5", "۶", "6", "۷", "7", "۸", "8", "۹", "9",
	"٠", "0", "١", "1", "٢", "2", "٣", "3", "٤", "4",
	"٥", "5", "٦", "6", "٧", "7", "٨", "8", "٩", "9",
	"٫", ".", "٬", ",",
)

// FoldDigits replaces Persian and Arabic-Indic digits with ASCII digits.
func FoldDigits(s string) string {
	return digitFolder.Replace(s)
}

// ParseDate parses a calendar date in any supported layout.
// The result is midnight UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(FoldDigits(s))
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}

	pivotYear := time.Now().Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, true
		}
	}

	// A timestamp whose time part is midnight is still a date.
	if t, ok := ParseTimestamp(s); ok {
		y, m, d := t.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), true
	}

	return time.Time{}, false
}

// ParseTimestamp parses an instant. Values without a zone are taken as UTC.
// Plain dates are accepted and mean midnight UTC.
func ParseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(FoldDigits(s))
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// ParseNumber parses a decimal number.
// Handles currency symbols, thousands separators and accounting format
// (parentheses for negative).
func ParseNumber(s string) (float64, bool) {
	s = strings.TrimSpace(FoldDigits(s))
	if s == "" {
		return 0, false
	}

	isNegative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		isNegative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}

	s = strings.NewReplacer(
		"$", "",
		"€", "", // Euro
		"£", "", // Pound
		"﷼", "", // Rial sign
		",", "",
	).Replace(s)
	s = strings.TrimSpace(s)

	if isNegative {
		s = "-" + s
	}
	if !numericRegex.MatchString(s) {
		return 0, false
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, false
	}
	return f, true
}

// ParseInt parses a whole number. Decimal input with a zero fraction
// ("12.0", as spreadsheets often write) is accepted.
func ParseInt(s string) (int64, bool) {
	f, ok := ParseNumber(s)
	if !ok || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, false
	}
	return int64(f), true
}

// ParseBool accepts true/false, yes/no, t/f, y/n and 1/0 in any case.
func ParseBool(s string) (bool, bool) {
	switch strings.TrimSpace(strings.ToLower(FoldDigits(s))) {
	case "true", "t", "yes", "y", "1":
		return true, true
	case "false", "f", "no", "n", "0":
		return false, true
	}
	return false, false
}

// ParseUUID parses a UUID and returns its canonical lowercase form.
func ParseUUID(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

// HeaderIndex maps lowercase column names to their position in a row.
type HeaderIndex map[string]int

// MakeHeaderIndex creates a HeaderIndex from a header row.
// Keys are lowercased and stripped of surrounding quotes; the first
// occurrence of a duplicated column wins.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.Trim(CleanCell(h), `"'`)))
		if key == "" {
			continue
		}
		if _, dup := idx[key]; !dup {
			idx[key] = i
		}
	}
	return idx
}

// CleanCell trims whitespace and unwraps the Excel text-formula form ="...".
// Quotes inside titles are data and are left alone.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 3 && strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
