package core

// validation.go checks import rows against an entity's field specs.
//
// Validation happens at two levels:
//  1. Header validation: every required column must be present, otherwise the
//     file is structurally unusable and the job fails before any row is touched.
//  2. Row validation: each cell is converted to its native type and checked
//     against the field's rules. All problems in a row are reported together.
//
// Validation is pure: no I/O and no shared mutable state, so rows may be
// validated concurrently.

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Record is a normalized row keyed by column name. Values are nil, string,
// bool, int64, float64 or time.Time. Columns absent from the import file are
// absent from the record so an upsert leaves them untouched.
type Record map[string]any

// ErrMissingColumns is returned when an import header lacks required columns.
var ErrMissingColumns = errors.New("missing required column")

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("slug", func(fl validator.FieldLevel) bool {
		return slugPattern.MatchString(fl.Field().String())
	})
	return v
}

// ruleMessages translates validator tags into row error text.
var ruleMessages = map[string]string{
	"email": "must be a valid email address",
	"min":   "must be at least %s characters long",
	"max":   "must be no longer than %s characters",
	"gte":   "must be greater than or equal to %s",
	"lte":   "must be less than or equal to %s",
	"gt":    "must be greater than %s",
	"lt":    "must be less than %s",
	"url":   "must be a valid URL",
	"slug":  "must contain only lowercase letters, digits and single hyphens",
}

func ruleMessage(fe validator.FieldError) string {
	if msg, ok := ruleMessages[fe.Tag()]; ok {
		if strings.Contains(msg, "%s") {
			return fmt.Sprintf(msg, fe.Param())
		}
		return msg
	}
	return fmt.Sprintf("is invalid: %s", fe.Tag())
}

// RowValidator validates rows of one file against an entity definition.
type RowValidator struct {
	def   EntityDefinition
	idx   HeaderIndex
	width int
}

// NewRowValidator matches header against def. It fails with
// ErrMissingColumns when a required column is absent.
func NewRowValidator(def EntityDefinition, header []string) (*RowValidator, error) {
	idx := MakeHeaderIndex(header)

	var missing []string
	for _, col := range def.RequiredColumns() {
		if _, ok := idx[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumns, strings.Join(missing, ", "))
	}

	return &RowValidator{def: def, idx: idx, width: len(header)}, nil
}

// ValidateRow converts one row. It returns the record, or every problem found.
func (v *RowValidator) ValidateRow(row []string) (Record, []string) {
	raw := make(map[string]string, len(v.def.Fields))
	for _, f := range v.def.Fields {
		pos, ok := v.idx[f.Name]
		if !ok {
			continue
		}
		if pos < len(row) {
			raw[f.Name] = row[pos]
		} else {
			raw[f.Name] = ""
		}
	}

	var msgs []string
	if len(row) > v.width {
		msgs = append(msgs, fmt.Sprintf("row has %d values but the header has %d columns", len(row), v.width))
	}

	rec, fieldMsgs := ValidateRecord(v.def, raw)
	msgs = append(msgs, fieldMsgs...)
	if len(msgs) > 0 {
		return nil, msgs
	}
	return rec, nil
}

// ValidateRecord validates a raw record keyed by column name. Keys not in raw
// are treated as absent columns; a required field that is absent or empty is
// an error. It never panics on malformed input.
func ValidateRecord(def EntityDefinition, raw map[string]string) (Record, []string) {
	rec := make(Record, len(raw))
	var msgs []string

	for _, f := range def.Fields {
		cell, present := raw[f.Name]
		if !present {
			if f.Required {
				msgs = append(msgs, fmt.Sprintf("%s: required field is empty", f.Name))
			}
			continue
		}

		value, problems := convertField(f, cell)
		if len(problems) > 0 {
			for _, p := range problems {
				msgs = append(msgs, fmt.Sprintf("%s: %s", f.Name, p))
			}
			continue
		}
		if value == nil && f.Generated {
			continue
		}
		rec[f.Name] = value
	}

	if len(msgs) > 0 {
		return nil, msgs
	}
	return rec, nil
}

// convertField converts one cell and applies the field's rules.
// A nil value with no problems means the cell was empty.
func convertField(f FieldSpec, cell string) (any, []string) {
	s := CleanCell(cell)
	if f.Normalizer != nil && s != "" {
		s = f.Normalizer(s)
	}
	if s == "" {
		if f.Required {
			return nil, []string{"required field is empty"}
		}
		return nil, nil
	}

	var (
		value any
		ok    = true
		msg   string
	)
	switch f.Type {
	case FieldText:
		value = s
	case FieldEnum:
		ok = false
		for _, ev := range f.EnumValues {
			if strings.EqualFold(ev, s) {
				value, ok = ev, true
				break
			}
		}
		msg = "value must be one of: " + strings.Join(f.EnumValues, ", ")
	case FieldDate:
		value, ok = ParseDate(s)
		msg = "invalid date format (use YYYY-MM-DD)"
	case FieldTimestamp:
		value, ok = ParseTimestamp(s)
		msg = "invalid timestamp (use RFC 3339, e.g. 2024-01-31T15:04:05Z)"
	case FieldNumeric:
		value, ok = ParseNumber(s)
		msg = "invalid number format"
	case FieldInt:
		value, ok = ParseInt(s)
		msg = "invalid integer"
	case FieldBool:
		value, ok = ParseBool(s)
		msg = "must be yes/no, true/false, or 1/0"
	case FieldUUID:
		value, ok = ParseUUID(s)
		msg = "invalid UUID"
	default:
		value = s
	}
	if !ok {
		return nil, []string{msg}
	}

	if f.Rules != "" {
		if err := validate.Var(value, f.Rules); err != nil {
			var fieldErrs validator.ValidationErrors
			if errors.As(err, &fieldErrs) {
				problems := make([]string, 0, len(fieldErrs))
				for _, fe := range fieldErrs {
					problems = append(problems, ruleMessage(fe))
				}
				return nil, problems
			}
			return nil, []string{err.Error()}
		}
	}

	return value, nil
}
