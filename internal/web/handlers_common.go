package web

// handlers_common.go contains request parsing helpers shared by handlers.

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	// defaultListLimit and maxListLimit bound job listings.
	defaultListLimit = 50
	maxListLimit     = 500

	// defaultErrorPage and maxErrorPage bound row error pages.
	defaultErrorPage = 100
	maxErrorPage     = 1000

	// multipartMemory is how much of an upload is buffered in memory
	// before spilling to disk.
	multipartMemory = 8 << 20
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// parseIntParam parses a non-negative integer query parameter, clamped to
// max. Missing or malformed values give def.
func parseIntParam(r *http.Request, name string, def, max int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 0 {
		return def
	}
	if max > 0 && i > max {
		return max
	}
	return i
}

// badRequestError is a client mistake in the request itself.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// decodeJSON reads a JSON body into v and validates its struct tags.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &badRequestError{msg: fmt.Sprintf("invalid request body: %v", err)}
	}
	if err := validate.Struct(v); err != nil {
		var fields validator.ValidationErrors
		if errors.As(err, &fields) {
			names := make([]string, len(fields))
			for i, fe := range fields {
				names[i] = fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag())
			}
			return &badRequestError{msg: "invalid request: " + strings.Join(names, ", ")}
		}
		return &badRequestError{msg: "invalid request: " + err.Error()}
	}
	return nil
}
