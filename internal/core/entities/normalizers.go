package entities

import (
	"regexp"
	"strings"
)

// Languages maps spoken language names to their catalog codes.
var Languages = map[string]string{
	"persian": "fa",
	"farsi":   "fa",
	"فارسی":   "fa",
	"english": "en",
	"انگلیسی": "en",
	"arabic":  "ar",
	"عربی":    "ar",
}

// NormalizeLanguage converts language names to their two-letter codes.
// Codes and unrecognized values are returned lowercased for the enum check.
func NormalizeLanguage(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if code, ok := Languages[s]; ok {
		return code
	}
	return s
}

var slugSeparators = regexp.MustCompile(`[\s_]+`)

// NormalizeSlug lowercases s and turns runs of spaces and underscores into
// single hyphens. The result still has to pass the slug rule.
func NormalizeSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugSeparators.ReplaceAllString(s, "-")
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}

// NormalizeEmail lowercases an address so it can serve as a key.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
