package configutil

import (
	"errors"
	"sort"
	"strings"
)

// Schema defines required and optional keys for a provider settings map.
type Schema struct {
	Required     []string
	Optional     []string
	AllowUnknown bool
}

// ValidateSettings validates a settings map against a schema.
// Keys are normalized to be case/underscore/hyphen insensitive, so
// "max_tokens", "maxTokens" and "max-tokens" are the same key.
func ValidateSettings(input map[string]any, schema Schema) error {
	known := make(map[string]bool, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Optional {
		known[normalizeKey(k)] = false
	}
	required := make(map[string]string, len(schema.Required))
	for _, k := range schema.Required {
		known[normalizeKey(k)] = true
		required[normalizeKey(k)] = k
	}

	var missing, unknown []string
	present := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		isRequired, ok := known[nk]
		if !ok && !schema.AllowUnknown {
			unknown = append(unknown, k)
			continue
		}
		if isRequired && isEmptyValue(v) {
			continue
		}
		present[nk] = true
	}
	for nk, name := range required {
		if !present[nk] {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 && len(unknown) == 0 {
		return nil
	}

	sort.Strings(missing)
	sort.Strings(unknown)
	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing: "+strings.Join(missing, ", "))
	}
	if len(unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(unknown, ", "))
	}
	return errors.New(strings.Join(parts, "; "))
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}
