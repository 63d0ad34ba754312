package llm

import (
	"encoding/json"
	"strings"

	errs "github.com/XiaoConstantine/labloop/pkg/errors"
)

// StripFences removes markdown code fences that models wrap around JSON
// despite instructions not to.
func StripFences(completion string) string {
	cleaned := strings.TrimSpace(completion)
	if strings.HasPrefix(cleaned, "```json") {
		cleaned = cleaned[len("```json"):]
	} else if strings.HasPrefix(cleaned, "```") {
		cleaned = cleaned[len("```"):]
	}
	cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
	return strings.TrimSpace(cleaned)
}

// DecodeJSON parses a model completion into v, tolerating fence wrapping.
// Parse failures are coded InvalidResponse so the caller's retry-with-error-
// feedback path can engage.
func DecodeJSON(completion string, v any) error {
	cleaned := StripFences(completion)
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return errs.WithFields(
			errs.Wrap(err, errs.InvalidResponse, "failed to parse completion as JSON"),
			errs.Fields{"completion_prefix": prefix(cleaned, 80)})
	}
	return nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
