// Package llmutil holds helpers for coping with the formatting quirks of
// LLM text output.
package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Regexes use \x60 for backticks because Go raw strings cannot contain them.
var fencedJSONRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*([{\\[].*[}\\]])\\s*\x60\x60\x60")

// ParseJSONResponse parses an LLM response into the target type, tolerating
// the usual failure modes: markdown code fences around the JSON, and
// conversational text before or after the object.
func ParseJSONResponse[T any](response string) (*T, error) {
	candidate := extractJSON(strings.TrimSpace(response))

	var result T
	if err := json.Unmarshal([]byte(candidate), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w (extracted: %s)", err, truncate(candidate, 400))
	}
	return &result, nil
}

func extractJSON(response string) string {
	if matches := fencedJSONRegex.FindStringSubmatch(response); len(matches) > 1 {
		return matches[1]
	}

	// Fall back to the outermost brace or bracket pair embedded in prose.
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		first := strings.Index(response, pair[0])
		last := strings.LastIndex(response, pair[1])
		if first != -1 && last > first {
			return response[first : last+1]
		}
	}
	return response
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
