package reconcile

import (
	"encoding/json"
	"fmt"
	"strings"
)

// MalformedResponseError reports engine content that holds no parsable
// decision-card array.
type MalformedResponseError struct {
	Reason  string
	Excerpt string
}

func (e *MalformedResponseError) Error() string {
	return fmt.Sprintf("malformed engine response: %s", e.Reason)
}

const extractExcerptLen = 256

// extractCards locates the bracketed JSON array inside the engine's
// free-form reply. The engine is prompted to return only an array but may
// wrap it in prose, so the candidate is the substring from the first '[' to
// the last ']'.
func extractCards(raw string) ([]map[string]any, error) {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end < start {
		return nil, &MalformedResponseError{
			Reason:  "no bracketed array found in content",
			Excerpt: contentExcerpt(raw),
		}
	}

	candidate := raw[start : end+1]
	var cards []map[string]any
	if err := json.Unmarshal([]byte(candidate), &cards); err != nil {
		return nil, &MalformedResponseError{
			Reason:  fmt.Sprintf("bracketed content does not parse as a card array: %v", err),
			Excerpt: contentExcerpt(candidate),
		}
	}
	return cards, nil
}

func contentExcerpt(s string) string {
	if len(s) > extractExcerptLen {
		return s[:extractExcerptLen] + "..."
	}
	return s
}
