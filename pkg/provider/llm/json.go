package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedResponse is returned by [DecodeJSON] when the completion does
// not contain the JSON object the caller asked for.
var ErrMalformedResponse = errors.New("llm: malformed response")

// DecodeJSON unmarshals a model completion into v. Markdown code fences and
// any prose around the outermost JSON object are ignored, since models add
// them even when told not to.
func DecodeJSON(content string, v any) error {
	cleaned := StripMarkdown(content)
	if start, end := strings.IndexByte(cleaned, '{'), strings.LastIndexByte(cleaned, '}'); start >= 0 && end > start {
		cleaned = cleaned[start : end+1]
	}
	if err := json.Unmarshal([]byte(cleaned), v); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	return nil
}

// StripMarkdown removes optional ```json fences around model output.
func StripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
