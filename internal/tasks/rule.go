package tasks

import (
	"context"
	"regexp"
	"strconv"
	"strings"
)

var (
	// separators mark explicit boundaries between jobs. "and also" must come
	// before "also" so the longer phrase is consumed whole.
	separators = regexp.MustCompile(`(?i)\s*(?:;|\band also\b|\bas well as\b|\band then\b|\bplus\b|\balso\b|[.!?]+(?:\s+|$))\s*`)

	// pleasantry matches short fragments that carry no job.
	pleasantry = regexp.MustCompile(`(?i)^(hi|hello|hey|yes|yeah|ok|okay|thanks|thank you|cheers|bye|great|lovely|right|um+|uh+)\b`)

	quantityDigits = regexp.MustCompile(`(?i)\b(\d{1,2})\s*x?\b`)
	quantityPhrase = regexp.MustCompile(`(?i)\b(a couple of|a pair of|couple of)\b`)
)

var numberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"both": 2,
}

// maxQuantity bounds parsed quantities; larger numbers are measurements.
const maxQuantity = 20

// RuleSplitter splits on explicit conjunctions and sentence breaks. It
// needs no provider and never fails; input without a separator stays one
// task.
type RuleSplitter struct{}

// Split implements [Splitter].
func (RuleSplitter) Split(_ context.Context, text string) ([]Task, error) {
	parts := separators.Split(text, -1)
	raw := make([]Raw, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, " ,\t\n")
		if p == "" || isPleasantry(p) {
			continue
		}
		raw = append(raw, Raw{Description: p, Quantity: parseQuantity(p)})
	}
	out := Build(raw)
	if len(out) == 0 {
		return Whole(text), nil
	}
	return out, nil
}

func isPleasantry(s string) bool {
	return len(strings.Fields(s)) <= 4 && pleasantry.MatchString(s)
}

// parseQuantity returns the first plausible count in s, defaulting to one.
func parseQuantity(s string) int {
	lower := strings.ToLower(s)
	if quantityPhrase.MatchString(lower) {
		return 2
	}
	for _, w := range strings.Fields(lower) {
		if n, ok := numberWords[strings.Trim(w, ",.")]; ok {
			return n
		}
	}
	if m := quantityDigits.FindStringSubmatch(lower); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n >= 1 && n <= maxQuantity {
			return n
		}
	}
	return 1
}
