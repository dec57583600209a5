package match

import (
	"cmp"
	"slices"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
)

// Keyword scoring weights.
const (
	fullMatchWeight    = 1.0
	partialMatchWeight = 0.5
	negativePenalty    = 5.0

	// minPartialLen is the shortest token that may score a partial match.
	minPartialLen = 4
)

// Defaults for [KeywordMatcher].
const (
	DefaultSaturation     = 2
	DefaultFuzzyThreshold = 0.92
)

// Score is one catalog item's confidence for a piece of text.
type Score struct {
	Item catalog.Item

	// Confidence is on a 0–100 scale.
	Confidence float64

	// Hits lists the item keywords that contributed to the score.
	Hits []string
}

// KeywordMatcher scores items by keyword overlap with synonym-expanded input
// tokens.
//
// Each item keyword contributes at most once: 1.0 for an exact token or
// phrase hit, 0.5 for a partial hit (substring either way, or a Jaro-Winkler
// similarity at or above FuzzyThreshold) on tokens longer than three
// characters. Every negative keyword found literally in the text subtracts
// 5.0. The raw sum is scaled to 0–100 against min(len(keywords), Saturation)
// so an item with many keywords does not need every one of them spoken.
//
// KeywordMatcher is a pure function of its inputs and safe for concurrent use.
type KeywordMatcher struct {
	Expander       *Expander
	Saturation     int
	FuzzyThreshold float64
}

// NewKeywordMatcher returns a matcher with the default synonym table and
// weights.
func NewKeywordMatcher() *KeywordMatcher {
	return &KeywordMatcher{
		Expander:       defaultExpander,
		Saturation:     DefaultSaturation,
		FuzzyThreshold: DefaultFuzzyThreshold,
	}
}

// Score rates every item against text and returns the items with a positive
// score, best first. Ties are broken by item code so results are stable.
func (m *KeywordMatcher) Score(text string, items []catalog.Item) []Score {
	tokens := Tokens(text)
	if len(tokens) == 0 || len(items) == 0 {
		return nil
	}
	expanded := m.Expander.ExpandTokens(tokens)
	tokenSet := make(map[string]bool, len(expanded))
	for _, t := range expanded {
		tokenSet[t] = true
	}
	phrase := " " + strings.Join(tokens, " ") + " "
	lower := strings.ToLower(text)

	var out []Score
	for _, it := range items {
		if !it.Active {
			continue
		}
		s := m.scoreItem(it, expanded, tokenSet, phrase, lower)
		if s.Confidence > 0 {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Score) int {
		if c := cmp.Compare(b.Confidence, a.Confidence); c != 0 {
			return c
		}
		return strings.Compare(a.Item.Code, b.Item.Code)
	})
	return out
}

// Best returns the highest scoring item, or false when nothing scored.
func (m *KeywordMatcher) Best(text string, items []catalog.Item) (Score, bool) {
	scores := m.Score(text, items)
	if len(scores) == 0 {
		return Score{}, false
	}
	return scores[0], true
}

func (m *KeywordMatcher) scoreItem(it catalog.Item, expanded []string, tokenSet map[string]bool, phrase, lower string) Score {
	if len(it.Keywords) == 0 {
		return Score{Item: it}
	}

	var (
		raw  float64
		hits []string
	)
	for _, kw := range it.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		switch {
		case m.fullMatch(kw, tokenSet, phrase):
			raw += fullMatchWeight
			hits = append(hits, kw)
		case m.partialMatch(kw, expanded):
			raw += partialMatchWeight
			hits = append(hits, kw)
		}
	}
	for _, neg := range it.NegativeKeywords {
		neg = strings.ToLower(strings.TrimSpace(neg))
		if neg != "" && strings.Contains(lower, neg) {
			raw -= negativePenalty
		}
	}

	denom := float64(min(len(it.Keywords), max(m.Saturation, 1)))
	conf := 100 * raw / denom
	return Score{Item: it, Confidence: clamp(conf, 0, 100), Hits: hits}
}

func (m *KeywordMatcher) fullMatch(kw string, tokenSet map[string]bool, phrase string) bool {
	if strings.Contains(kw, " ") {
		return strings.Contains(phrase, " "+Normalize(kw)+" ")
	}
	return tokenSet[kw]
}

func (m *KeywordMatcher) partialMatch(kw string, expanded []string) bool {
	for _, tok := range expanded {
		if len(tok) < minPartialLen {
			continue
		}
		if strings.Contains(tok, kw) || strings.Contains(kw, tok) {
			return true
		}
		if m.FuzzyThreshold > 0 && len(kw) >= minPartialLen &&
			matchr.JaroWinkler(tok, kw, false) >= m.FuzzyThreshold {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}
