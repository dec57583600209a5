// Package match scores catalog items against free-text job descriptions.
//
// Three independent tiers live here: [KeywordMatcher] (pure token overlap
// with synonym expansion), [EmbeddingMatcher] (cosine similarity against
// precomputed item vectors) and [Classifier] (a language model picking one
// item from a shortlist). The detect package decides which tiers run.
package match

import (
	"slices"
	"strings"
)

// defaultSynonymGroups lists terms a caller may use interchangeably. Every
// term in a group expands to every other term in the same group.
var defaultSynonymGroups = [][]string{
	{"tap", "faucet", "mixer"},
	{"drip", "dripping", "leak", "leaking", "leaky"},
	{"tv", "television", "telly"},
	{"mount", "mounting", "hang", "hanging", "bracket"},
	{"toilet", "loo", "wc", "cistern"},
	{"shelf", "shelves", "shelving"},
	{"paint", "painting", "decorate", "decorating", "repaint"},
	{"socket", "outlet", "plug"},
	{"light", "lights", "lamp", "fitting", "fixture"},
	{"blind", "blinds", "curtain", "curtains", "pole", "rail"},
	{"door", "doors"},
	{"hinge", "hinges"},
	{"gutter", "gutters", "guttering"},
	{"fence", "fencing", "panel"},
	{"flatpack", "assemble", "assembly", "ikea"},
	{"sink", "basin"},
	{"shower", "showerhead"},
	{"silicone", "sealant", "reseal", "caulk"},
	{"radiator", "rad", "radiators"},
	{"lock", "locks", "latch"},
	{"tile", "tiles", "tiling", "grout", "regrout"},
	{"plaster", "plastering", "patch", "filler"},
	{"mirror", "mirrors", "picture", "pictures", "frame"},
}

// Expander maps a token to its semantic equivalents using a bidirectional
// synonym table. The zero value has no synonyms.
type Expander struct {
	table map[string][]string
}

// NewExpander builds an expander from synonym groups. Terms are lowercased;
// a term appearing in several groups inherits all of them.
func NewExpander(groups [][]string) *Expander {
	table := make(map[string][]string)
	for _, g := range groups {
		for _, term := range g {
			term = strings.ToLower(strings.TrimSpace(term))
			if term == "" {
				continue
			}
			for _, other := range g {
				other = strings.ToLower(strings.TrimSpace(other))
				if other == "" || other == term || slices.Contains(table[term], other) {
					continue
				}
				table[term] = append(table[term], other)
			}
		}
	}
	return &Expander{table: table}
}

var defaultExpander = NewExpander(defaultSynonymGroups)

// Expand returns token followed by its synonyms from the default table.
func Expand(token string) []string {
	return defaultExpander.Expand(token)
}

// Expand returns token followed by its synonyms. The input token is always
// the first element.
func (e *Expander) Expand(token string) []string {
	token = strings.ToLower(token)
	out := []string{token}
	if e == nil {
		return out
	}
	return append(out, e.table[token]...)
}

// ExpandTokens expands every token and returns the de-duplicated union in
// first-seen order.
func (e *Expander) ExpandTokens(tokens []string) []string {
	seen := make(map[string]bool, len(tokens)*2)
	out := make([]string, 0, len(tokens)*2)
	for _, tok := range tokens {
		for _, t := range e.Expand(tok) {
			if seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// ExpandTokens expands tokens with the default table.
func ExpandTokens(tokens []string) []string {
	return defaultExpander.ExpandTokens(tokens)
}
