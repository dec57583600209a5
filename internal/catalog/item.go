// Package catalog holds the fixed-price service items the classifier matches
// against and the cache that serves them to live call sessions.
//
// Items are read-mostly: a [Cache] loads every item from a [Source], keeps
// only active ones, and replaces its [Snapshot] wholesale on refresh. A
// snapshot is never mutated after construction, so a detector holding one
// compares against a consistent catalog for the whole analysis pass.
package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Item is one sellable service offering.
type Item struct {
	// ID is the storage identifier. Optional for file-backed catalogs.
	ID string `json:"id,omitempty"`

	// Code is the unique SKU code, e.g. "TAP-REPAIR".
	Code string `json:"code"`

	// Name is the human-readable service name.
	Name string `json:"name"`

	// Description is optional free text used only for embedding.
	Description string `json:"description,omitempty"`

	// Keywords are the lowercase terms that identify this service.
	Keywords []string `json:"keywords,omitempty"`

	// NegativeKeywords veto a match when found literally in the input.
	NegativeKeywords []string `json:"negativeKeywords,omitempty"`

	// PricePence is the fixed price in pence. Never negative.
	PricePence int64 `json:"pricePence"`

	// Embedding is the precomputed item vector, nil when not yet embedded.
	Embedding []float32 `json:"-"`

	// Active marks the item as sellable. Inactive items never match.
	Active bool `json:"active"`
}

// EmbeddingText is the text an embeddings provider vectorises for this item.
func (it Item) EmbeddingText() string {
	var b strings.Builder
	b.WriteString(it.Name)
	if it.Description != "" {
		b.WriteString(". ")
		b.WriteString(it.Description)
	}
	if len(it.Keywords) > 0 {
		b.WriteString(". ")
		b.WriteString(strings.Join(it.Keywords, ", "))
	}
	return b.String()
}

// ContentHash identifies the embedding-relevant content of the item. Two
// items with the same hash can share an embedding.
func (it Item) ContentHash() string {
	sum := sha256.Sum256([]byte(it.EmbeddingText()))
	return hex.EncodeToString(sum[:])
}

// Validate checks an [Item] for required fields.
//
// Rules:
//   - Code and Name must be non-empty.
//   - PricePence must not be negative.
//   - Keywords must not contain empty strings.
func Validate(it Item) error {
	var errs []error

	if strings.TrimSpace(it.Code) == "" {
		errs = append(errs, errors.New("code must not be empty"))
	}
	if strings.TrimSpace(it.Name) == "" {
		errs = append(errs, errors.New("name must not be empty"))
	}
	if it.PricePence < 0 {
		errs = append(errs, fmt.Errorf("price_pence %d must not be negative", it.PricePence))
	}
	for i, kw := range it.Keywords {
		if strings.TrimSpace(kw) == "" {
			errs = append(errs, fmt.Errorf("keywords[%d]: must not be empty", i))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// normalise lowercases and trims keyword lists in place and drops duplicates.
func normalise(it Item) Item {
	it.Keywords = normaliseTerms(it.Keywords)
	it.NegativeKeywords = normaliseTerms(it.NegativeKeywords)
	return it
}

func normaliseTerms(terms []string) []string {
	if len(terms) == 0 {
		return nil
	}
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Snapshot is an immutable view of the active catalog at one point in time.
type Snapshot struct {
	items    []Item
	byCode   map[string]int
	loadedAt time.Time
}

// NewSnapshot builds a snapshot from items, dropping inactive entries and
// sorting the rest by code. Keyword lists are normalised to lowercase.
func NewSnapshot(items []Item, loadedAt time.Time) *Snapshot {
	active := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.Active {
			continue
		}
		active = append(active, normalise(it))
	}
	slices.SortFunc(active, func(a, b Item) int { return strings.Compare(a.Code, b.Code) })

	byCode := make(map[string]int, len(active))
	for i, it := range active {
		byCode[it.Code] = i
	}
	return &Snapshot{items: active, byCode: byCode, loadedAt: loadedAt}
}

// Items returns the active items ordered by code. Callers must not modify
// the returned slice.
func (s *Snapshot) Items() []Item {
	if s == nil {
		return nil
	}
	return s.items
}

// Len returns the number of active items.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// ByCode looks up an active item by its code.
func (s *Snapshot) ByCode(code string) (Item, bool) {
	if s == nil {
		return Item{}, false
	}
	i, ok := s.byCode[code]
	if !ok {
		return Item{}, false
	}
	return s.items[i], true
}

// LoadedAt reports when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.loadedAt
}

// Embedded returns the number of items carrying an embedding.
func (s *Snapshot) Embedded() int {
	n := 0
	for _, it := range s.Items() {
		if len(it.Embedding) > 0 {
			n++
		}
	}
	return n
}
