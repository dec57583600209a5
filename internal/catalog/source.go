package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// Source loads the full catalog on demand. Implementations return every
// item, active or not; filtering happens in [NewSnapshot].
type Source interface {
	Load(ctx context.Context) ([]Item, error)
}

// SourceFunc adapts a function to [Source].
type SourceFunc func(ctx context.Context) ([]Item, error)

// Load implements [Source].
func (f SourceFunc) Load(ctx context.Context) ([]Item, error) { return f(ctx) }

// StaticSource serves a fixed item list.
type StaticSource []Item

// Load implements [Source]. The returned slice is a copy.
func (s StaticSource) Load(context.Context) ([]Item, error) {
	return slices.Clone([]Item(s)), nil
}

// File is the on-disk YAML catalog layout.
//
// Example:
//
//	items:
//	  - code: TAP-REPAIR
//	    name: Dripping tap repair
//	    keywords: [tap, dripping]
//	    negative_keywords: [outdoor]
//	    price_pence: 8500
type File struct {
	Items []FileItem `yaml:"items"`
}

// FileItem is one catalog entry in a [File]. Active defaults to true.
type FileItem struct {
	ID               string   `yaml:"id"`
	Code             string   `yaml:"code"`
	Name             string   `yaml:"name"`
	Description      string   `yaml:"description"`
	Keywords         []string `yaml:"keywords"`
	NegativeKeywords []string `yaml:"negative_keywords"`
	PricePence       int64    `yaml:"price_pence"`
	Active           *bool    `yaml:"active"`
}

// Item converts the file entry to an [Item].
func (fi FileItem) Item() Item {
	active := true
	if fi.Active != nil {
		active = *fi.Active
	}
	return Item{
		ID:               fi.ID,
		Code:             fi.Code,
		Name:             fi.Name,
		Description:      fi.Description,
		Keywords:         fi.Keywords,
		NegativeKeywords: fi.NegativeKeywords,
		PricePence:       fi.PricePence,
		Active:           active,
	}
}

// FileSource reads the catalog from a YAML file on every Load, so edits to
// the file are picked up at the next cache refresh.
type FileSource struct {
	Path string
}

// Load implements [Source].
func (s FileSource) Load(_ context.Context) ([]Item, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", s.Path, err)
	}
	defer f.Close()

	items, err := LoadItemsFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("catalog: parse %q: %w", s.Path, err)
	}
	return items, nil
}

// LoadItemsFromReader decodes a YAML [File] and validates every entry.
// Duplicate codes are rejected.
func LoadItemsFromReader(r io.Reader) ([]Item, error) {
	var cf File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cf); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("catalog: decode yaml: %w", err)
	}

	var errs []error
	seen := make(map[string]bool, len(cf.Items))
	items := make([]Item, 0, len(cf.Items))
	for i, fi := range cf.Items {
		it := fi.Item()
		if err := Validate(it); err != nil {
			errs = append(errs, fmt.Errorf("items[%d]: %w", i, err))
			continue
		}
		if seen[it.Code] {
			errs = append(errs, fmt.Errorf("items[%d]: duplicate code %q", i, it.Code))
			continue
		}
		seen[it.Code] = true
		items = append(items, it)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return items, nil
}
