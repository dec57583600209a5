package match

import (
	"testing"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
)

func testItems() []catalog.Item {
	return []catalog.Item{
		{Code: "TAP-REPAIR", Name: "Tap repair", Keywords: []string{"dripping", "tap"}, NegativeKeywords: []string{"outdoor"}, PricePence: 8500, Active: true},
		{Code: "TV-MOUNT", Name: "TV mounting", Keywords: []string{"tv", "mount"}, PricePence: 6500, Active: true},
		{Code: "SHELF", Name: "Shelf fitting", Keywords: []string{"shelf", "wall", "put up", "floating"}, PricePence: 4500, Active: true},
		{Code: "DOOR", Name: "Door hanging", Keywords: []string{"door"}, PricePence: 9000, Active: false},
	}
}

func TestKeywordMatcher_Score(t *testing.T) {
	t.Parallel()

	m := NewKeywordMatcher()
	tests := []struct {
		name     string
		text     string
		wantCode string
		wantConf float64
	}{
		{"exact keywords", "Fix my dripping tap in the kitchen", "TAP-REPAIR", 100},
		{"synonyms", "can you hang my telly", "TV-MOUNT", 100},
		{"single hit", "there is a tap problem", "TAP-REPAIR", 50},
		{"phrase keyword", "could you put up a shelf", "SHELF", 100},
		{"synonym single hit", "the shelving by the stairs", "SHELF", 50},
		{"partial", "the shelfs wobble", "SHELF", 25},
		{"fuzzy", "my drippping tap", "TAP-REPAIR", 75},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			best, ok := m.Best(tc.text, testItems())
			if !ok {
				t.Fatal("expected a match")
			}
			if best.Item.Code != tc.wantCode {
				t.Errorf("code = %q, want %q", best.Item.Code, tc.wantCode)
			}
			if best.Confidence != tc.wantConf {
				t.Errorf("confidence = %v, want %v (hits %v)", best.Confidence, tc.wantConf, best.Hits)
			}
		})
	}
}

func TestKeywordMatcher_NegativeKeyword(t *testing.T) {
	t.Parallel()

	m := NewKeywordMatcher()
	scores := m.Score("dripping outdoor tap", testItems())
	for _, s := range scores {
		if s.Item.Code == "TAP-REPAIR" {
			t.Fatalf("negative keyword should zero the score, got %v", s.Confidence)
		}
	}
}

func TestKeywordMatcher_InactiveIgnored(t *testing.T) {
	t.Parallel()

	if _, ok := NewKeywordMatcher().Best("my door is stuck", testItems()); ok {
		t.Error("inactive item must not match")
	}
}

func TestKeywordMatcher_Empty(t *testing.T) {
	t.Parallel()

	m := NewKeywordMatcher()
	if got := m.Score("", testItems()); got != nil {
		t.Errorf("Score(empty) = %v", got)
	}
	if got := m.Score("dripping tap", nil); got != nil {
		t.Errorf("Score(no items) = %v", got)
	}
}

func TestKeywordMatcher_Deterministic(t *testing.T) {
	t.Parallel()

	m := NewKeywordMatcher()
	items := []catalog.Item{
		{Code: "B", Name: "b", Keywords: []string{"tap"}, Active: true},
		{Code: "A", Name: "a", Keywords: []string{"tap"}, Active: true},
	}
	for range 5 {
		best, _ := m.Best("tap", items)
		if best.Item.Code != "A" {
			t.Fatalf("tie should resolve to lowest code, got %q", best.Item.Code)
		}
	}
}
