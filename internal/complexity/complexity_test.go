package complexity

import (
	"strings"
	"testing"
)

func TestTier1(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		matched   bool
		desc      string
		wantLight TrafficLight
		wantScore int
	}{
		{"matched simple", true, "Fix my dripping tap in the kitchen", Green, 10},
		{"unmatched simple", false, "sort the wobbly banister", Green, 35},
		{"vague extras", false, "sort out a few other bits", Amber, 60},
		{"matched install", true, "install a new shower", Green, 35},
		{"red unmatched", false, "full rewire of the house", Red, 85},
		{"red and amber", false, "replace the roof tiles", Red, 100},
		{"matched red", true, "knock through the wall", Amber, 60},
		{"hyphenated", false, "take out a load-bearing wall", Red, 85},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Tier1(tc.matched, tc.desc)
			if got.TrafficLight != tc.wantLight || got.Score != tc.wantScore {
				t.Errorf("Tier1 = %s/%d, want %s/%d (%s)", got.TrafficLight, got.Score, tc.wantLight, tc.wantScore, got.Reasoning)
			}
			if got.Tier != 1 {
				t.Errorf("Tier = %d, want 1", got.Tier)
			}
		})
	}
}

func TestTier1_LongDescription(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("word ", 30)
	got := Tier1(true, long)
	if got.Score != 20 {
		t.Errorf("Score = %d, want 20", got.Score)
	}
}

func TestTier1_Deterministic(t *testing.T) {
	t.Parallel()

	a := Tier1(false, "replace two radiators")
	for range 10 {
		if b := Tier1(false, "replace two radiators"); b != a {
			t.Fatalf("Tier1 not deterministic: %+v vs %+v", a, b)
		}
	}
}

func TestWorst(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   []TrafficLight
		want TrafficLight
	}{
		{nil, Green},
		{[]TrafficLight{Green, Green}, Green},
		{[]TrafficLight{Green, Amber}, Amber},
		{[]TrafficLight{Red, Amber, Green}, Red},
		{[]TrafficLight{"purple"}, Green},
	}
	for _, tc := range tests {
		if got := Worst(tc.in...); got != tc.want {
			t.Errorf("Worst(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
