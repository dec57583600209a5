// Package complexity grades how involved a job is with a traffic light.
//
// [Tier1] is a deterministic keyword heuristic cheap enough to run on every
// task of every analysis pass. [Refiner] is the slower language-model tier
// that re-grades unmatched tasks once the caller pauses.
package complexity

import (
	"strings"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/match"
)

// TrafficLight is the three-level severity signal shown to operators.
type TrafficLight string

const (
	Green TrafficLight = "green"
	Amber TrafficLight = "amber"
	Red   TrafficLight = "red"
)

// Severity orders lights: green < amber < red. Unknown values rank lowest.
func (t TrafficLight) Severity() int {
	switch t {
	case Green:
		return 1
	case Amber:
		return 2
	case Red:
		return 3
	}
	return 0
}

// Valid reports whether t is one of the three known lights.
func (t TrafficLight) Valid() bool { return t.Severity() > 0 }

// Worst returns the most severe light, or Green for no input.
func Worst(lights ...TrafficLight) TrafficLight {
	w := Green
	for _, l := range lights {
		if l.Severity() > w.Severity() {
			w = l
		}
	}
	return w
}

// Result is one task's complexity grade.
type Result struct {
	TaskID       string       `json:"taskId"`
	TrafficLight TrafficLight `json:"trafficLight"`
	Score        int          `json:"complexityScore"`
	Reasoning    string       `json:"reasoning,omitempty"`

	// Tier is 1 for the heuristic and 2 for the model refinement.
	Tier int `json:"tier"`
}

// Tier-1 scoring.
const (
	matchedBase   = 10
	unmatchedBase = 35
	redWeight     = 50
	amberWeight   = 25
	longWeight    = 10
	longWords     = 25

	redThreshold   = 70
	amberThreshold = 40
)

var redTerms = []string{
	"rewire", "rewiring", "structural", "knock through", "remove wall", "load bearing",
	"extension", "loft conversion", "roof", "asbestos", "gas", "boiler install",
	"full bathroom", "full kitchen", "underfloor heating", "damp proof", "consumer unit",
}

var amberTerms = []string{
	"install", "replace", "replacement", "fit new", "multiple", "several", "various",
	"other bits", "few things", "odd jobs", "tiling", "plastering", "leak", "leaking",
	"electrics", "plumbing", "fence", "decking", "not sure",
}

// Tier1 grades a task from whether it matched a catalog item and its wording.
// It is pure and deterministic.
func Tier1(matched bool, description string) Result {
	norm := " " + match.Normalize(description) + " "

	score := unmatchedBase
	if matched {
		score = matchedBase
	}
	var reasons []string
	if t := firstTerm(norm, redTerms); t != "" {
		score += redWeight
		reasons = append(reasons, "mentions "+t)
	}
	if t := firstTerm(norm, amberTerms); t != "" {
		score += amberWeight
		reasons = append(reasons, "mentions "+t)
	}
	if len(strings.Fields(norm)) > longWords {
		score += longWeight
		reasons = append(reasons, "long description")
	}
	if !matched {
		reasons = append(reasons, "no catalog match")
	}

	score = max(0, min(100, score))
	return Result{
		TrafficLight: lightFor(score),
		Score:        score,
		Reasoning:    strings.Join(reasons, "; "),
		Tier:         1,
	}
}

func lightFor(score int) TrafficLight {
	switch {
	case score >= redThreshold:
		return Red
	case score >= amberThreshold:
		return Amber
	default:
		return Green
	}
}

// firstTerm returns the first term found as a whole-word phrase in norm,
// which must be space-padded.
func firstTerm(norm string, terms []string) string {
	for _, t := range terms {
		if strings.Contains(norm, " "+t+" ") {
			return t
		}
	}
	return ""
}
