package complexity

import (
	"context"
	"fmt"
	"strings"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/tasks"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

const refinerSystemPrompt = `You grade household repair jobs described by a customer on the phone for a handyman business.

For each job give a traffic light:
- "green": small, well-defined job one person can price from the description.
- "amber": needs photos or a video call to price.
- "red": large, specialist or risky work that needs a site visit.

complexity_score is 0 (trivial) to 100 (major works).

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"classifications": [{"id": "<job id>", "traffic_light": "green|amber|red", "complexity_score": <0-100>, "reasoning": "<one short sentence>"}]}`

type refinerResponse struct {
	Classifications []struct {
		ID           string `json:"id"`
		TrafficLight string `json:"traffic_light"`
		Score        int    `json:"complexity_score"`
		Reasoning    string `json:"reasoning"`
	} `json:"classifications"`
}

// Refiner is the model-backed second tier. It is safe for concurrent use.
type Refiner struct {
	llm         llm.Provider
	temperature float64
}

// RefinerOption configures a [Refiner].
type RefinerOption func(*Refiner)

// WithRefinerTemperature sets the sampling temperature. Default: 0.
func WithRefinerTemperature(t float64) RefinerOption {
	return func(r *Refiner) { r.temperature = t }
}

// NewRefiner returns a refiner backed by p.
func NewRefiner(p llm.Provider, opts ...RefinerOption) *Refiner {
	r := &Refiner{llm: p}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Refine grades ts in a single completion and returns the results keyed by
// task ID. Entries for unknown IDs or with an invalid light are dropped, so
// the map may hold fewer entries than ts.
func (r *Refiner) Refine(ctx context.Context, ts []tasks.Task) (map[string]Result, error) {
	if len(ts) == 0 {
		return map[string]Result{}, nil
	}

	resp, err := r.llm.Complete(ctx, llm.CompletionRequest{
		JSONMode:     true,
		SystemPrompt: refinerSystemPrompt,
		Temperature:  r.temperature,
		Messages:     []llm.Message{{Role: "user", Content: buildRefinerPrompt(ts)}},
	})
	if err != nil {
		return nil, fmt.Errorf("complexity: refine: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("complexity: refine: %w", llm.ErrMalformedResponse)
	}

	var parsed refinerResponse
	if err := llm.DecodeJSON(resp.Content, &parsed); err != nil {
		return nil, fmt.Errorf("complexity: refine: %w", err)
	}

	known := make(map[string]bool, len(ts))
	for _, t := range ts {
		known[t.ID] = true
	}
	out := make(map[string]Result, len(parsed.Classifications))
	for _, c := range parsed.Classifications {
		light := TrafficLight(strings.ToLower(strings.TrimSpace(c.TrafficLight)))
		if !known[c.ID] || !light.Valid() {
			continue
		}
		out[c.ID] = Result{
			TaskID:       c.ID,
			TrafficLight: light,
			Score:        max(0, min(100, c.Score)),
			Reasoning:    strings.TrimSpace(c.Reasoning),
			Tier:         2,
		}
	}
	return out, nil
}

func buildRefinerPrompt(ts []tasks.Task) string {
	var sb strings.Builder
	sb.WriteString("Jobs:\n")
	for _, t := range ts {
		fmt.Fprintf(&sb, "- id: %s, quantity: %d, description: %s\n", t.ID, t.Quantity, t.Description)
	}
	return sb.String()
}
