package match

import (
	"context"
	"fmt"
	"strings"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/llm"
)

// Classification is a classifier's verdict over a candidate shortlist.
type Classification struct {
	// Index points into the candidate slice; -1 means no candidate fits.
	Index int

	// Confidence is on a 0–100 scale.
	Confidence float64

	// Rationale is the model's one-line explanation.
	Rationale string
}

// Classifier picks at most one candidate for a job description.
type Classifier interface {
	Classify(ctx context.Context, text string, candidates []catalog.Item) (Classification, error)
}

const classifierSystemPrompt = `You match a customer's description of a household job to one of a short list of fixed-price services offered by a handyman business.

Rules:
- Pick a service only if it clearly covers the whole job described.
- If none of the services fit, or the description is too vague to tell, answer with "index": null.
- Confidence is how sure you are, from 0 to 100.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{"index": <number or null>, "confidence": <0-100>, "rationale": "<one short sentence>"}`

type classifierResponse struct {
	Index      *int    `json:"index"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// LLMClassifier implements [Classifier] with an [llm.Provider]. It is safe
// for concurrent use.
type LLMClassifier struct {
	llm         llm.Provider
	temperature float64
	maxTokens   int
}

// ClassifierOption configures an [LLMClassifier].
type ClassifierOption func(*LLMClassifier)

// WithClassifierTemperature sets the sampling temperature. Default: 0.
func WithClassifierTemperature(t float64) ClassifierOption {
	return func(c *LLMClassifier) {
		c.temperature = t
	}
}

// NewLLMClassifier returns a classifier backed by p.
func NewLLMClassifier(p llm.Provider, opts ...ClassifierOption) *LLMClassifier {
	c := &LLMClassifier{llm: p, maxTokens: 200}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify asks the model to choose among candidates. An unparseable
// response or an out-of-range index is returned as an error wrapping
// [llm.ErrMalformedResponse]; callers treat it like a provider failure.
func (c *LLMClassifier) Classify(ctx context.Context, text string, candidates []catalog.Item) (Classification, error) {
	none := Classification{Index: -1}
	if len(candidates) == 0 {
		return none, nil
	}

	resp, err := c.llm.Complete(ctx, llm.CompletionRequest{
		JSONMode:     true,
		SystemPrompt: classifierSystemPrompt,
		Temperature:  c.temperature,
		MaxTokens:    c.maxTokens,
		Messages: []llm.Message{
			{Role: "user", Content: buildClassifierPrompt(text, candidates)},
		},
	})
	if err != nil {
		return none, fmt.Errorf("match: classify: %w", err)
	}
	if resp == nil {
		return none, fmt.Errorf("match: classify: %w: empty completion", llm.ErrMalformedResponse)
	}

	var r classifierResponse
	if err := llm.DecodeJSON(resp.Content, &r); err != nil {
		return none, fmt.Errorf("match: classify: %w", err)
	}
	if r.Index == nil {
		return Classification{Index: -1, Confidence: clamp(r.Confidence, 0, 100), Rationale: r.Rationale}, nil
	}
	if *r.Index < 0 || *r.Index >= len(candidates) {
		return none, fmt.Errorf("match: classify: %w: index %d out of range [0,%d)", llm.ErrMalformedResponse, *r.Index, len(candidates))
	}
	return Classification{
		Index:      *r.Index,
		Confidence: clamp(r.Confidence, 0, 100),
		Rationale:  strings.TrimSpace(r.Rationale),
	}, nil
}

func buildClassifierPrompt(text string, candidates []catalog.Item) string {
	var sb strings.Builder
	sb.WriteString("Job description: ")
	sb.WriteString(text)
	sb.WriteString("\n\nServices:\n")
	for i, it := range candidates {
		fmt.Fprintf(&sb, "%d. [%s] %s", i, it.Code, it.Name)
		if len(it.Keywords) > 0 {
			fmt.Fprintf(&sb, " (keywords: %s)", strings.Join(it.Keywords, ", "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
