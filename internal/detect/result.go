// Package detect turns job descriptions into routing recommendations.
//
// [Detector] classifies one task through an ordered list of stages (safety,
// keyword, embedding, language model) that fold left to right and stop at the
// first confident outcome. [Aggregator] splits a whole transcript into tasks,
// runs the detector over each task concurrently and reduces the per-task
// results into one call-level [Decision].
package detect

import (
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
)

// Method names the stage that produced a [Result].
type Method string

const (
	MethodKeyword   Method = "keyword"
	MethodEmbedding Method = "embedding"
	// MethodGPT is reserved for a classifier-only decision. The detector
	// reports classifier acceptances as MethodHybrid because the classifier
	// only ever chooses among keyword and embedding candidates.
	MethodGPT       Method = "gpt"
	MethodHybrid    Method = "hybrid"
	MethodHeuristic Method = "heuristic"
	MethodNone      Method = "none"
)

// Route is the next step recommended for a task or a whole call.
type Route string

const (
	RouteInstantPrice Route = "INSTANT_PRICE"
	RouteVideoQuote   Route = "VIDEO_QUOTE"
	RouteSiteVisit    Route = "SITE_VISIT"

	// RouteMixedQuote is call-level only: at least one job needs a visit.
	RouteMixedQuote Route = "MIXED_QUOTE"
)

// Result is the detector's verdict for one task description.
//
// Matched implies Item is non-nil and active. A red TrafficLight never
// carries RouteInstantPrice.
type Result struct {
	Matched      bool                    `json:"matched"`
	Item         *catalog.Item           `json:"item,omitempty"`
	Confidence   float64                 `json:"confidence"`
	Method       Method                  `json:"method"`
	Rationale    string                  `json:"rationale"`
	NextRoute    Route                   `json:"nextRoute"`
	TrafficLight complexity.TrafficLight `json:"trafficLight"`
	Candidates   []catalog.Item          `json:"candidates,omitempty"`

	// Safety lists the reasons a heuristic override fired.
	Safety []safety.Reason `json:"safety,omitempty"`
}

// Thresholds are the stage cut-offs, all on a 0–100 scale.
type Thresholds struct {
	// KeywordAccept is the keyword score that prices instantly.
	KeywordAccept float64 `yaml:"keyword_accept"`

	// KeywordProvisional is the keyword score that matches pending a video.
	KeywordProvisional float64 `yaml:"keyword_provisional"`

	// EmbeddingGate: the embedding stage runs only below this keyword score.
	EmbeddingGate float64 `yaml:"embedding_gate"`

	// MinSimilarity is the exclusive lower bound for embedding candidates.
	MinSimilarity float64 `yaml:"min_similarity"`

	// TopK caps the candidates taken from each of keyword and embedding.
	TopK int `yaml:"top_k"`

	// EmbeddingAccept is the similarity accepted without a classifier.
	EmbeddingAccept float64 `yaml:"embedding_accept"`

	// ClassifierAccept is the exclusive lower bound on classifier confidence.
	ClassifierAccept float64 `yaml:"classifier_accept"`

	// ClassifierGreen is the classifier confidence above which the match is
	// priced instantly.
	ClassifierGreen float64 `yaml:"classifier_green"`

	// ProviderTimeout bounds each embedding or classifier call. Zero means
	// the caller's context alone applies.
	ProviderTimeout time.Duration `yaml:"provider_timeout"`
}

// DefaultThresholds returns the production cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		KeywordAccept:      85,
		KeywordProvisional: 70,
		EmbeddingGate:      50,
		MinSimilarity:      60,
		TopK:               5,
		EmbeddingAccept:    85,
		ClassifierAccept:   75,
		ClassifierGreen:    85,
		ProviderTimeout:    8 * time.Second,
	}
}

// WithDefaults fills zero fields from [DefaultThresholds]. ProviderTimeout
// is left alone since zero disables it.
func (t Thresholds) WithDefaults() Thresholds {
	d := DefaultThresholds()
	if t.KeywordAccept == 0 {
		t.KeywordAccept = d.KeywordAccept
	}
	if t.KeywordProvisional == 0 {
		t.KeywordProvisional = d.KeywordProvisional
	}
	if t.EmbeddingGate == 0 {
		t.EmbeddingGate = d.EmbeddingGate
	}
	if t.MinSimilarity == 0 {
		t.MinSimilarity = d.MinSimilarity
	}
	if t.TopK == 0 {
		t.TopK = d.TopK
	}
	if t.EmbeddingAccept == 0 {
		t.EmbeddingAccept = d.EmbeddingAccept
	}
	if t.ClassifierAccept == 0 {
		t.ClassifierAccept = d.ClassifierAccept
	}
	if t.ClassifierGreen == 0 {
		t.ClassifierGreen = d.ClassifierGreen
	}
	return t
}
