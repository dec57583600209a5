package detect

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/match"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
	"github.com/Courtneyezra/handyservices-app-sub008/pkg/provider/embeddings"
)

// minDescriptionLen is the shortest trimmed description worth classifying.
const minDescriptionLen = 3

// Detector classifies a single task description against a catalog snapshot.
// The embedding and classifier stages are optional; without them the
// detector degrades to keyword matching plus the safety override.
//
// Detector is safe for concurrent use. Thresholds may be swapped at runtime
// with [Detector.SetThresholds].
type Detector struct {
	keyword    *match.KeywordMatcher
	embedder   *match.EmbeddingMatcher
	classifier match.Classifier
	safety     *safety.Filter
	metrics    *observe.Metrics
	thresholds atomic.Pointer[Thresholds]
}

// Option configures a [Detector].
type Option func(*Detector)

// WithEmbeddings enables the embedding stage.
func WithEmbeddings(p embeddings.Provider) Option {
	return func(d *Detector) {
		if p != nil {
			d.embedder = match.NewEmbeddingMatcher(p)
		}
	}
}

// WithClassifier enables the language-model stage.
func WithClassifier(c match.Classifier) Option {
	return func(d *Detector) { d.classifier = c }
}

// WithKeywordMatcher replaces the default keyword matcher.
func WithKeywordMatcher(m *match.KeywordMatcher) Option {
	return func(d *Detector) { d.keyword = m }
}

// WithSafetyFilter replaces the default safety filter.
func WithSafetyFilter(f *safety.Filter) Option {
	return func(d *Detector) { d.safety = f }
}

// WithThresholds sets the initial stage cut-offs.
func WithThresholds(t Thresholds) Option {
	return func(d *Detector) {
		t = t.WithDefaults()
		d.thresholds.Store(&t)
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// New builds a Detector.
func New(opts ...Option) *Detector {
	d := &Detector{
		keyword: match.NewKeywordMatcher(),
		safety:  safety.NewFilter(),
	}
	for _, o := range opts {
		o(d)
	}
	if d.thresholds.Load() == nil {
		t := DefaultThresholds()
		d.thresholds.Store(&t)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// Thresholds returns the cut-offs currently in effect.
func (d *Detector) Thresholds() Thresholds { return *d.thresholds.Load() }

// SetThresholds swaps the cut-offs for subsequent calls to Detect.
func (d *Detector) SetThresholds(t Thresholds) {
	t = t.WithDefaults()
	d.thresholds.Store(&t)
}

// HasClassifier reports whether the language-model stage is enabled.
func (d *Detector) HasClassifier() bool { return d.classifier != nil }

// HasEmbeddings reports whether the embedding stage is enabled.
func (d *Detector) HasEmbeddings() bool { return d.embedder != nil }

// state is threaded through the stages of one Detect call.
type state struct {
	text  string
	dctx  safety.Context
	items []catalog.Item
	th    Thresholds

	keyword   []match.Score
	semantic  []match.Score
	verdict   safety.Verdict
	bestScore float64
}

// stage inspects the state and either produces a final result (true) or
// passes to the next stage (false).
type stage struct {
	name string
	run  func(ctx context.Context, st *state) (Result, bool)
}

// Detect classifies description. It never returns an error: provider
// failures and malformed model output fall through to the next stage, and an
// empty snapshot yields the default VIDEO_QUOTE result.
func (d *Detector) Detect(ctx context.Context, description string, dctx safety.Context, snap *catalog.Snapshot) Result {
	ctx, span := observe.StartSpan(ctx, "detect.task")
	defer span.End()

	res := d.detect(ctx, description, dctx, snap)
	span.SetAttributes(
		attribute.String("detect.method", string(res.Method)),
		attribute.String("detect.route", string(res.NextRoute)),
	)
	d.metrics.RecordDetection(ctx, string(res.Method), string(res.NextRoute))
	return res
}

func (d *Detector) detect(ctx context.Context, description string, dctx safety.Context, snap *catalog.Snapshot) Result {
	text := strings.TrimSpace(description)
	if len(text) < minDescriptionLen || len(match.Tokens(text)) == 0 {
		return Result{
			Method:       MethodNone,
			Rationale:    "description too short to classify",
			NextRoute:    RouteVideoQuote,
			TrafficLight: complexity.Green,
		}
	}

	st := &state{
		text:  text,
		dctx:  dctx,
		items: snap.Items(),
		th:    d.Thresholds(),
	}

	stages := []stage{
		{"safety", d.safetyStage},
		{"keyword", d.keywordStage},
		{"embedding", d.embeddingStage},
		{"classifier", d.classifierStage},
	}
	for _, s := range stages {
		if res, ok := s.run(ctx, st); ok {
			observe.Logger(ctx).Debug("detect: stage accepted", "stage", s.name, "method", res.Method, "route", res.NextRoute, "confidence", res.Confidence)
			return res
		}
	}

	return Result{
		Method:       MethodNone,
		Rationale:    "no confident catalog match",
		NextRoute:    RouteVideoQuote,
		TrafficLight: complexity.Green,
		Candidates:   st.candidates(),
	}
}

// safetyStage forces a site visit for hazards and flagged callers. It still
// scores keywords so the operator sees what the job resembles.
func (d *Detector) safetyStage(_ context.Context, st *state) (Result, bool) {
	st.verdict = d.safety.Check(st.text, st.dctx)
	if !st.verdict.Triggered {
		return Result{}, false
	}
	d.scoreKeywords(st)
	return Result{
		Method:       MethodHeuristic,
		Confidence:   100,
		Rationale:    st.verdict.Rationale(),
		NextRoute:    RouteSiteVisit,
		TrafficLight: complexity.Amber,
		Candidates:   st.candidates(),
		Safety:       st.verdict.Reasons,
	}, true
}

func (d *Detector) keywordStage(_ context.Context, st *state) (Result, bool) {
	d.scoreKeywords(st)
	if len(st.keyword) == 0 {
		return Result{}, false
	}
	best := st.keyword[0]
	switch {
	case best.Confidence >= st.th.KeywordAccept:
		return matchedResult(best, MethodKeyword, RouteInstantPrice, complexity.Green,
			fmt.Sprintf("keyword match on %s", strings.Join(best.Hits, ", ")), st), true
	case best.Confidence >= st.th.KeywordProvisional:
		return matchedResult(best, MethodKeyword, RouteVideoQuote, complexity.Amber,
			fmt.Sprintf("provisional keyword match on %s", strings.Join(best.Hits, ", ")), st), true
	}
	return Result{}, false
}

func (d *Detector) embeddingStage(ctx context.Context, st *state) (Result, bool) {
	if d.embedder == nil || st.bestScore >= st.th.EmbeddingGate {
		return Result{}, false
	}

	m := *d.embedder
	m.MinSimilarity = st.th.MinSimilarity
	m.TopK = st.th.TopK

	pctx, cancel := providerContext(ctx, st.th.ProviderTimeout)
	defer cancel()
	start := time.Now()
	scores, err := m.Match(pctx, st.text, st.items)
	d.metrics.RecordProviderLatency(ctx, "embeddings", "match", time.Since(start))
	if err != nil {
		d.metrics.RecordProviderError(ctx, "detector", "embeddings")
		observe.Logger(ctx).Warn("detect: embedding stage failed, falling back", "err", err)
		return Result{}, false
	}
	st.semantic = scores

	if d.classifier == nil && len(scores) > 0 && scores[0].Confidence >= st.th.EmbeddingAccept {
		best := scores[0]
		return matchedResult(best, MethodEmbedding, RouteVideoQuote, complexity.Amber,
			fmt.Sprintf("semantic match (similarity %.0f)", best.Confidence), st), true
	}
	return Result{}, false
}

func (d *Detector) classifierStage(ctx context.Context, st *state) (Result, bool) {
	candidates := st.candidates()
	if d.classifier == nil || len(candidates) == 0 {
		return Result{}, false
	}

	pctx, cancel := providerContext(ctx, st.th.ProviderTimeout)
	defer cancel()
	start := time.Now()
	cls, err := d.classifier.Classify(pctx, st.text, candidates)
	d.metrics.RecordProviderLatency(ctx, "llm", "classify", time.Since(start))
	if err != nil {
		d.metrics.RecordProviderError(ctx, "detector", "llm")
		observe.Logger(ctx).Warn("detect: classifier stage failed, falling back", "err", err)
		return Result{}, false
	}
	if cls.Index < 0 || cls.Index >= len(candidates) || cls.Confidence <= st.th.ClassifierAccept {
		return Result{}, false
	}

	route, light := RouteVideoQuote, complexity.Amber
	if cls.Confidence > st.th.ClassifierGreen {
		route, light = RouteInstantPrice, complexity.Green
	}
	item := candidates[cls.Index]
	rationale := cls.Rationale
	if rationale == "" {
		rationale = "classifier selected " + item.Code
	}
	return Result{
		Matched:      true,
		Item:         &item,
		Confidence:   cls.Confidence,
		Method:       MethodHybrid,
		Rationale:    rationale,
		NextRoute:    route,
		TrafficLight: light,
		Candidates:   candidates,
	}, true
}

func (d *Detector) scoreKeywords(st *state) {
	if st.keyword != nil {
		return
	}
	scores := d.keyword.Score(st.text, st.items)
	if len(scores) > 0 {
		st.bestScore = scores[0].Confidence
	}
	st.keyword = topK(scores, st.th.TopK)
	if st.keyword == nil {
		st.keyword = []match.Score{}
	}
}

// candidates is the union of keyword and embedding candidates, keyword first,
// deduplicated by code.
func (st *state) candidates() []catalog.Item {
	seen := make(map[string]bool, len(st.keyword)+len(st.semantic))
	var out []catalog.Item
	for _, group := range [][]match.Score{st.keyword, st.semantic} {
		for _, s := range group {
			if seen[s.Item.Code] {
				continue
			}
			seen[s.Item.Code] = true
			out = append(out, s.Item)
		}
	}
	return out
}

func matchedResult(s match.Score, m Method, route Route, light complexity.TrafficLight, rationale string, st *state) Result {
	item := s.Item
	return Result{
		Matched:      true,
		Item:         &item,
		Confidence:   s.Confidence,
		Method:       m,
		Rationale:    rationale,
		NextRoute:    route,
		TrafficLight: light,
		Candidates:   st.candidates(),
	}
}

func topK(scores []match.Score, k int) []match.Score {
	if k > 0 && len(scores) > k {
		return scores[:k]
	}
	return scores
}

func providerContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
