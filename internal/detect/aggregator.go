package detect

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/catalog"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/tasks"
)

// DefaultMaxConcurrent bounds per-pass detector fan-out.
const DefaultMaxConcurrent = 8

// SnapshotSource yields the catalog snapshot used for one analysis pass.
// [*catalog.Cache] satisfies it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (*catalog.Snapshot, error)
}

// MatchedService is one priced line of a [Decision].
type MatchedService struct {
	Task       tasks.Task   `json:"task"`
	Item       catalog.Item `json:"item"`
	Confidence float64      `json:"confidence"`

	// LinePence is Item.PricePence multiplied by Task.Quantity.
	LinePence int64 `json:"linePence"`
}

// Decision is the call-level routing recommendation. It is recomputed from
// scratch on every pass.
type Decision struct {
	MatchedServices        []MatchedService `json:"matchedServices"`
	UnmatchedTasks         []tasks.Task     `json:"unmatchedTasks"`
	TotalMatchedPricePence int64            `json:"totalMatchedPricePence"`
	NextRoute              Route            `json:"nextRoute"`

	// TrafficLight is the worst per-task detector light, raised to amber when
	// a hazard appears anywhere in the transcript.
	TrafficLight complexity.TrafficLight `json:"trafficLight"`

	// ComplexityLight is the worst per-task complexity grade.
	ComplexityLight complexity.TrafficLight `json:"complexityLight"`

	// GlobalHazards are hazards found in the full, unsplit text.
	GlobalHazards []safety.Reason `json:"globalHazards,omitempty"`
}

// TaskResult pairs a task with its detection and complexity grade.
type TaskResult struct {
	Task       tasks.Task        `json:"task"`
	Result     Result            `json:"result"`
	Complexity complexity.Result `json:"complexity"`
}

// Analysis is the output of one aggregate pass.
type Analysis struct {
	Decision Decision     `json:"decision"`
	Tasks    []TaskResult `json:"tasks"`
}

// Aggregator runs the splitter and the detector over a whole transcript.
type Aggregator struct {
	splitter      tasks.Splitter
	detector      *Detector
	catalog       SnapshotSource
	safety        *safety.Filter
	metrics       *observe.Metrics
	maxConcurrent int
	splitWindow   int
}

// AggregatorOption configures an [Aggregator].
type AggregatorOption func(*Aggregator)

// WithMaxConcurrent bounds how many tasks are detected at once.
func WithMaxConcurrent(n int) AggregatorOption {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxConcurrent = n
		}
	}
}

// WithSplitWindow limits the splitter to the trailing n bytes of the
// transcript, cut on a word boundary. Zero means the whole transcript.
func WithSplitWindow(n int) AggregatorOption {
	return func(a *Aggregator) { a.splitWindow = max(n, 0) }
}

// WithAggregatorMetrics sets the metrics sink.
func WithAggregatorMetrics(m *observe.Metrics) AggregatorOption {
	return func(a *Aggregator) { a.metrics = m }
}

// NewAggregator builds an Aggregator. A nil splitter selects
// [tasks.RuleSplitter].
func NewAggregator(splitter tasks.Splitter, detector *Detector, source SnapshotSource, opts ...AggregatorOption) *Aggregator {
	if splitter == nil {
		splitter = tasks.RuleSplitter{}
	}
	a := &Aggregator{
		splitter:      splitter,
		detector:      detector,
		catalog:       source,
		safety:        safety.NewFilter(),
		maxConcurrent: DefaultMaxConcurrent,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// Analyze splits text into tasks, detects each concurrently and reduces the
// results. It returns an error only when ctx is cancelled; provider and
// catalog failures degrade the analysis instead.
func (a *Aggregator) Analyze(ctx context.Context, text string, dctx safety.Context) (Analysis, error) {
	ctx, span := observe.StartSpan(ctx, "detect.analyze")
	defer span.End()

	snap, err := a.catalog.Snapshot(ctx)
	if err != nil {
		observe.Logger(ctx).Warn("detect: catalog unavailable, analysing against empty snapshot", "err", err)
		snap = catalog.NewSnapshot(nil, time.Time{})
	}

	taskList := a.split(ctx, text)

	results := make([]TaskResult, len(taskList))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.maxConcurrent)
	for i, t := range taskList {
		g.Go(func() error {
			res := a.detector.Detect(gctx, t.Description, dctx, snap)
			grade := complexity.Tier1(res.Matched, t.Description)
			grade.TaskID = t.ID
			results[i] = TaskResult{Task: t, Result: res, Complexity: grade}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Analysis{}, err
	}

	d := Reduce(results, a.safety.Hazards(text))
	span.SetAttributes(
		attribute.Int("detect.tasks", len(results)),
		attribute.String("detect.route", string(d.NextRoute)),
	)
	return Analysis{Decision: d, Tasks: results}, nil
}

func (a *Aggregator) split(ctx context.Context, text string) []tasks.Task {
	input := text
	if a.splitWindow > 0 {
		input = tasks.TrailingWindow(text, a.splitWindow)
	}
	if strings.TrimSpace(input) == "" {
		return tasks.Whole(text)
	}

	start := time.Now()
	list, err := a.splitter.Split(ctx, input)
	a.metrics.RecordProviderLatency(ctx, "splitter", "split", time.Since(start))
	if err != nil {
		observe.Logger(ctx).Warn("detect: splitter failed, using whole text", "err", err)
		return tasks.Whole(input)
	}
	if len(list) == 0 {
		return tasks.Whole(input)
	}
	return list
}

// Reduce folds per-task results into a call-level decision, worst case wins:
// any site visit, red complexity grade or global hazard makes the call
// MIXED_QUOTE, otherwise any unmatched, video or amber task makes it
// VIDEO_QUOTE, otherwise INSTANT_PRICE. Only matched tasks contribute to the
// total price.
func Reduce(results []TaskResult, hazards []safety.Reason) Decision {
	d := Decision{
		MatchedServices: []MatchedService{},
		UnmatchedTasks:  []tasks.Task{},
		NextRoute:       RouteInstantPrice,
		TrafficLight:    complexity.Green,
		ComplexityLight: complexity.Green,
		GlobalHazards:   hazards,
	}

	siteVisit, video := len(hazards) > 0, len(results) == 0
	for _, tr := range results {
		r := tr.Result
		d.TrafficLight = complexity.Worst(d.TrafficLight, r.TrafficLight)
		d.ComplexityLight = complexity.Worst(d.ComplexityLight, tr.Complexity.TrafficLight)

		switch r.NextRoute {
		case RouteSiteVisit:
			siteVisit = true
		case RouteVideoQuote:
			video = true
		}
		if r.TrafficLight != complexity.Green {
			video = true
		}
		switch tr.Complexity.TrafficLight {
		case complexity.Red:
			siteVisit = true
		case complexity.Amber:
			video = true
		}

		if !r.Matched || r.Item == nil {
			video = true
			d.UnmatchedTasks = append(d.UnmatchedTasks, tr.Task)
			continue
		}
		line := r.Item.PricePence * int64(tr.Task.Quantity)
		d.MatchedServices = append(d.MatchedServices, MatchedService{
			Task:       tr.Task,
			Item:       *r.Item,
			Confidence: r.Confidence,
			LinePence:  line,
		})
		d.TotalMatchedPricePence += line
	}

	switch {
	case siteVisit:
		d.NextRoute = RouteMixedQuote
	case video:
		d.NextRoute = RouteVideoQuote
	}
	if len(hazards) > 0 {
		d.TrafficLight = complexity.Worst(d.TrafficLight, complexity.Amber)
	}
	slices.SortStableFunc(d.MatchedServices, func(a, b MatchedService) int {
		return a.Task.OriginalIndex - b.Task.OriginalIndex
	})
	return d
}

// WithComplexity returns a copy of a with each task's complexity replaced by
// the entry in refined when one exists for its ID. When any grade changes the
// decision is reduced again, so a refined red grade can raise the route.
func (a Analysis) WithComplexity(refined map[string]complexity.Result) Analysis {
	out := Analysis{Decision: a.Decision, Tasks: slices.Clone(a.Tasks)}
	changed := false
	for i, tr := range out.Tasks {
		if r, ok := refined[tr.Task.ID]; ok {
			out.Tasks[i].Complexity = r
			changed = true
		}
	}
	if changed {
		out.Decision = Reduce(out.Tasks, a.Decision.GlobalHazards)
	}
	return out
}

// Unmatched returns the tasks the detector could not price.
func (a Analysis) Unmatched() []tasks.Task {
	var out []tasks.Task
	for _, tr := range a.Tasks {
		if !tr.Result.Matched {
			out = append(out, tr.Task)
		}
	}
	return out
}

// HasTask reports whether the analysis contains a task with the given ID.
func (a Analysis) HasTask(id string) bool {
	for _, tr := range a.Tasks {
		if tr.Task.ID == id {
			return true
		}
	}
	return false
}
