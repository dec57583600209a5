// Package callsession runs the live state machine for one telephone call.
//
// A [Session] owns its transcript and analysis state exclusively: every
// mutation happens on the session's own goroutine, fed by an unbounded
// mailbox, so callers of [Session.OnSegment] and [Session.Close] never block.
// Finalized segments restart a debounce timer; when the timer fires the full
// transcript is analysed. A second, slower debounce re-grades unmatched tasks
// with a language model and re-emits the same pass as a refinement.
//
// Lifecycle: new → streaming → closing → finalized. Closing cancels pending
// timers and forces one final analysis of the complete transcript before the
// session_closed event is published.
package callsession

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/safety"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/tasks"
)

// Defaults for [Config].
const (
	DefaultDebounce      = 1500 * time.Millisecond
	DefaultTier2Debounce = 800 * time.Millisecond
	DefaultHistorySize   = 3
	DefaultFinalTimeout  = 30 * time.Second
)

// ErrClosed is returned for input that arrives after the session started
// closing. The input is ignored.
var ErrClosed = errors.New("callsession: session closed")

// Status is the session lifecycle state.
type Status string

const (
	StatusNew       Status = "new"
	StatusStreaming Status = "streaming"
	StatusClosing   Status = "closing"
	StatusFinalized Status = "finalized"
)

// Segment is one piece of transcribed speech.
type Segment struct {
	Text    string `json:"text"`
	Speaker string `json:"speaker,omitempty"`
	IsFinal bool   `json:"isFinal"`
}

// Analyzer produces an aggregate analysis of a transcript.
// [*detect.Aggregator] implements it.
type Analyzer interface {
	Analyze(ctx context.Context, text string, dctx safety.Context) (detect.Analysis, error)
}

// Refiner re-grades task complexity. [*complexity.Refiner] implements it.
type Refiner interface {
	Refine(ctx context.Context, ts []tasks.Task) (map[string]complexity.Result, error)
}

// Config holds the dependencies and timings of a [Session].
type Config struct {
	// ID identifies the session. Required.
	ID string

	PhoneNumber string

	// Analyzer runs main analysis passes. Required.
	Analyzer Analyzer

	// Refiner enables tier-2 complexity refinement. Optional.
	Refiner Refiner

	// Publisher receives the session's events. Required.
	Publisher events.Publisher

	// Clock drives both debounce timers. Defaults to the real clock.
	Clock clockwork.Clock

	Debounce      time.Duration
	Tier2Debounce time.Duration

	// HistorySize is how many recent final segments feed the safety
	// context.
	HistorySize int

	// FinalTimeout bounds the forced analysis pass run on close.
	FinalTimeout time.Duration

	Metrics *observe.Metrics

	// OnFinalized is called once, from the session goroutine, after the
	// session_closed event is published and before Done is closed.
	OnFinalized func(id string)
}

func (c *Config) applyDefaults() {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.Tier2Debounce <= 0 {
		c.Tier2Debounce = DefaultTier2Debounce
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	if c.FinalTimeout <= 0 {
		c.FinalTimeout = DefaultFinalTimeout
	}
	if c.Metrics == nil {
		c.Metrics = observe.DefaultMetrics()
	}
}

// Snapshot is a read-only copy of a session's externally visible state.
type Snapshot struct {
	ID          string           `json:"id"`
	PhoneNumber string           `json:"phoneNumber,omitempty"`
	Status      Status           `json:"status"`
	StartedAt   time.Time        `json:"startedAt"`
	Transcript  string           `json:"transcript"`
	Segments    int              `json:"segments"`
	Metadata    Metadata         `json:"metadata"`
	Pass        int              `json:"pass"`
	Analysis    *detect.Analysis `json:"analysis,omitempty"`
}

// Session is one live call. All exported methods are safe for concurrent
// use and return without waiting for analysis.
type Session struct {
	cfg  Config
	log  *slog.Logger
	box  mailbox
	done chan struct{}

	// ctx scopes non-final analysis and refinement calls; cancel runs at
	// finalization.
	ctx    context.Context
	cancel context.CancelFunc

	viewMu sync.RWMutex
	view   Snapshot

	// Actor-owned state. Only touched by run and its handlers.
	status       Status
	transcript   strings.Builder
	segments     int
	history      []string
	metadata     Metadata
	debounce     clockwork.Timer
	debounceGen  int
	tier2        clockwork.Timer
	tier2Gen     int
	pass         int
	inFlight     bool
	rerun        bool
	finalPending bool
	last         *detect.Analysis
	lastPass     int
	refined      map[string]complexity.Result
	tier2Busy    bool
	tier2Again   bool
	tier2Cancel  context.CancelFunc
}

// New starts a session and publishes session_started. ctx is the parent of
// every analysis the session runs.
func New(ctx context.Context, cfg Config) *Session {
	cfg.applyDefaults()
	sctx, cancel := context.WithCancel(observe.WithSessionID(context.WithoutCancel(ctx), cfg.ID))
	s := &Session{
		cfg:     cfg,
		log:     slog.With("session_id", cfg.ID),
		done:    make(chan struct{}),
		ctx:     sctx,
		cancel:  cancel,
		status:  StatusNew,
		refined: make(map[string]complexity.Result),
	}
	s.box.init()
	s.view = Snapshot{ID: cfg.ID, PhoneNumber: cfg.PhoneNumber, Status: StatusNew, StartedAt: cfg.Clock.Now()}

	go s.run()
	s.cfg.Publisher.Publish(ctx, events.Event{
		Type:        events.SessionStarted,
		SessionID:   cfg.ID,
		PhoneNumber: cfg.PhoneNumber,
		At:          s.view.StartedAt,
	})
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.cfg.ID }

// Done is closed once the session is finalized.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session is finalized or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the current externally visible state.
func (s *Session) Snapshot() Snapshot {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

// Activate marks the media stream as started. A session also becomes active
// on its first segment.
func (s *Session) Activate() error {
	return s.post(activateMsg{})
}

// OnSegment queues a transcript segment. Final segments are appended to the
// transcript and restart the analysis debounce; interim segments are only
// announced.
func (s *Session) OnSegment(seg Segment) error {
	return s.post(segmentMsg{seg: seg})
}

// UpdateMetadata merges caller details into the session.
func (s *Session) UpdateMetadata(md Metadata) error {
	return s.post(metadataMsg{md: md})
}

// Close ends the stream. Pending timers are cancelled and a final analysis of
// the whole transcript runs before the session is finalized; use [Session.Done]
// or [Session.Wait] to await it. Closing twice is a no-op.
func (s *Session) Close() {
	_ = s.post(closeMsg{})
}

// post enqueues m unless the session is already closing.
func (s *Session) post(m message) error {
	st := s.Snapshot().Status
	if st == StatusClosing || st == StatusFinalized {
		if _, ok := m.(closeMsg); ok {
			s.log.Debug("callsession: close on closed session ignored")
		} else {
			s.log.Warn("callsession: input after close ignored", "kind", m.kind())
		}
		return ErrClosed
	}
	s.box.put(m)
	return nil
}

// internal posts from timers and workers; these bypass the closed check.
func (s *Session) internal(m message) {
	s.box.put(m)
}

func (s *Session) run() {
	for {
		<-s.box.ready()
		for _, m := range s.box.drain() {
			s.handle(m)
			if s.status == StatusFinalized {
				return
			}
		}
	}
}

func (s *Session) handle(m message) {
	switch m := m.(type) {
	case activateMsg:
		s.activate()
	case segmentMsg:
		s.onSegment(m.seg)
	case metadataMsg:
		if s.status == StatusClosing {
			return
		}
		s.metadata = s.metadata.Merge(m.md)
		s.updateView()
	case debounceFired:
		if m.gen != s.debounceGen || s.status != StatusStreaming {
			return
		}
		s.debounce = nil
		s.startPass(false)
	case analysisDone:
		s.onAnalysisDone(m)
	case tier2Fired:
		if m.gen != s.tier2Gen || s.status != StatusStreaming {
			return
		}
		s.tier2 = nil
		s.startRefine()
	case tier2Done:
		s.onRefineDone(m)
	case closeMsg:
		s.onClose()
	}
}

func (s *Session) activate() {
	if s.status == StatusNew {
		s.status = StatusStreaming
		s.updateView()
	}
}

func (s *Session) onSegment(seg Segment) {
	if s.status == StatusClosing {
		s.log.Warn("callsession: segment after close ignored")
		return
	}
	s.activate()

	text := strings.TrimSpace(seg.Text)
	if seg.IsFinal && text != "" {
		if s.transcript.Len() > 0 {
			s.transcript.WriteByte(' ')
		}
		s.transcript.WriteString(text)
		s.segments++
		s.history = append(s.history, text)
		if len(s.history) > s.cfg.HistorySize {
			s.history = s.history[len(s.history)-s.cfg.HistorySize:]
		}
		s.resetDebounce()
		s.updateView()
	}

	s.cfg.Publisher.Publish(s.ctx, events.Event{
		Type:      events.SegmentReceived,
		SessionID: s.cfg.ID,
		At:        s.cfg.Clock.Now(),
		Text:      seg.Text,
		Speaker:   seg.Speaker,
		IsFinal:   seg.IsFinal,
	})
}

// resetDebounce replaces any pending analysis timer. Stale timers that fire
// anyway are discarded by generation.
func (s *Session) resetDebounce() {
	if s.debounce != nil {
		s.debounce.Stop()
	}
	s.debounceGen++
	gen := s.debounceGen
	s.debounce = s.cfg.Clock.AfterFunc(s.cfg.Debounce, func() {
		s.internal(debounceFired{gen: gen})
	})
}

func (s *Session) resetTier2() {
	if s.tier2 != nil {
		s.tier2.Stop()
	}
	s.tier2Gen++
	gen := s.tier2Gen
	s.tier2 = s.cfg.Clock.AfterFunc(s.cfg.Tier2Debounce, func() {
		s.internal(tier2Fired{gen: gen})
	})
}

func (s *Session) stopTimers() {
	if s.debounce != nil {
		s.debounce.Stop()
		s.debounce = nil
	}
	if s.tier2 != nil {
		s.tier2.Stop()
		s.tier2 = nil
	}
	s.debounceGen++
	s.tier2Gen++
}

func (s *Session) detectContext() safety.Context {
	return s.metadata.context(s.history)
}

// startPass launches one main analysis unless one is already running, in
// which case another pass follows it.
func (s *Session) startPass(final bool) {
	if s.inFlight {
		s.rerun = true
		return
	}
	s.inFlight = true
	s.pass++
	pass := s.pass
	text := s.transcript.String()
	dctx := s.detectContext()

	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if final {
		ctx, cancel = context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.FinalTimeout)
	}
	go func() {
		defer cancel()
		start := time.Now()
		a, err := s.cfg.Analyzer.Analyze(ctx, text, dctx)
		s.internal(analysisDone{pass: pass, analysis: a, err: err, final: final, took: time.Since(start)})
	}()
}

func (s *Session) onAnalysisDone(m analysisDone) {
	s.inFlight = false

	if m.err != nil {
		s.log.Warn("callsession: analysis failed", "pass", m.pass, "final", m.final, "err", m.err)
	} else {
		a := m.analysis.WithComplexity(s.refined)
		s.last, s.lastPass = &a, m.pass
		s.updateView()

		// Tier 2 is scheduled before the event goes out so an observer of
		// the event can rely on the timer being armed.
		if !m.final && s.status == StatusStreaming && s.needsRefine() {
			s.resetTier2()
		}
		s.cfg.Metrics.RecordAnalysis(s.ctx, 1, m.final, m.took)
		s.publishAnalysis(a, m.pass, 1, m.final)
	}

	switch {
	case m.final:
		s.finalize()
	case s.finalPending:
		s.finalPending = false
		s.startPass(true)
	case s.rerun && s.status == StatusStreaming:
		s.rerun = false
		s.startPass(false)
	}
}

// needsRefine reports whether the latest analysis has unmatched tasks that
// have not been refined yet.
func (s *Session) needsRefine() bool {
	return s.cfg.Refiner != nil && len(s.pendingRefine()) > 0
}

func (s *Session) pendingRefine() []tasks.Task {
	if s.last == nil {
		return nil
	}
	var out []tasks.Task
	for _, t := range s.last.Unmatched() {
		if _, ok := s.refined[t.ID]; !ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *Session) startRefine() {
	if s.tier2Busy {
		s.tier2Again = true
		return
	}
	pending := s.pendingRefine()
	if len(pending) == 0 {
		return
	}
	s.tier2Busy = true
	ctx, cancel := context.WithCancel(s.ctx)
	s.tier2Cancel = cancel
	go func() {
		defer cancel()
		start := time.Now()
		res, err := s.cfg.Refiner.Refine(ctx, pending)
		s.cfg.Metrics.RecordProviderLatency(ctx, "llm", "refine", time.Since(start))
		s.internal(tier2Done{results: res, err: err})
	}()
}

func (s *Session) onRefineDone(m tier2Done) {
	s.tier2Busy = false
	s.tier2Cancel = nil
	if s.status != StatusStreaming {
		return
	}
	if m.err != nil {
		s.log.Warn("callsession: tier-2 refinement failed", "err", m.err)
	}

	changed := false
	for id, r := range m.results {
		s.refined[id] = r
		if s.last != nil && s.last.HasTask(id) {
			changed = true
		}
	}
	if changed {
		a := s.last.WithComplexity(s.refined)
		s.last = &a
		s.updateView()
		s.cfg.Metrics.RecordAnalysis(s.ctx, 2, false, 0)
		s.publishAnalysis(a, s.lastPass, 2, false)
	}

	if s.tier2Again {
		s.tier2Again = false
		if s.needsRefine() {
			s.resetTier2()
		}
	}
}

func (s *Session) onClose() {
	switch s.status {
	case StatusClosing, StatusFinalized:
		s.log.Debug("callsession: duplicate close ignored")
		return
	}
	s.status = StatusClosing
	s.updateView()
	s.stopTimers()
	if s.tier2Cancel != nil {
		s.tier2Cancel()
	}
	s.rerun = false

	switch {
	case s.inFlight:
		s.finalPending = true
	case strings.TrimSpace(s.transcript.String()) == "":
		s.finalize()
	default:
		s.startPass(true)
	}
}

func (s *Session) finalize() {
	var (
		decision *detect.Decision
		results  []detect.TaskResult
	)
	if s.last != nil {
		d := s.last.Decision
		decision = &d
		results = s.last.Tasks
	}
	s.cfg.Publisher.Publish(s.ctx, events.Event{
		Type:            events.SessionClosed,
		SessionID:       s.cfg.ID,
		At:              s.cfg.Clock.Now(),
		PhoneNumber:     s.cfg.PhoneNumber,
		FinalTranscript: s.transcript.String(),
		FinalDecision:   decision,
		Tasks:           results,
		Metadata:        s.metadata.Map(),
	})

	s.status = StatusFinalized
	s.updateView()
	s.cancel()
	if s.cfg.OnFinalized != nil {
		s.cfg.OnFinalized(s.cfg.ID)
	}
	s.log.Info("callsession: finalized", "passes", s.pass, "segments", s.segments)
	close(s.done)
}

func (s *Session) publishAnalysis(a detect.Analysis, pass, tier int, final bool) {
	d := a.Decision
	s.cfg.Publisher.Publish(s.ctx, events.Event{
		Type:      events.AnalysisUpdated,
		SessionID: s.cfg.ID,
		At:        s.cfg.Clock.Now(),
		Decision:  &d,
		Tasks:     a.Tasks,
		Tier:      tier,
		Pass:      pass,
		Final:     final,
	})
}

func (s *Session) updateView() {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()
	s.view.Status = s.status
	s.view.Transcript = s.transcript.String()
	s.view.Segments = s.segments
	s.view.Metadata = s.metadata
	s.view.Pass = s.lastPass
	s.view.Analysis = s.last
}
