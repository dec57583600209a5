// Package recorder persists finished calls. It is a plain consumer of the
// event bus: sessions never call it, so a slow or failing database cannot
// stall a live call.
package recorder

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/events"
)

// Record is one finished call as stored.
type Record struct {
	SessionID   string
	PhoneNumber string
	StartedAt   time.Time
	ClosedAt    time.Time
	Transcript  string

	// Decision is nil when the call closed before any analysis.
	Decision *detect.Decision
	Tasks    []detect.TaskResult
	Metadata map[string]string
}

// Sink stores records. The Postgres store implements it.
type Sink interface {
	SaveCall(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to [Sink].
type SinkFunc func(ctx context.Context, r Record) error

// SaveCall implements [Sink].
func (f SinkFunc) SaveCall(ctx context.Context, r Record) error { return f(ctx, r) }

// DefaultSaveTimeout bounds a single SaveCall.
const DefaultSaveTimeout = 10 * time.Second

// DefaultDrainIdle is how long Run keeps waiting for more events after ctx
// is cancelled on a bus that has not been closed.
const DefaultDrainIdle = time.Second

// Recorder writes a [Record] for every session_closed event.
type Recorder struct {
	sink      Sink
	timeout   time.Duration
	drainIdle time.Duration

	mu      sync.Mutex
	started map[string]time.Time
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithSaveTimeout overrides [DefaultSaveTimeout].
func WithSaveTimeout(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithDrainIdle overrides [DefaultDrainIdle].
func WithDrainIdle(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.drainIdle = d
		}
	}
}

// New creates a Recorder writing to sink.
func New(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:      sink,
		timeout:   DefaultSaveTimeout,
		drainIdle: DefaultDrainIdle,
		started:   make(map[string]time.Time),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Subscribe registers the recorder's feed on bus. Call it before sessions
// start so no session_started event is missed. The feed is lossless: a slow
// database delays records but never drops a finished call.
func (r *Recorder) Subscribe(bus *events.Bus) *events.Subscription {
	return bus.SubscribeLossless(events.OfType(events.SessionStarted, events.SessionClosed))
}

// Run consumes sub until it is closed or ctx is done. After cancellation it
// keeps writing until the bus closes the feed, or until no event arrives for
// the drain idle period, so a graceful shutdown keeps the calls it just
// finalised.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			r.Handle(e)
		case <-ctx.Done():
			r.drain(sub)
			return
		}
	}
}

func (r *Recorder) drain(sub *events.Subscription) {
	idle := time.NewTimer(r.drainIdle)
	defer idle.Stop()
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			r.Handle(e)
			idle.Reset(r.drainIdle)
		case <-idle.C:
			slog.Warn("recorder: feed still open after shutdown, stopping")
			return
		}
	}
}

// Handle processes one event. Exported for callers that feed events from
// elsewhere.
func (r *Recorder) Handle(e events.Event) {
	switch e.Type {
	case events.SessionStarted:
		r.mu.Lock()
		r.started[e.SessionID] = e.At
		r.mu.Unlock()

	case events.SessionClosed:
		r.mu.Lock()
		started, ok := r.started[e.SessionID]
		delete(r.started, e.SessionID)
		r.mu.Unlock()
		if !ok {
			started = e.At
		}

		rec := Record{
			SessionID:   e.SessionID,
			PhoneNumber: e.PhoneNumber,
			StartedAt:   started,
			ClosedAt:    e.At,
			Transcript:  e.FinalTranscript,
			Decision:    e.FinalDecision,
			Tasks:       e.Tasks,
			Metadata:    e.Metadata,
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		if err := r.sink.SaveCall(ctx, rec); err != nil {
			slog.Error("recorder: save call failed", "session_id", e.SessionID, "err", err)
			return
		}
		slog.Debug("recorder: call saved", "session_id", e.SessionID)
	}
}
