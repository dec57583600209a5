// Package events carries call-session events from the sessions that produce
// them to the consumers (websocket feeds, the call recorder) that act on them.
//
// Publishing never blocks. A subscriber whose buffer is full misses the event
// and the drop is counted, so sessions are isolated from slow consumers.
// Consumers that must see every event, such as the call recorder, use
// [Bus.SubscribeLossless] instead and are fed from an unbounded queue.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/observe"
)

// Type identifies an event.
type Type string

const (
	SessionStarted  Type = "session_started"
	SegmentReceived Type = "segment_received"
	AnalysisUpdated Type = "analysis_updated"
	SessionClosed   Type = "session_closed"
)

// Event is one notification from a call session. Only the fields relevant
// to Type are populated.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"sessionId"`
	At        time.Time `json:"at"`

	// session_started, session_closed
	PhoneNumber string `json:"phoneNumber,omitempty"`

	// segment_received
	Text    string `json:"text,omitempty"`
	Speaker string `json:"speaker,omitempty"`
	IsFinal bool   `json:"isFinal,omitempty"`

	// analysis_updated. Tier is 1 for a fresh pass and 2 for a refinement
	// of pass Pass. Final marks the forced pass run on close. Tasks is also
	// set on session_closed.
	Decision *detect.Decision    `json:"aggregateDecision,omitempty"`
	Tasks    []detect.TaskResult `json:"perTaskResults,omitempty"`
	Tier     int                 `json:"tier,omitempty"`
	Pass     int                 `json:"pass,omitempty"`
	Final    bool                `json:"final,omitempty"`

	// session_closed
	FinalTranscript string            `json:"finalTranscript,omitempty"`
	FinalDecision   *detect.Decision  `json:"finalDecision,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Publisher accepts events. [*Bus] implements it.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Filter selects the events a subscriber receives.
type Filter func(Event) bool

// ForSession selects events of one session.
func ForSession(id string) Filter {
	return func(e Event) bool { return e.SessionID == id }
}

// OfType selects events of the given types.
func OfType(types ...Type) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// Bus fans events out to subscribers. It is safe for concurrent use.
type Bus struct {
	buffer  int
	metrics *observe.Metrics

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

// BusOption configures a [Bus].
type BusOption func(*Bus)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithMetrics sets the metrics sink for dropped events.
func WithMetrics(m *observe.Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates an empty bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		buffer: DefaultBuffer,
		subs:   make(map[uint64]*Subscription),
	}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b
}

// Subscription is a live event feed. Read from C until it is closed.
type Subscription struct {
	C <-chan Event

	ch      chan Event
	id      uint64
	bus     *Bus
	filters []Filter

	// queue is set for lossless subscriptions; a pump goroutine owns ch.
	queue *queue
}

// Subscribe registers a subscriber receiving events that pass every filter.
// On a closed bus the returned subscription's channel is already closed.
func (b *Bus) Subscribe(filters ...Filter) *Subscription {
	ch := make(chan Event, b.buffer)
	s := &Subscription{C: ch, ch: ch, bus: b, filters: filters}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// SubscribeLossless registers a subscriber that never misses an event.
// Events wait in an unbounded queue until the consumer reads them, so
// Publish still does not block. When the bus closes, queued events are
// delivered before C is closed.
func (b *Bus) SubscribeLossless(filters ...Filter) *Subscription {
	ch := make(chan Event)
	s := &Subscription{C: ch, ch: ch, bus: b, filters: filters, queue: newQueue()}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	go s.pump()
	return s
}

// Close unregisters the subscription and closes C. Events still queued on a
// lossless subscription are discarded. It is idempotent.
func (s *Subscription) Close() {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if s.queue != nil {
		delete(b.subs, s.id)
		s.queue.abort()
		return
	}
	if _, ok := b.subs[s.id]; !ok {
		return
	}
	delete(b.subs, s.id)
	close(s.ch)
}

func (s *Subscription) wants(e Event) bool {
	for _, f := range s.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

// Publish delivers e to every matching subscriber without blocking. A zero
// At is set to the current time.
func (b *Bus) Publish(ctx context.Context, e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(e) {
			continue
		}
		if s.queue != nil {
			s.queue.put(e)
			continue
		}
		select {
		case s.ch <- e:
		default:
			b.metrics.RecordEventDropped(ctx, string(e.Type))
			slog.Debug("events: subscriber buffer full, event dropped",
				"type", e.Type, "session_id", e.SessionID, "subscriber", s.id)
		}
	}
}

// Close closes every subscription. Later publishes are discarded.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		if s.queue != nil {
			s.queue.finish()
			continue
		}
		close(s.ch)
	}
}

// Len reports the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
