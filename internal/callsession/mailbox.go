package callsession

import (
	"sync"
	"time"

	"github.com/Courtneyezra/handyservices-app-sub008/internal/complexity"
	"github.com/Courtneyezra/handyservices-app-sub008/internal/detect"
)

// mailbox is an unbounded FIFO with a one-slot wake-up channel. put never
// blocks.
type mailbox struct {
	mu     sync.Mutex
	queue  []message
	notify chan struct{}
}

func (b *mailbox) init() {
	b.notify = make(chan struct{}, 1)
}

func (b *mailbox) put(m message) {
	b.mu.Lock()
	b.queue = append(b.queue, m)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *mailbox) ready() <-chan struct{} { return b.notify }

func (b *mailbox) drain() []message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queue
	b.queue = nil
	return q
}

type message interface{ kind() string }

type (
	activateMsg   struct{}
	segmentMsg    struct{ seg Segment }
	metadataMsg   struct{ md Metadata }
	closeMsg      struct{}
	debounceFired struct{ gen int }
	tier2Fired    struct{ gen int }

	analysisDone struct {
		pass     int
		analysis detect.Analysis
		err      error
		final    bool
		took     time.Duration
	}

	tier2Done struct {
		results map[string]complexity.Result
		err     error
	}
)

func (activateMsg) kind() string   { return "activate" }
func (segmentMsg) kind() string    { return "segment" }
func (metadataMsg) kind() string   { return "metadata" }
func (closeMsg) kind() string      { return "close" }
func (debounceFired) kind() string { return "debounce" }
func (tier2Fired) kind() string    { return "tier2" }
func (analysisDone) kind() string  { return "analysis_done" }
func (tier2Done) kind() string     { return "tier2_done" }
