package events

import "sync"

// queue is the unbounded FIFO behind a lossless subscription. put never
// blocks; the subscription's pump forwards events to C in order.
type queue struct {
	mu       sync.Mutex
	items    []Event
	finished bool

	notify chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	return &queue{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (q *queue) put(e Event) {
	q.mu.Lock()
	if q.finished {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, e)
	q.mu.Unlock()
	q.wake()
}

// finish stops accepting events. The pump delivers what is queued and then
// closes C.
func (q *queue) finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.wake()
}

// abort makes the pump exit without delivering the rest.
func (q *queue) abort() {
	q.once.Do(func() { close(q.stop) })
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *queue) take() ([]Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items, q.finished
}

func (s *Subscription) pump() {
	q := s.queue
	defer close(s.ch)
	for {
		items, finished := q.take()
		for _, e := range items {
			select {
			case s.ch <- e:
			case <-q.stop:
				return
			}
		}
		if len(items) > 0 {
			continue
		}
		if finished {
			return
		}
		select {
		case <-q.notify:
		case <-q.stop:
			return
		}
	}
}
