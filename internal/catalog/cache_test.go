package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// countingSource returns items and counts Load calls. err, when set, is
// returned instead.
type countingSource struct {
	mu    sync.Mutex
	items []Item
	err   error
	loads atomic.Int32
	gate  chan struct{}
}

func (s *countingSource) Load(context.Context) ([]Item, error) {
	s.loads.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]Item(nil), s.items...), nil
}

func (s *countingSource) set(items []Item, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = items
	s.err = err
}

func tapItem() Item {
	return Item{Code: "TAP-REPAIR", Name: "Tap repair", Keywords: []string{"Tap", "dripping"}, PricePence: 8500, Active: true}
}

func TestCache_TTL(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	src := &countingSource{items: []Item{tapItem()}}
	c := NewCache(src, WithTTL(time.Minute), WithClock(clk))
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if first.Len() != 1 {
		t.Fatalf("Len = %d, want 1", first.Len())
	}

	clk.Advance(30 * time.Second)
	again, _ := c.Snapshot(ctx)
	if again != first {
		t.Error("expected cached snapshot within TTL")
	}
	if got := src.loads.Load(); got != 1 {
		t.Errorf("loads = %d, want 1", got)
	}

	clk.Advance(31 * time.Second)
	src.set([]Item{tapItem(), {Code: "TV-MOUNT", Name: "TV mount", Active: true}}, nil)
	fresh, _ := c.Snapshot(ctx)
	if fresh == first {
		t.Error("expected a new snapshot after TTL")
	}
	if fresh.Len() != 2 {
		t.Errorf("Len = %d, want 2", fresh.Len())
	}
	if first.Len() != 1 {
		t.Error("old snapshot must not change after refresh")
	}
}

func TestCache_StaleOnError(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	src := &countingSource{items: []Item{tapItem()}}
	var hookErrs atomic.Int32
	c := NewCache(src, WithTTL(time.Minute), WithClock(clk), WithRefreshHook(func(_ context.Context, _ int, err error) {
		if err != nil {
			hookErrs.Add(1)
		}
	}))
	ctx := context.Background()

	first, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	src.set(nil, errors.New("db down"))
	clk.Advance(2 * time.Minute)

	got, err := c.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot after failed refresh: %v", err)
	}
	if got != first {
		t.Error("expected stale snapshot to be served")
	}
	if hookErrs.Load() != 1 {
		t.Errorf("hook errors = %d, want 1", hookErrs.Load())
	}
}

func TestCache_NoSnapshot(t *testing.T) {
	t.Parallel()

	c := NewCache(&countingSource{err: errors.New("boom")})
	_, err := c.Snapshot(context.Background())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("err = %v, want ErrNoSnapshot", err)
	}
	if c.Current() != nil {
		t.Error("Current() should be nil")
	}
}

func TestCache_ConcurrentRefreshCollapses(t *testing.T) {
	t.Parallel()

	src := &countingSource{items: []Item{tapItem()}, gate: make(chan struct{})}
	c := NewCache(src)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Snapshot(context.Background()); err != nil {
				t.Errorf("Snapshot: %v", err)
			}
		}()
	}
	// Let the goroutines pile up on the in-flight load before releasing it.
	deadline := time.Now().Add(2 * time.Second)
	for src.loads.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(src.gate)
	wg.Wait()

	if got := src.loads.Load(); got > 2 {
		t.Errorf("loads = %d, want at most 2", got)
	}
}

func TestCache_Run(t *testing.T) {
	t.Parallel()

	clk := clockwork.NewFakeClock()
	src := &countingSource{items: []Item{tapItem()}}
	c := NewCache(src, WithTTL(time.Minute), WithClock(clk))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for src.loads.Load() == 0 && time.Now().Before(deadline) {
		clk.Advance(time.Minute)
		time.Sleep(time.Millisecond)
	}
	if src.loads.Load() == 0 {
		t.Fatal("Run never refreshed")
	}
	if c.Current() == nil {
		t.Error("expected snapshot after background refresh")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewSnapshot(t *testing.T) {
	t.Parallel()

	snap := NewSnapshot([]Item{
		{Code: "ZED", Name: "z", Active: true, Keywords: []string{" Door ", "door", "HINGE"}},
		{Code: "OLD", Name: "old", Active: false},
		{Code: "ABC", Name: "a", Active: true, Embedding: []float32{1}},
	}, time.Unix(100, 0))

	if snap.Len() != 2 {
		t.Fatalf("Len = %d, want 2", snap.Len())
	}
	if snap.Items()[0].Code != "ABC" {
		t.Errorf("first code = %q, want ABC", snap.Items()[0].Code)
	}
	if _, ok := snap.ByCode("OLD"); ok {
		t.Error("inactive item must not be addressable")
	}
	z, ok := snap.ByCode("ZED")
	if !ok {
		t.Fatal("ZED missing")
	}
	if len(z.Keywords) != 2 || z.Keywords[0] != "door" || z.Keywords[1] != "hinge" {
		t.Errorf("Keywords = %v, want [door hinge]", z.Keywords)
	}
	if snap.Embedded() != 1 {
		t.Errorf("Embedded = %d, want 1", snap.Embedded())
	}

	var nilSnap *Snapshot
	if nilSnap.Len() != 0 || nilSnap.Items() != nil {
		t.Error("nil snapshot should behave as empty")
	}
}
