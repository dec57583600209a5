package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long a snapshot is served before the next read refreshes it.
const DefaultTTL = 5 * time.Minute

// ErrNoSnapshot is returned when no snapshot has ever loaded successfully.
var ErrNoSnapshot = errors.New("catalog: no snapshot available")

// RefreshHook observes every refresh attempt. n is the active item count of
// the new snapshot and is zero on error.
type RefreshHook func(ctx context.Context, n int, err error)

// Cache serves [Snapshot] values with time-based invalidation.
//
// Reads after the TTL trigger a refresh; concurrent refreshes collapse into
// one [Source.Load]. If a refresh fails the previous snapshot keeps being
// served. Cache is safe for concurrent use.
type Cache struct {
	source Source
	ttl    time.Duration
	clock  clockwork.Clock
	hook   RefreshHook

	group singleflight.Group

	mu   sync.RWMutex
	snap *Snapshot
}

// CacheOption configures a [Cache].
type CacheOption func(*Cache)

// WithTTL sets the snapshot lifetime. Non-positive values are ignored.
func WithTTL(d time.Duration) CacheOption {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock injects the clock used for TTL checks and the refresh ticker.
func WithClock(clk clockwork.Clock) CacheOption {
	return func(c *Cache) {
		c.clock = clk
	}
}

// WithRefreshHook registers a callback invoked after every refresh attempt.
func WithRefreshHook(h RefreshHook) CacheOption {
	return func(c *Cache) {
		c.hook = h
	}
}

// NewCache creates a cache over src. Nothing is loaded until the first
// Snapshot or Refresh call.
func NewCache(src Source, opts ...CacheOption) *Cache {
	c := &Cache{
		source: src,
		ttl:    DefaultTTL,
		clock:  clockwork.NewRealClock(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Snapshot returns the current snapshot, refreshing it first when it is
// missing or older than the TTL. A failed refresh falls back to the stale
// snapshot; only a cache that never loaded returns an error.
func (c *Cache) Snapshot(ctx context.Context) (*Snapshot, error) {
	cur := c.Current()
	if cur != nil && c.clock.Since(cur.LoadedAt()) < c.ttl {
		return cur, nil
	}

	fresh, err := c.Refresh(ctx)
	if err != nil {
		if cur != nil {
			slog.Warn("catalog: refresh failed, serving stale snapshot",
				"age", c.clock.Since(cur.LoadedAt()), "err", err)
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrNoSnapshot, err)
	}
	return fresh, nil
}

// Current returns the last loaded snapshot without refreshing. Nil before
// the first successful load.
func (c *Cache) Current() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Refresh loads a new snapshot from the source and swaps it in.
func (c *Cache) Refresh(ctx context.Context) (*Snapshot, error) {
	v, err, _ := c.group.Do("refresh", func() (any, error) {
		items, err := c.source.Load(ctx)
		if err != nil {
			c.notify(ctx, 0, err)
			return nil, fmt.Errorf("catalog: load: %w", err)
		}
		snap := NewSnapshot(items, c.clock.Now())

		c.mu.Lock()
		c.snap = snap
		c.mu.Unlock()

		c.notify(ctx, snap.Len(), nil)
		slog.Debug("catalog: snapshot refreshed", "items", snap.Len(), "embedded", snap.Embedded())
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}

// Run refreshes the snapshot every TTL until ctx is cancelled, so readers
// rarely pay for a refresh inline. Errors are logged and retried on the next
// tick.
func (c *Cache) Run(ctx context.Context) {
	ticker := c.clock.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("catalog: background refresh failed", "err", err)
			}
		}
	}
}

func (c *Cache) notify(ctx context.Context, n int, err error) {
	if c.hook != nil {
		c.hook(ctx, n, err)
	}
}
