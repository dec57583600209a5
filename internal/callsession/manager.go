package callsession

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned for an unknown or already evicted id.
	ErrSessionNotFound = errors.New("callsession: session not found")

	// ErrSessionExists is returned when starting a session with a live id.
	ErrSessionExists = errors.New("callsession: session already exists")
)

// Manager owns every live session keyed by id. Finalized sessions are
// evicted. All methods are safe for concurrent use.
type Manager struct {
	template Config
	ctx      context.Context

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a manager that starts sessions from template; ID,
// PhoneNumber and OnFinalized are filled in per session. ctx is the parent
// of every session's analyses.
func NewManager(ctx context.Context, template Config) *Manager {
	template.applyDefaults()
	return &Manager{
		template: template,
		ctx:      ctx,
		sessions: make(map[string]*Session),
	}
}

// Start creates and registers a session. An empty id is replaced by a
// random UUID.
func (m *Manager) Start(id, phoneNumber string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	cfg := m.template
	cfg.ID = id
	cfg.PhoneNumber = phoneNumber
	cfg.OnFinalized = m.evict
	s := New(m.ctx, cfg)
	m.sessions[id] = s
	cfg.Metrics.ActiveSessions.Add(m.ctx, 1)
	return s, nil
}

// Get returns the live session with the given id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close closes the session and waits for its final pass. The returned
// snapshot is the finalized state.
func (m *Manager) Close(ctx context.Context, id string) (Snapshot, error) {
	s, err := m.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	s.Close()
	if err := s.Wait(ctx); err != nil {
		return s.Snapshot(), fmt.Errorf("callsession: close %s: %w", id, err)
	}
	return s.Snapshot(), nil
}

// List returns snapshots of all live sessions ordered by start time.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]Snapshot, len(live))
	for i, s := range live {
		out[i] = s.Snapshot()
	}
	slices.SortFunc(out, func(a, b Snapshot) int { return a.StartedAt.Compare(b.StartedAt) })
	return out
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every live session and waits until each has run its final
// pass or ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	var errs []error
	for _, s := range live {
		if err := s.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) evict(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if ok {
		m.template.Metrics.ActiveSessions.Add(m.ctx, -1)
	}
}
