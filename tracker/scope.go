package tracker

import (
	"errors"
	"log/slog"
	"sync"
)

var (
	// ErrNoScope is returned when a tracker is built without a scope.
	ErrNoScope = errors.New("tracker: nil scope: create one with tracker.NewScope and pass it to every tracker constructor")
	// ErrScopeClosed is returned when a tracker is built in a closed scope.
	ErrScopeClosed = errors.New("tracker: scope is closed: trackers must be created while their owning component is alive")
)

// Scope is the explicit owner of a set of trackers, typically one per
// component instance. Closing it destroys every tracker it owns.
type Scope struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	trackers map[*Tracker]struct{}
	closed   bool
}

// NewScope creates a scope. A nil logger falls back to slog.Default().
func NewScope(name string, logger *slog.Logger) *Scope {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scope{
		name:     name,
		logger:   logger.With("scope", name),
		trackers: make(map[*Tracker]struct{}),
	}
}

// Name is the component identifier the scope was created for.
func (s *Scope) Name() string { return s.name }

func (s *Scope) adopt(t *Tracker) error {
	if s == nil {
		return ErrNoScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrScopeClosed
	}
	s.trackers[t] = struct{}{}
	return nil
}

func (s *Scope) forget(t *Tracker) {
	s.mu.Lock()
	delete(s.trackers, t)
	s.mu.Unlock()
}

// Len is the number of live trackers.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trackers)
}

// Close destroys all owned trackers. Idempotent.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	owned := make([]*Tracker, 0, len(s.trackers))
	for t := range s.trackers {
		owned = append(owned, t)
	}
	s.mu.Unlock()

	for _, t := range owned {
		t.Destroy()
	}
	s.logger.Debug("tracker: scope closed", "trackers", len(owned))
}
