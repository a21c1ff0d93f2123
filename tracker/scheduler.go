package tracker

import (
	"sync"
	"time"
)

// Scheduler runs callbacks on the next representable tick. Multiple
// requests before a tick run together on that tick.
type Scheduler interface {
	Request(fn func()) (cancel func())
}

// DefaultFrameInterval matches a 60Hz display.
const DefaultFrameInterval = 16 * time.Millisecond

type frameEntry struct {
	id uint64
	fn func()
}

// FrameScheduler aligns callbacks on a fixed frame grid. A timer is only
// armed while requests are pending.
type FrameScheduler struct {
	interval time.Duration
	epoch    time.Time

	mu      sync.Mutex
	nextID  uint64
	pending []frameEntry
	timer   *time.Timer
}

// NewFrameScheduler creates a scheduler ticking every interval
// (DefaultFrameInterval when <= 0).
func NewFrameScheduler(interval time.Duration) *FrameScheduler {
	if interval <= 0 {
		interval = DefaultFrameInterval
	}
	return &FrameScheduler{interval: interval, epoch: time.Now()}
}

func (s *FrameScheduler) Request(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := s.nextID
	s.pending = append(s.pending, frameEntry{id: id, fn: fn})

	if s.timer == nil {
		elapsed := time.Since(s.epoch)
		wait := s.interval - elapsed%s.interval
		s.timer = time.AfterFunc(wait, s.tick)
	}
	return func() { s.cancel(id) }
}

func (s *FrameScheduler) cancel(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.pending {
		if e.id == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *FrameScheduler) tick() {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	for _, e := range batch {
		e.fn()
	}
}

// ManualScheduler only runs callbacks when Tick is called. Tests use it to
// drive frames deterministically.
type ManualScheduler struct {
	mu      sync.Mutex
	nextID  uint64
	pending []frameEntry
}

func (s *ManualScheduler) Request(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.pending = append(s.pending, frameEntry{id: id, fn: fn})
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.pending {
			if e.id == id {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				return
			}
		}
	}
}

// Tick runs every callback queued before the call and returns how many ran.
func (s *ManualScheduler) Tick() int {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, e := range batch {
		e.fn()
	}
	return len(batch)
}

// Pending is the number of queued callbacks.
func (s *ManualScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
