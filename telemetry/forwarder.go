// Package telemetry samples document-global pointer, scroll, focus and key
// events and forwards them to the predictor as protocol messages.
//
// Pointer and scroll streams are throttled: the first sample of a burst is
// sent at once, later ones at most once per interval, and the last sample
// of a burst is always delivered when the interval expires.
package telemetry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/foresight/protocol"
)

// Sink receives forwarded messages. predictor.Host satisfies it.
type Sink interface {
	Post(msg protocol.Message)
}

// Config controls sampling.
type Config struct {
	// PointerInterval is the minimum gap between pointer samples. Default: 16ms.
	PointerInterval time.Duration `yaml:"pointer_interval"`
	// ScrollInterval is the minimum gap between scroll samples. Default: 32ms.
	ScrollInterval time.Duration `yaml:"scroll_interval"`
}

func (c *Config) defaults() {
	if c.PointerInterval <= 0 {
		c.PointerInterval = 16 * time.Millisecond
	}
	if c.ScrollInterval <= 0 {
		c.ScrollInterval = 32 * time.Millisecond
	}
}

// Stats counts forwarded and throttled samples.
type Stats struct {
	Forwarded uint64 `json:"forwarded"`
	Throttled uint64 `json:"throttled"`
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithClock replaces the monotonic clock. now returns the time elapsed
// since an arbitrary fixed origin.
func WithClock(now func() time.Duration) Option {
	return func(f *Forwarder) { f.now = now }
}

// Forwarder converts raw event callbacks into timestamped protocol
// messages. Its methods may be called from any goroutine.
type Forwarder struct {
	sink   Sink
	logger *slog.Logger
	now    func() time.Duration

	mu      sync.Mutex
	pointer throttle
	scroll  throttle
	stats   Stats
	closed  bool
}

// throttle is the per-stream leading/trailing edge state.
type throttle struct {
	interval time.Duration
	last     time.Duration
	sent     bool
	pending  protocol.Message
	timer    *time.Timer
}

// NewForwarder creates a Forwarder posting into sink.
func NewForwarder(sink Sink, cfg Config, opts ...Option) *Forwarder {
	cfg.defaults()
	start := time.Now()
	f := &Forwarder{
		sink:    sink,
		now:     func() time.Duration { return time.Since(start) },
		pointer: throttle{interval: cfg.PointerInterval},
		scroll:  throttle{interval: cfg.ScrollInterval},
	}
	for _, o := range opts {
		o(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

func (f *Forwarder) stamp() float64 {
	return float64(f.now()) / float64(time.Millisecond)
}

// Pointer records a pointer position in document coordinates.
func (f *Forwarder) Pointer(x, y float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer(&f.pointer, protocol.PointerMove{X: x, Y: y, T: f.stamp()})
}

// Scroll records the viewport origin and size in document coordinates.
func (f *Forwarder) Scroll(x, y, viewportW, viewportH float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offer(&f.scroll, protocol.Scroll{X: x, Y: y, ViewportW: viewportW, ViewportH: viewportH, T: f.stamp()})
}

// Focus records that elementID received focus. Never throttled.
func (f *Forwarder) Focus(elementID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendLocked(protocol.Focus{ElementID: elementID, T: f.stamp()})
}

// Blur records that elementID lost focus. Never throttled.
func (f *Forwarder) Blur(elementID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendLocked(protocol.Blur{ElementID: elementID, T: f.stamp()})
}

// Key records a key press. Only Tab feeds focus prediction, so other keys
// are not forwarded.
func (f *Forwarder) Key(key string, shift bool) {
	if key != "Tab" {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendLocked(protocol.KeyDown{Key: key, Shift: shift, T: f.stamp()})
}

func (f *Forwarder) offer(th *throttle, msg protocol.Message) {
	if f.closed {
		return
	}
	now := f.now()
	if !th.sent || now-th.last >= th.interval {
		th.sent = true
		th.last = now
		th.pending = nil
		f.sendLocked(msg)
		return
	}
	f.stats.Throttled++
	th.pending = msg
	if th.timer == nil {
		th.timer = time.AfterFunc(th.interval-(now-th.last), func() { f.trailing(th) })
	}
}

// trailing delivers the last throttled sample of a burst.
func (f *Forwarder) trailing(th *throttle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	th.timer = nil
	if f.closed || th.pending == nil {
		return
	}
	msg := th.pending
	th.pending = nil
	th.last = f.now()
	f.stats.Throttled--
	f.sendLocked(msg)
}

func (f *Forwarder) sendLocked(msg protocol.Message) {
	if f.closed {
		return
	}
	f.stats.Forwarded++
	f.sink.Post(msg)
}

// Stats returns the sampling counters. A trailing sample counts as
// forwarded, not throttled.
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

// Close stops forwarding and cancels pending trailing samples. Idempotent.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for _, th := range []*throttle{&f.pointer, &f.scroll} {
		if th.timer != nil {
			th.timer.Stop()
			th.timer = nil
		}
		th.pending = nil
	}
	f.logger.Debug("telemetry: forwarder closed", "forwarded", f.stats.Forwarded, "throttled", f.stats.Throttled)
}
