// Package dispatch hands predictions to the external renderer and keeps the
// patches it offers back until the predicted state is observed.
//
// Dispatch never blocks the caller and never reports collaborator errors
// upward: they are logged and recorded as outcomes. High-priority
// predictions wait (within the call timeout) for a free slot; others are
// shed when every slot is busy.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/pkg/idgen"

	"github.com/hazyhaar/foresight/protocol"
)

// Config bounds the dispatcher.
type Config struct {
	// MaxInFlight is the number of concurrent collaborator calls. Default: 4.
	MaxInFlight int `yaml:"max_in_flight"`
	// Timeout bounds each collaborator call. Default: 2s.
	Timeout time.Duration `yaml:"timeout"`
	// HintTTL is how long an offered patch stays usable. Default: 5s.
	HintTTL time.Duration `yaml:"hint_ttl"`
}

func (c *Config) defaults() {
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.HintTTL <= 0 {
		c.HintTTL = 5 * time.Second
	}
}

// Stats counts dispatcher activity.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Dropped    uint64 `json:"dropped"`
	InFlight   int    `json:"in_flight"`
	Hints      int    `json:"hints"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithIDGenerator replaces the default "pre_" prefixed UUIDv7 ids.
func WithIDGenerator(g idgen.Generator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithRecorder receives every outcome (default: discarded).
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.rec = r }
}

// Dispatcher forwards predictions to a Collaborator.
type Dispatcher struct {
	collab Collaborator
	cfg    Config
	logger *slog.Logger
	ids    idgen.Generator
	rec    Recorder
	hints  *HintCache
	sem    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a Dispatcher for collab.
func New(collab Collaborator, cfg Config, opts ...Option) *Dispatcher {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		collab: collab,
		cfg:    cfg,
		ids:    idgen.Prefixed("pre_", idgen.UUIDv7()),
		rec:    nopRecorder{},
		sem:    make(chan struct{}, cfg.MaxInFlight),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, o := range opts {
		o(d)
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.hints = NewHintCache(cfg.HintTTL, d.rec)
	return d
}

// NewRequest converts a prediction into the collaborator's request shape.
func (d *Dispatcher) NewRequest(pr protocol.PredictionRequest) PrecomputeRequest {
	return PrecomputeRequest{
		ID:          d.ids(),
		ComponentID: pr.ComponentID,
		StateKey:    pr.ElementID,
		Kind:        pr.Kind.String(),
		Delta:       map[string]any{pr.Delta.Field: pr.Delta.Value},
		Confidence:  pr.Confidence,
		LeadTimeMs:  pr.LeadTimeMs,
		Reason:      pr.Reason,
		High:        pr.High,
		IssuedAt:    time.Now(),
	}
}

// Dispatch sends pr to the collaborator in the background and returns the
// request id, or false when the request was shed or the dispatcher is
// closed.
func (d *Dispatcher) Dispatch(pr protocol.PredictionRequest) (string, bool) {
	req := d.NewRequest(pr)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", false
	}
	if !req.High {
		select {
		case d.sem <- struct{}{}:
		default:
			d.mu.Unlock()
			d.shed(req, "no free slot")
			return "", false
		}
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go d.run(req, !req.High)
	return req.ID, true
}

func (d *Dispatcher) run(req PrecomputeRequest, holding bool) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	if !holding {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			d.shed(req, "timed out waiting for a slot")
			return
		}
	}
	defer func() { <-d.sem }()

	d.dispatched.Add(1)
	d.rec.Record(d.outcome(EventDispatched, req, ""))

	if err := d.collab.RequestPrecompute(ctx, req); err != nil {
		d.failed.Add(1)
		d.logger.Warn("dispatch: precompute failed",
			"request", req.ID, "component", req.ComponentID, "state", req.StateKey, "error", err)
		d.rec.Record(d.outcome(EventFailed, req, err.Error()))
		return
	}
	d.succeeded.Add(1)
}

func (d *Dispatcher) shed(req PrecomputeRequest, why string) {
	d.dropped.Add(1)
	d.logger.Debug("dispatch: prediction shed", "request", req.ID, "state", req.StateKey, "reason", why)
	d.rec.Record(d.outcome(EventDropped, req, why))
}

func (d *Dispatcher) outcome(ev Event, req PrecomputeRequest, detail string) Outcome {
	return Outcome{
		Event:       ev,
		RequestID:   req.ID,
		ComponentID: req.ComponentID,
		StateKey:    req.StateKey,
		Kind:        req.Kind,
		Confidence:  req.Confidence,
		LeadTimeMs:  req.LeadTimeMs,
		Detail:      detail,
		At:          time.Now(),
	}
}

// Offer stores a patch returned by the collaborator.
func (d *Dispatcher) Offer(p Patch) error { return d.hints.Offer(p) }

// Resolve returns the cached patch matching the observed state, if any.
func (d *Dispatcher) Resolve(componentID, stateKey string, observed map[string]any) (Patch, bool) {
	return d.hints.Resolve(componentID, stateKey, observed)
}

// Hints exposes the hint cache.
func (d *Dispatcher) Hints() *HintCache { return d.hints }

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Dispatched: d.dispatched.Load(),
		Succeeded:  d.succeeded.Load(),
		Failed:     d.failed.Load(),
		Dropped:    d.dropped.Load(),
		InFlight:   len(d.sem),
		Hints:      d.hints.Len(),
	}
}

// Close cancels in-flight calls and waits for them. Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.wg.Wait()
}
