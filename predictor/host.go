package predictor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hazyhaar/foresight/protocol"
)

// Spawner starts an isolated predictor.
type Spawner func(ctx context.Context, cfg Config) (Port, error)

// SpawnWorker is the default Spawner: an in-process Worker goroutine.
func SpawnWorker(ctx context.Context, cfg Config) (Port, error) {
	return Spawn(ctx, cfg)
}

// HostStats counts traffic seen by a Host.
type HostStats struct {
	Enabled    bool   `json:"enabled"`
	Registered int    `json:"registered"`
	Posted     uint64 `json:"posted"`
	Refused    uint64 `json:"refused"`
	Delivered  uint64 `json:"delivered"`
	Stale      uint64 `json:"stale"`
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithSpawner replaces SpawnWorker.
func WithSpawner(s Spawner) HostOption {
	return func(h *Host) { h.spawn = s }
}

// WithHostLogger sets a custom logger (default: cfg.Logger, then slog.Default()).
func WithHostLogger(l *slog.Logger) HostOption {
	return func(h *Host) { h.logger = l }
}

// Host is the main-context side of the predictor. It is fail-open: if the
// worker cannot be started, every method keeps working and no prediction
// is ever produced.
type Host struct {
	cfg    Config
	spawn  Spawner
	logger *slog.Logger

	mu         sync.Mutex
	port       Port
	registered map[string]protocol.RegisterElement
	started    bool
	wg         sync.WaitGroup

	posted    atomic.Uint64
	refused   atomic.Uint64
	delivered atomic.Uint64
	stale     atomic.Uint64
}

// NewHost creates a Host. Call Start to spawn the worker.
func NewHost(cfg Config, opts ...HostOption) *Host {
	h := &Host{
		cfg:        cfg,
		spawn:      SpawnWorker,
		logger:     cfg.Logger,
		registered: make(map[string]protocol.RegisterElement),
	}
	for _, o := range opts {
		o(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.cfg.Logger == nil {
		h.cfg.Logger = h.logger
	}
	return h
}

// Start spawns the worker and forwards every live prediction to deliver on
// a dedicated goroutine. A spawn failure is logged once and leaves the host
// in no-prediction mode. Calling Start again has no effect.
func (h *Host) Start(ctx context.Context, deliver func(protocol.PredictionRequest)) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return
	}
	h.started = true
	h.mu.Unlock()

	port, err := h.spawn(ctx, h.cfg)
	if err != nil {
		h.logger.Warn("predictor: worker unavailable, predictions disabled", "error", err)
		return
	}

	// Elements registered before the worker existed are replayed before the
	// port is published, so no later Post can overtake its registration.
	h.mu.Lock()
	for _, rec := range h.registered {
		h.send(port, rec)
	}
	h.port = port
	h.mu.Unlock()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for pr := range port.Predictions() {
			if !h.isRegistered(pr.ElementID) {
				h.stale.Add(1)
				continue
			}
			h.delivered.Add(1)
			if deliver != nil {
				deliver(pr)
			}
		}
	}()
}

// Post forwards msg to the worker. Registration changes are mirrored in the
// host's own registry first, so predictions already in flight for an
// unregistered element are dropped on arrival. Port.Post never blocks, so
// the send happens under h.mu and messages reach the worker in Post order.
func (h *Host) Post(msg protocol.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch m := msg.(type) {
	case protocol.RegisterElement:
		h.registered[m.ElementID] = m
	case protocol.UpdateBounds:
		if rec, ok := h.registered[m.ElementID]; ok {
			rec.Bounds = m.Bounds
			h.registered[m.ElementID] = rec
		}
	case protocol.Unregister:
		delete(h.registered, m.ElementID)
	}
	if h.port != nil {
		h.send(h.port, msg)
	}
}

func (h *Host) send(port Port, msg protocol.Message) {
	if port.Post(msg) {
		h.posted.Add(1)
	} else {
		h.refused.Add(1)
	}
}

func (h *Host) isRegistered(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.registered[id]
	return ok
}

// Enabled reports whether a worker is running.
func (h *Host) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.port != nil
}

// Stats returns a snapshot of the host counters.
func (h *Host) Stats() HostStats {
	h.mu.Lock()
	enabled, registered := h.port != nil, len(h.registered)
	h.mu.Unlock()
	return HostStats{
		Enabled:    enabled,
		Registered: registered,
		Posted:     h.posted.Load(),
		Refused:    h.refused.Load(),
		Delivered:  h.delivered.Load(),
		Stale:      h.stale.Load(),
	}
}

// Stop terminates the worker and waits for the delivery goroutine.
// Idempotent.
func (h *Host) Stop() {
	h.mu.Lock()
	port := h.port
	h.port = nil
	h.mu.Unlock()
	if port != nil {
		port.Stop()
	}
	h.wg.Wait()
}
