// Package engine wires element trackers, telemetry, the predictor and the
// dispatcher together for one document.
//
//	eng := engine.New(platform, collaborator, cfg, engine.WithRecorder(ledger))
//	eng.Start(ctx)
//	defer eng.Close()
//	eng.Watch(ctx, engine.Watch{ComponentID: "menu", Selector: ".menu-item", Kinds: []string{"hover"}})
//
// Each watched element gets its own tracker. Its bounds are registered with
// the predictor, predictions are dispatched to the collaborator, and when
// the predicted field actually turns true the hint cache is consulted: a hit
// hands the precomputed patch to the applier, a miss tells it to render
// normally.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/foresight/dispatch"
	"github.com/hazyhaar/foresight/predictor"
	"github.com/hazyhaar/foresight/protocol"
	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/telemetry"
	"github.com/hazyhaar/foresight/tracker"
)

// ErrNoPlatform is returned by Watch on an engine built without a platform.
var ErrNoPlatform = errors.New("engine: no platform: elements can only be registered through Post")

// Config groups the settings of every stage.
type Config struct {
	Predictor predictor.Config `yaml:"predictor"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Dispatch  dispatch.Config  `yaml:"dispatch"`
	// SweepInterval between hint cache expiry sweeps. Default: 1s.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Watch selects the elements of one component to observe and the kinds of
// observation to anticipate for them.
type Watch struct {
	ComponentID string   `yaml:"component" json:"component"`
	Selector    string   `yaml:"selector" json:"selector"`
	Kinds       []string `yaml:"kinds" json:"kinds"`
	FocusOrder  int      `yaml:"focus_order" json:"focus_order,omitempty"`
}

func (w Watch) kindSet() (snapshot.KindSet, error) {
	var set snapshot.KindSet
	for _, name := range w.Kinds {
		k, ok := snapshot.ParseKind(name)
		if !ok {
			return 0, fmt.Errorf("engine: watch %s: unknown kind %q", w.ComponentID, name)
		}
		set |= snapshot.KindSet(k)
	}
	if set == 0 {
		return 0, fmt.Errorf("engine: watch %s: no kinds", w.ComponentID)
	}
	return set, nil
}

// Resolution reports what happened when a watched field flipped.
type Resolution struct {
	ComponentID string
	StateKey    string
	Observed    map[string]any
	Patch       dispatch.Patch
	Hit         bool
}

// Stats aggregates the counters of every stage.
type Stats struct {
	Components    int                 `json:"components"`
	Elements      int                 `json:"elements"`
	LiveObservers int                 `json:"live_observers"`
	Host          predictor.HostStats `json:"host"`
	Telemetry     telemetry.Stats     `json:"telemetry"`
	Dispatch      dispatch.Stats      `json:"dispatch"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRecorder receives every prediction outcome.
func WithRecorder(r dispatch.Recorder) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, dispatch.WithRecorder(r)) }
}

// WithDispatchOptions passes options through to the dispatcher.
func WithDispatchOptions(opts ...dispatch.Option) Option {
	return func(e *Engine) { e.dispatchOpts = append(e.dispatchOpts, opts...) }
}

// WithSpawner replaces the predictor worker spawner.
func WithSpawner(s predictor.Spawner) Option {
	return func(e *Engine) { e.spawner = s }
}

// WithScheduler replaces the trackers' frame scheduler.
func WithScheduler(s tracker.Scheduler) Option {
	return func(e *Engine) { e.sched = s }
}

// WithTelemetryOptions passes options through to the forwarder.
func WithTelemetryOptions(opts ...telemetry.Option) Option {
	return func(e *Engine) { e.telemetryOpts = append(e.telemetryOpts, opts...) }
}

// WithApplier receives every Resolution. The default logs it.
func WithApplier(fn func(Resolution)) Option {
	return func(e *Engine) { e.apply = fn }
}

type component struct {
	watch Watch
	kinds snapshot.KindSet
	scope *tracker.Scope
	elems []*element
}

type element struct {
	id      string
	tracker *tracker.Tracker

	mu         sync.Mutex
	last       snapshot.Snapshot
	pseudo     snapshot.PseudoState
	registered bool
}

// Engine observes one document.
type Engine struct {
	platform tracker.Platform
	cfg      Config
	logger   *slog.Logger

	spawner       predictor.Spawner
	sched         tracker.Scheduler
	dispatchOpts  []dispatch.Option
	telemetryOpts []telemetry.Option
	apply         func(Resolution)

	host *predictor.Host
	fwd  *telemetry.Forwarder
	disp *dispatch.Dispatcher

	mu         sync.Mutex
	components map[string]*component
	started    bool
	closed     bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// New builds an engine. platform may be nil when elements and telemetry
// arrive through Post from a remote integration.
func New(platform tracker.Platform, collab dispatch.Collaborator, cfg Config, opts ...Option) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	e := &Engine{
		platform:   platform,
		cfg:        cfg,
		components: make(map[string]*component),
	}
	for _, o := range opts {
		o(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.apply == nil {
		e.apply = e.logResolution
	}
	if e.sched == nil {
		e.sched = tracker.NewFrameScheduler(tracker.DefaultFrameInterval)
	}
	if e.cfg.Predictor.Logger == nil {
		e.cfg.Predictor.Logger = e.logger
	}

	hostOpts := []predictor.HostOption{predictor.WithHostLogger(e.logger)}
	if e.spawner != nil {
		hostOpts = append(hostOpts, predictor.WithSpawner(e.spawner))
	}
	e.host = predictor.NewHost(e.cfg.Predictor, hostOpts...)
	e.fwd = telemetry.NewForwarder(e.host, cfg.Telemetry,
		append([]telemetry.Option{telemetry.WithLogger(e.logger)}, e.telemetryOpts...)...)
	e.disp = dispatch.New(collab, cfg.Dispatch,
		append([]dispatch.Option{dispatch.WithLogger(e.logger)}, e.dispatchOpts...)...)
	return e
}

// Start spawns the predictor and the hint cache sweeper. It is fail-open:
// if the predictor cannot start, observation keeps working without
// predictions.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.host.Start(ctx, e.onPrediction)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := e.disp.Hints().Sweep(); n > 0 {
					e.logger.Debug("engine: expired hints swept", "count", n)
				}
			}
		}
	}()
}

func (e *Engine) onPrediction(pr protocol.PredictionRequest) {
	id, ok := e.disp.Dispatch(pr)
	e.logger.Debug("engine: prediction",
		"component", pr.ComponentID, "element", pr.ElementID, "kind", pr.Kind.String(),
		"confidence", pr.Confidence, "lead_ms", pr.LeadTimeMs, "request", id, "dispatched", ok)
}

// Watch starts observing every element matching w.Selector. Watching a
// component again replaces its previous watch. It returns the number of
// matched elements.
func (e *Engine) Watch(ctx context.Context, w Watch) (int, error) {
	if e.platform == nil {
		return 0, ErrNoPlatform
	}
	kinds, err := w.kindSet()
	if err != nil {
		return 0, err
	}
	els, err := e.platform.Query(ctx, w.Selector)
	if err != nil {
		return 0, fmt.Errorf("engine: watch %s: %w", w.ComponentID, err)
	}

	e.Unwatch(w.ComponentID)

	c := &component{watch: w, kinds: kinds, scope: tracker.NewScope(w.ComponentID, e.logger)}
	for _, el := range els {
		ew, err := e.track(c, el)
		if err != nil {
			c.scope.Close()
			return 0, err
		}
		c.elems = append(c.elems, ew)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		c.scope.Close()
		return 0, errors.New("engine: closed")
	}
	e.components[w.ComponentID] = c
	e.mu.Unlock()

	for _, ew := range c.elems {
		ew.mu.Lock()
		snap := ew.last
		ew.mu.Unlock()
		e.register(c, ew, snap)
	}
	e.logger.Info("engine: watching", "component", w.ComponentID, "selector", w.Selector,
		"elements", len(els), "kinds", kinds.List())
	return len(els), nil
}

func (e *Engine) track(c *component, el tracker.Element) (*element, error) {
	t, err := tracker.New(c.scope, e.platform, tracker.WithScheduler(e.sched), tracker.WithLogger(e.logger))
	if err != nil {
		return nil, fmt.Errorf("engine: watch %s: %w", c.watch.ComponentID, err)
	}
	ew := &element{id: el.ID(), tracker: t}
	t.OnChange(func(s snapshot.Snapshot) { e.onSnapshot(c, ew, s) })
	t.OnPseudoChange(func(ps snapshot.PseudoState) { e.onPseudo(c, ew, ps) })
	t.Attach(el)

	snap := t.Snapshot()
	ew.mu.Lock()
	if snap.Seq > ew.last.Seq {
		ew.last = snap
	}
	ew.mu.Unlock()

	if c.kinds.Has(snapshot.KindHover) || c.kinds.Has(snapshot.KindFocus) {
		if ps := t.Pseudo(); ps != nil {
			ew.mu.Lock()
			ew.pseudo = ps.GetAll()
			ew.mu.Unlock()
		}
	}
	return ew, nil
}

func (e *Engine) register(c *component, ew *element, s snapshot.Snapshot) {
	ew.mu.Lock()
	if ew.registered || !s.Exists {
		ew.mu.Unlock()
		return
	}
	ew.registered = true
	ew.mu.Unlock()

	e.host.Post(protocol.RegisterElement{
		ComponentID: c.watch.ComponentID,
		ElementID:   ew.id,
		Bounds:      s.BoundingRect,
		Kinds:       c.kinds,
		FocusOrder:  c.watch.FocusOrder,
	})
}

func (e *Engine) unregister(ew *element) {
	ew.mu.Lock()
	was := ew.registered
	ew.registered = false
	ew.mu.Unlock()
	if was {
		e.host.Post(protocol.Unregister{ElementID: ew.id})
	}
}

func (e *Engine) onSnapshot(c *component, ew *element, s snapshot.Snapshot) {
	ew.mu.Lock()
	prev := ew.last
	ew.last = s
	registered := ew.registered
	ew.mu.Unlock()

	switch {
	case prev.Seq == 0:
		// First notification: only a baseline, nothing flipped yet.
		e.register(c, ew, s)
		return
	case !s.Exists:
		e.unregister(ew)
		return
	case !registered:
		e.register(c, ew, s)
	case s.BoundingRect != prev.BoundingRect:
		e.host.Post(protocol.UpdateBounds{ElementID: ew.id, Bounds: s.BoundingRect})
	}

	// The first observer report only replaces the default, it is not an
	// entry into view.
	if c.kinds.Has(snapshot.KindIntersection) && prev.IntersectionKnown && s.IsIntersecting && !prev.IsIntersecting {
		e.resolve(c.watch.ComponentID, ew.id, s.Fields())
	}
}

func (e *Engine) onPseudo(c *component, ew *element, ps snapshot.PseudoState) {
	ew.mu.Lock()
	prev := ew.pseudo
	ew.pseudo = ps
	ew.mu.Unlock()

	switch {
	case ps.Focus && !prev.Focus:
		e.fwd.Focus(ew.id)
	case !ps.Focus && prev.Focus:
		e.fwd.Blur(ew.id)
	}
	// Only entering the predicted state resolves a hint. Leaving it is not
	// a prediction outcome.
	hover := c.kinds.Has(snapshot.KindHover) && ps.Hover && !prev.Hover
	focus := c.kinds.Has(snapshot.KindFocus) && ps.Focus && !prev.Focus
	if hover || focus {
		e.resolve(c.watch.ComponentID, ew.id, ps.Fields())
	}
}

func (e *Engine) resolve(componentID, stateKey string, observed map[string]any) {
	patch, hit := e.disp.Resolve(componentID, stateKey, observed)
	e.apply(Resolution{
		ComponentID: componentID,
		StateKey:    stateKey,
		Observed:    observed,
		Patch:       patch,
		Hit:         hit,
	})
}

func (e *Engine) logResolution(r Resolution) {
	if r.Hit {
		e.logger.Debug("engine: precomputed patch used",
			"component", r.ComponentID, "state", r.StateKey, "request", r.Patch.RequestID)
		return
	}
	e.logger.Debug("engine: no precomputed patch", "component", r.ComponentID, "state", r.StateKey)
}

// Unwatch stops observing a component and unregisters its elements.
func (e *Engine) Unwatch(componentID string) bool {
	e.mu.Lock()
	c, ok := e.components[componentID]
	delete(e.components, componentID)
	e.mu.Unlock()
	if !ok {
		return false
	}
	c.scope.Close()
	for _, ew := range c.elems {
		e.unregister(ew)
	}
	return true
}

// Post forwards a protocol message from a remote integration to the
// predictor. Prediction messages travel the other way and are ignored.
func (e *Engine) Post(msg protocol.Message) {
	if _, ok := msg.(protocol.PredictionRequest); ok {
		return
	}
	e.host.Post(msg)
}

// Telemetry is the forwarder platform bridges feed pointer, scroll and key
// events into.
func (e *Engine) Telemetry() *telemetry.Forwarder { return e.fwd }

// Offer stores a patch returned by the collaborator.
func (e *Engine) Offer(p dispatch.Patch) error { return e.disp.Offer(p) }

// Tracker returns the tracker of one watched element.
func (e *Engine) Tracker(componentID, elementID string) (*tracker.Tracker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.components[componentID]
	if !ok {
		return nil, false
	}
	for _, ew := range c.elems {
		if ew.id == elementID {
			return ew.tracker, true
		}
	}
	return nil, false
}

// Stats returns the counters of every stage.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	st := Stats{Components: len(e.components)}
	for _, c := range e.components {
		st.Elements += len(c.elems)
		for _, ew := range c.elems {
			st.LiveObservers += ew.tracker.LiveObservers()
		}
	}
	e.mu.Unlock()
	st.Host = e.host.Stats()
	st.Telemetry = e.fwd.Stats()
	st.Dispatch = e.disp.Stats()
	return st
}

// Close stops every stage: trackers first, then telemetry, the predictor
// and finally in-flight dispatches. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	comps := e.components
	e.components = make(map[string]*component)
	cancel := e.cancel
	e.mu.Unlock()

	for _, c := range comps {
		c.scope.Close()
	}
	e.fwd.Close()
	e.host.Stop()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.disp.Close()
}
