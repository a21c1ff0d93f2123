// Package tracker folds platform observer callbacks into debounced,
// read-only observation snapshots for one element or a matched collection.
//
//	scope := tracker.NewScope("cart", logger)
//	defer scope.Close()
//
//	t, err := tracker.New(scope, platform)
//	t.OnChange(func(s snapshot.Snapshot) { ... })
//	err = t.AttachSelector(ctx, ".price")
//
// Observer callbacks may arrive on any goroutine. Within one scheduler tick
// they collapse into a single OnChange notification carrying their combined
// effect.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/stats"
)

// elemState is the working state kept for one bound element.
type elemState struct {
	el           Element
	intersecting bool
	ioSeen       bool
	ratio        float64
	rect         snapshot.Rect
	structure    Structure
	detached     bool
	geomDirty    bool
	structDirty  bool
	geomRev      uint64
}

// Tracker owns the observers of one element or collection.
type Tracker struct {
	scope    *Scope
	platform Platform
	sched    Scheduler
	logger   *slog.Logger
	marker   string

	mu        sync.Mutex
	gen       uint64
	states    []*elemState
	res       arena
	current   snapshot.Snapshot
	seq       uint64
	cancel    func()
	onChange  func(snapshot.Snapshot)
	onPseudo  func(snapshot.PseudoState)
	pseudo    *Pseudo
	destroyed bool
	static    bool
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithScheduler replaces the default 60Hz FrameScheduler.
func WithScheduler(s Scheduler) Option {
	return func(t *Tracker) { t.sched = s }
}

// WithLogger sets a custom logger (default: the scope's logger).
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithMarker sets the attribute holding explicit numeric values for
// Values (default "data-value").
func WithMarker(attr string) Option {
	return func(t *Tracker) { t.marker = attr }
}

// New creates an unattached tracker owned by scope. It fails with
// ErrNoScope or ErrScopeClosed when scope is unusable.
func New(scope *Scope, platform Platform, opts ...Option) (*Tracker, error) {
	if scope == nil {
		return nil, ErrNoScope
	}
	if platform == nil {
		return nil, errors.New("tracker: nil platform")
	}
	t := &Tracker{
		scope:    scope,
		platform: platform,
		logger:   scope.logger,
		marker:   stats.DefaultMarker,
	}
	for _, o := range opts {
		o(t)
	}
	if t.sched == nil {
		t.sched = NewFrameScheduler(DefaultFrameInterval)
	}
	if err := scope.adopt(t); err != nil {
		return nil, err
	}
	return t, nil
}

// MustNew is New for component setup code where a missing scope is a
// programming error.
func MustNew(scope *Scope, platform Platform, opts ...Option) *Tracker {
	t, err := New(scope, platform, opts...)
	if err != nil {
		panic(err)
	}
	return t
}

// Attach binds the tracker to a single element, releasing any previous
// binding first.
func (t *Tracker) Attach(el Element) {
	if el == nil {
		t.bind(nil)
		return
	}
	t.bind([]Element{el})
}

// AttachSelector binds the tracker to every element currently matching
// selector. Zero matches leave the tracker with Exists() == false and no
// observers; a later successful attach recovers.
func (t *Tracker) AttachSelector(ctx context.Context, selector string) error {
	els, err := t.platform.Query(ctx, selector)
	if err != nil {
		return fmt.Errorf("tracker: query %q: %w", selector, err)
	}
	if len(els) == 0 {
		t.logger.Debug("tracker: selector matched nothing", "selector", selector)
	}
	t.bind(els)
	return nil
}

// bind swaps the bound elements. Element reads and observer registration
// can be round trips to the page, so they run without t.mu and are
// discarded when another bind or Destroy overtook them.
func (t *Tracker) bind(els []Element) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	old := t.res
	t.res = arena{}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	pseudo := t.pseudo
	t.pseudo = nil
	t.gen++
	gen := t.gen
	t.states = nil
	t.mu.Unlock()

	old.release()
	if pseudo != nil {
		pseudo.Destroy()
	}

	states := make([]*elemState, 0, len(els))
	for _, el := range els {
		st := &elemState{el: el}
		r := reading{st: st, structure: true, geometry: true}
		r.read()
		t.apply(&r)
		states = append(states, st)
	}

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.states = states
	t.current = t.buildLocked()
	t.mu.Unlock()

	var fresh arena
	for i, st := range states {
		t.observe(fresh.add(), gen, i, st.el)
	}

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		fresh.release()
		return
	}
	t.res.slots = append(t.res.slots, fresh.slots...)
	t.scheduleLocked()
	t.mu.Unlock()
}

func (t *Tracker) observe(slots *slotSet, gen uint64, idx int, el Element) {
	for _, kind := range []ObserverKind{ObserveIntersection, ObserveResize, ObserveMutation} {
		kind := kind
		rel, err := t.platform.Observe(el, kind, func(sig Signal) { t.signal(gen, idx, kind, sig) })
		if err != nil {
			t.logger.Warn("tracker: observe failed", "element", el.ID(), "observer", kind.String(), "error", err)
			continue
		}
		slots.set(kind, rel)
	}
}

// signal folds one observer callback into the working state.
func (t *Tracker) signal(gen uint64, idx int, kind ObserverKind, sig Signal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed || gen != t.gen || idx >= len(t.states) {
		return
	}
	st := t.states[idx]
	switch kind {
	case ObserveIntersection:
		st.intersecting = sig.Intersecting
		st.ratio = clamp01(sig.Ratio)
		st.ioSeen = true
		st.geomRev++
		if sig.HasRect {
			st.rect = sig.Rect
			st.geomDirty = false
		} else {
			st.geomDirty = true
		}
	case ObserveResize:
		st.geomRev++
		if sig.HasRect {
			st.rect = sig.Rect
			st.geomDirty = false
		} else {
			st.geomDirty = true
		}
	case ObserveMutation, ObserveAttributes:
		st.structDirty = true
		st.geomDirty = true
	}
	t.scheduleLocked()
}

func (t *Tracker) scheduleLocked() {
	if t.cancel != nil || t.static {
		return
	}
	gen := t.gen
	t.cancel = t.sched.Request(func() { t.flush(gen) })
}

// flush publishes one snapshot for everything that happened since the
// last tick.
func (t *Tracker) flush(gen uint64) {
	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	t.cancel = nil
	var pending []reading
	for _, st := range t.states {
		if st.structDirty || st.geomDirty {
			pending = append(pending, reading{st: st, rev: st.geomRev, structure: st.structDirty, geometry: st.geomDirty})
			st.structDirty = false
			st.geomDirty = false
		}
	}
	t.mu.Unlock()

	for i := range pending {
		pending[i].read()
	}

	t.mu.Lock()
	if t.destroyed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	for i := range pending {
		t.apply(&pending[i])
	}
	t.current = t.buildLocked()
	snap := t.current.Clone()
	cb := t.onChange
	t.mu.Unlock()

	if cb != nil {
		cb(snap)
	}
}

// reading is one element read taken without t.mu.
type reading struct {
	st        *elemState
	rev       uint64
	structure bool
	geometry  bool

	gotStructure Structure
	structErr    error
	gotRect      snapshot.Rect
	rectErr      error
}

func (r *reading) read() {
	if r.structure {
		r.gotStructure, r.structErr = r.st.el.Structure()
	}
	if r.geometry {
		r.gotRect, r.rectErr = r.st.el.Rect()
	}
}

// apply folds a reading into its element state. A geometry read is
// dropped when an observer reported newer geometry while it was in flight.
// Callers hold t.mu unless the state is not yet published.
func (t *Tracker) apply(r *reading) {
	st := r.st
	if r.structure {
		switch {
		case errors.Is(r.structErr, ErrDetached):
			st.detached = true
		case r.structErr != nil:
			t.logger.Debug("tracker: structure read failed", "element", st.el.ID(), "error", r.structErr)
		default:
			st.detached = false
			r.gotStructure.Classes = snapshot.NormalizeClasses(r.gotStructure.Classes)
			st.structure = r.gotStructure
		}
	}
	if r.geometry && st.geomRev == r.rev {
		switch {
		case errors.Is(r.rectErr, ErrDetached):
			st.detached = true
		case r.rectErr != nil:
			t.logger.Debug("tracker: rect read failed", "element", st.el.ID(), "error", r.rectErr)
		default:
			st.rect = r.gotRect
		}
	}
}

// buildLocked derives the published snapshot. In collection mode the
// geometry and structure describe the first live element.
func (t *Tracker) buildLocked() snapshot.Snapshot {
	t.seq++
	s := snapshot.Snapshot{Seq: t.seq}
	var first *elemState
	for _, st := range t.states {
		if st.detached {
			continue
		}
		s.Count++
		if first == nil {
			first = st
		}
	}
	if first == nil {
		return s
	}
	s.Exists = true
	s.IsIntersecting = first.intersecting
	s.IntersectionRatio = first.ratio
	s.IntersectionKnown = first.ioSeen
	s.BoundingRect = first.rect
	s.ChildrenCount = first.structure.Children
	s.DescendantCount = first.structure.Descendants
	s.Attributes = first.structure.Attributes
	s.ClassList = first.structure.Classes
	s.Text = first.structure.Text
	return s.Clone()
}

// OnChange registers the single consumer callback. A later call replaces
// the previous callback.
func (t *Tracker) OnChange(fn func(snapshot.Snapshot)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// OnPseudoChange registers the consumer of pseudo-state transitions of the
// primary element. It takes effect for pseudo trackers built afterwards.
func (t *Tracker) OnPseudoChange(fn func(snapshot.PseudoState)) {
	t.mu.Lock()
	t.onPseudo = fn
	t.mu.Unlock()
}

// Snapshot returns a copy of the last published snapshot. After Destroy it
// reports Exists == false.
func (t *Tracker) Snapshot() snapshot.Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current.Clone()
}

func (t *Tracker) IsIntersecting() bool          { return t.Snapshot().IsIntersecting }
func (t *Tracker) IntersectionRatio() float64    { return t.Snapshot().IntersectionRatio }
func (t *Tracker) BoundingRect() snapshot.Rect   { return t.Snapshot().BoundingRect }
func (t *Tracker) ChildrenCount() int            { return t.Snapshot().ChildrenCount }
func (t *Tracker) DescendantCount() int          { return t.Snapshot().DescendantCount }
func (t *Tracker) Attributes() map[string]string { return t.Snapshot().Attributes }
func (t *Tracker) ClassList() []string           { return t.Snapshot().ClassList }
func (t *Tracker) Exists() bool                  { return t.Snapshot().Exists }
func (t *Tracker) Count() int                    { return t.Snapshot().Count }
func (t *Tracker) Text() string                  { return t.Snapshot().Text }

func (t *Tracker) Attr(name string) (string, bool) { return t.Snapshot().Attr(name) }
func (t *Tracker) HasClass(name string) bool       { return t.Snapshot().HasClass(name) }

// Pseudo returns the pseudo-state tracker of the primary element, creating
// it on first use. It returns nil when nothing is attached or the tracker
// is destroyed.
func (t *Tracker) Pseudo() *Pseudo {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return nil
	}
	if t.pseudo != nil {
		return t.pseudo
	}
	var primary *elemState
	for _, st := range t.states {
		if !st.detached {
			primary = st
			break
		}
	}
	if primary == nil {
		return nil
	}
	if t.static {
		t.pseudo = derivedPseudo(primary.el, primary.structure.Attributes, t.logger)
	} else {
		t.pseudo = newPseudo(t.platform, primary.el, t.logger, t.onPseudo)
	}
	return t.pseudo
}

// LiveObservers is the number of observer and listener releases the tracker
// currently holds, pseudo tracker included.
func (t *Tracker) LiveObservers() int {
	t.mu.Lock()
	n := t.res.live()
	p := t.pseudo
	t.mu.Unlock()
	if p != nil {
		n += p.live()
	}
	return n
}

// Destroy disconnects every observer, releases the pseudo tracker and
// detaches from the scope. Safe to call any number of times.
func (t *Tracker) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	old := t.res
	t.res = arena{}
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	pseudo := t.pseudo
	t.pseudo = nil
	t.states = nil
	t.onChange = nil
	t.onPseudo = nil
	t.current = snapshot.Snapshot{Seq: t.current.Seq}
	t.mu.Unlock()

	old.release()
	if pseudo != nil {
		pseudo.Destroy()
	}
	if t.scope != nil {
		t.scope.forget(t)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
