// Package predictor turns pointer, scroll and keyboard telemetry into
// confidence-scored predictions of upcoming observation changes.
//
// Predictor is the pure core: it is driven by one goroutine calling Handle
// with each inbound protocol message. Worker runs a Predictor on its own
// goroutine behind a message channel, and Host is the main-side wrapper that
// starts the worker and degrades to no-prediction mode when it cannot.
package predictor

import (
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/hazyhaar/foresight/protocol"
	"github.com/hazyhaar/foresight/snapshot"
)

// heading samples used for velocity estimation.
const trajectorySamples = 3

type record struct {
	protocol.RegisterElement
	seq int // registration order, last tie-break of document order
}

// Stats counts what the predictor did with its input.
type Stats struct {
	Received    uint64 `json:"received"`
	Emitted     uint64 `json:"emitted"`
	RateLimited uint64 `json:"rate_limited"`
	Ignored     uint64 `json:"ignored"`
}

// Predictor holds the registered elements, rolling telemetry buffers and
// limiter state. It is not safe for concurrent use.
type Predictor struct {
	cfg    Config
	logger *slog.Logger

	elements map[string]*record
	regSeq   int

	pointer *ring[protocol.PointerMove]
	scroll  *ring[protocol.Scroll]
	keys    *ring[protocol.KeyDown]

	focused string
	limiter *limiter
	stats   Stats
}

// New creates a predictor. Invalid settings fall back to defaults; use
// Config.Validate to detect them beforehand.
func New(cfg Config) *Predictor {
	if err := cfg.Validate(); err != nil {
		cfg.Logger.Warn("predictor: invalid config, using defaults", "error", err)
		cfg = Config{Logger: cfg.Logger, Debug: cfg.Debug}
		cfg.defaults()
	}
	return &Predictor{
		cfg:      cfg,
		logger:   cfg.Logger,
		elements: make(map[string]*record),
		pointer:  newRing[protocol.PointerMove](cfg.PointerBuffer),
		scroll:   newRing[protocol.Scroll](cfg.ScrollBuffer),
		keys:     newRing[protocol.KeyDown](cfg.KeyBuffer),
		limiter:  newLimiter(cfg.MaxOutstanding, ms(cfg.Window)),
	}
}

// Handle applies one inbound message and returns the predictions it
// triggers, possibly none.
func (p *Predictor) Handle(msg protocol.Message) []protocol.PredictionRequest {
	p.stats.Received++
	switch m := msg.(type) {
	case protocol.RegisterElement:
		if m.ElementID == "" || m.Kinds == 0 {
			p.stats.Ignored++
			return nil
		}
		p.regSeq++
		p.elements[m.ElementID] = &record{RegisterElement: m, seq: p.regSeq}
	case protocol.UpdateBounds:
		rec, ok := p.elements[m.ElementID]
		if !ok {
			p.stats.Ignored++
			return nil
		}
		rec.Bounds = m.Bounds
	case protocol.Unregister:
		if _, ok := p.elements[m.ElementID]; !ok {
			p.stats.Ignored++
			return nil
		}
		delete(p.elements, m.ElementID)
		p.limiter.forget(m.ElementID)
		if p.focused == m.ElementID {
			p.focused = ""
		}
	case protocol.PointerMove:
		p.pointer.push(m)
		return p.hover(m)
	case protocol.Scroll:
		p.scroll.push(m)
		return p.intersection(m)
	case protocol.Focus:
		return p.focus(m)
	case protocol.Blur:
		if p.focused == m.ElementID {
			p.focused = ""
		}
	case protocol.KeyDown:
		p.keys.push(m)
		return p.tab(m)
	default:
		p.stats.Ignored++
	}
	return nil
}

// Stats returns the counters accumulated so far.
func (p *Predictor) Stats() Stats { return p.stats }

// Registered is the number of elements under observation.
func (p *Predictor) Registered() int { return len(p.elements) }

// candidates returns the records observing kind in a stable order.
func (p *Predictor) candidates(kind snapshot.Kind) []*record {
	out := make([]*record, 0, len(p.elements))
	for _, rec := range p.elements {
		if rec.Kinds.Has(kind) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

func (p *Predictor) hover(cur protocol.PointerMove) []protocol.PredictionRequest {
	samples := p.pointer.last(trajectorySamples)
	if len(samples) < 2 {
		return nil
	}
	first := samples[0]
	dt := cur.T - first.T
	if dt <= 0 {
		return nil
	}
	dx, dy := cur.X-first.X, cur.Y-first.Y
	velocity := math.Hypot(dx, dy) / dt
	if velocity < p.cfg.MinVelocity {
		return nil
	}
	heading := math.Atan2(dy, dx)

	// A path that turns more than MaxAngle between samples is erratic.
	if len(samples) == trajectorySamples {
		mid := samples[1]
		a := math.Atan2(mid.Y-first.Y, mid.X-first.X)
		b := math.Atan2(cur.Y-mid.Y, cur.X-mid.X)
		if angleBetween(a, b) > p.cfg.MaxAngle {
			return nil
		}
	}

	var out []protocol.PredictionRequest
	for _, rec := range p.candidates(snapshot.KindHover) {
		if rec.Bounds.Contains(cur.X, cur.Y) {
			continue
		}
		cx, cy := rec.Bounds.Center()
		dev := angleBetween(heading, math.Atan2(cy-cur.Y, cx-cur.X))
		if dev > p.cfg.MaxAngle {
			continue
		}
		dist := distanceToRect(cur.X, cur.Y, rec.Bounds)
		if dist > p.cfg.MaxDistance {
			continue
		}
		conf := 0.6*(1-dev/p.cfg.MaxAngle) + 0.4*(1-dist/p.cfg.MaxDistance)
		lead := clamp(dist/velocity, ms(p.cfg.LeadTimeMin), ms(p.cfg.LeadTimeMax))
		reason := fmt.Sprintf("pointer %.0fpx away at %.2fpx/ms, %.1f° off", dist, velocity, dev)
		out = p.emit(out, rec, snapshot.KindHover, conf, lead, reason, cur.T)
	}
	return out
}

func (p *Predictor) intersection(cur protocol.Scroll) []protocol.PredictionRequest {
	samples := p.scroll.last(trajectorySamples)
	if len(samples) < 2 {
		return nil
	}
	first := samples[0]
	dt := cur.T - first.T
	if dt <= 0 {
		return nil
	}
	vx, vy := (cur.X-first.X)/dt, (cur.Y-first.Y)/dt
	speed := math.Hypot(vx, vy)
	if speed < p.cfg.MinScrollVelocity {
		return nil
	}
	view := cur.Viewport()
	horizon := ms(p.cfg.Lookahead)
	vcx, vcy := view.Center()

	var out []protocol.PredictionRequest
	for _, rec := range p.candidates(snapshot.KindIntersection) {
		if rec.Bounds.Intersects(view) {
			continue
		}
		enter, ok := entryTime(view, vx, vy, rec.Bounds, horizon)
		if !ok {
			continue
		}
		ex, ey := rec.Bounds.Center()
		directness := 1.0
		if tx, ty := ex-vcx, ey-vcy; tx != 0 || ty != 0 {
			directness = math.Max((tx*vx+ty*vy)/(math.Hypot(tx, ty)*speed), 0)
		}
		conf := 0.5*directness + 0.5*(1-enter/horizon)
		lead := clamp(enter, ms(p.cfg.LeadTimeMin), ms(p.cfg.LeadTimeMax))
		reason := fmt.Sprintf("scroll at %.2fpx/ms enters view in %.0fms", speed, enter)
		out = p.emit(out, rec, snapshot.KindIntersection, conf, lead, reason, cur.T)
	}
	return out
}

// focus records the focused element. When the focus change follows a recent
// Tab press the user is walking the tab order, so the next stop is predicted.
func (p *Predictor) focus(m protocol.Focus) []protocol.PredictionRequest {
	if _, ok := p.elements[m.ElementID]; !ok {
		p.focused = ""
		return nil
	}
	p.focused = m.ElementID
	key, ok := p.keys.newest()
	if !ok || key.Key != "Tab" || m.T-key.T > ms(p.cfg.TabRecency) {
		return nil
	}
	lead := ms(p.cfg.LeadTimeMax)
	if iv, ok := p.tabInterval(); ok {
		lead = iv
	}
	return p.predictFocusStep(key.Shift, lead, "tab navigation continues", m.T)
}

func (p *Predictor) tab(m protocol.KeyDown) []protocol.PredictionRequest {
	if m.Key != "Tab" || p.focused == "" {
		return nil
	}
	return p.predictFocusStep(m.Shift, ms(p.cfg.LeadTimeMin), "tab pressed", m.T)
}

// tabInterval is the mean gap between the buffered Tab presses.
func (p *Predictor) tabInterval() (float64, bool) {
	var prev, sum float64
	n := 0
	seen := false
	for i := 0; i < p.keys.len(); i++ {
		k := p.keys.at(i)
		if k.Key != "Tab" {
			continue
		}
		if seen {
			sum += k.T - prev
			n++
		}
		prev, seen = k.T, true
	}
	if n == 0 {
		return 0, false
	}
	return clamp(sum/float64(n), ms(p.cfg.LeadTimeMin), ms(p.cfg.LeadTimeMax)), true
}

func (p *Predictor) predictFocusStep(reverse bool, lead float64, why string, t float64) []protocol.PredictionRequest {
	next := p.focusNeighbour(p.focused, reverse)
	if next == nil {
		return nil
	}
	dir := "next"
	if reverse {
		dir = "previous"
	}
	reason := fmt.Sprintf("%s: %s stop after %s", why, dir, p.focused)
	return p.emit(nil, next, snapshot.KindFocus, p.cfg.FocusConfidence, lead, reason, t)
}

// focusNeighbour returns the focus-observing element after (or before) id in
// tab order: explicit FocusOrder ascending first, then document order.
func (p *Predictor) focusNeighbour(id string, reverse bool) *record {
	order := make([]*record, 0, len(p.elements))
	for _, rec := range p.elements {
		if rec.Kinds.Has(snapshot.KindFocus) || rec.ElementID == id {
			order = append(order, rec)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		a, b := order[i], order[j]
		if (a.FocusOrder > 0) != (b.FocusOrder > 0) {
			return a.FocusOrder > 0
		}
		if a.FocusOrder != b.FocusOrder {
			return a.FocusOrder < b.FocusOrder
		}
		if a.Bounds.Y != b.Bounds.Y {
			return a.Bounds.Y < b.Bounds.Y
		}
		if a.Bounds.X != b.Bounds.X {
			return a.Bounds.X < b.Bounds.X
		}
		return a.seq < b.seq
	})
	for i, rec := range order {
		if rec.ElementID != id {
			continue
		}
		j := i + 1
		if reverse {
			j = i - 1
		}
		if j < 0 || j >= len(order) || !order[j].Kinds.Has(snapshot.KindFocus) {
			return nil
		}
		return order[j]
	}
	return nil
}

func (p *Predictor) emit(out []protocol.PredictionRequest, rec *record, kind snapshot.Kind, conf, lead float64, reason string, t float64) []protocol.PredictionRequest {
	conf = clamp(conf, 0, 1)
	if p.cfg.Debug {
		p.logger.Debug("predictor: candidate",
			"element", rec.ElementID, "kind", kind.String(),
			"confidence", conf, "lead_ms", lead, "reason", reason)
	}
	if conf < p.cfg.MinConfidence {
		return out
	}
	if !p.limiter.allow(limitKey{rec.ElementID, kind}, t) {
		p.stats.RateLimited++
		return out
	}
	p.stats.Emitted++
	return append(out, protocol.PredictionRequest{
		ComponentID: rec.ComponentID,
		ElementID:   rec.ElementID,
		Kind:        kind,
		Delta:       protocol.Delta{Field: kind.Field(), Value: true},
		Confidence:  conf,
		LeadTimeMs:  lead,
		Reason:      reason,
		High:        conf >= p.cfg.highThreshold(kind),
		T:           t,
	})
}
