package tracker

import (
	"log/slog"
	"sync"

	"github.com/hazyhaar/foresight/snapshot"
)

// Pseudo tracks the interaction flags of one element. Hover, active and
// focus follow discrete events; disabled, checked and invalid are derived
// from attributes and native form state on every attribute mutation.
type Pseudo struct {
	platform Platform
	el       Element
	logger   *slog.Logger

	mu        sync.Mutex
	state     snapshot.PseudoState
	slots     slotSet
	onChange  func(snapshot.PseudoState)
	destroyed bool
}

func newPseudo(p Platform, el Element, logger *slog.Logger, onChange func(snapshot.PseudoState)) *Pseudo {
	ps := &Pseudo{platform: p, el: el, logger: logger, onChange: onChange}

	if st, err := el.Structure(); err == nil {
		ps.state = ps.derive(st.Attributes)
	}

	handlers := map[EventType]func(*snapshot.PseudoState){
		EventPointerEnter: func(s *snapshot.PseudoState) { s.Hover = true },
		EventPointerLeave: func(s *snapshot.PseudoState) {
			s.Hover = false
			s.Active = false
		},
		EventPointerDown: func(s *snapshot.PseudoState) { s.Active = true },
		EventPointerUp:   func(s *snapshot.PseudoState) { s.Active = false },
		EventFocus:       func(s *snapshot.PseudoState) { s.Focus = true },
		EventBlur:        func(s *snapshot.PseudoState) { s.Focus = false },
	}
	for _, ev := range []EventType{
		EventPointerEnter, EventPointerLeave,
		EventPointerDown, EventPointerUp,
		EventFocus, EventBlur,
	} {
		apply := handlers[ev]
		rel, err := p.Listen(el, ev, func() { ps.update(apply) })
		if err != nil {
			logger.Warn("tracker: listen failed", "element", el.ID(), "event", string(ev), "error", err)
			continue
		}
		ps.slots.listen(rel)
	}

	rel, err := p.Observe(el, ObserveAttributes, func(Signal) { ps.rederive() })
	if err != nil {
		logger.Warn("tracker: attribute observer failed", "element", el.ID(), "error", err)
	} else {
		ps.slots.set(ObserveAttributes, rel)
	}
	return ps
}

// derivedPseudo computes the attribute-derived flags once, without
// listeners. Sub-tracker views use it.
func derivedPseudo(el Element, attrs map[string]string, logger *slog.Logger) *Pseudo {
	ps := &Pseudo{el: el, logger: logger, destroyed: true}
	ps.state = ps.derive(attrs)
	return ps
}

func (p *Pseudo) update(fn func(*snapshot.PseudoState)) {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return
	}
	old := p.state
	fn(&p.state)
	next := p.state
	cb := p.onChange
	p.mu.Unlock()

	if next != old && cb != nil {
		cb(next)
	}
}

func (p *Pseudo) rederive() {
	st, err := p.el.Structure()
	if err != nil {
		p.logger.Debug("tracker: pseudo attribute read failed", "element", p.el.ID(), "error", err)
		return
	}
	derived := p.derive(st.Attributes)
	p.update(func(s *snapshot.PseudoState) {
		s.Disabled = derived.Disabled
		s.Checked = derived.Checked
		s.Invalid = derived.Invalid
	})
}

// derive computes disabled, checked and invalid from attributes and native
// form state.
func (p *Pseudo) derive(attrs map[string]string) snapshot.PseudoState {
	var s snapshot.PseudoState
	_, disabled := attrs["disabled"]
	s.Disabled = disabled || attrs["aria-disabled"] == "true"

	form, err := p.el.Form()
	if err != nil {
		form = FormState{}
	}
	if form.Checkable {
		s.Checked = form.Checked
	} else {
		_, checked := attrs["checked"]
		s.Checked = checked || attrs["aria-checked"] == "true"
	}

	ariaInvalid, hasAria := attrs["aria-invalid"]
	s.Invalid = (form.Validatable && !form.Valid) || (hasAria && ariaInvalid != "false")
	return s
}

func (p *Pseudo) get() snapshot.PseudoState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pseudo) Hover() bool    { return p.get().Hover }
func (p *Pseudo) Active() bool   { return p.get().Active }
func (p *Pseudo) Focus() bool    { return p.get().Focus }
func (p *Pseudo) Disabled() bool { return p.get().Disabled }
func (p *Pseudo) Checked() bool  { return p.get().Checked }
func (p *Pseudo) Invalid() bool  { return p.get().Invalid }

// GetAll returns a point-in-time copy of every flag.
func (p *Pseudo) GetAll() snapshot.PseudoState { return p.get() }

func (p *Pseudo) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.slots.listeners)
	for _, r := range p.slots.observers {
		if r != nil {
			n++
		}
	}
	return n
}

// Destroy removes every listener and the attribute observer. Idempotent.
func (p *Pseudo) Destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots.release()
	p.destroyed = true
	p.onChange = nil
}
