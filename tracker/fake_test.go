package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hazyhaar/foresight/snapshot"
)

type fakeElement struct {
	id       string
	mu       sync.Mutex
	rect     snapshot.Rect
	st       Structure
	form     FormState
	detached bool
	rectRead int
	// onRect runs before every Rect read, outside e.mu.
	onRect func()
}

func (e *fakeElement) ID() string { return e.id }

func (e *fakeElement) Rect() (snapshot.Rect, error) {
	if e.onRect != nil {
		e.onRect()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rectRead++
	if e.detached {
		return snapshot.Rect{}, ErrDetached
	}
	return e.rect, nil
}

func (e *fakeElement) Structure() (Structure, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.detached {
		return Structure{}, ErrDetached
	}
	st := e.st
	st.Attributes = copyAttrs(e.st.Attributes)
	st.Classes = append([]string(nil), e.st.Classes...)
	return st, nil
}

func (e *fakeElement) Form() (FormState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.form, nil
}

func (e *fakeElement) setAttr(k, v string) {
	e.mu.Lock()
	if e.st.Attributes == nil {
		e.st.Attributes = map[string]string{}
	}
	e.st.Attributes[k] = v
	e.mu.Unlock()
}

type subscription struct {
	el    string
	kind  ObserverKind
	event EventType
	fn    func(Signal)
	evFn  func()
}

// fakePlatform keeps every live subscription so tests can fire signals and
// count leaks.
type fakePlatform struct {
	mu        sync.Mutex
	elements  []*fakeElement
	nextID    int
	subs      map[int]*subscription
	failEvent EventType
}

func newFakePlatform(els ...*fakeElement) *fakePlatform {
	return &fakePlatform{elements: els, subs: make(map[int]*subscription)}
}

// Query matches ".class", "#id" or "[attr]" against the fake elements.
func (p *fakePlatform) Query(_ context.Context, selector string) ([]Element, error) {
	if selector == "" || !strings.ContainsAny(selector[:1], "#.[") || strings.ContainsAny(selector, " >") {
		return nil, fmt.Errorf("fake: unsupported selector %q", selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Element
	for _, e := range p.elements {
		st, _ := e.Structure()
		switch {
		case strings.HasPrefix(selector, "#"):
			if e.id == selector[1:] {
				out = append(out, e)
			}
		case strings.HasPrefix(selector, "."):
			for _, c := range st.Classes {
				if c == selector[1:] {
					out = append(out, e)
					break
				}
			}
		case strings.HasPrefix(selector, "["):
			if _, ok := st.Attributes[strings.Trim(selector, "[]")]; ok {
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (p *fakePlatform) add(s *subscription) Release {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = s
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

func (p *fakePlatform) Observe(el Element, kind ObserverKind, fn func(Signal)) (Release, error) {
	return p.add(&subscription{el: el.ID(), kind: kind, event: "", fn: fn}), nil
}

func (p *fakePlatform) Listen(el Element, ev EventType, fn func()) (Release, error) {
	if ev == p.failEvent {
		return nil, fmt.Errorf("fake: listen %s refused", ev)
	}
	return p.add(&subscription{el: el.ID(), kind: -1, event: ev, evFn: fn}), nil
}

func (p *fakePlatform) matching(match func(*subscription) bool) []*subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*subscription
	for _, s := range p.subs {
		if match(s) {
			out = append(out, s)
		}
	}
	return out
}

func (p *fakePlatform) fire(elID string, kind ObserverKind, sig Signal) int {
	subs := p.matching(func(s *subscription) bool { return s.el == elID && s.kind == kind && s.fn != nil })
	for _, s := range subs {
		s.fn(sig)
	}
	return len(subs)
}

func (p *fakePlatform) emit(elID string, ev EventType) int {
	subs := p.matching(func(s *subscription) bool { return s.el == elID && s.event == ev })
	for _, s := range subs {
		s.evFn()
	}
	return len(subs)
}

func (p *fakePlatform) live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *fakePlatform) liveFor(elID string) int {
	return len(p.matching(func(s *subscription) bool { return s.el == elID }))
}
