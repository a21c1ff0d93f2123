package tracker

import (
	"context"
	"errors"

	"github.com/hazyhaar/foresight/snapshot"
)

// ErrDetached is returned by Element methods once the element has left the
// document. The tracker reports such elements as non-existent.
var ErrDetached = errors.New("tracker: element detached")

// Element is a handle on one live document element. Implementations are
// provided by a platform (live browser page, static document, test fake).
type Element interface {
	// ID is stable for the lifetime of the element.
	ID() string
	// Rect is the border box in document coordinates.
	Rect() (snapshot.Rect, error)
	Structure() (Structure, error)
	Form() (FormState, error)
}

// Structure is the non-geometric part of an element's state.
type Structure struct {
	Children    int
	Descendants int
	Attributes  map[string]string
	Classes     []string
	Text        string
}

// FormState is native form-control introspection. Elements that are not
// form controls report Checkable and Validatable as false.
type FormState struct {
	Checkable   bool
	Checked     bool
	Validatable bool
	Valid       bool
}

// ObserverKind names a platform observer primitive.
type ObserverKind int

const (
	ObserveIntersection ObserverKind = iota
	ObserveResize
	ObserveMutation
	ObserveAttributes

	numObserverKinds
)

func (k ObserverKind) String() string {
	switch k {
	case ObserveIntersection:
		return "intersection"
	case ObserveResize:
		return "resize"
	case ObserveMutation:
		return "mutation"
	case ObserveAttributes:
		return "attributes"
	}
	return "unknown"
}

// EventType is a discrete interaction event.
type EventType string

const (
	EventPointerEnter EventType = "pointerenter"
	EventPointerLeave EventType = "pointerleave"
	EventPointerDown  EventType = "pointerdown"
	EventPointerUp    EventType = "pointerup"
	EventFocus        EventType = "focus"
	EventBlur         EventType = "blur"
)

// Signal is one observer callback payload. Which fields are meaningful
// depends on the observer kind that produced it.
type Signal struct {
	Intersecting bool
	Ratio        float64
	Rect         snapshot.Rect
	HasRect      bool
	Attribute    string // attribute name for attribute mutations
	Structural   bool   // child list or subtree change
}

// Release disconnects one observer or listener. Calling it more than once
// must be harmless.
type Release func()

// Platform supplies elements and the observer primitives the tracker folds
// into snapshots.
type Platform interface {
	Query(ctx context.Context, selector string) ([]Element, error)
	Observe(el Element, kind ObserverKind, fn func(Signal)) (Release, error)
	Listen(el Element, event EventType, fn func()) (Release, error)
}
