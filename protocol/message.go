// Package protocol defines the messages exchanged between the main context
// (platform, trackers, telemetry) and the isolated predictor context.
//
// Messages are plain values: sending one over a channel copies it, so the
// two contexts never share memory. Every message is one variant of the
// Message union and is matched with a type switch in a single dispatch
// function per direction.
package protocol

import "github.com/hazyhaar/foresight/snapshot"

// Type tags a message variant on the wire.
type Type string

const (
	TypeRegister   Type = "register"
	TypeBounds     Type = "bounds"
	TypeUnregister Type = "unregister"
	TypePointer    Type = "pointermove"
	TypeScroll     Type = "scroll"
	TypeFocus      Type = "focus"
	TypeBlur       Type = "blur"
	TypeKey        Type = "keydown"
	TypePrediction Type = "prediction"
)

// Message is the closed union of protocol variants.
type Message interface {
	MessageType() Type
}

// RegisterElement puts one element under speculative observation.
// Re-registering an id replaces its record.
type RegisterElement struct {
	ComponentID string           `json:"component_id"`
	ElementID   string           `json:"element_id"`
	Bounds      snapshot.Rect    `json:"bounds"` // document coordinates
	Kinds       snapshot.KindSet `json:"kinds"`
	FocusOrder  int              `json:"focus_order,omitempty"` // 0: document order
}

// UpdateBounds refreshes an element's document-space bounds after layout.
type UpdateBounds struct {
	ElementID string        `json:"element_id"`
	Bounds    snapshot.Rect `json:"bounds"`
}

// Unregister removes an element. Predictions still in flight for it are
// dropped by the receiver.
type Unregister struct {
	ElementID string `json:"element_id"`
}

// PointerMove is one pointer sample in document coordinates.
type PointerMove struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	T float64 `json:"t"` // milliseconds, host monotonic clock
}

// Scroll is one scroll sample: the viewport origin in document coordinates
// and its size.
type Scroll struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	ViewportW float64 `json:"viewport_w"`
	ViewportH float64 `json:"viewport_h"`
	T         float64 `json:"t"`
}

// Viewport returns the visible document region.
func (s Scroll) Viewport() snapshot.Rect {
	return snapshot.Rect{X: s.X, Y: s.Y, Width: s.ViewportW, Height: s.ViewportH}
}

// Focus reports that an element received keyboard focus.
type Focus struct {
	ElementID string  `json:"element_id"`
	T         float64 `json:"t"`
}

// Blur reports that an element lost keyboard focus. It only clears the
// focus if ElementID still holds it.
type Blur struct {
	ElementID string  `json:"element_id"`
	T         float64 `json:"t"`
}

// KeyDown is one key press. Only Tab matters to the predictor.
type KeyDown struct {
	Key   string  `json:"key"`
	Shift bool    `json:"shift,omitempty"`
	T     float64 `json:"t"`
}

// Delta is the predicted change to one observation field.
type Delta struct {
	Field string `json:"field"`
	Value bool   `json:"value"`
}

// PredictionRequest is the predictor's output: an observation change that
// is expected to happen within LeadTimeMs.
type PredictionRequest struct {
	ComponentID string        `json:"component_id"`
	ElementID   string        `json:"element_id"`
	Kind        snapshot.Kind `json:"kind"`
	Delta       Delta         `json:"delta"`
	Confidence  float64       `json:"confidence"`
	LeadTimeMs  float64       `json:"lead_time_ms"`
	Reason      string        `json:"reason"`
	High        bool          `json:"high,omitempty"` // confidence reached the kind's high threshold
	T           float64       `json:"t"`              // timestamp of the triggering sample
}

func (RegisterElement) MessageType() Type   { return TypeRegister }
func (UpdateBounds) MessageType() Type      { return TypeBounds }
func (Unregister) MessageType() Type        { return TypeUnregister }
func (PointerMove) MessageType() Type       { return TypePointer }
func (Scroll) MessageType() Type            { return TypeScroll }
func (Focus) MessageType() Type             { return TypeFocus }
func (Blur) MessageType() Type              { return TypeBlur }
func (KeyDown) MessageType() Type           { return TypeKey }
func (PredictionRequest) MessageType() Type { return TypePrediction }

// IsTelemetry reports whether m is a streamed telemetry sample.
func IsTelemetry(m Message) bool {
	switch m.(type) {
	case PointerMove, Scroll, Focus, Blur, KeyDown:
		return true
	}
	return false
}
