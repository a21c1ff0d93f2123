package dispatch

import "time"

// Event is a step in the life of a prediction after it left the predictor.
type Event string

const (
	EventDispatched Event = "dispatched" // handed to the collaborator
	EventDropped    Event = "dropped"    // shed for lack of capacity
	EventFailed     Event = "failed"     // collaborator returned an error
	EventOffered    Event = "offered"    // patch stored in the hint cache
	EventHit        Event = "hit"        // observed state matched a cached patch
	EventMiss       Event = "miss"       // observed transition had no matching patch
	EventExpired    Event = "expired"    // cached patch dropped unused
)

// Outcome is one ledger entry.
type Outcome struct {
	Event       Event     `json:"event"`
	RequestID   string    `json:"request_id,omitempty"`
	ComponentID string    `json:"component_id"`
	StateKey    string    `json:"state_key"`
	Kind        string    `json:"kind,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	LeadTimeMs  float64   `json:"lead_time_ms,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	At          time.Time `json:"at"`
}

// Recorder receives outcomes. Implementations must not block.
type Recorder interface {
	Record(o Outcome)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(Outcome)

func (f RecorderFunc) Record(o Outcome) { f(o) }

type nopRecorder struct{}

func (nopRecorder) Record(Outcome) {}
