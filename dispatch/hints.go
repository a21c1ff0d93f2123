package dispatch

import (
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"time"
)

// maxPatchesPerKey bounds the patches kept for one component state.
const maxPatchesPerKey = 8

// Patch is a precomputed UI update offered back by the renderer. Delta is
// the observed state it was rendered for; Body is opaque to the engine.
type Patch struct {
	RequestID   string          `json:"request_id,omitempty"`
	ComponentID string          `json:"component_id"`
	StateKey    string          `json:"state_key"`
	Delta       map[string]any  `json:"delta"`
	Body        json.RawMessage `json:"body,omitempty"`
	ExpiresAt   time.Time       `json:"expires_at,omitempty"`
}

type hintKey struct {
	component string
	state     string
}

// HintCache holds offered patches until the predicted state is observed
// or the patch expires.
type HintCache struct {
	ttl time.Duration
	now func() time.Time
	rec Recorder

	mu      sync.Mutex
	entries map[hintKey][]Patch
}

// NewHintCache creates a cache whose patches live for ttl unless they carry
// their own expiry. rec may be nil.
func NewHintCache(ttl time.Duration, rec Recorder) *HintCache {
	if rec == nil {
		rec = nopRecorder{}
	}
	return &HintCache{ttl: ttl, now: time.Now, rec: rec, entries: make(map[hintKey][]Patch)}
}

// Offer stores p. The oldest patch of the same state is evicted once the
// per-state limit is reached.
func (c *HintCache) Offer(p Patch) error {
	if p.ComponentID == "" || p.StateKey == "" {
		return errors.New("dispatch: patch needs component_id and state_key")
	}
	now := c.now()
	if p.ExpiresAt.IsZero() {
		p.ExpiresAt = now.Add(c.ttl)
	}
	if !p.ExpiresAt.After(now) {
		return errors.New("dispatch: patch already expired")
	}

	k := hintKey{p.ComponentID, p.StateKey}
	c.mu.Lock()
	list := c.entries[k]
	var evicted *Patch
	if len(list) >= maxPatchesPerKey {
		old := list[0]
		evicted = &old
		list = list[1:]
	}
	c.entries[k] = append(list, p)
	c.mu.Unlock()

	if evicted != nil {
		c.rec.Record(patchOutcome(EventExpired, *evicted, now, "evicted"))
	}
	c.rec.Record(patchOutcome(EventOffered, p, now, ""))
	return nil
}

// Resolve looks for a live patch of componentID/stateKey whose Delta holds
// in observed. On a hit the patch is consumed and returned; on a miss the
// caller renders normally.
func (c *HintCache) Resolve(componentID, stateKey string, observed map[string]any) (Patch, bool) {
	now := c.now()
	k := hintKey{componentID, stateKey}

	c.mu.Lock()
	var expired []Patch
	live := c.entries[k][:0]
	for _, p := range c.entries[k] {
		if p.ExpiresAt.After(now) {
			live = append(live, p)
		} else {
			expired = append(expired, p)
		}
	}
	hit, found := -1, false
	for i, p := range live {
		if matches(p.Delta, observed) {
			hit, found = i, true
			break
		}
	}
	var patch Patch
	if found {
		patch = live[hit]
		live = append(live[:hit], live[hit+1:]...)
	}
	if len(live) == 0 {
		delete(c.entries, k)
	} else {
		c.entries[k] = live
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.rec.Record(patchOutcome(EventExpired, p, now, ""))
	}
	if found {
		c.rec.Record(patchOutcome(EventHit, patch, now, ""))
		return patch, true
	}
	c.rec.Record(Outcome{Event: EventMiss, ComponentID: componentID, StateKey: stateKey, At: now})
	return Patch{}, false
}

// Sweep drops every expired patch and returns how many were dropped.
func (c *HintCache) Sweep() int {
	now := c.now()
	var expired []Patch
	c.mu.Lock()
	for k, list := range c.entries {
		live := list[:0]
		for _, p := range list {
			if p.ExpiresAt.After(now) {
				live = append(live, p)
			} else {
				expired = append(expired, p)
			}
		}
		if len(live) == 0 {
			delete(c.entries, k)
		} else {
			c.entries[k] = live
		}
	}
	c.mu.Unlock()

	for _, p := range expired {
		c.rec.Record(patchOutcome(EventExpired, p, now, ""))
	}
	return len(expired)
}

// Len is the number of cached patches.
func (c *HintCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, list := range c.entries {
		n += len(list)
	}
	return n
}

func patchOutcome(ev Event, p Patch, at time.Time, detail string) Outcome {
	return Outcome{
		Event:       ev,
		RequestID:   p.RequestID,
		ComponentID: p.ComponentID,
		StateKey:    p.StateKey,
		Detail:      detail,
		At:          at,
	}
}

// matches reports whether every field of delta has the same value in
// observed. Numbers compare by value whatever their Go type.
func matches(delta, observed map[string]any) bool {
	for field, want := range delta {
		got, ok := observed[field]
		if !ok || !sameValue(want, got) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
