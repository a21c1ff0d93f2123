package tracker

import (
	"github.com/hazyhaar/foresight/snapshot"
	"github.com/hazyhaar/foresight/stats"
)

// Items returns one read-only sub-tracker per live bound element. Sub-trackers
// carry a copy of the parent's per-element state, hold no observers and
// are not owned by the scope; the parent is left untouched.
func (t *Tracker) Items() []*Tracker {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Tracker, 0, len(t.states))
	for _, st := range t.states {
		if st.detached {
			continue
		}
		out = append(out, t.viewLocked(st))
	}
	return out
}

func (t *Tracker) viewLocked(st *elemState) *Tracker {
	cp := *st
	cp.structure.Attributes = copyAttrs(st.structure.Attributes)
	cp.structure.Classes = append([]string(nil), st.structure.Classes...)
	v := &Tracker{
		platform: t.platform,
		sched:    t.sched,
		logger:   t.logger,
		marker:   t.marker,
		states:   []*elemState{&cp},
		static:   true,
	}
	v.current = v.buildLocked()
	return v
}

// Every reports whether pred holds for every element. An empty collection
// is vacuously true.
func (t *Tracker) Every(pred func(*Tracker) bool) bool {
	for _, it := range t.Items() {
		if !pred(it) {
			return false
		}
	}
	return true
}

// Some reports whether pred holds for at least one element.
func (t *Tracker) Some(pred func(*Tracker) bool) bool {
	for _, it := range t.Items() {
		if pred(it) {
			return true
		}
	}
	return false
}

// Filter returns the sub-trackers for which pred holds.
func (t *Tracker) Filter(pred func(*Tracker) bool) []*Tracker {
	var out []*Tracker
	for _, it := range t.Items() {
		if pred(it) {
			out = append(out, it)
		}
	}
	return out
}

// Map applies fn to every element's sub-tracker.
func Map[T any](t *Tracker, fn func(*Tracker) T) []T {
	items := t.Items()
	out := make([]T, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

// Values extracts one number per element (marker attribute first, then
// text) and returns them for aggregation. Elements without a number are
// skipped.
func (t *Tracker) Values() stats.Values {
	t.mu.Lock()
	xs := make([]float64, 0, len(t.states))
	for _, st := range t.states {
		if st.detached {
			continue
		}
		if f, ok := stats.Extract(st.structure.Attributes, st.structure.Text, t.marker); ok {
			xs = append(xs, f)
		}
	}
	t.mu.Unlock()
	return stats.Of(xs...)
}

// Snapshots returns one snapshot per live element.
func (t *Tracker) Snapshots() []snapshot.Snapshot {
	return Map(t, func(it *Tracker) snapshot.Snapshot { return it.Snapshot() })
}

func copyAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
