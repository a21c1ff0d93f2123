// Package snapshot defines the structured element state shared by the
// tracker, the predictor and their consumers. Values in this package are
// plain data: they are copied across goroutines, never shared.
package snapshot

import (
	"sort"
	"strconv"
)

// Rect is an axis-aligned box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (r Rect) Left() float64   { return r.X }
func (r Rect) Top() float64    { return r.Y }
func (r Rect) Right() float64  { return r.X + r.Width }
func (r Rect) Bottom() float64 { return r.Y + r.Height }

// Center returns the centroid of the box.
func (r Rect) Center() (float64, float64) {
	return r.X + r.Width/2, r.Y + r.Height/2
}

// Contains reports whether the point lies inside the box (edges included).
func (r Rect) Contains(x, y float64) bool {
	return x >= r.Left() && x <= r.Right() && y >= r.Top() && y <= r.Bottom()
}

// Intersects reports whether two boxes overlap with a non-empty area.
func (r Rect) Intersects(o Rect) bool {
	return r.Left() < o.Right() && o.Left() < r.Right() &&
		r.Top() < o.Bottom() && o.Top() < r.Bottom()
}

// Empty reports whether the box has no area.
func (r Rect) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Snapshot is one element's (or one collection's) state at a point in time.
// A Snapshot handed to a consumer is never mutated afterwards; the tracker
// builds a fresh one for every notification.
type Snapshot struct {
	Seq               uint64            `json:"seq"`
	Exists            bool              `json:"exists"`
	Count             int               `json:"count"`
	IsIntersecting    bool              `json:"is_intersecting"`
	IntersectionRatio float64           `json:"intersection_ratio"`
	// IntersectionKnown is false until the intersection observer has
	// reported once; before that IsIntersecting is only a default.
	IntersectionKnown bool              `json:"intersection_known"`
	BoundingRect      Rect              `json:"bounding_rect"`
	ChildrenCount     int               `json:"children_count"`
	DescendantCount   int               `json:"descendant_count"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	ClassList         []string          `json:"class_list,omitempty"`
	Text              string            `json:"text,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	if s.Attributes != nil {
		out.Attributes = make(map[string]string, len(s.Attributes))
		for k, v := range s.Attributes {
			out.Attributes[k] = v
		}
	}
	if s.ClassList != nil {
		out.ClassList = append([]string(nil), s.ClassList...)
	}
	return out
}

// Attr returns an attribute value and whether it is present.
func (s Snapshot) Attr(name string) (string, bool) {
	v, ok := s.Attributes[name]
	return v, ok
}

// HasClass reports whether the class list contains name.
func (s Snapshot) HasClass(name string) bool {
	i := sort.SearchStrings(s.ClassList, name)
	return i < len(s.ClassList) && s.ClassList[i] == name
}

// Fields flattens the snapshot into the field map a state-sync call to an
// authoritative renderer expects.
func (s Snapshot) Fields() map[string]any {
	return map[string]any{
		"exists":            s.Exists,
		"count":             s.Count,
		"isIntersecting":    s.IsIntersecting,
		"intersectionRatio": s.IntersectionRatio,
		"boundingRect":      s.BoundingRect,
		"childrenCount":     s.ChildrenCount,
		"descendantCount":   s.DescendantCount,
		"attributes":        s.Clone().Attributes,
		"classList":         s.Clone().ClassList,
	}
}

// NormalizeClasses splits a class attribute value into a sorted set.
func NormalizeClasses(classes []string) []string {
	if len(classes) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(classes))
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// PseudoState holds the transient interaction flags of one element.
type PseudoState struct {
	Hover    bool `json:"hover"`
	Active   bool `json:"active"`
	Focus    bool `json:"focus"`
	Disabled bool `json:"disabled"`
	Checked  bool `json:"checked"`
	Invalid  bool `json:"invalid"`
}

// Fields flattens the flags under their field names.
func (p PseudoState) Fields() map[string]any {
	return map[string]any{
		"hover":    p.Hover,
		"active":   p.Active,
		"focus":    p.Focus,
		"disabled": p.Disabled,
		"checked":  p.Checked,
		"invalid":  p.Invalid,
	}
}

// Kind is an observation the predictor can anticipate.
type Kind uint8

const (
	KindIntersection Kind = 1 << iota
	KindHover
	KindFocus
)

func (k Kind) String() string {
	switch k {
	case KindIntersection:
		return "intersection"
	case KindHover:
		return "hover"
	case KindFocus:
		return "focus"
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Field is the snapshot field name a transition of this kind flips.
func (k Kind) Field() string {
	switch k {
	case KindIntersection:
		return "isIntersecting"
	case KindHover:
		return "hover"
	case KindFocus:
		return "focus"
	}
	return ""
}

// ParseKind maps a kind name back to its value.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "intersection":
		return KindIntersection, true
	case "hover":
		return KindHover, true
	case "focus":
		return KindFocus, true
	}
	return 0, false
}

// KindSet is a bit set of observable kinds.
type KindSet uint8

// Kinds builds a set from individual kinds.
func Kinds(ks ...Kind) KindSet {
	var s KindSet
	for _, k := range ks {
		s |= KindSet(k)
	}
	return s
}

func (s KindSet) Has(k Kind) bool { return s&KindSet(k) != 0 }

// List returns the kinds in the set in a fixed order.
func (s KindSet) List() []Kind {
	var out []Kind
	for _, k := range []Kind{KindIntersection, KindHover, KindFocus} {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}
