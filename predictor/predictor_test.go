package predictor

import (
	"math"
	"testing"
	"time"

	"github.com/hazyhaar/foresight/protocol"
	"github.com/hazyhaar/foresight/snapshot"
)

func hoverTarget(id string, r snapshot.Rect) protocol.RegisterElement {
	return protocol.RegisterElement{
		ComponentID: "menu",
		ElementID:   id,
		Bounds:      r,
		Kinds:       snapshot.Kinds(snapshot.KindHover),
	}
}

// approach moves the pointer along y=100 at 0.5px/ms, one sample per 16ms,
// from x=0 until x reaches stop.
func approach(p *Predictor, stop float64) []protocol.PredictionRequest {
	var out []protocol.PredictionRequest
	for i := 0; ; i++ {
		x := float64(i) * 8
		if x > stop {
			return out
		}
		out = append(out, p.Handle(protocol.PointerMove{X: x, Y: 100, T: float64(i) * 16})...)
	}
}

func TestHover_StraightLineApproach(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))

	preds := approach(p, 220)
	if len(preds) != 1 {
		t.Fatalf("predictions: got %d, want 1", len(preds))
	}
	pr := preds[0]
	if pr.ElementID != "buy" || pr.ComponentID != "menu" || pr.Kind != snapshot.KindHover {
		t.Fatalf("prediction target: got %+v", pr)
	}
	if pr.Delta != (protocol.Delta{Field: "hover", Value: true}) {
		t.Fatalf("delta: got %+v", pr.Delta)
	}
	if pr.Confidence < 0.75 || !pr.High {
		t.Fatalf("confidence: got %.3f high=%v, want >= 0.75 and high", pr.Confidence, pr.High)
	}
	if pr.LeadTimeMs < 50 || pr.LeadTimeMs > 1000 {
		t.Fatalf("lead time: got %.1f, want within [50,1000]", pr.LeadTimeMs)
	}
	// Second sample: x=8, 192px from the left edge at 0.5px/ms.
	if math.Abs(pr.LeadTimeMs-384) > 1e-9 {
		t.Fatalf("lead time: got %.3f, want 384", pr.LeadTimeMs)
	}
}

func TestHover_PointerMovingAway(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))

	for i := 0; i < 20; i++ {
		if got := p.Handle(protocol.PointerMove{X: 150 - float64(i)*8, Y: 100, T: float64(i) * 16}); len(got) != 0 {
			t.Fatalf("sample %d: got %d predictions, want 0", i, len(got))
		}
	}
}

func TestHover_StationaryPointer(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))

	for i := 0; i < 10; i++ {
		if got := p.Handle(protocol.PointerMove{X: 100, Y: 100, T: float64(i) * 16}); len(got) != 0 {
			t.Fatalf("stationary pointer: got %d predictions, want 0", len(got))
		}
	}
}

func TestHover_ErraticPointer(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))

	// Zigzag: every segment turns 90 degrees.
	pts := [][2]float64{{0, 100}, {10, 90}, {20, 100}, {30, 90}, {40, 100}, {50, 90}}
	for i, pt := range pts {
		if got := p.Handle(protocol.PointerMove{X: pt[0], Y: pt[1], T: float64(i) * 16}); len(got) != 0 {
			t.Fatalf("sample %d: got %d predictions, want 0", i, len(got))
		}
	}
}

func TestHover_PointerAlreadyInside(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 0, Y: 0, Width: 500, Height: 500}))

	preds := approach(p, 200)
	if len(preds) != 0 {
		t.Fatalf("predictions: got %d, want 0", len(preds))
	}
}

func TestRateLimit_PerElementAndKind(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("far", snapshot.Rect{X: 700, Y: 80, Width: 100, Height: 40}))

	preds := approach(p, 690)
	if len(preds) != 2 {
		t.Fatalf("predictions: got %d, want 2", len(preds))
	}
	if gap := preds[1].T - preds[0].T; gap < 1000 {
		t.Fatalf("gap between predictions: got %.0fms, want >= 1000", gap)
	}
	if p.Stats().RateLimited == 0 {
		t.Fatal("rate limited: got 0, want > 0")
	}
}

func TestRateLimit_MaxOutstanding(t *testing.T) {
	p := New(Config{MaxOutstanding: 3, Window: 10 * time.Second})
	p.Handle(hoverTarget("far", snapshot.Rect{X: 700, Y: 80, Width: 100, Height: 40}))

	if preds := approach(p, 690); len(preds) != 3 {
		t.Fatalf("predictions: got %d, want 3", len(preds))
	}
}

func TestRegisterThenUnregister(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))
	p.Handle(protocol.Unregister{ElementID: "buy"})

	if preds := approach(p, 220); len(preds) != 0 {
		t.Fatalf("predictions: got %d, want 0", len(preds))
	}
	if p.Registered() != 0 {
		t.Fatalf("registered: got %d, want 0", p.Registered())
	}
}

func TestReregisterReplacesRecord(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}))
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 600, Width: 100, Height: 40}))

	if p.Registered() != 1 {
		t.Fatalf("registered: got %d, want 1", p.Registered())
	}
	if preds := approach(p, 220); len(preds) != 0 {
		t.Fatalf("predictions for moved element: got %d, want 0", len(preds))
	}
}

func TestUpdateBounds(t *testing.T) {
	p := New(Config{})
	p.Handle(hoverTarget("buy", snapshot.Rect{X: 200, Y: 600, Width: 100, Height: 40}))
	p.Handle(protocol.UpdateBounds{ElementID: "buy", Bounds: snapshot.Rect{X: 200, Y: 80, Width: 100, Height: 40}})

	if preds := approach(p, 220); len(preds) != 1 {
		t.Fatalf("predictions: got %d, want 1", len(preds))
	}
}

func TestUnknownIDsIgnored(t *testing.T) {
	p := New(Config{})
	p.Handle(protocol.UpdateBounds{ElementID: "ghost"})
	p.Handle(protocol.Unregister{ElementID: "ghost"})
	p.Handle(protocol.RegisterElement{ElementID: "nokinds"})
	p.Handle(protocol.PredictionRequest{ElementID: "ghost"})

	if got := p.Stats().Ignored; got != 4 {
		t.Fatalf("ignored: got %d, want 4", got)
	}
	if got := p.Handle(protocol.Focus{ElementID: "ghost", T: 1}); len(got) != 0 {
		t.Fatalf("focus on unknown: got %d predictions, want 0", len(got))
	}
}

func viewport(y, t float64) protocol.Scroll {
	return protocol.Scroll{X: 0, Y: y, ViewportW: 800, ViewportH: 600, T: t}
}

func TestIntersection_ScrollTowardElement(t *testing.T) {
	p := New(Config{})
	p.Handle(protocol.RegisterElement{
		ComponentID: "feed",
		ElementID:   "more",
		Bounds:      snapshot.Rect{X: 100, Y: 900, Width: 200, Height: 100},
		Kinds:       snapshot.Kinds(snapshot.KindIntersection),
	})

	if got := p.Handle(viewport(0, 0)); len(got) != 0 {
		t.Fatalf("first sample: got %d predictions, want 0", len(got))
	}
	preds := p.Handle(viewport(16, 16))
	if len(preds) != 1 {
		t.Fatalf("predictions: got %d, want 1", len(preds))
	}
	pr := preds[0]
	if pr.Kind != snapshot.KindIntersection || pr.Delta.Field != "isIntersecting" {
		t.Fatalf("prediction: got %+v", pr)
	}
	// Viewport bottom at 616 moving 1px/ms reaches y=900 after 284ms.
	if math.Abs(pr.LeadTimeMs-284) > 1e-9 {
		t.Fatalf("lead time: got %.3f, want 284", pr.LeadTimeMs)
	}
	if pr.Confidence < 0.5 || pr.Confidence > 1 {
		t.Fatalf("confidence: got %.3f", pr.Confidence)
	}
}

func TestIntersection_NoPrediction(t *testing.T) {
	cases := []struct {
		name   string
		bounds snapshot.Rect
		ys     []float64
	}{
		{"already visible", snapshot.Rect{X: 0, Y: 100, Width: 100, Height: 100}, []float64{0, 16, 32}},
		{"beyond lookahead", snapshot.Rect{X: 0, Y: 5000, Width: 100, Height: 100}, []float64{0, 16, 32}},
		{"scrolling away", snapshot.Rect{X: 0, Y: 900, Width: 100, Height: 100}, []float64{200, 184, 168}},
		{"off to the side", snapshot.Rect{X: 2000, Y: 700, Width: 100, Height: 100}, []float64{0, 16, 32}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := New(Config{})
			p.Handle(protocol.RegisterElement{
				ElementID: "x",
				Bounds:    tc.bounds,
				Kinds:     snapshot.Kinds(snapshot.KindIntersection),
			})
			for i, y := range tc.ys {
				if got := p.Handle(viewport(y, float64(i)*16)); len(got) != 0 {
					t.Fatalf("sample %d: got %d predictions, want 0", i, len(got))
				}
			}
		})
	}
}

func focusable(id string, y float64, order int) protocol.RegisterElement {
	return protocol.RegisterElement{
		ComponentID: "form",
		ElementID:   id,
		Bounds:      snapshot.Rect{X: 10, Y: y, Width: 100, Height: 20},
		Kinds:       snapshot.Kinds(snapshot.KindFocus),
		FocusOrder:  order,
	}
}

func TestFocus_TabPredictsSuccessor(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("email", 50, 0))
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("submit", 100, 0))

	p.Handle(protocol.Focus{ElementID: "name", T: 0})
	preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 100})
	if len(preds) != 1 || preds[0].ElementID != "email" {
		t.Fatalf("tab from name: got %+v, want email", preds)
	}
	if preds[0].Confidence != 0.9 || preds[0].Delta.Field != "focus" {
		t.Fatalf("prediction: got %+v", preds[0])
	}
}

func TestFocus_ShiftTabPredictsPredecessor(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("email", 50, 0))

	p.Handle(protocol.Focus{ElementID: "email", T: 0})
	preds := p.Handle(protocol.KeyDown{Key: "Tab", Shift: true, T: 100})
	if len(preds) != 1 || preds[0].ElementID != "name" {
		t.Fatalf("shift+tab from email: got %+v, want name", preds)
	}
}

func TestFocus_ExplicitOrderFirst(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("search", 500, 1))

	p.Handle(protocol.Focus{ElementID: "search", T: 0})
	preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 100})
	if len(preds) != 1 || preds[0].ElementID != "name" {
		t.Fatalf("tab from search: got %+v, want name", preds)
	}
}

func TestFocus_LastStopPredictsNothing(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(protocol.Focus{ElementID: "name", T: 0})

	if preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 100}); len(preds) != 0 {
		t.Fatalf("predictions: got %d, want 0", len(preds))
	}
	if preds := p.Handle(protocol.KeyDown{Key: "Enter", T: 200}); len(preds) != 0 {
		t.Fatalf("non-tab key: got %d, want 0", len(preds))
	}
}

func TestFocus_BlurClearsFocus(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("email", 50, 0))

	p.Handle(protocol.Focus{ElementID: "name", T: 0})
	p.Handle(protocol.Blur{ElementID: "name", T: 50})
	if preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 100}); len(preds) != 0 {
		t.Fatalf("tab after blur: got %+v, want none", preds)
	}
}

func TestFocus_LateBlurKeepsNewFocus(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("email", 50, 0))
	p.Handle(focusable("submit", 100, 0))

	p.Handle(protocol.Focus{ElementID: "email", T: 0})
	p.Handle(protocol.Blur{ElementID: "name", T: 1})
	preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 100})
	if len(preds) != 1 || preds[0].ElementID != "submit" {
		t.Fatalf("tab from email: got %+v, want submit", preds)
	}
}

func TestFocus_AfterRecentTab(t *testing.T) {
	p := New(Config{})
	p.Handle(focusable("name", 0, 0))
	p.Handle(focusable("email", 50, 0))

	if preds := p.Handle(protocol.KeyDown{Key: "Tab", T: 0}); len(preds) != 0 {
		t.Fatalf("tab without focus: got %d, want 0", len(preds))
	}
	preds := p.Handle(protocol.Focus{ElementID: "name", T: 10})
	if len(preds) != 1 || preds[0].ElementID != "email" {
		t.Fatalf("focus after tab: got %+v, want email", preds)
	}

	// A focus change long after the last Tab is a click, not tab navigation.
	q := New(Config{})
	q.Handle(focusable("name", 0, 0))
	q.Handle(focusable("email", 50, 0))
	q.Handle(protocol.KeyDown{Key: "Tab", T: 0})
	if preds := q.Handle(protocol.Focus{ElementID: "name", T: 5000}); len(preds) != 0 {
		t.Fatalf("focus long after tab: got %d, want 0", len(preds))
	}
}

func TestEntryTime(t *testing.T) {
	view := snapshot.Rect{X: 0, Y: 0, Width: 100, Height: 100}
	target := snapshot.Rect{X: 0, Y: 150, Width: 100, Height: 10}

	got, ok := entryTime(view, 0, 1, target, 1000)
	if !ok || got != 50 {
		t.Fatalf("entry: got %v %v, want 50 true", got, ok)
	}
	if _, ok := entryTime(view, 0, -1, target, 1000); ok {
		t.Fatal("moving away: got entry, want none")
	}
	if _, ok := entryTime(view, 0, 1, target, 10); ok {
		t.Fatal("beyond horizon: got entry, want none")
	}
}

func TestRingEviction(t *testing.T) {
	r := newRing[int](3)
	for i := 1; i <= 5; i++ {
		r.push(i)
	}
	if r.len() != 3 {
		t.Fatalf("len: got %d, want 3", r.len())
	}
	got := r.last(5)
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("last: got %v, want [3 4 5]", got)
	}
	if n, _ := r.newest(); n != 5 {
		t.Fatalf("newest: got %d, want 5", n)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{LeadTimeMin: 2 * time.Second, LeadTimeMax: time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("inverted lead times: got nil error")
	}
	cfg = Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if cfg.MinConfidence != 0.5 || cfg.Window != time.Second || cfg.PointerBuffer != 20 {
		t.Fatalf("defaults: got %+v", cfg)
	}
}
