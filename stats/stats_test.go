package stats

import (
	"math"
	"testing"
)

const eps = 1e-9

func approx(a, b float64) bool { return math.Abs(a-b) < eps }

func TestMedian_Even(t *testing.T) {
	if got := Of(10, 20, 30, 40).Median(); got != 25 {
		t.Fatalf("Median: got %v, want 25", got)
	}
}

func TestMedian_Odd(t *testing.T) {
	if got := Of(30, 10, 20).Median(); got != 20 {
		t.Fatalf("Median: got %v, want 20", got)
	}
}

func TestAvg(t *testing.T) {
	if got := Of(10, 20, 30).Avg(); got != 20 {
		t.Fatalf("Avg: got %v, want 20", got)
	}
}

func TestPercentile_LinearInterpolation(t *testing.T) {
	xs := make([]float64, 0, 100)
	for i := 100; i >= 1; i-- {
		xs = append(xs, float64(i))
	}
	v := Of(xs...)

	cases := []struct {
		p    float64
		want float64
	}{
		{0, 1},
		{25, 25.75},
		{50, 50.5},
		{95, 95.05},
		{100, 100},
	}
	for _, c := range cases {
		if got := v.Percentile(c.p); !approx(got, c.want) {
			t.Errorf("Percentile(%v): got %v, want %v", c.p, got, c.want)
		}
	}
}

func TestStdDev_Population(t *testing.T) {
	got := Of(2, 4, 4, 4, 5, 5, 7, 9).StdDev()
	if !approx(got, 2) {
		t.Fatalf("StdDev: got %v, want 2", got)
	}
}

func TestThresholds(t *testing.T) {
	v := Of(5, 10, 15)
	if !v.AllAbove(4) {
		t.Error("AllAbove(4): got false")
	}
	if v.AllAbove(5) {
		t.Error("AllAbove(5): got true")
	}
	if !v.AnyBelow(6) {
		t.Error("AnyBelow(6): got false")
	}
	if v.AnyBelow(5) {
		t.Error("AnyBelow(5): got true")
	}
	if got := v.CountInRange(5, 10); got != 2 {
		t.Errorf("CountInRange(5,10): got %d, want 2", got)
	}
	if got := v.Range(); got != 10 {
		t.Errorf("Range: got %v, want 10", got)
	}
}

func TestEmpty(t *testing.T) {
	var v Values
	if v.Avg() != 0 || v.Median() != 0 || v.Max() != 0 || v.StdDev() != 0 {
		t.Fatal("empty Values: expected zero aggregates")
	}
	if !v.AllAbove(100) {
		t.Error("empty AllAbove: want vacuous true")
	}
}

func TestOf_CopiesInput(t *testing.T) {
	in := []float64{3, 1, 2}
	v := Of(in...)
	_ = v.Median()
	in[0] = 99
	if got := v.Max(); got != 3 {
		t.Fatalf("Max after caller mutation: got %v, want 3", got)
	}
	if got := v.Slice(); got[0] != 3 || got[1] != 1 {
		t.Fatalf("Slice order: got %v", got)
	}
}

func TestExtract(t *testing.T) {
	cases := []struct {
		name  string
		attrs map[string]string
		text  string
		want  float64
		ok    bool
	}{
		{"marker", map[string]string{"data-value": "29.99"}, "ignored 5", 29.99, true},
		{"marker wins over text", map[string]string{"data-value": "45.00"}, "$12", 45, true},
		{"bad marker falls back to text", map[string]string{"data-value": "n/a"}, "Total: $1,234.50", 1234.5, true},
		{"currency text", nil, "€15.50", 15.5, true},
		{"negative", nil, "delta -3.2%", -3.2, true},
		{"no number", nil, "sold out", 0, false},
		{"NaN marker falls back to text", map[string]string{"data-value": "NaN"}, "$7", 7, true},
		{"Inf marker falls back to text", map[string]string{"data-value": "+Inf"}, "8 items", 8, true},
		{"infinity marker without text", map[string]string{"data-value": "infinity"}, "", 0, false},
		{"overflowing marker", map[string]string{"data-value": "1e999"}, "9", 9, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, ok := Extract(c.attrs, c.text, "")
			if ok != c.ok || !approx(got, c.want) {
				t.Fatalf("Extract: got (%v, %v), want (%v, %v)", got, ok, c.want, c.ok)
			}
		})
	}
}
