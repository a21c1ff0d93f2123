// Package stats aggregates numeric values extracted from a set of elements.
// Every method is a pure function of the values captured when the Values
// was built; sorting happens on a private copy.
package stats

import (
	"math"
	"sort"
)

// Values is an immutable list of numbers, one per element that yielded one.
type Values struct {
	xs []float64
}

// Of builds Values from raw numbers. The slice is copied.
func Of(xs ...float64) Values {
	return Values{xs: append([]float64(nil), xs...)}
}

// Len is the number of values.
func (v Values) Len() int { return len(v.xs) }

// Slice returns a copy of the values in extraction order.
func (v Values) Slice() []float64 { return append([]float64(nil), v.xs...) }

// Sum returns the total, 0 for an empty set.
func (v Values) Sum() float64 {
	var s float64
	for _, x := range v.xs {
		s += x
	}
	return s
}

// Avg returns the arithmetic mean, 0 for an empty set.
func (v Values) Avg() float64 {
	if len(v.xs) == 0 {
		return 0
	}
	return v.Sum() / float64(len(v.xs))
}

// Min returns the smallest value, 0 for an empty set.
func (v Values) Min() float64 {
	if len(v.xs) == 0 {
		return 0
	}
	m := v.xs[0]
	for _, x := range v.xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// Max returns the largest value, 0 for an empty set.
func (v Values) Max() float64 {
	if len(v.xs) == 0 {
		return 0
	}
	m := v.xs[0]
	for _, x := range v.xs[1:] {
		if x > m {
			m = x
		}
	}
	return m
}

// Range is Max - Min.
func (v Values) Range() float64 { return v.Max() - v.Min() }

// Median is the 50th percentile.
func (v Values) Median() float64 { return v.Percentile(50) }

// Percentile returns the p-th percentile (0..100) using linear
// interpolation between closest ranks: rank = p/100 * (n-1).
func (v Values) Percentile(p float64) float64 {
	n := len(v.xs)
	if n == 0 {
		return 0
	}
	sorted := v.sorted()
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[n-1]
	}
	rank := p / 100 * float64(n-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + frac*(sorted[hi]-sorted[lo])
}

// StdDev returns the population standard deviation.
func (v Values) StdDev() float64 {
	n := len(v.xs)
	if n == 0 {
		return 0
	}
	mean := v.Avg()
	var sq float64
	for _, x := range v.xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(n))
}

// AllAbove reports whether every value is strictly greater than t.
// An empty set is vacuously true.
func (v Values) AllAbove(t float64) bool {
	for _, x := range v.xs {
		if x <= t {
			return false
		}
	}
	return true
}

// AnyBelow reports whether at least one value is strictly lower than t.
func (v Values) AnyBelow(t float64) bool {
	for _, x := range v.xs {
		if x < t {
			return true
		}
	}
	return false
}

// CountInRange counts values in the closed interval [lo, hi].
func (v Values) CountInRange(lo, hi float64) int {
	n := 0
	for _, x := range v.xs {
		if x >= lo && x <= hi {
			n++
		}
	}
	return n
}

func (v Values) sorted() []float64 {
	s := append([]float64(nil), v.xs...)
	sort.Float64s(s)
	return s
}
