package predictor

import (
	"math"

	"github.com/hazyhaar/foresight/snapshot"
)

// angleBetween returns the absolute difference of two headings in degrees,
// folded into [0,180].
func angleBetween(a, b float64) float64 {
	d := math.Abs(a-b) * 180 / math.Pi
	d = math.Mod(d, 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// distanceToRect is the distance from a point to the nearest edge of r, 0
// when the point is inside.
func distanceToRect(x, y float64, r snapshot.Rect) float64 {
	dx := math.Max(math.Max(r.Left()-x, 0), x-r.Right())
	dy := math.Max(math.Max(r.Top()-y, 0), y-r.Bottom())
	return math.Hypot(dx, dy)
}

// entryTime projects the viewport along velocity (vx, vy) px/ms and returns
// the first instant within horizon ms at which it overlaps target. Each axis
// contributes an open overlap interval; the viewport is inside the target's
// slab on both axes during their intersection.
func entryTime(view snapshot.Rect, vx, vy float64, target snapshot.Rect, horizon float64) (float64, bool) {
	enterX, exitX, okX := slab(view.Left(), view.Right(), vx, target.Left(), target.Right())
	enterY, exitY, okY := slab(view.Top(), view.Bottom(), vy, target.Top(), target.Bottom())
	if !okX || !okY {
		return 0, false
	}
	enter := math.Max(math.Max(enterX, enterY), 0)
	exit := math.Min(exitX, exitY)
	if enter >= exit || enter > horizon {
		return 0, false
	}
	return enter, true
}

// slab solves lo+v*t < hi2 && hi+v*t > lo2 for t.
func slab(lo, hi, v, lo2, hi2 float64) (enter, exit float64, ok bool) {
	if v == 0 {
		if lo < hi2 && hi > lo2 {
			return math.Inf(-1), math.Inf(1), true
		}
		return 0, 0, false
	}
	t1 := (lo2 - hi) / v
	t2 := (hi2 - lo) / v
	if t1 > t2 {
		t1, t2 = t2, t1
	}
	return t1, t2, true
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}
