package predictor

import "github.com/hazyhaar/foresight/snapshot"

type limitKey struct {
	elementID string
	kind      snapshot.Kind
}

// limiter allows at most max emissions per key within a sliding window of
// sample time.
type limiter struct {
	max    int
	window float64 // ms
	sent   map[limitKey][]float64
}

func newLimiter(max int, windowMs float64) *limiter {
	return &limiter{max: max, window: windowMs, sent: make(map[limitKey][]float64)}
}

func (l *limiter) allow(k limitKey, t float64) bool {
	cutoff := t - l.window
	times := l.sent[k][:0]
	for _, ts := range l.sent[k] {
		if ts > cutoff {
			times = append(times, ts)
		}
	}
	if len(times) >= l.max {
		l.sent[k] = times
		return false
	}
	l.sent[k] = append(times, t)
	return true
}

func (l *limiter) forget(elementID string) {
	for k := range l.sent {
		if k.elementID == elementID {
			delete(l.sent, k)
		}
	}
}
