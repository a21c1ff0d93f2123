package engine

import (
	"context"
	"time"
)

// MetricsRecorder receives engine counters. *observability.MetricsManager
// satisfies it.
type MetricsRecorder interface {
	RecordSimple(name string, value float64, unit string)
}

// ReportMetrics records the engine counters every interval until ctx is
// done. It blocks; run it on its own goroutine.
func (e *Engine) ReportMetrics(ctx context.Context, rec MetricsRecorder, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.recordMetrics(rec)
		}
	}
}

func (e *Engine) recordMetrics(rec MetricsRecorder) {
	st := e.Stats()
	rec.RecordSimple("foresight.components", float64(st.Components), "count")
	rec.RecordSimple("foresight.elements", float64(st.Elements), "count")
	rec.RecordSimple("foresight.observers", float64(st.LiveObservers), "count")
	rec.RecordSimple("foresight.predictor.delivered", float64(st.Host.Delivered), "count")
	rec.RecordSimple("foresight.predictor.stale", float64(st.Host.Stale), "count")
	rec.RecordSimple("foresight.predictor.refused", float64(st.Host.Refused), "count")
	rec.RecordSimple("foresight.telemetry.forwarded", float64(st.Telemetry.Forwarded), "count")
	rec.RecordSimple("foresight.telemetry.throttled", float64(st.Telemetry.Throttled), "count")
	rec.RecordSimple("foresight.dispatch.dispatched", float64(st.Dispatch.Dispatched), "count")
	rec.RecordSimple("foresight.dispatch.failed", float64(st.Dispatch.Failed), "count")
	rec.RecordSimple("foresight.dispatch.dropped", float64(st.Dispatch.Dropped), "count")
	rec.RecordSimple("foresight.dispatch.in_flight", float64(st.Dispatch.InFlight), "count")
	rec.RecordSimple("foresight.hints", float64(st.Dispatch.Hints), "count")
}
