package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/foresight/dispatch"
)

// KindSummary aggregates one observable kind.
type KindSummary struct {
	Dispatched    int     `json:"dispatched"`
	AvgConfidence float64 `json:"avg_confidence"`
	AvgLeadTimeMs float64 `json:"avg_lead_time_ms"`
}

// Summary aggregates outcomes since a point in time.
type Summary struct {
	Since    time.Time              `json:"since"`
	Events   map[dispatch.Event]int `json:"events"`
	Kinds    map[string]KindSummary `json:"kinds"`
	HitRatio float64                `json:"hit_ratio"` // hits / (hits + misses)
}

// Summary counts outcomes per event and per kind since the given time.
func (l *Ledger) Summary(ctx context.Context, since time.Time) (Summary, error) {
	s := Summary{Since: since, Events: map[dispatch.Event]int{}, Kinds: map[string]KindSummary{}}

	rows, err := l.db.QueryContext(ctx,
		`SELECT event, COUNT(*) FROM prediction_outcomes WHERE at_ms >= ? GROUP BY event`,
		since.UnixMilli())
	if err != nil {
		return s, fmt.Errorf("ledger: summary: %w", err)
	}
	for rows.Next() {
		var ev string
		var n int
		if err := rows.Scan(&ev, &n); err != nil {
			rows.Close()
			return s, fmt.Errorf("ledger: summary scan: %w", err)
		}
		s.Events[dispatch.Event(ev)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("ledger: summary: %w", err)
	}

	rows, err = l.db.QueryContext(ctx,
		`SELECT kind, COUNT(*), AVG(confidence), AVG(lead_time_ms) FROM prediction_outcomes
		 WHERE at_ms >= ? AND event = ? GROUP BY kind`,
		since.UnixMilli(), string(dispatch.EventDispatched))
	if err != nil {
		return s, fmt.Errorf("ledger: summary kinds: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind sql.NullString
		var ks KindSummary
		if err := rows.Scan(&kind, &ks.Dispatched, &ks.AvgConfidence, &ks.AvgLeadTimeMs); err != nil {
			return s, fmt.Errorf("ledger: summary kinds scan: %w", err)
		}
		s.Kinds[kind.String] = ks
	}
	if err := rows.Err(); err != nil {
		return s, fmt.Errorf("ledger: summary kinds: %w", err)
	}

	if resolved := s.Events[dispatch.EventHit] + s.Events[dispatch.EventMiss]; resolved > 0 {
		s.HitRatio = float64(s.Events[dispatch.EventHit]) / float64(resolved)
	}
	return s, nil
}

// Recent returns the latest outcomes, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]dispatch.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT event, request_id, component_id, state_key, kind, confidence, lead_time_ms, detail, at_ms
		 FROM prediction_outcomes ORDER BY at_ms DESC, outcome_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent: %w", err)
	}
	defer rows.Close()

	var out []dispatch.Outcome
	for rows.Next() {
		var o dispatch.Outcome
		var ev string
		var req, kind, detail sql.NullString
		var conf, lead sql.NullFloat64
		var at int64
		if err := rows.Scan(&ev, &req, &o.ComponentID, &o.StateKey, &kind, &conf, &lead, &detail, &at); err != nil {
			return nil, fmt.Errorf("ledger: recent scan: %w", err)
		}
		o.Event = dispatch.Event(ev)
		o.RequestID, o.Kind, o.Detail = req.String, kind.String, detail.String
		o.Confidence, o.LeadTimeMs = conf.Float64, lead.Float64
		o.At = time.UnixMilli(at)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Cleanup deletes outcomes older than the cutoff and returns how many.
func (l *Ledger) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM prediction_outcomes WHERE at_ms < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger: cleanup: %w", err)
	}
	return res.RowsAffected()
}
