package ledger

// Schema creates the outcome table. Timestamps are unix milliseconds.
const Schema = `
CREATE TABLE IF NOT EXISTS prediction_outcomes (
    outcome_id   TEXT PRIMARY KEY,
    event        TEXT NOT NULL,
    request_id   TEXT,
    component_id TEXT NOT NULL,
    state_key    TEXT NOT NULL,
    kind         TEXT,
    confidence   REAL,
    lead_time_ms REAL,
    detail       TEXT,
    at_ms        INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_at ON prediction_outcomes(at_ms DESC);
CREATE INDEX IF NOT EXISTS idx_outcomes_event ON prediction_outcomes(event, at_ms);
CREATE INDEX IF NOT EXISTS idx_outcomes_request ON prediction_outcomes(request_id);
`
