// Package server is the HTTP ingress of foresight. A remote page
// integration streams protocol messages in, the renderer offers
// precomputed patches back, and operators read stats and the outcome
// ledger.
//
//	POST   /v1/messages              JSON array of protocol envelopes
//	POST   /v1/patches               one dispatch.Patch
//	POST   /v1/watches               one engine.Watch (live platform only)
//	DELETE /v1/watches/{component}
//	GET    /v1/stats
//	GET    /v1/ledger/summary?since=1h
//	GET    /v1/ledger/recent?limit=50
//	GET    /healthz
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hazyhaar/pkg/horosafe"
	"github.com/hazyhaar/pkg/shield"

	"github.com/hazyhaar/foresight/dispatch"
	"github.com/hazyhaar/foresight/engine"
	"github.com/hazyhaar/foresight/ledger"
	"github.com/hazyhaar/foresight/protocol"
)

// Engine is the part of *engine.Engine the server drives.
type Engine interface {
	Post(msg protocol.Message)
	Offer(p dispatch.Patch) error
	Watch(ctx context.Context, w engine.Watch) (int, error)
	Unwatch(componentID string) bool
	Stats() engine.Stats
}

// Ledger is the read side of *ledger.Ledger.
type Ledger interface {
	Summary(ctx context.Context, since time.Time) (ledger.Summary, error)
	Recent(ctx context.Context, limit int) ([]dispatch.Outcome, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets a custom logger (default: slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithLedger enables the ledger routes.
func WithLedger(l Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithMaxBody bounds request bodies. Default: 1 MiB.
func WithMaxBody(n int64) Option {
	return func(s *Server) { s.maxBody = n }
}

// Server serves the HTTP API of one engine.
type Server struct {
	eng     Engine
	ledger  Ledger
	logger  *slog.Logger
	maxBody int64
}

// New creates a Server.
func New(eng Engine, opts ...Option) *Server {
	s := &Server{eng: eng, maxBody: 1 << 20}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Handler returns the router with the middleware stack applied. Request
// logs go through shield's per-request logger, derived from slog.Default().
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(shield.HeadToGet)
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.TraceID)
	r.Use(maxBody(s.maxBody))
	s.RegisterHTTP(r)
	return r
}

// maxBody bounds every request body. shield.MaxFormBody only covers
// form-encoded posts and this API speaks JSON.
func maxBody(n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, n)
			next.ServeHTTP(w, r)
		})
	}
}

// RegisterHTTP mounts the routes on r.
func (s *Server) RegisterHTTP(r chi.Router) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Route("/v1", func(r chi.Router) {
		r.Post("/messages", s.handleMessages)
		r.Post("/patches", s.handlePatch)
		r.Post("/watches", s.handleWatch)
		r.Delete("/watches/{component}", s.handleUnwatch)
		r.Get("/stats", s.handleStats)
		r.Get("/ledger/summary", s.handleSummary)
		r.Get("/ledger/recent", s.handleRecent)
	})
}

// handleMessages feeds a batch of protocol messages to the predictor.
// Prediction messages only flow outwards and are rejected.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body, err := horosafe.LimitedReadAll(r.Body, s.maxBody)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return
	}
	msgs, err := protocol.DecodeBatch(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accepted := 0
	for _, m := range msgs {
		if m.MessageType() == protocol.TypePrediction {
			continue
		}
		s.eng.Post(m)
		accepted++
	}
	shield.GetLogger(r.Context()).Debug("server: messages", "received", len(msgs), "accepted", accepted)
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": accepted, "rejected": len(msgs) - accepted})
}

func (s *Server) handlePatch(w http.ResponseWriter, r *http.Request) {
	var p dispatch.Patch
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid patch: %w", err))
		return
	}
	if err := s.eng.Offer(p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cached"})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	var req engine.Watch
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid watch: %w", err))
		return
	}
	if req.ComponentID == "" || req.Selector == "" {
		writeError(w, http.StatusBadRequest, errors.New("component and selector required"))
		return
	}
	if err := horosafe.ValidateIdentifier(req.ComponentID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("component: %w", err))
		return
	}
	n, err := s.eng.Watch(r.Context(), req)
	switch {
	case errors.Is(err, engine.ErrNoPlatform):
		writeError(w, http.StatusConflict, err)
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("server: watch added", "component", req.ComponentID, "selector", req.Selector, "elements", n)
	writeJSON(w, http.StatusOK, map[string]any{"component": req.ComponentID, "elements": n})
}

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	component := chi.URLParam(r, "component")
	if !s.eng.Unwatch(component) {
		writeError(w, http.StatusNotFound, fmt.Errorf("component %q not watched", component))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.eng.Stats())
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since %q", raw))
			return
		}
		window = d
	}
	sum, err := s.ledger.Summary(r.Context(), time.Now().Add(-window))
	if err != nil {
		shield.GetLogger(r.Context()).Error("server: ledger summary", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	out, err := s.ledger.Recent(r.Context(), limit)
	if err != nil {
		shield.GetLogger(r.Context()).Error("server: ledger recent", "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if out == nil {
		out = []dispatch.Outcome{}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
