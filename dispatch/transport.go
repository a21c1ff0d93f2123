package dispatch

import (
	"log/slog"
	"time"

	"github.com/hazyhaar/pkg/connectivity"
	"github.com/hazyhaar/pkg/observability"
)

// TransportConfig shapes the call chain in front of an HTTP collaborator.
type TransportConfig struct {
	// AttemptTimeout bounds a single attempt. Retries get their own budget,
	// all of them inside the dispatcher's Config.Timeout. Default: 1s.
	AttemptTimeout time.Duration
	// Retries after the first failed attempt. Default: 0.
	Retries      int
	RetryBackoff time.Duration
	// BreakerThreshold consecutive failures open the breaker. Default: 5.
	BreakerThreshold int
	// BreakerReset is how long the breaker stays open. Default: 30s.
	BreakerReset time.Duration
	// Metrics, when set, records call duration and errors.
	Metrics *observability.MetricsManager
	Logger  *slog.Logger
}

func (c *TransportConfig) defaults() {
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = time.Second
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 50 * time.Millisecond
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// NewHTTPCollaborator builds a collaborator that POSTs requests to endpoint
// through logging, panic recovery, retry, a circuit breaker and a
// per-attempt timeout, outermost first. The breaker is returned so callers
// can report its state.
func NewHTTPCollaborator(endpoint string, tc TransportConfig, onPatch func(Patch)) (*HandlerCollaborator, *connectivity.CircuitBreaker, error) {
	tc.defaults()
	base, err := HTTPHandler(endpoint, nil)
	if err != nil {
		return nil, nil, err
	}
	logger := tc.Logger.With("collaborator", endpoint)
	cb := connectivity.NewCircuitBreaker(
		connectivity.WithBreakerThreshold(tc.BreakerThreshold),
		connectivity.WithBreakerResetTimeout(tc.BreakerReset),
	)
	mws := []connectivity.HandlerMiddleware{
		connectivity.Logging(logger),
		connectivity.Recovery(logger),
	}
	if tc.Metrics != nil {
		mws = append(mws, connectivity.WithObservability(tc.Metrics, "collaborator", "http"))
	}
	mws = append(mws,
		connectivity.WithRetry(tc.Retries, tc.RetryBackoff, logger),
		connectivity.WithCircuitBreaker(cb, endpoint),
		connectivity.Timeout(tc.AttemptTimeout),
	)
	return &HandlerCollaborator{Handler: connectivity.Chain(mws...)(base), OnPatch: onPatch}, cb, nil
}
