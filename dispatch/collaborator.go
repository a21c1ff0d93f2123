package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hazyhaar/pkg/connectivity"
	"github.com/hazyhaar/pkg/horosafe"
)

// maxReplyBytes caps how much of a collaborator reply is read.
const maxReplyBytes int64 = 1 << 20

// PrecomputeRequest asks the renderer to prepare the UI update for a
// predicted state. StateKey identifies the observed element.
type PrecomputeRequest struct {
	ID          string         `json:"id"`
	ComponentID string         `json:"component_id"`
	StateKey    string         `json:"state_key"`
	Kind        string         `json:"kind"`
	Delta       map[string]any `json:"delta"`
	Confidence  float64        `json:"confidence"`
	LeadTimeMs  float64        `json:"lead_time_ms"`
	Reason      string         `json:"reason,omitempty"`
	High        bool           `json:"high,omitempty"`
	IssuedAt    time.Time      `json:"issued_at"`
}

// Collaborator is the external renderer. It may precompute and cache
// whatever it likes; the engine never waits for it.
type Collaborator interface {
	RequestPrecompute(ctx context.Context, req PrecomputeRequest) error
}

// FuncCollaborator adapts a function to Collaborator.
type FuncCollaborator func(ctx context.Context, req PrecomputeRequest) error

func (f FuncCollaborator) RequestPrecompute(ctx context.Context, req PrecomputeRequest) error {
	return f(ctx, req)
}

// HandlerCollaborator JSON-encodes requests and sends them through a
// connectivity.Handler chain. If the reply is a non-empty Patch and OnPatch
// is set, the patch is handed back, so a synchronous renderer can answer
// inline.
type HandlerCollaborator struct {
	Handler connectivity.Handler
	OnPatch func(Patch)
}

func (c *HandlerCollaborator) RequestPrecompute(ctx context.Context, req PrecomputeRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("dispatch: encode request: %w", err)
	}
	resp, err := c.Handler(ctx, payload)
	if err != nil {
		return err
	}
	if c.OnPatch == nil || len(bytes.TrimSpace(resp)) == 0 {
		return nil
	}
	var p Patch
	if err := json.Unmarshal(resp, &p); err != nil {
		return fmt.Errorf("dispatch: decode reply: %w", err)
	}
	if p.StateKey == "" {
		return nil
	}
	if p.RequestID == "" {
		p.RequestID = req.ID
	}
	c.OnPatch(p)
	return nil
}

// ValidateEndpoint checks that endpoint is an absolute http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("dispatch: endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("dispatch: endpoint %q: scheme must be http or https", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("dispatch: endpoint %q: missing host", endpoint)
	}
	return nil
}

// HTTPHandler returns a handler that POSTs the payload as JSON to endpoint.
// A nil client uses one with a 5s timeout. Unlike connectivity.HTTPFactory
// it accepts loopback and private hosts, where renderers usually run.
func HTTPHandler(endpoint string, client *http.Client) (connectivity.Handler, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("dispatch: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("dispatch: post: %w", err)
		}
		defer resp.Body.Close()

		body, err := horosafe.LimitedReadAll(resp.Body, maxReplyBytes)
		if err != nil {
			return nil, fmt.Errorf("dispatch: read reply: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ErrStatus{Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	}, nil
}
