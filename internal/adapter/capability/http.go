package capability

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"relaycore/internal/domain"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 10 * 1024 * 1024

// HTTP forwards requests to a backend endpoint as JSON.
type HTTP struct {
	agentID  string
	endpoint string
	probeURL string
	token    string
	client   *http.Client
}

// NewHTTP creates an HTTP capability. probeURL defaults to endpoint.
func NewHTTP(agentID, endpoint, probeURL, token string, client *http.Client) *HTTP {
	if probeURL == "" {
		probeURL = endpoint
	}
	return &HTTP{
		agentID:  agentID,
		endpoint: endpoint,
		probeURL: probeURL,
		token:    token,
		client:   client,
	}
}

type backendRequest struct {
	AgentID string         `json:"agentId"`
	Request domain.Request `json:"request"`
}

// Execute implements domain.Capability. Server errors and throttling are
// execution failures; other 4xx answers also wrap ErrValidation so they are
// not retried.
func (h *HTTP) Execute(ctx context.Context, req domain.Request) (any, error) {
	body, err := json.Marshal(backendRequest{AgentID: h.agentID, Request: req})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %w", domain.ErrValidation, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", req.ID)
	httpReq.Header.Set("X-Agent-ID", h.agentID)
	if h.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.token)
	}

	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: http request: %w", domain.ErrAgentExecution, err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", domain.ErrAgentExecution, err)
	}

	switch code := httpResp.StatusCode; {
	case code >= 500 || code == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: backend error %d: %s", domain.ErrAgentExecution, code, truncate(data))
	case code >= 400:
		return nil, fmt.Errorf("%w: %w: backend rejected request %d: %s",
			domain.ErrAgentExecution, domain.ErrValidation, code, truncate(data))
	}

	var out any
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data), nil
	}
	return out, nil
}

// Probe implements domain.Capability. Any answer below 500 counts as alive.
func (h *HTTP) Probe(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, h.probeURL, nil)
	if err != nil {
		return false
	}
	httpResp, err := h.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 64*1024))
	return httpResp.StatusCode < http.StatusInternalServerError
}

func truncate(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}

var _ domain.Capability = (*HTTP)(nil)
