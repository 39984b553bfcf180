package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"relaycore/internal/domain"
)

// Backend is the orchestrator surface the gateway exposes.
type Backend interface {
	ProcessRequest(ctx context.Context, req domain.Request) (*domain.Response, error)
	ProcessBatch(ctx context.Context, reqs []domain.Request) (*domain.BatchResult, error)
	GetStatistics() domain.Statistics
	GetHealthStatus() domain.HealthStatus
	GetAgentPoolStatus() domain.PoolStatus
}

// RPC method names.
const (
	MethodProcess = "request.process"
	MethodBatch   = "request.batch"
	MethodStats   = "stats.get"
	MethodHealth  = "health.get"
	MethodPool    = "pool.get"
)

// BatchPayload is the body of request.batch and POST /api/v1/batch.
type BatchPayload struct {
	Requests []domain.Request `json:"requests"`
}

// RegisterRPCHandlers wires the orchestrator operations as RPC methods.
func RegisterRPCHandlers(s *Server, b Backend) {
	s.RegisterHandler(MethodProcess, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req domain.Request
		if err := decodePayload(payload, &req); err != nil {
			return nil, err
		}
		resp, err := b.ProcessRequest(ctx, req)
		if err != nil {
			// The failure body travels alongside the error so clients see
			// fallbackUsed and circuitBreakerOpen.
			data, _ := json.Marshal(domain.NewFailure(req.ID, err))
			return data, err
		}
		return json.Marshal(resp)
	})

	s.RegisterHandler(MethodBatch, func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var body BatchPayload
		if err := decodePayload(payload, &body); err != nil {
			return nil, err
		}
		res, err := b.ProcessBatch(ctx, body.Requests)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})

	s.RegisterHandler(MethodStats, func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(b.GetStatistics())
	})
	s.RegisterHandler(MethodHealth, func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(b.GetHealthStatus())
	})
	s.RegisterHandler(MethodPool, func(context.Context, *ClientInfo, json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(b.GetAgentPoolStatus())
	})
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: empty payload", domain.ErrRPCInvalidPayload)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRPCInvalidPayload, err)
	}
	return nil
}
