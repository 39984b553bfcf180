// Package capability provides the capability handles agents wrap: a local
// echo for development and tests, and an HTTP backend.
package capability

import (
	"context"
	"time"

	"relaycore/internal/domain"
)

// Echo answers every request with its own payload after an optional delay.
type Echo struct {
	agentID string
	delay   time.Duration
}

// NewEcho creates an echo capability for agentID.
func NewEcho(agentID string, delay time.Duration) *Echo {
	return &Echo{agentID: agentID, delay: delay}
}

// Execute implements domain.Capability.
func (e *Echo) Execute(ctx context.Context, req domain.Request) (any, error) {
	if e.delay > 0 {
		t := time.NewTimer(e.delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return map[string]any{
		"agentId": e.agentID,
		"type":    req.Type,
		"echo":    req.Payload,
	}, nil
}

// Probe implements domain.Capability.
func (e *Echo) Probe(ctx context.Context) bool { return ctx.Err() == nil }

var _ domain.Capability = (*Echo)(nil)
