package capability

import (
	"context"
	"fmt"
	"log/slog"

	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
)

// NewFactory returns the capability factory for cfg. HTTP agents share one
// pooled client.
func NewFactory(cfg config.CapabilityConfig, logger *slog.Logger) (domain.CapabilityFactory, error) {
	switch cfg.Type {
	case "", "echo":
		return func(_ context.Context, agentID string) (domain.Capability, error) {
			return NewEcho(agentID, cfg.EchoDelay), nil
		}, nil
	case "http":
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("%w: http capability needs an endpoint", domain.ErrInvalidInput)
		}
		client := NewHTTPClient(cfg)
		logger.Info("http capability configured", "endpoint", cfg.Endpoint, "probe_url", cfg.ProbeURL)
		return func(_ context.Context, agentID string) (domain.Capability, error) {
			return NewHTTP(agentID, cfg.Endpoint, cfg.ProbeURL, cfg.AuthToken, client), nil
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown capability type %q", domain.ErrInvalidInput, cfg.Type)
	}
}
