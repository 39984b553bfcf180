package domain

import (
	"context"
	"time"
)

// Capability is the opaque unit of work an agent wraps. The orchestrator
// depends on nothing else from it.
type Capability interface {
	// Execute processes one request and returns its response payload.
	Execute(ctx context.Context, req Request) (any, error)
	// Probe is a lightweight liveness check.
	Probe(ctx context.Context) bool
}

// CapabilityFactory creates the capability handle for a new agent.
type CapabilityFactory func(ctx context.Context, agentID string) (Capability, error)

// AgentStatus is a read-only snapshot of a pooled agent.
type AgentStatus struct {
	ID              string        `json:"id"`
	IsAvailable     bool          `json:"isAvailable"`
	IsHealthy       bool          `json:"isHealthy"`
	ActiveRequests  int           `json:"activeRequestCount"`
	TotalRequests   int64         `json:"totalRequestCount"`
	FailedRequests  int64         `json:"failedRequestCount"`
	AvgResponseTime time.Duration `json:"avgResponseTime"`
	LastActivity    time.Time     `json:"lastActivity"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// PoolSnapshot is a derived, read-only view of the agent pool.
type PoolSnapshot struct {
	TotalAgents     int     `json:"totalAgents"`
	AvailableAgents int     `json:"availableAgents"`
	HealthyAgents   int     `json:"healthyAgents"`
	BusyAgents      int     `json:"busyAgents"`
	ActiveRequests  int     `json:"activeRequests"`
	QueueDepth      int     `json:"queueDepth"`
	Utilization     float64 `json:"utilization"`
	MinAgents       int     `json:"minAgents"`
	MaxAgents       int     `json:"maxAgents"`
}

// PoolStatus is the observability view returned by GetAgentPoolStatus.
type PoolStatus struct {
	Snapshot PoolSnapshot  `json:"snapshot"`
	Agents   []AgentStatus `json:"agents"`
}

// BreakerState is the state of a capability circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerSnapshot is a read-only view of one capability breaker.
type BreakerSnapshot struct {
	Capability          string       `json:"capability"`
	State               BreakerState `json:"state"`
	ConsecutiveFailures uint32       `json:"consecutiveFailures"`
	TotalFailures       uint32       `json:"totalFailures"`
	TotalSuccesses      uint32       `json:"totalSuccesses"`
	OpenedAt            time.Time    `json:"openedAt,omitempty"`
	NextAttemptAt       time.Time    `json:"nextAttemptAt,omitempty"`
}

// ScaleDirection is the direction of an auto-scaling decision.
type ScaleDirection string

const (
	ScaleNone ScaleDirection = "none"
	ScaleUp   ScaleDirection = "up"
	ScaleDown ScaleDirection = "down"
)

// ScalingDecision reports what the auto-scaler decided and why. It is
// produced even when the action is blocked by bounds or cooldown.
type ScalingDecision struct {
	ShouldScale   bool           `json:"shouldScale"`
	Direction     ScaleDirection `json:"direction"`
	Reason        string         `json:"reason"`
	Blocked       bool           `json:"blocked"`
	BlockReason   string         `json:"blockReason,omitempty"`
	Applied       bool           `json:"applied"`
	Utilization   float64        `json:"utilization"`
	QueueDepth    int            `json:"queueDepth"`
	CurrentAgents int            `json:"currentAgents"`
	EvaluatedAt   time.Time      `json:"evaluatedAt"`
}
