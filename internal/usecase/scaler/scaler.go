// Package scaler grows and shrinks the agent pool from utilization and queue depth.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"relaycore/internal/domain"
)

// historySize is the number of decisions kept for observability.
const historySize = 50

// Config holds scaling thresholds and cooldowns.
type Config struct {
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	QueueDepthTrigger  int
	ScaleUpCooldown    time.Duration
	ScaleDownCooldown  time.Duration
}

// Target is the pool being scaled.
type Target interface {
	Snapshot(queueDepth int) domain.PoolSnapshot
	Grow(ctx context.Context) (domain.AgentStatus, error)
	Shrink(ctx context.Context) (string, error)
}

// Scaler decides and applies at most one scaling step per run. Each
// direction has its own cooldown so the pool cannot flap.
type Scaler struct {
	cfg        Config
	target     Target
	queueDepth func() int
	bus        domain.EventBus
	logger     *slog.Logger
	now        func() time.Time

	mu         sync.Mutex
	lastUp     time.Time
	lastDown   time.Time
	history    []domain.ScalingDecision
	onDecision func(domain.ScalingDecision)
}

// Option configures a Scaler.
type Option func(*Scaler)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scaler) { s.now = now }
}

// WithDecisionHook is called with every decision Run makes, e.g. for metrics.
func WithDecisionHook(fn func(domain.ScalingDecision)) Option {
	return func(s *Scaler) { s.onDecision = fn }
}

// New creates a Scaler. queueDepth reports the current admission queue length.
func New(cfg Config, target Target, queueDepth func() int, bus domain.EventBus, logger *slog.Logger, opts ...Option) *Scaler {
	s := &Scaler{
		cfg:        cfg,
		target:     target,
		queueDepth: queueDepth,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Evaluate computes the decision for the current pool state without acting on it.
func (s *Scaler) Evaluate() domain.ScalingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evaluateLocked(s.now())
}

func (s *Scaler) evaluateLocked(now time.Time) domain.ScalingDecision {
	depth := 0
	if s.queueDepth != nil {
		depth = s.queueDepth()
	}
	snap := s.target.Snapshot(depth)
	d := domain.ScalingDecision{
		Direction:     domain.ScaleNone,
		Utilization:   snap.Utilization,
		QueueDepth:    depth,
		CurrentAgents: snap.TotalAgents,
		EvaluatedAt:   now,
	}

	switch {
	case snap.Utilization > s.cfg.ScaleUpThreshold || (s.cfg.QueueDepthTrigger > 0 && depth > s.cfg.QueueDepthTrigger):
		d.ShouldScale, d.Direction = true, domain.ScaleUp
		if snap.Utilization > s.cfg.ScaleUpThreshold {
			d.Reason = fmt.Sprintf("utilization %.2f above %.2f", snap.Utilization, s.cfg.ScaleUpThreshold)
		} else {
			d.Reason = fmt.Sprintf("queue depth %d above %d", depth, s.cfg.QueueDepthTrigger)
		}
		switch {
		case snap.TotalAgents >= snap.MaxAgents:
			d.Blocked, d.BlockReason = true, fmt.Sprintf("at max_agents=%d", snap.MaxAgents)
		case !s.lastUp.IsZero() && now.Sub(s.lastUp) < s.cfg.ScaleUpCooldown:
			d.Blocked, d.BlockReason = true, fmt.Sprintf("scale-up cooldown, %s remaining",
				(s.cfg.ScaleUpCooldown - now.Sub(s.lastUp)).Round(time.Second))
		}
	case snap.Utilization < s.cfg.ScaleDownThreshold && depth == 0:
		d.ShouldScale, d.Direction = true, domain.ScaleDown
		d.Reason = fmt.Sprintf("utilization %.2f below %.2f with empty queue", snap.Utilization, s.cfg.ScaleDownThreshold)
		switch {
		case snap.TotalAgents <= snap.MinAgents:
			d.Blocked, d.BlockReason = true, fmt.Sprintf("at min_agents=%d", snap.MinAgents)
		case !s.lastDown.IsZero() && now.Sub(s.lastDown) < s.cfg.ScaleDownCooldown:
			d.Blocked, d.BlockReason = true, fmt.Sprintf("scale-down cooldown, %s remaining",
				(s.cfg.ScaleDownCooldown - now.Sub(s.lastDown)).Round(time.Second))
		}
	default:
		d.Reason = "within thresholds"
	}
	return d
}

// Run evaluates and, unless blocked, applies one step. Runs are serialized.
func (s *Scaler) Run(ctx context.Context) (domain.ScalingDecision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	d := s.evaluateLocked(now)

	var err error
	if d.ShouldScale && !d.Blocked {
		switch d.Direction {
		case domain.ScaleUp:
			var a domain.AgentStatus
			if a, err = s.target.Grow(ctx); err == nil {
				s.lastUp = now
				s.logger.Info("scaled up", "agent_id", a.ID, "reason", d.Reason, "agents", d.CurrentAgents+1)
			}
		case domain.ScaleDown:
			var id string
			if id, err = s.target.Shrink(ctx); err == nil {
				s.lastDown = now
				s.logger.Info("scaled down", "agent_id", id, "reason", d.Reason, "agents", d.CurrentAgents-1)
			}
		}
		if err != nil {
			d.Blocked, d.BlockReason = true, err.Error()
			s.logger.Warn("scaling failed", "direction", string(d.Direction), "error", err)
		} else {
			d.Applied = true
		}
	} else if d.Blocked {
		s.logger.Debug("scaling blocked", "direction", string(d.Direction), "reason", d.BlockReason)
	}

	s.history = append(s.history, d)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	if s.onDecision != nil {
		s.onDecision(d)
	}
	if d.ShouldScale {
		domain.PublishEvent(ctx, s.bus, domain.EventScalingDecision, d)
	}
	return d, err
}

// History returns recent decisions, oldest first.
func (s *Scaler) History() []domain.ScalingDecision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ScalingDecision(nil), s.history...)
}

// Last returns the most recent decision, if any.
func (s *Scaler) Last() (domain.ScalingDecision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.history) == 0 {
		return domain.ScalingDecision{}, false
	}
	return s.history[len(s.history)-1], true
}
