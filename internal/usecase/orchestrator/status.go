package orchestrator

import (
	"math"

	"relaycore/internal/domain"
)

// Health score weights and label thresholds.
const (
	weightErrors       = 0.4
	weightLatency      = 0.3
	weightAvailability = 0.3

	healthyScore  = 0.8
	degradedScore = 0.5

	// queueWarnRatio is the queue fill level at which the queue component degrades.
	queueWarnRatio = 0.8
)

// GetStatistics returns request counters together with pool, cache,
// breaker and scaling state.
func (o *Orchestrator) GetStatistics() domain.Statistics {
	s := o.stats.snapshot()
	s.Pool = o.pool.Snapshot(o.queue.Len())
	s.Cache = o.cache.Stats()
	s.Breakers = o.breakers.Snapshots()
	if d, ok := o.scaler.Last(); ok {
		s.LastScaling = &d
	}
	s.Uptime = o.now().Sub(o.started)
	return s
}

// GetAgentPoolStatus returns the pool snapshot and every agent's status.
func (o *Orchestrator) GetAgentPoolStatus() domain.PoolStatus {
	return domain.PoolStatus{
		Snapshot: o.pool.Snapshot(o.queue.Len()),
		Agents:   o.pool.Agents(),
	}
}

// GetHealthStatus derives the overall health label from error rate,
// latency against ResponseTimeBudget and agent availability.
func (o *Orchestrator) GetHealthStatus() domain.HealthStatus {
	stats := o.stats.snapshot()
	depth := o.queue.Len()
	snap := o.pool.Snapshot(depth)
	open := o.breakers.OpenCount()

	availability := 0.0
	if snap.TotalAgents > 0 {
		availability = float64(snap.HealthyAgents) / float64(snap.TotalAgents)
	}
	latencyScore := 1.0
	if budget := float64(o.cfg.ResponseTimeBudget.Milliseconds()); budget > 0 {
		latencyScore = clamp01(1 - stats.AvgResponseTimeMs/budget)
	}
	score := weightErrors*(1-stats.ErrorRate) + weightLatency*latencyScore + weightAvailability*availability
	score = math.Round(score*1000) / 1000

	label := labelFor(score)
	if open > 0 && label == domain.HealthHealthy {
		label = domain.HealthDegraded
	}
	if snap.HealthyAgents == 0 {
		label = domain.HealthUnhealthy
	}

	return domain.HealthStatus{
		Status:            label,
		Score:             score,
		ErrorRate:         stats.ErrorRate,
		AvgResponseTimeMs: stats.AvgResponseTimeMs,
		AgentAvailability: availability,
		Components: map[string]domain.HealthLabel{
			"pool":     poolLabel(snap),
			"breakers": breakerLabel(open),
			"queue":    queueLabel(depth, o.cfg.MaxQueueSize),
		},
		Breakers:  o.breakers.Snapshots(),
		CheckedAt: o.now(),
	}
}

func labelFor(score float64) domain.HealthLabel {
	switch {
	case score >= healthyScore:
		return domain.HealthHealthy
	case score >= degradedScore:
		return domain.HealthDegraded
	default:
		return domain.HealthUnhealthy
	}
}

func poolLabel(s domain.PoolSnapshot) domain.HealthLabel {
	switch {
	case s.HealthyAgents == 0:
		return domain.HealthUnhealthy
	case s.HealthyAgents < s.TotalAgents:
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}

func breakerLabel(open int) domain.HealthLabel {
	if open > 0 {
		return domain.HealthDegraded
	}
	return domain.HealthHealthy
}

func queueLabel(depth, capacity int) domain.HealthLabel {
	switch {
	case capacity <= 0:
		return domain.HealthHealthy
	case depth >= capacity:
		return domain.HealthUnhealthy
	case float64(depth) >= queueWarnRatio*float64(capacity):
		return domain.HealthDegraded
	default:
		return domain.HealthHealthy
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
