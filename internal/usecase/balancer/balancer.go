// Package balancer picks one agent out of a candidate set.
package balancer

import (
	"fmt"
	"sync"
	"time"

	"relaycore/internal/domain"
)

// Strategy names a selection strategy.
type Strategy string

const (
	RoundRobin       Strategy = "round-robin"
	LeastConnections Strategy = "least-connections"
	Weighted         Strategy = "weighted"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case RoundRobin, LeastConnections, Weighted:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown load balancing strategy %q: %w", s, domain.ErrInvalidInput)
}

// Balancer selects an agent ID from candidates. It only reads the statuses it
// is given and never changes agent state; its own counters are the only
// mutable state.
type Balancer struct {
	strategy Strategy

	mu      sync.Mutex
	next    uint64
	current map[string]float64 // smooth weighted round-robin state
}

// New creates a balancer for strategy.
func New(strategy Strategy) *Balancer {
	return &Balancer{strategy: strategy, current: make(map[string]float64)}
}

// Strategy returns the configured strategy.
func (b *Balancer) Strategy() Strategy { return b.strategy }

// Select returns the chosen agent ID, or false when candidates is empty.
func (b *Balancer) Select(candidates []domain.AgentStatus) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.strategy {
	case LeastConnections:
		return b.leastConnections(candidates), true
	case Weighted:
		if id, ok := b.weighted(candidates); ok {
			return id, true
		}
	}
	return b.roundRobin(candidates), true
}

func (b *Balancer) roundRobin(candidates []domain.AgentStatus) string {
	id := candidates[b.next%uint64(len(candidates))].ID
	b.next++
	return id
}

// leastConnections picks the minimum ActiveRequests; ties rotate round-robin.
func (b *Balancer) leastConnections(candidates []domain.AgentStatus) string {
	lowest := candidates[0].ActiveRequests
	for _, c := range candidates[1:] {
		lowest = min(lowest, c.ActiveRequests)
	}
	tied := make([]domain.AgentStatus, 0, len(candidates))
	for _, c := range candidates {
		if c.ActiveRequests == lowest {
			tied = append(tied, c)
		}
	}
	return b.roundRobin(tied)
}

// weighted runs smooth weighted round-robin with weight 1/avg latency.
// It reports false when any candidate has no latency sample yet.
func (b *Balancer) weighted(candidates []domain.AgentStatus) (string, bool) {
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		if c.AvgResponseTime <= 0 {
			return "", false
		}
		weights[i] = float64(time.Second) / float64(c.AvgResponseTime)
		total += weights[i]
	}

	best := -1
	for i, c := range candidates {
		b.current[c.ID] += weights[i]
		if best < 0 || b.current[c.ID] > b.current[candidates[best].ID] {
			best = i
		}
	}
	id := candidates[best].ID
	b.current[id] -= total

	if len(b.current) > 4*len(candidates) {
		b.prune(candidates)
	}
	return id, true
}

// prune forgets weight state for agents that left the candidate set.
func (b *Balancer) prune(candidates []domain.AgentStatus) {
	live := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		live[c.ID] = struct{}{}
	}
	for id := range b.current {
		if _, ok := live[id]; !ok {
			delete(b.current, id)
		}
	}
}
