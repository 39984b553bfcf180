package pool

import (
	"sync"
	"time"

	"relaycore/internal/domain"
)

// latencyAlpha is the weight of the newest sample in the latency EWMA.
const latencyAlpha = 0.2

// agent is one pooled worker. The Manager is its only writer; every mutable
// field is guarded by mu.
type agent struct {
	id         string
	capability domain.Capability
	createdAt  time.Time

	mu           sync.Mutex
	healthy      bool
	removing     bool
	closed       bool
	active       int
	total        int64
	failed       int64
	avgLatency   time.Duration
	lastActivity time.Time
}

func newAgent(id string, c domain.Capability, now time.Time) *agent {
	return &agent{id: id, capability: c, createdAt: now, healthy: true, lastActivity: now}
}

// availableLocked must be called with a.mu held.
func (a *agent) availableLocked() bool {
	return a.active == 0 && a.healthy && !a.removing
}

// tryAcquire reserves the agent for one call if it is available.
func (a *agent) tryAcquire(now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.availableLocked() {
		return false
	}
	a.active++
	a.total++
	a.lastActivity = now
	return true
}

// release ends one call and reports whether the agent must now be torn down.
func (a *agent) release(success bool, latency time.Duration, now time.Time) (teardown bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
	if !success {
		a.failed++
	}
	if latency > 0 {
		if a.avgLatency == 0 {
			a.avgLatency = latency
		} else {
			a.avgLatency = time.Duration(latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(a.avgLatency))
		}
	}
	a.lastActivity = now
	if a.removing && a.active == 0 && !a.closed {
		a.closed = true
		return true
	}
	return false
}

// unacquire reverses tryAcquire for a lease that carried no call.
func (a *agent) unacquire(now time.Time) (teardown bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
		a.total--
	}
	a.lastActivity = now
	if a.removing && a.active == 0 && !a.closed {
		a.closed = true
		return true
	}
	return false
}

func (a *agent) status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return domain.AgentStatus{
		ID:              a.id,
		IsAvailable:     a.availableLocked(),
		IsHealthy:       a.healthy,
		ActiveRequests:  a.active,
		TotalRequests:   a.total,
		FailedRequests:  a.failed,
		AvgResponseTime: a.avgLatency,
		LastActivity:    a.lastActivity,
		CreatedAt:       a.createdAt,
	}
}
