package pool

import (
	"sync"
	"time"

	"relaycore/internal/domain"
)

// Lease is exclusive use of one agent for one request, including its retries.
// Release must be called exactly once; later calls are ignored.
type Lease struct {
	m        *Manager
	a        *agent
	acquired time.Time
	once     sync.Once
}

// AgentID returns the leased agent's ID.
func (l *Lease) AgentID() string { return l.a.id }

// Capability returns the leased agent's capability handle.
func (l *Lease) Capability() domain.Capability { return l.a.capability }

// Acquired returns when the lease was granted.
func (l *Lease) Acquired() time.Time { return l.acquired }

// Release returns the agent to the pool, recording the call outcome and its
// latency. A removed agent is torn down once its last call is released.
func (l *Lease) Release(success bool, latency time.Duration) {
	l.once.Do(func() {
		teardown := l.a.release(success, latency, l.m.now())
		l.m.busy.Add(-1)
		if teardown {
			l.m.teardown(l.a, "released after removal")
		}
		l.m.signalFreed()
	})
}

// Return gives the agent back without counting a call, for a lease that was
// granted but never used. It shares Release's once-only guard.
func (l *Lease) Return() {
	l.once.Do(func() {
		teardown := l.a.unacquire(l.m.now())
		l.m.busy.Add(-1)
		if teardown {
			l.m.teardown(l.a, "returned after removal")
		}
		l.m.signalFreed()
	})
}
