// Package pool owns the set of agents and hands out leases on them.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"relaycore/internal/domain"
)

// acquireAttempts bounds how often Acquire re-selects after losing a race
// for the chosen agent.
const acquireAttempts = 3

// Config holds pool sizing.
type Config struct {
	InitialSize   int // agents created by Init (default: MinAgents)
	MinAgents     int // default: 1
	MaxAgents     int // default: 10
	MaxConcurrent int // max leases outstanding at once (default: MaxAgents)
}

// Selector chooses one agent ID from a candidate set.
type Selector interface {
	Select(candidates []domain.AgentStatus) (string, bool)
}

// Manager creates, leases and removes agents. Pool membership is guarded by
// mu; per-agent counters by each agent's own mutex, so dispatch never waits
// on scaling.
type Manager struct {
	cfg      Config
	factory  domain.CapabilityFactory
	selector Selector
	bus      domain.EventBus
	logger   *slog.Logger
	now      func() time.Time

	mu         sync.RWMutex
	agents     map[string]*agent
	order      []string // creation order; keeps selection stable
	pendingIDs map[string]struct{}
	closed     bool

	busy  atomic.Int32
	freed chan struct{}

	idMu    sync.Mutex
	entropy io.Reader
}

// NewManager creates an empty pool. Call Init to create the initial agents.
func NewManager(cfg Config, factory domain.CapabilityFactory, selector Selector, bus domain.EventBus, logger *slog.Logger) *Manager {
	if cfg.MinAgents < 0 {
		cfg.MinAgents = 0
	}
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 10
	}
	if cfg.MinAgents > cfg.MaxAgents {
		cfg.MinAgents = cfg.MaxAgents
	}
	if cfg.InitialSize <= 0 {
		cfg.InitialSize = cfg.MinAgents
	}
	cfg.InitialSize = min(max(cfg.InitialSize, cfg.MinAgents), cfg.MaxAgents)
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = cfg.MaxAgents
	}

	now := time.Now()
	return &Manager{
		cfg:        cfg,
		factory:    factory,
		selector:   selector,
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		agents:     make(map[string]*agent),
		pendingIDs: make(map[string]struct{}),
		freed:      make(chan struct{}, 1),
		entropy:    ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
}

// Init creates the initial agents.
func (m *Manager) Init(ctx context.Context) error {
	var errs []error
	for i := 0; i < m.cfg.InitialSize; i++ {
		if _, err := m.CreateAgent(ctx, ""); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("pool init: %w", err)
	}
	m.logger.Info("agent pool initialized", "agents", m.Size(), "min", m.cfg.MinAgents, "max", m.cfg.MaxAgents)
	return nil
}

// Config returns the effective pool configuration.
func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) newID() string {
	m.idMu.Lock()
	defer m.idMu.Unlock()
	return "agent-" + ulid.MustNew(ulid.Timestamp(m.now()), m.entropy).String()
}

// CreateAgent builds a capability through the factory and adds the agent.
// An empty id is replaced by a generated one. The factory runs without the
// pool lock held.
func (m *Manager) CreateAgent(ctx context.Context, id string) (domain.AgentStatus, error) {
	const op = "Pool.CreateAgent"
	if id == "" {
		id = m.newID()
	}

	m.mu.Lock()
	switch {
	case m.closed:
		m.mu.Unlock()
		return domain.AgentStatus{}, domain.WrapOp(op, domain.ErrShutdown)
	case m.exists(id):
		m.mu.Unlock()
		return domain.AgentStatus{}, domain.NewSubSystemError("pool", op, domain.ErrDuplicate, id)
	case len(m.agents)+len(m.pendingIDs) >= m.cfg.MaxAgents:
		m.mu.Unlock()
		return domain.AgentStatus{}, domain.NewSubSystemError("pool.max", op, domain.ErrLimitReached,
			fmt.Sprintf("pool is at max_agents=%d", m.cfg.MaxAgents))
	}
	m.pendingIDs[id] = struct{}{}
	m.mu.Unlock()

	capability, err := m.factory(ctx, id)

	m.mu.Lock()
	delete(m.pendingIDs, id)
	if err == nil && m.closed {
		err = domain.ErrShutdown
	}
	if err != nil {
		m.mu.Unlock()
		if capability != nil {
			closeCapability(capability, m.logger, id)
		}
		return domain.AgentStatus{}, domain.NewDomainError(op, err, id)
	}
	a := newAgent(id, capability, m.now())
	m.agents[id] = a
	m.order = append(m.order, id)
	size := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("agent created", "agent_id", id, "pool_size", size)
	domain.PublishEvent(ctx, m.bus, domain.EventAgentCreated, domain.AgentEventPayload{AgentID: id, Healthy: true})
	m.signalFreed()
	return a.status(), nil
}

// exists must be called with m.mu held.
func (m *Manager) exists(id string) bool {
	if _, ok := m.agents[id]; ok {
		return true
	}
	_, ok := m.pendingIDs[id]
	return ok
}

// RemoveAgent takes an agent out of the pool. Its in-flight call, if any, is
// allowed to finish; the capability is torn down on the final Release.
func (m *Manager) RemoveAgent(ctx context.Context, id string) error {
	const op = "Pool.RemoveAgent"
	m.mu.Lock()
	a, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return domain.NewSubSystemError("pool", op, domain.ErrNotFound, id)
	}
	if len(m.agents) <= m.cfg.MinAgents {
		m.mu.Unlock()
		return domain.NewSubSystemError("pool.min", op, domain.ErrLimitReached,
			fmt.Sprintf("pool is at min_agents=%d", m.cfg.MinAgents))
	}
	m.detachLocked(id)
	size := len(m.agents)
	m.mu.Unlock()

	a.mu.Lock()
	a.removing = true
	idle := a.active == 0
	if idle {
		a.closed = true
	}
	a.mu.Unlock()
	if idle {
		m.teardown(a, "removed while idle")
	}

	m.logger.Info("agent removed", "agent_id", id, "pool_size", size, "draining", !idle)
	domain.PublishEvent(ctx, m.bus, domain.EventAgentRemoved, domain.AgentEventPayload{AgentID: id, Reason: "removed"})
	return nil
}

// detachLocked must be called with m.mu held.
func (m *Manager) detachLocked(id string) {
	delete(m.agents, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
}

// Grow adds one agent.
func (m *Manager) Grow(ctx context.Context) (domain.AgentStatus, error) {
	return m.CreateAgent(ctx, "")
}

// Shrink removes one agent, preferring an idle one (newest first), else the
// one with the fewest active requests.
func (m *Manager) Shrink(ctx context.Context) (string, error) {
	victim, ok := m.pickVictim()
	if !ok {
		return "", domain.NewSubSystemError("pool", "Pool.Shrink", domain.ErrNoAgents, "")
	}
	if err := m.RemoveAgent(ctx, victim); err != nil {
		return "", err
	}
	return victim, nil
}

func (m *Manager) pickVictim() (string, bool) {
	statuses := m.Agents()
	if len(statuses) == 0 {
		return "", false
	}
	best := -1
	for i := len(statuses) - 1; i >= 0; i-- {
		s := statuses[i]
		if s.ActiveRequests == 0 {
			return s.ID, true
		}
		if best < 0 || s.ActiveRequests < statuses[best].ActiveRequests {
			best = i
		}
	}
	return statuses[best].ID, true
}

// Acquire leases an available, healthy agent chosen by the selector. It
// returns false when no agent is available or MaxConcurrent leases are
// already outstanding.
func (m *Manager) Acquire() (*Lease, bool) {
	if !m.reserveSlot() {
		return nil, false
	}
	for i := 0; i < acquireAttempts; i++ {
		candidates, byID := m.candidates()
		id, ok := m.selector.Select(candidates)
		if !ok {
			break
		}
		now := m.now()
		if a := byID[id]; a != nil && a.tryAcquire(now) {
			return &Lease{m: m, a: a, acquired: now}, true
		}
	}
	m.busy.Add(-1)
	return nil, false
}

func (m *Manager) reserveSlot() bool {
	for {
		n := m.busy.Load()
		if int(n) >= m.cfg.MaxConcurrent {
			return false
		}
		if m.busy.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// candidates returns the available agents in creation order.
func (m *Manager) candidates() ([]domain.AgentStatus, map[string]*agent) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, nil
	}
	out := make([]domain.AgentStatus, 0, len(m.order))
	byID := make(map[string]*agent, len(m.order))
	for _, id := range m.order {
		a := m.agents[id]
		if s := a.status(); s.IsAvailable {
			out = append(out, s)
			byID[id] = a
		}
	}
	return out, byID
}

// HasCapacity reports whether Acquire could currently succeed.
func (m *Manager) HasCapacity() bool {
	if int(m.busy.Load()) >= m.cfg.MaxConcurrent {
		return false
	}
	c, _ := m.candidates()
	return len(c) > 0
}

// SetHealthy flips an agent's health flag and reports whether it changed.
func (m *Manager) SetHealthy(id string, healthy bool) (bool, error) {
	a := m.lookup(id)
	if a == nil {
		return false, domain.NewSubSystemError("pool", "Pool.SetHealthy", domain.ErrNotFound, id)
	}
	a.mu.Lock()
	changed := a.healthy != healthy
	a.healthy = healthy
	available := a.availableLocked()
	a.mu.Unlock()
	if changed && available {
		m.signalFreed()
	}
	return changed, nil
}

// Probe runs the capability liveness check for one agent.
func (m *Manager) Probe(ctx context.Context, id string) (bool, error) {
	a := m.lookup(id)
	if a == nil {
		return false, domain.NewSubSystemError("pool", "Pool.Probe", domain.ErrNotFound, id)
	}
	return a.capability.Probe(ctx), nil
}

func (m *Manager) lookup(id string) *agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.agents[id]
}

// Agent returns one agent's status.
func (m *Manager) Agent(id string) (domain.AgentStatus, bool) {
	a := m.lookup(id)
	if a == nil {
		return domain.AgentStatus{}, false
	}
	return a.status(), true
}

// Agents returns every agent's status in creation order.
func (m *Manager) Agents() []domain.AgentStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.AgentStatus, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id].status())
	}
	return out
}

// Size returns the number of agents in the pool.
func (m *Manager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Busy returns the number of outstanding leases.
func (m *Manager) Busy() int { return int(m.busy.Load()) }

// Snapshot derives the pool view. Utilization is busy agents over total.
func (m *Manager) Snapshot(queueDepth int) domain.PoolSnapshot {
	snap := domain.PoolSnapshot{
		QueueDepth: queueDepth,
		MinAgents:  m.cfg.MinAgents,
		MaxAgents:  m.cfg.MaxAgents,
	}
	for _, s := range m.Agents() {
		snap.TotalAgents++
		snap.ActiveRequests += s.ActiveRequests
		if s.IsAvailable {
			snap.AvailableAgents++
		}
		if s.IsHealthy {
			snap.HealthyAgents++
		}
		if s.ActiveRequests > 0 {
			snap.BusyAgents++
		}
	}
	if snap.TotalAgents > 0 {
		snap.Utilization = float64(snap.BusyAgents) / float64(snap.TotalAgents)
	}
	return snap
}

// Freed is signalled whenever capacity may have become available.
func (m *Manager) Freed() <-chan struct{} { return m.freed }

func (m *Manager) signalFreed() {
	select {
	case m.freed <- struct{}{}:
	default:
	}
}

// WaitIdle blocks until no lease is outstanding or ctx is done.
func (m *Manager) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for m.busy.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Close tears down every agent, including ones still serving a call, and
// refuses further leases and creations.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*agent, 0, len(m.order))
	for _, id := range m.order {
		all = append(all, m.agents[id])
	}
	m.agents = make(map[string]*agent)
	m.order = nil
	m.mu.Unlock()

	forced := 0
	for _, a := range all {
		a.mu.Lock()
		a.removing = true
		if a.active > 0 {
			forced++
		}
		already := a.closed
		a.closed = true
		a.mu.Unlock()
		if !already {
			m.teardown(a, "pool closed")
		}
		domain.PublishEvent(ctx, m.bus, domain.EventAgentRemoved, domain.AgentEventPayload{AgentID: a.id, Reason: "shutdown"})
	}
	if forced > 0 {
		m.logger.Warn("pool closed with active calls", "agents", forced)
	}
	return nil
}

func (m *Manager) teardown(a *agent, reason string) {
	closeCapability(a.capability, m.logger, a.id)
	m.logger.Debug("agent torn down", "agent_id", a.id, "reason", reason)
}

func closeCapability(c domain.Capability, logger *slog.Logger, id string) {
	if closer, ok := c.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("agent capability close failed", "agent_id", id, "error", err)
		}
	}
}
