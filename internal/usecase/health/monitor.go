// Package health probes agents and flips their health flags.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"relaycore/internal/domain"
)

// maxParallelProbes bounds concurrent probes within one check.
const maxParallelProbes = 8

// Config holds probe thresholds.
type Config struct {
	ProbeTimeout       time.Duration    // default: 5s
	UnhealthyThreshold int              // consecutive failed probes before unhealthy (default: 3)
	RecoveryThreshold  int              // consecutive good probes before healthy again (default: 2)
	Clock              func() time.Time // stamps reports; nil uses time.Now
}

// Pool is the part of the agent pool the monitor needs.
type Pool interface {
	Agents() []domain.AgentStatus
	Probe(ctx context.Context, id string) (bool, error)
	SetHealthy(id string, healthy bool) (bool, error)
}

// Breakers exposes breaker snapshots.
type Breakers interface {
	Snapshots() []domain.BreakerSnapshot
}

// AgentProbe is the outcome of probing one agent.
type AgentProbe struct {
	AgentID              string `json:"agentId"`
	ProbeOK              bool   `json:"probeOk"`
	Healthy              bool   `json:"healthy"`
	ConsecutiveFailures  int    `json:"consecutiveFailures"`
	ConsecutiveSuccesses int    `json:"consecutiveSuccesses"`
	Changed              bool   `json:"changed,omitempty"`
}

// Report is the result of one health check.
type Report struct {
	CheckedAt time.Time                `json:"checkedAt"`
	Agents    []AgentProbe             `json:"agents"`
	Breakers  []domain.BreakerSnapshot `json:"breakers"`
}

type streak struct {
	failures  int
	successes int
}

// Monitor keeps per-agent probe streaks. Unhealthy agents stay in the pool
// so they can recover in place.
type Monitor struct {
	cfg      Config
	pool     Pool
	breakers Breakers
	bus      domain.EventBus
	logger   *slog.Logger

	mu      sync.Mutex
	streaks map[string]*streak
	last    Report
}

// NewMonitor creates a monitor. breakers may be nil.
func NewMonitor(cfg Config, pool Pool, breakers Breakers, bus domain.EventBus, logger *slog.Logger) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = 2
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Monitor{
		cfg:      cfg,
		pool:     pool,
		breakers: breakers,
		bus:      bus,
		logger:   logger,
		streaks:  make(map[string]*streak),
	}
}

// Check probes every agent once and applies the thresholds.
func (m *Monitor) Check(ctx context.Context) Report {
	agents := m.pool.Agents()
	results := make([]bool, len(agents))
	probed := make([]bool, len(agents))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for i, a := range agents {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			defer cancel()
			ok, err := m.pool.Probe(pctx, a.ID)
			if err != nil {
				return nil // removed since Agents(); skip
			}
			results[i], probed[i] = ok, true
			return nil
		})
	}
	_ = g.Wait()

	report := Report{CheckedAt: m.cfg.Clock()}
	m.mu.Lock()
	live := make(map[string]struct{}, len(agents))
	for i, a := range agents {
		if !probed[i] {
			continue
		}
		live[a.ID] = struct{}{}
		report.Agents = append(report.Agents, m.apply(ctx, a, results[i]))
	}
	for id := range m.streaks {
		if _, ok := live[id]; !ok {
			delete(m.streaks, id)
		}
	}
	m.mu.Unlock()

	if m.breakers != nil {
		// Reading snapshots also lets expired open breakers show as half-open.
		report.Breakers = m.breakers.Snapshots()
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report
}

// apply must be called with m.mu held.
func (m *Monitor) apply(ctx context.Context, a domain.AgentStatus, ok bool) AgentProbe {
	s := m.streaks[a.ID]
	if s == nil {
		s = &streak{}
		m.streaks[a.ID] = s
	}
	if ok {
		s.successes++
		s.failures = 0
	} else {
		s.failures++
		s.successes = 0
	}

	healthy := a.IsHealthy
	var reason string
	switch {
	case a.IsHealthy && s.failures >= m.cfg.UnhealthyThreshold:
		healthy, reason = false, "consecutive probe failures"
	case !a.IsHealthy && s.successes >= m.cfg.RecoveryThreshold:
		healthy, reason = true, "recovered"
	}

	changed := false
	if healthy != a.IsHealthy {
		var err error
		changed, err = m.pool.SetHealthy(a.ID, healthy)
		if err != nil {
			healthy = a.IsHealthy
		}
	}
	if changed {
		m.logger.Warn("agent health changed",
			"agent_id", a.ID,
			"healthy", healthy,
			"consecutive_failures", s.failures,
			"consecutive_successes", s.successes,
		)
		domain.PublishEvent(ctx, m.bus, domain.EventAgentHealthChanged,
			domain.AgentEventPayload{AgentID: a.ID, Healthy: healthy, Reason: reason})
	}
	return AgentProbe{
		AgentID:              a.ID,
		ProbeOK:              ok,
		Healthy:              healthy,
		ConsecutiveFailures:  s.failures,
		ConsecutiveSuccesses: s.successes,
		Changed:              changed,
	}
}

// Last returns the most recent report.
func (m *Monitor) Last() Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
