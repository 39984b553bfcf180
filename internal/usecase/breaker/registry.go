// Package breaker keeps one circuit breaker per downstream capability.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"relaycore/internal/domain"
)

// Default breaker settings.
const (
	defaultFailureThreshold uint32 = 5
	defaultRecoveryTimeout         = 30 * time.Second
)

// Config configures every breaker the registry creates.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	// OnTransition is called after every state change, e.g. for metrics.
	OnTransition func(capability string, from, to domain.BreakerState)
}

// Registry lazily creates breakers keyed by capability name. Breakers are
// shared by every agent serving that capability.
type Registry struct {
	cfg    Config
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	capability string
	cb         *gobreaker.TwoStepCircuitBreaker[struct{}]

	// Lifetime counters; gobreaker resets its own on every generation.
	// Never hold mu while calling into cb: cb invokes onStateChange under
	// its own lock and that takes mu.
	mu            sync.Mutex
	consecutive   uint32
	failures      uint32
	successes     uint32
	openedAt      time.Time
	nextAttemptAt time.Time
}

// NewRegistry creates an empty registry. Zero config values fall back to defaults.
func NewRegistry(cfg Config, bus domain.EventBus, logger *slog.Logger) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = int(defaultFailureThreshold)
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = defaultRecoveryTimeout
	}
	return &Registry{
		cfg:      cfg,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

func (r *Registry) get(capability string) *breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[capability]; ok {
		return b
	}

	b := &breaker{capability: capability}
	threshold := uint32(r.cfg.FailureThreshold)
	b.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        capability,
		MaxRequests: 1, // exactly one trial call while half-open
		Timeout:     r.cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			r.onStateChange(b, mapState(from), mapState(to))
		},
	})
	r.breakers[capability] = b
	return b
}

func (r *Registry) onStateChange(b *breaker, from, to domain.BreakerState) {
	b.mu.Lock()
	switch to {
	case domain.BreakerOpen:
		b.openedAt = r.now()
		b.nextAttemptAt = b.openedAt.Add(r.cfg.RecoveryTimeout)
	case domain.BreakerClosed:
		b.consecutive = 0
		b.openedAt, b.nextAttemptAt = time.Time{}, time.Time{}
	}
	b.mu.Unlock()

	level := slog.LevelWarn
	if to == domain.BreakerClosed {
		level = slog.LevelInfo
	}
	r.logger.Log(context.Background(), level, "circuit breaker state change",
		"capability", b.capability,
		"from", string(from),
		"to", string(to),
	)
	if r.cfg.OnTransition != nil {
		r.cfg.OnTransition(b.capability, from, to)
	}
	domain.PublishEvent(context.Background(), r.bus, domain.EventBreakerChanged,
		domain.BreakerEventPayload{Capability: b.capability, From: from, To: to})
}

// Allow is the gate checked before every downstream call. On success the
// caller must invoke done exactly once with the call outcome. An open
// breaker, or a half-open one whose trial call is already in flight,
// yields ErrCircuitOpen.
func (r *Registry) Allow(capability string) (done func(success bool), err error) {
	b := r.get(capability)
	inner, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("capability %q: %w", capability, domain.ErrCircuitOpen)
		}
		return nil, err
	}

	var once sync.Once
	return func(success bool) {
		once.Do(func() {
			// gobreaker counts a nil error as success.
			var outcome error
			if !success {
				outcome = domain.ErrAgentExecution
			}
			inner(outcome)
			b.record(success)
		})
	}, nil
}

func (b *breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.successes++
		b.consecutive = 0
		return
	}
	b.failures++
	b.consecutive++
}

// State returns the current state of a capability's breaker, creating it if needed.
func (r *Registry) State(capability string) domain.BreakerState {
	return mapState(r.get(capability).cb.State())
}

// Snapshot returns the state of one capability's breaker.
func (r *Registry) Snapshot(capability string) domain.BreakerSnapshot {
	return r.get(capability).snapshot()
}

func (b *breaker) snapshot() domain.BreakerSnapshot {
	// State may itself move open -> half-open, so read it before taking mu.
	state := mapState(b.cb.State())
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.BreakerSnapshot{
		Capability:          b.capability,
		State:               state,
		ConsecutiveFailures: b.consecutive,
		TotalFailures:       b.failures,
		TotalSuccesses:      b.successes,
		OpenedAt:            b.openedAt,
		NextAttemptAt:       b.nextAttemptAt,
	}
}

// Snapshots returns every known breaker ordered by capability.
func (r *Registry) Snapshots() []domain.BreakerSnapshot {
	r.mu.Lock()
	list := make([]*breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]domain.BreakerSnapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Capability < out[j].Capability })
	return out
}

// OpenCount returns how many breakers are currently open.
func (r *Registry) OpenCount() int {
	n := 0
	for _, s := range r.Snapshots() {
		if s.State == domain.BreakerOpen {
			n++
		}
	}
	return n
}

func mapState(s gobreaker.State) domain.BreakerState {
	switch s {
	case gobreaker.StateOpen:
		return domain.BreakerOpen
	case gobreaker.StateHalfOpen:
		return domain.BreakerHalfOpen
	default:
		return domain.BreakerClosed
	}
}
