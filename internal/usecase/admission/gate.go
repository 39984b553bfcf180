package admission

import (
	"time"

	"relaycore/internal/domain"
)

// Gate is the admission check run before any capacity is spent: required
// fields and schema first, then the per-user rate limit.
type Gate struct {
	validator *Validator
	limiter   *RateLimiter
}

// NewGate combines a validator and a rate limiter. Either may be nil.
func NewGate(v *Validator, l *RateLimiter) *Gate {
	if v == nil {
		v = &Validator{}
	}
	if l == nil {
		l = NewRateLimiter(0)
	}
	return &Gate{validator: v, limiter: l}
}

// Admit validates req and charges it against the user's rate limit.
// Invalid requests are not charged.
func (g *Gate) Admit(req domain.Request, now time.Time) error {
	if err := g.validator.Validate(req); err != nil {
		return err
	}
	return g.limiter.Allow(req.UserID, now)
}

// Limiter returns the gate's rate limiter.
func (g *Gate) Limiter() *RateLimiter { return g.limiter }
