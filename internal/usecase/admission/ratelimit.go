package admission

import (
	"fmt"
	"sync"
	"time"

	"relaycore/internal/domain"
)

// Window is the rate limit window.
const Window = time.Minute

// RateLimiter enforces a per-user ceiling over a sliding 60-second window
// by keeping each user's request timestamps.
type RateLimiter struct {
	limit int

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewRateLimiter allows perMinute requests per user. Zero disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	return &RateLimiter{limit: perMinute, hits: make(map[string][]time.Time)}
}

// Allow records a request for userID at now, or returns ErrRateLimit when
// the user already made limit requests within the window.
func (r *RateLimiter) Allow(userID string, now time.Time) error {
	if r.limit <= 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	hits := prune(r.hits[userID], now)
	if len(hits) >= r.limit {
		r.hits[userID] = hits
		retry := hits[0].Add(Window).Sub(now)
		return fmt.Errorf("%w: user %q made %d requests in the last minute, retry in %s",
			domain.ErrRateLimit, userID, len(hits), retry.Round(time.Millisecond))
	}
	r.hits[userID] = append(hits, now)
	return nil
}

// Remaining returns how many more requests userID may make right now.
func (r *RateLimiter) Remaining(userID string, now time.Time) int {
	if r.limit <= 0 {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return max(r.limit-len(prune(r.hits[userID], now)), 0)
}

// GC forgets users with no requests inside the window and returns how many.
func (r *RateLimiter) GC(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for user, hits := range r.hits {
		if hits = prune(hits, now); len(hits) == 0 {
			delete(r.hits, user)
			n++
		} else {
			r.hits[user] = hits
		}
	}
	return n
}

// prune drops timestamps that left the window. Timestamps are appended in
// order, so the expired ones form a prefix.
func prune(hits []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-Window)
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	// Copy so the backing array does not grow without bound.
	return append([]time.Time(nil), hits[i:]...)
}
