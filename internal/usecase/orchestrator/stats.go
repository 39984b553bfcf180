package orchestrator

import (
	"maps"
	"sync"
	"time"

	"relaycore/internal/domain"
)

// counters accumulates request statistics since start.
type counters struct {
	mu                sync.Mutex
	total             int64
	success           int64
	failure           int64
	rejected          int64
	queuedN           int64
	queueTimeouts     int64
	cacheHits         int64
	cacheMisses       int64
	retries           int64
	fallbacks         int64
	circuitRejections int64
	processed         int64 // success + failure, the base for averages
	processedTime     time.Duration
	byCode            map[domain.ErrorCode]int64
}

func newCounters() *counters {
	return &counters{byCode: make(map[domain.ErrorCode]int64)}
}

func (c *counters) succeeded(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.success++
	c.processed++
	c.processedTime += d
}

func (c *counters) failed(d time.Duration, code domain.ErrorCode, rejected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total++
	c.byCode[code]++
	if rejected {
		c.rejected++
		return
	}
	c.failure++
	c.processed++
	c.processedTime += d
}

func (c *counters) cacheLookup(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.cacheHits++
	} else {
		c.cacheMisses++
	}
}

func (c *counters) incr(field *int64) {
	c.mu.Lock()
	*field++
	c.mu.Unlock()
}

func (c *counters) queued()          { c.incr(&c.queuedN) }
func (c *counters) queueTimeout()    { c.incr(&c.queueTimeouts) }
func (c *counters) retried()         { c.incr(&c.retries) }
func (c *counters) fellBack()        { c.incr(&c.fallbacks) }
func (c *counters) circuitRejected() { c.incr(&c.circuitRejections) }

// snapshot fills the counter-derived fields of Statistics.
func (c *counters) snapshot() domain.Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := domain.Statistics{
		TotalRequests:      c.total,
		SuccessfulRequests: c.success,
		FailedRequests:     c.failure,
		RejectedRequests:   c.rejected,
		QueuedRequests:     c.queuedN,
		QueueTimeouts:      c.queueTimeouts,
		CacheHits:          c.cacheHits,
		CacheMisses:        c.cacheMisses,
		Retries:            c.retries,
		FallbacksUsed:      c.fallbacks,
		CircuitRejections:  c.circuitRejections,
		ErrorsByCode:       maps.Clone(c.byCode),
	}
	if c.processed > 0 {
		s.AvgResponseTimeMs = float64(c.processedTime.Microseconds()) / 1000 / float64(c.processed)
		s.ErrorRate = float64(c.failure) / float64(c.processed)
	}
	if lookups := c.cacheHits + c.cacheMisses; lookups > 0 {
		s.CacheHitRate = float64(c.cacheHits) / float64(lookups)
	}
	return s
}
