// Package metrics records orchestrator metrics.
package metrics

import (
	"net/http"
	"time"

	"relaycore/internal/domain"
)

// Outcome labels for ObserveRequest.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
	OutcomeFallback = "fallback"
)

// Recorder is the push side of orchestrator observability.
type Recorder interface {
	// ObserveRequest records one finished request.
	ObserveRequest(outcome string, code domain.ErrorCode, fromCache bool, duration time.Duration)
	// ObserveQueueWait records how long a request waited for an agent.
	ObserveQueueWait(duration time.Duration)
	IncCache(hit bool)
	IncRetry()
	IncScaling(direction domain.ScaleDirection, applied bool)
	IncBreakerTransition(capability string, to domain.BreakerState)
	// SetPool publishes the latest pool gauges.
	SetPool(snap domain.PoolSnapshot)
	// Handler exposes the metrics for scraping.
	Handler() http.Handler
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

// Nop returns a recorder that discards all metrics.
func Nop() Recorder { return NoopRecorder{} }

func (NoopRecorder) ObserveRequest(string, domain.ErrorCode, bool, time.Duration) {}
func (NoopRecorder) ObserveQueueWait(time.Duration)                                {}
func (NoopRecorder) IncCache(bool)                                                  {}
func (NoopRecorder) IncRetry()                                                      {}
func (NoopRecorder) IncScaling(domain.ScaleDirection, bool)                         {}
func (NoopRecorder) IncBreakerTransition(string, domain.BreakerState)               {}
func (NoopRecorder) SetPool(domain.PoolSnapshot)                                    {}

// Handler answers 404 so a disabled /metrics route is explicit.
func (NoopRecorder) Handler() http.Handler { return http.NotFoundHandler() }
