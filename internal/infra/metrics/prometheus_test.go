package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/domain"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheusRecorder(t *testing.T) {
	r := NewPrometheusRecorder("relaycore")

	r.ObserveRequest(OutcomeSuccess, "", true, 20*time.Millisecond)
	r.ObserveRequest(OutcomeRejected, domain.CodeRateLimit, false, time.Millisecond)
	r.ObserveQueueWait(50 * time.Millisecond)
	r.IncCache(true)
	r.IncCache(false)
	r.IncRetry()
	r.IncScaling(domain.ScaleUp, true)
	r.IncBreakerTransition("translation", domain.BreakerOpen)
	r.SetPool(domain.PoolSnapshot{TotalAgents: 3, AvailableAgents: 1, HealthyAgents: 3, BusyAgents: 2, QueueDepth: 4, Utilization: 2.0 / 3})

	out := scrape(t, r.Handler())
	assert.Contains(t, out, `relaycore_requests_total{cache="hit",code="none",outcome="success"} 1`)
	assert.Contains(t, out, `relaycore_requests_total{cache="miss",code="RATE_LIMIT",outcome="rejected"} 1`)
	assert.Contains(t, out, `relaycore_cache_lookups_total{result="hit"} 1`)
	assert.Contains(t, out, `relaycore_retries_total 1`)
	assert.Contains(t, out, `relaycore_scaling_decisions_total{applied="true",direction="up"} 1`)
	assert.Contains(t, out, `relaycore_breaker_transitions_total{capability="translation",state="open"} 1`)
	assert.Contains(t, out, `relaycore_pool_agents{state="busy"} 2`)
	assert.Contains(t, out, `relaycore_queue_depth 4`)
	assert.Contains(t, out, `relaycore_queue_wait_seconds_count 1`)
}

func TestRecordersDoNotCollide(t *testing.T) {
	a := NewPrometheusRecorder("relaycore")
	b := NewPrometheusRecorder("relaycore")
	a.IncRetry()
	assert.Contains(t, scrape(t, b.Handler()), "relaycore_retries_total 0")
}

func TestNop(t *testing.T) {
	r := Nop()
	r.ObserveRequest(OutcomeFailure, domain.CodeAgentExecution, false, time.Second)
	r.SetPool(domain.PoolSnapshot{})

	w := httptest.NewRecorder()
	r.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
