package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"relaycore/internal/domain"
)

// PrometheusRecorder implements Recorder on a private registry so several
// orchestrators (and tests) never collide on metric names.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	queueWait         prometheus.Histogram
	cacheTotal        *prometheus.CounterVec
	retriesTotal      prometheus.Counter
	scalingTotal      *prometheus.CounterVec
	breakerTransition *prometheus.CounterVec
	poolAgents        *prometheus.GaugeVec
	queueDepth        prometheus.Gauge
	utilization       prometheus.Gauge
}

// NewPrometheusRecorder creates a recorder whose metrics are prefixed by namespace.
func NewPrometheusRecorder(namespace string) *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &PrometheusRecorder{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests processed, by outcome and error code.",
		}, []string{"outcome", "code", "cache"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request processing time.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		queueWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_wait_seconds",
			Help:      "Time requests spent queued for an agent.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		cacheTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
		retriesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Agent call retries.",
		}),
		scalingTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scaling_decisions_total",
			Help:      "Auto-scaling decisions by direction and whether they were applied.",
		}, []string{"direction", "applied"}),
		breakerTransition: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions by capability and target state.",
		}, []string{"capability", "state"}),
		poolAgents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_agents",
			Help:      "Agents in the pool by state.",
		}, []string{"state"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting for an agent.",
		}),
		utilization: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization_ratio",
			Help:      "Busy agents divided by total agents.",
		}),
	}
}

func (p *PrometheusRecorder) ObserveRequest(outcome string, code domain.ErrorCode, fromCache bool, duration time.Duration) {
	if code == "" {
		code = "none"
	}
	cache := "miss"
	if fromCache {
		cache = "hit"
	}
	p.requestsTotal.WithLabelValues(outcome, string(code), cache).Inc()
	p.requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (p *PrometheusRecorder) ObserveQueueWait(duration time.Duration) {
	p.queueWait.Observe(duration.Seconds())
}

func (p *PrometheusRecorder) IncCache(hit bool) {
	if hit {
		p.cacheTotal.WithLabelValues("hit").Inc()
		return
	}
	p.cacheTotal.WithLabelValues("miss").Inc()
}

func (p *PrometheusRecorder) IncRetry() { p.retriesTotal.Inc() }

func (p *PrometheusRecorder) IncScaling(direction domain.ScaleDirection, applied bool) {
	a := "false"
	if applied {
		a = "true"
	}
	p.scalingTotal.WithLabelValues(string(direction), a).Inc()
}

func (p *PrometheusRecorder) IncBreakerTransition(capability string, to domain.BreakerState) {
	p.breakerTransition.WithLabelValues(capability, string(to)).Inc()
}

func (p *PrometheusRecorder) SetPool(snap domain.PoolSnapshot) {
	p.poolAgents.WithLabelValues("total").Set(float64(snap.TotalAgents))
	p.poolAgents.WithLabelValues("available").Set(float64(snap.AvailableAgents))
	p.poolAgents.WithLabelValues("healthy").Set(float64(snap.HealthyAgents))
	p.poolAgents.WithLabelValues("busy").Set(float64(snap.BusyAgents))
	p.queueDepth.Set(float64(snap.QueueDepth))
	p.utilization.Set(snap.Utilization)
}

// Handler serves the private registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}
