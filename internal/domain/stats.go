package domain

import "time"

// Statistics is the read projection returned by GetStatistics.
type Statistics struct {
	TotalRequests      int64               `json:"totalRequests"`
	SuccessfulRequests int64               `json:"successfulRequests"`
	FailedRequests     int64               `json:"failedRequests"`
	RejectedRequests   int64               `json:"rejectedRequests"`
	QueuedRequests     int64               `json:"queuedRequests"`
	QueueTimeouts      int64               `json:"queueTimeouts"`
	CacheHits          int64               `json:"cacheHits"`
	CacheMisses        int64               `json:"cacheMisses"`
	Retries            int64               `json:"retries"`
	FallbacksUsed      int64               `json:"fallbacksUsed"`
	CircuitRejections  int64               `json:"circuitRejections"`
	AvgResponseTimeMs  float64             `json:"avgResponseTimeMs"`
	ErrorRate          float64             `json:"errorRate"`
	CacheHitRate       float64             `json:"cacheHitRate"`
	ErrorsByCode       map[ErrorCode]int64 `json:"errorsByCode,omitempty"`
	Pool               PoolSnapshot        `json:"pool"`
	Cache              CacheStats          `json:"cache"`
	Breakers           []BreakerSnapshot   `json:"breakers"`
	LastScaling        *ScalingDecision    `json:"lastScaling,omitempty"`
	Uptime             time.Duration       `json:"uptime"`
}

// CacheStats is a point-in-time view of the response cache.
type CacheStats struct {
	Entries   int   `json:"entries"`
	MaxSize   int   `json:"maxSize"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// HealthLabel is the derived overall health of the orchestrator.
type HealthLabel string

const (
	HealthHealthy   HealthLabel = "healthy"
	HealthDegraded  HealthLabel = "degraded"
	HealthUnhealthy HealthLabel = "unhealthy"
)

// HealthStatus is the read projection returned by GetHealthStatus.
type HealthStatus struct {
	Status            HealthLabel            `json:"status"`
	Score             float64                `json:"score"`
	ErrorRate         float64                `json:"errorRate"`
	AvgResponseTimeMs float64                `json:"avgResponseTimeMs"`
	AgentAvailability float64                `json:"agentAvailability"`
	Components        map[string]HealthLabel `json:"components"`
	Breakers          []BreakerSnapshot      `json:"breakers"`
	CheckedAt         time.Time              `json:"checkedAt"`
}
