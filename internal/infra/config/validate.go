package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validatePool(cfg, ve)
	validateAdmission(cfg, ve)
	validateResilience(cfg, ve)
	validateScaling(cfg, ve)
	validateCapability(cfg, ve)
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validStrategies = map[string]bool{
	"round-robin":       true,
	"least-connections": true,
	"weighted":          true,
}

func validatePool(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MinAgents < 0 {
		ve.Add("orchestrator.min_agents must be >= 0")
	}
	if o.MaxAgents <= 0 {
		ve.Add("orchestrator.max_agents must be > 0")
	}
	if o.MinAgents > o.MaxAgents {
		ve.Add("orchestrator.min_agents (%d) must be <= max_agents (%d)", o.MinAgents, o.MaxAgents)
	}
	if o.AgentPoolSize < o.MinAgents || o.AgentPoolSize > o.MaxAgents {
		ve.Add("orchestrator.agent_pool_size (%d) must be within [min_agents, max_agents] = [%d, %d]",
			o.AgentPoolSize, o.MinAgents, o.MaxAgents)
	}
	if o.MaxConcurrentAgents <= 0 {
		ve.Add("orchestrator.max_concurrent_agents must be > 0")
	}
	if !validStrategies[o.LoadBalancingStrategy] {
		ve.Add("orchestrator.load_balancing_strategy %q is not one of round-robin, least-connections, weighted",
			o.LoadBalancingStrategy)
	}
	if o.HealthCheckInterval <= 0 {
		ve.Add("orchestrator.health_check_interval must be > 0")
	}
	if o.UnhealthyThreshold <= 0 {
		ve.Add("orchestrator.unhealthy_threshold must be > 0")
	}
	if o.RecoveryThreshold <= 0 {
		ve.Add("orchestrator.recovery_threshold must be > 0")
	}
}

func validateAdmission(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.MaxQueueSize < 0 {
		ve.Add("orchestrator.max_queue_size must be >= 0")
	}
	if o.MaxQueueAge <= 0 {
		ve.Add("orchestrator.max_queue_age must be > 0")
	}
	if o.RateLimit < 0 {
		ve.Add("orchestrator.rate_limit must be >= 0 (0 disables)")
	}
	if o.MaxBatchSize <= 0 {
		ve.Add("orchestrator.max_batch_size must be > 0")
	}
	if o.DrainInterval <= 0 {
		ve.Add("orchestrator.drain_interval must be > 0")
	}
	if o.CacheMaxSize <= 0 {
		ve.Add("orchestrator.cache_max_size must be > 0")
	}
	if o.CacheTTL <= 0 {
		ve.Add("orchestrator.cache_ttl must be > 0")
	}
	if o.CacheSweepInterval <= 0 {
		ve.Add("orchestrator.cache_sweep_interval must be > 0")
	}
	for typ, path := range o.RequestSchemas {
		if typ == "" || path == "" {
			ve.Add("orchestrator.request_schemas entries need a request type and a schema path")
		}
	}
}

func validateResilience(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.FailureThreshold <= 0 {
		ve.Add("orchestrator.failure_threshold must be > 0")
	}
	if o.RecoveryTimeout <= 0 {
		ve.Add("orchestrator.recovery_timeout must be > 0")
	}
	if o.MaxRetries < 0 {
		ve.Add("orchestrator.max_retries must be >= 0")
	}
	if o.RetryBaseDelay < 0 || o.RetryMaxDelay < o.RetryBaseDelay {
		ve.Add("orchestrator.retry_base_delay must be >= 0 and <= retry_max_delay")
	}
	if o.CallTimeout <= 0 {
		ve.Add("orchestrator.call_timeout must be > 0")
	}
}

func validateScaling(cfg *Config, ve *ValidationError) {
	o := cfg.Orchestrator
	if o.ScaleUpThreshold <= 0 || o.ScaleUpThreshold > 1 {
		ve.Add("orchestrator.scale_up_threshold must be in (0, 1]")
	}
	if o.ScaleDownThreshold < 0 || o.ScaleDownThreshold >= o.ScaleUpThreshold {
		ve.Add("orchestrator.scale_down_threshold must be >= 0 and < scale_up_threshold")
	}
	if o.ScaleUpCooldown < 0 || o.ScaleDownCooldown < 0 {
		ve.Add("orchestrator scaling cooldowns must be >= 0")
	}
	if o.ScalingInterval <= 0 {
		ve.Add("orchestrator.scaling_interval must be > 0")
	}
}

func validateCapability(cfg *Config, ve *ValidationError) {
	switch cfg.Capability.Type {
	case "echo":
	case "http":
		if cfg.Capability.Endpoint == "" {
			ve.Add("capability.endpoint is required for type \"http\"")
		}
	default:
		ve.Add("capability.type %q is not one of echo, http", cfg.Capability.Type)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if !cfg.Gateway.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
	}
	if len(cfg.Gateway.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must contain at least one token when the gateway is enabled")
	}
	for i, tok := range cfg.Gateway.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
	}
	if cfg.Gateway.RateLimit.RequestsPerMin < 0 || cfg.Gateway.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
}
