package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// envPrefix is the prefix of every environment override.
const envPrefix = "RELAYCORE_"

// Config is the top-level application configuration.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Capability   CapabilityConfig   `yaml:"capability"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Gateway      GatewayConfig      `yaml:"gateway"`
}

// OrchestratorConfig holds pool sizing, admission, resilience and scaling settings.
type OrchestratorConfig struct {
	MaxConcurrentAgents   int               `yaml:"max_concurrent_agents"`
	AgentPoolSize         int               `yaml:"agent_pool_size"`
	MinAgents             int               `yaml:"min_agents"`
	MaxAgents             int               `yaml:"max_agents"`
	MaxQueueSize          int               `yaml:"max_queue_size"`
	MaxQueueAge           time.Duration     `yaml:"max_queue_age"`
	PriorityQueue         bool              `yaml:"priority_queue"`
	RateLimit             int               `yaml:"rate_limit"` // requests per minute per user; 0 disables
	LoadBalancingStrategy string            `yaml:"load_balancing_strategy"`
	FailureThreshold      int               `yaml:"failure_threshold"`
	RecoveryTimeout       time.Duration     `yaml:"recovery_timeout"`
	ScaleUpThreshold      float64           `yaml:"scale_up_threshold"`
	ScaleDownThreshold    float64           `yaml:"scale_down_threshold"`
	ScaleUpCooldown       time.Duration     `yaml:"scale_up_cooldown"`
	ScaleDownCooldown     time.Duration     `yaml:"scale_down_cooldown"`
	ScalingInterval       time.Duration     `yaml:"scaling_interval"`
	QueueDepthTrigger     int               `yaml:"queue_depth_trigger"`
	CacheTTL              time.Duration     `yaml:"cache_ttl"`
	CacheMaxSize          int               `yaml:"cache_max_size"`
	CacheSweepInterval    time.Duration     `yaml:"cache_sweep_interval"`
	HealthCheckInterval   time.Duration     `yaml:"health_check_interval"`
	ProbeTimeout          time.Duration     `yaml:"probe_timeout"`
	UnhealthyThreshold    int               `yaml:"unhealthy_threshold"`
	RecoveryThreshold     int               `yaml:"recovery_threshold"`
	DrainInterval         time.Duration     `yaml:"drain_interval"`
	CallTimeout           time.Duration     `yaml:"call_timeout"`
	MaxRetries            int               `yaml:"max_retries"`
	RetryBaseDelay        time.Duration     `yaml:"retry_base_delay"`
	RetryMaxDelay         time.Duration     `yaml:"retry_max_delay"`
	MaxBatchSize          int               `yaml:"max_batch_size"`
	BatchConcurrency      int               `yaml:"batch_concurrency"`
	ShutdownGrace         time.Duration     `yaml:"shutdown_grace"`
	ResponseTimeBudget    time.Duration     `yaml:"response_time_budget"`
	RequestSchemas        map[string]string `yaml:"request_schemas,omitempty"` // request type -> JSON Schema file
}

// CapabilityConfig selects and configures the capability each agent wraps.
type CapabilityConfig struct {
	Type        string        `yaml:"type"` // "echo" or "http"
	Endpoint    string        `yaml:"endpoint,omitempty"`
	ProbeURL    string        `yaml:"probe_url,omitempty"`
	AuthToken   string        `yaml:"auth_token,omitempty"` // may be "enc:..."
	ConnTimeout time.Duration `yaml:"conn_timeout,omitempty"`
	RespTimeout time.Duration `yaml:"resp_timeout,omitempty"`
	EchoDelay   time.Duration `yaml:"echo_delay,omitempty"`
	Pool        PoolConfig    `yaml:"pool,omitempty"`
}

// PoolConfig holds HTTP connection pool settings for the http capability.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
	Endpoint string `yaml:"endpoint"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// GatewayConfig holds WebSocket/REST gateway settings.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// RateLimitConfig holds per-client HTTP rate limits for the gateway.
type RateLimitConfig struct {
	RequestsPerMin int      `yaml:"requests_per_min"`
	Burst          int      `yaml:"burst"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			MaxConcurrentAgents:   10,
			AgentPoolSize:         3,
			MinAgents:             1,
			MaxAgents:             10,
			MaxQueueSize:          100,
			MaxQueueAge:           30 * time.Second,
			PriorityQueue:         true,
			RateLimit:             60,
			LoadBalancingStrategy: "least-connections",
			FailureThreshold:      5,
			RecoveryTimeout:       30 * time.Second,
			ScaleUpThreshold:      0.8,
			ScaleDownThreshold:    0.3,
			ScaleUpCooldown:       60 * time.Second,
			ScaleDownCooldown:     300 * time.Second,
			ScalingInterval:       60 * time.Second,
			QueueDepthTrigger:     5,
			CacheTTL:              5 * time.Minute,
			CacheMaxSize:          1000,
			CacheSweepInterval:    time.Minute,
			HealthCheckInterval:   30 * time.Second,
			ProbeTimeout:          5 * time.Second,
			UnhealthyThreshold:    3,
			RecoveryThreshold:     2,
			DrainInterval:         time.Second,
			CallTimeout:           30 * time.Second,
			MaxRetries:            3,
			RetryBaseDelay:        500 * time.Millisecond,
			RetryMaxDelay:         10 * time.Second,
			MaxBatchSize:          50,
			BatchConcurrency:      10,
			ShutdownGrace:         10 * time.Second,
			ResponseTimeBudget:    5 * time.Second,
		},
		Capability: CapabilityConfig{
			Type:        "echo",
			ConnTimeout: 10 * time.Second,
			RespTimeout: 60 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "relaycore",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Addr:    "127.0.0.1:8780",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 600,
				Burst:          50,
			},
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults (plus env overrides).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.resolveSchemaPaths(filepath.Dir(absPath))

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(envPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveSchemaPaths makes relative request schema paths relative to the config file.
func (c *Config) resolveSchemaPaths(baseDir string) {
	for typ, p := range c.Orchestrator.RequestSchemas {
		if p != "" && !filepath.IsAbs(p) {
			c.Orchestrator.RequestSchemas[typ] = filepath.Join(baseDir, p)
		}
	}
}

// ApplyEnvOverrides maps RELAYCORE_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	o := &cfg.Orchestrator
	envInt("MAX_CONCURRENT_AGENTS", &o.MaxConcurrentAgents)
	envInt("AGENT_POOL_SIZE", &o.AgentPoolSize)
	envInt("MIN_AGENTS", &o.MinAgents)
	envInt("MAX_AGENTS", &o.MaxAgents)
	envInt("MAX_QUEUE_SIZE", &o.MaxQueueSize)
	envDuration("MAX_QUEUE_AGE", &o.MaxQueueAge)
	envInt("RATE_LIMIT", &o.RateLimit)
	if v := os.Getenv(envPrefix + "LOAD_BALANCING_STRATEGY"); v != "" {
		o.LoadBalancingStrategy = v
	}
	envInt("FAILURE_THRESHOLD", &o.FailureThreshold)
	envDuration("RECOVERY_TIMEOUT", &o.RecoveryTimeout)
	envInt("MAX_RETRIES", &o.MaxRetries)
	envDuration("CALL_TIMEOUT", &o.CallTimeout)
	envDuration("CACHE_TTL", &o.CacheTTL)
	envInt("CACHE_MAX_SIZE", &o.CacheMaxSize)
	envDuration("HEALTH_CHECK_INTERVAL", &o.HealthCheckInterval)

	if v := os.Getenv(envPrefix + "CAPABILITY_TYPE"); v != "" {
		cfg.Capability.Type = v
	}
	if v := os.Getenv(envPrefix + "CAPABILITY_ENDPOINT"); v != "" {
		cfg.Capability.Endpoint = v
	}
	if v := os.Getenv(envPrefix + "CAPABILITY_AUTH_TOKEN"); v != "" {
		cfg.Capability.AuthToken = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(envPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(envPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(envPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv(envPrefix + "METRICS_ENABLED"); v == "false" {
		cfg.Metrics.Enabled = false
	}
	if v := os.Getenv(envPrefix + "GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	}
	if v := os.Getenv(envPrefix + "GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv(envPrefix + "GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// decryptSecrets finds "enc:..." values in secrets and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	if strings.HasPrefix(cfg.Capability.AuthToken, "enc:") {
		decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Capability.AuthToken, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("capability auth_token: %w", err)
		}
		cfg.Capability.AuthToken = decrypted
	}

	for i := range cfg.Gateway.Auth.Tokens {
		tok := cfg.Gateway.Auth.Tokens[i].Token
		if strings.HasPrefix(tok, "enc:") {
			decrypted, err := DecryptValue(strings.TrimPrefix(tok, "enc:"), passphrase)
			if err != nil {
				return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
			}
			cfg.Gateway.Auth.Tokens[i].Token = decrypted
		}
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file is not group/world writable.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
