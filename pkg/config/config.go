package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server      ServerConfig      `json:"server"`
	Logging     LoggingConfig     `json:"logging"`
	Cache       CacheConfig       `json:"cache"`
	Breaker     BreakerConfig     `json:"breaker"`
	Retry       RetryConfig       `json:"retry"`
	Degradation DegradationConfig `json:"degradation"`
	RuleSource  RuleSourceConfig  `json:"rule_source"`
	Redis       RedisConfig       `json:"redis"`
	Tracing     TracingConfig     `json:"tracing"`
	Metrics     MetricsConfig     `json:"metrics"`
}

// ServerConfig contains the status HTTP server configuration
type ServerConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	AllowedOrigins []string      `json:"allowed_origins"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// CacheConfig contains rule and index cache configuration
type CacheConfig struct {
	RuleSetMaxSize int           `json:"rule_set_max_size"`
	RuleSetTTL     time.Duration `json:"rule_set_ttl"`
	IndexMaxSize   int           `json:"index_max_size"`
	IndexTTL       time.Duration `json:"index_ttl"`
	SweepInterval  time.Duration `json:"sweep_interval"`
	SnapshotPath   string        `json:"snapshot_path"`
	// SnapshotBackend selects where snapshots are written: "file", "redis" or "none".
	SnapshotBackend string `json:"snapshot_backend"`
}

// BreakerConfig contains circuit breaker defaults
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	CallTimeout      time.Duration `json:"call_timeout"`
	// DecayInterval clears CLOSED-state failure counts periodically. Zero disables it.
	DecayInterval time.Duration `json:"decay_interval"`
}

// RetryConfig contains retry policy for the external rule source
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	BaseDelay         time.Duration `json:"base_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
	AttemptTimeout    time.Duration `json:"attempt_timeout"`
}

// DegradationConfig contains degradation manager settings
type DegradationConfig struct {
	StabilityWindow time.Duration `json:"stability_window"`
	HistoryLimit    int           `json:"history_limit"`
	MonitorInterval time.Duration `json:"monitor_interval"`
}

// RuleSourceConfig describes the GitHub repository rule sets are fetched from
type RuleSourceConfig struct {
	Owner          string        `json:"owner"`
	Repo           string        `json:"repo"`
	Ref            string        `json:"ref"`
	BasePath       string        `json:"base_path"`
	Token          string        `json:"-"`
	AppID          int64         `json:"app_id"`
	InstallationID int64         `json:"installation_id"`
	PrivateKey     string        `json:"-"`
	BaseURL        string        `json:"base_url"`
	RequestsPerSec float64       `json:"requests_per_sec"`
	Burst          int           `json:"burst"`
	Preload        []string      `json:"preload"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// RedisConfig contains Redis connection configuration for the snapshot store
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Key      string `json:"key"`
}

// TracingConfig contains OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	Exporter       string  `json:"exporter"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// MetricsConfig contains Prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Namespace string `json:"namespace"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:           getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:    getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			AllowedOrigins: getEnvList("SERVER_ALLOWED_ORIGINS", []string{"*"}),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Cache: CacheConfig{
			RuleSetMaxSize:  getEnvInt("CACHE_RULESET_MAX_SIZE", 100),
			RuleSetTTL:      getEnvDuration("CACHE_RULESET_TTL", time.Hour),
			IndexMaxSize:    getEnvInt("CACHE_INDEX_MAX_SIZE", 500),
			IndexTTL:        getEnvDuration("CACHE_INDEX_TTL", 15*time.Minute),
			SweepInterval:   getEnvDuration("CACHE_SWEEP_INTERVAL", 0),
			SnapshotPath:    getEnvString("CACHE_SNAPSHOT_PATH", "/tmp/agentscan/rule-cache.json"),
			SnapshotBackend: getEnvString("CACHE_SNAPSHOT_BACKEND", "file"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 60*time.Second),
			HalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			CallTimeout:      getEnvDuration("BREAKER_CALL_TIMEOUT", 0),
			DecayInterval:    getEnvDuration("BREAKER_DECAY_INTERVAL", 0),
		},
		Retry: RetryConfig{
			MaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 5),
			BaseDelay:         getEnvDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
			Jitter:            getEnvBool("RETRY_JITTER", true),
			AttemptTimeout:    getEnvDuration("RETRY_ATTEMPT_TIMEOUT", 20*time.Second),
		},
		Degradation: DegradationConfig{
			StabilityWindow: getEnvDuration("DEGRADATION_STABILITY_WINDOW", 30*time.Minute),
			HistoryLimit:    getEnvInt("DEGRADATION_HISTORY_LIMIT", 50),
			MonitorInterval: getEnvDuration("DEGRADATION_MONITOR_INTERVAL", 30*time.Second),
		},
		RuleSource: RuleSourceConfig{
			Owner:          getEnvString("RULES_GITHUB_OWNER", ""),
			Repo:           getEnvString("RULES_GITHUB_REPO", ""),
			Ref:            getEnvString("RULES_GITHUB_REF", "main"),
			BasePath:       getEnvString("RULES_GITHUB_PATH", "rules"),
			Token:          getEnvString("RULES_GITHUB_TOKEN", ""),
			AppID:          getEnvInt64("RULES_GITHUB_APP_ID", 0),
			InstallationID: getEnvInt64("RULES_GITHUB_INSTALLATION_ID", 0),
			PrivateKey:     getEnvString("RULES_GITHUB_PRIVATE_KEY", ""),
			BaseURL:        getEnvString("RULES_GITHUB_BASE_URL", ""),
			RequestsPerSec: getEnvFloat("RULES_REQUESTS_PER_SEC", 1.0),
			Burst:          getEnvInt("RULES_BURST", 5),
			Preload:        getEnvList("RULES_PRELOAD", nil),
			RequestTimeout: getEnvDuration("RULES_REQUEST_TIMEOUT", 30*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Key:      getEnvString("REDIS_SNAPSHOT_KEY", "agentscan:rulegate:snapshot"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			Exporter:       getEnvString("TRACING_EXPORTER", "jaeger"),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
		Metrics: MetricsConfig{
			Enabled:   getEnvBool("METRICS_ENABLED", true),
			Namespace: getEnvString("METRICS_NAMESPACE", "agentscan"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RuleSource.Owner == "" || c.RuleSource.Repo == "" {
		return fmt.Errorf("rule source owner and repo are required")
	}

	if c.RuleSource.AppID != 0 && (c.RuleSource.PrivateKey == "" || c.RuleSource.InstallationID == 0) {
		return fmt.Errorf("GitHub App authentication requires a private key and installation ID")
	}

	if c.Cache.RuleSetMaxSize <= 0 || c.Cache.IndexMaxSize <= 0 {
		return fmt.Errorf("cache sizes must be positive")
	}

	switch c.Cache.SnapshotBackend {
	case "file", "redis", "none":
	default:
		return fmt.Errorf("unsupported cache snapshot backend: %s", c.Cache.SnapshotBackend)
	}

	if c.Breaker.FailureThreshold <= 0 || c.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("breaker thresholds must be positive")
	}

	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	switch c.Tracing.Exporter {
	case "jaeger", "stdout":
	default:
		return fmt.Errorf("unsupported tracing exporter: %s", c.Tracing.Exporter)
	}

	return nil
}

// ListenAddr returns the status server listen address
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// RedisAddr returns the Redis address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
