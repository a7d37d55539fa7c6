package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ConfigSource indicates where the configuration came from
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

const (
	// DefaultWorkers is the concurrency ceiling when nothing else is configured
	DefaultWorkers = 5

	// DefaultMaxRetries is the number of fetch attempts when nothing else is configured
	DefaultMaxRetries = 5

	// DefaultBackoffUnit is the time unit multiplied by 2^attempt between attempts
	DefaultBackoffUnit = time.Second

	// DefaultHTTPTimeout bounds a single request attempt
	DefaultHTTPTimeout = 30 * time.Second
)

// Config holds the engine's construction-time parameters
type Config struct {
	Workers          int
	MaxRetries       int
	BackoffUnit      time.Duration
	HTTPTimeout      time.Duration
	CircuitThreshold int64
	CircuitReset     time.Duration
	Source           ConfigSource
	IsKubernetes     bool
	EffectiveCPUs    int
}

// LoadConfig loads configuration with priority: env vars > auto-detection > defaults
func LoadConfig() *Config {
	config := &Config{
		MaxRetries:  DefaultMaxRetries,
		BackoffUnit: DefaultBackoffUnit,
		HTTPTimeout: DefaultHTTPTimeout,
		Source:      ConfigSourceDefault,
	}

	config.IsKubernetes = isKubernetes()
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if workers := getEnvInt("APIFLOW_WORKERS", 0); workers > 0 {
		config.Workers = workers
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("APIFLOW_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.Workers = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceAutoDetect
	} else {
		config.Workers = DefaultWorkers
	}

	// 0 is a legal value for retries, so only malformed or negative input falls back
	if retries := getEnvInt("APIFLOW_MAX_RETRIES", -1); retries >= 0 {
		config.MaxRetries = retries
		config.Source = ConfigSourceEnvVar
	}

	if unit := getEnvDuration("APIFLOW_BACKOFF_UNIT", 0); unit > 0 {
		config.BackoffUnit = unit
		config.Source = ConfigSourceEnvVar
	}

	if timeout := getEnvDuration("APIFLOW_HTTP_TIMEOUT", 0); timeout > 0 {
		config.HTTPTimeout = timeout
		config.Source = ConfigSourceEnvVar
	}

	if threshold := getEnvInt("APIFLOW_CIRCUIT_THRESHOLD", 0); threshold > 0 {
		config.CircuitThreshold = int64(threshold)
		config.CircuitReset = getEnvDuration("APIFLOW_CIRCUIT_RESET", 30*time.Second)
		config.Source = ConfigSourceEnvVar
	}

	return config
}

// Validate checks the invariants the engine relies on
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.BackoffUnit < 0 {
		return fmt.Errorf("backoff unit cannot be negative, got %s", c.BackoffUnit)
	}
	return nil
}

// isKubernetes detects if the application is running in Kubernetes
func isKubernetes() bool {
	// Kubernetes sets this environment variable in all containers
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration such as "250ms" from environment variable with default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Workers: %d, MaxRetries: %d, BackoffUnit: %s, HTTPTimeout: %s, CircuitThreshold: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.Workers,
		c.MaxRetries,
		c.BackoffUnit,
		c.HTTPTimeout,
		c.CircuitThreshold,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}
