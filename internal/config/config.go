// Package config loads the process-wide configuration for the analysis core.
// Values come from a YAML file with environment-variable overrides for the
// settings that differ per deployment (bus address, port, secrets).
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Performance    PerformanceConfig    `yaml:"performance"`
	Concurrency    ConcurrencyConfig    `yaml:"concurrency"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Security       SecurityConfig       `yaml:"security"`
	Bus            BusConfig            `yaml:"bus"`
	Cache          CacheConfig          `yaml:"cache"`
	Analyzers      AnalyzersConfig      `yaml:"analyzers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PerformanceConfig struct {
	APIP95Ms      int `yaml:"api_p95_ms"`
	APIP99Ms      int `yaml:"api_p99_ms"`
	FileProcP95Ms int `yaml:"file_proc_p95_ms"`
	DBP95Ms       int `yaml:"db_p95_ms"`
	MemoryLimitMB int `yaml:"memory_limit_mb"`
}

type ConcurrencyConfig struct {
	MaxConcurrent    int `yaml:"max_concurrent"`
	QueueLimit       int `yaml:"queue_limit"`
	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	StreamTimeoutMs  int `yaml:"stream_timeout_ms"`
	RateWindowMs     int `yaml:"rate_window_ms"`
	RateMax          int `yaml:"rate_max"`
}

type CircuitBreakerConfig struct {
	Enabled          bool `yaml:"enabled"`
	FailureThreshold int  `yaml:"failure_threshold"`
	ResetTimeoutMs   int  `yaml:"reset_timeout_ms"`
	HalfOpenMax      int  `yaml:"half_open_max"`
}

type SecurityConfig struct {
	MaxFileMB          int      `yaml:"max_file_mb"`
	AllowedMimeClasses []string `yaml:"allowed_mime_classes"`
	ScanMalware        bool     `yaml:"scan_malware"`
	HeaderValidate     bool     `yaml:"header_validate"`
}

type BusConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Password          string `yaml:"password"`
	DB                int    `yaml:"db"`
	ConnectTimeoutMs  int    `yaml:"connect_timeout_ms"`
	CommandTimeoutMs  int    `yaml:"command_timeout_ms"`
	RetryBackoffMaxMs int    `yaml:"retry_backoff_max_ms"`
}

type CacheConfig struct {
	// TTL seconds keyed by confidence level.
	TTLHigh           int `yaml:"ttl_high_s"`
	TTLMedium         int `yaml:"ttl_medium_s"`
	TTLLow            int `yaml:"ttl_low_s"`
	TTLReviewRequired int `yaml:"ttl_review_required_s"`
}

type AnalyzersConfig struct {
	TimeoutMs         int `yaml:"timeout_ms"`
	MirrorTimeoutMs   int `yaml:"mirror_timeout_ms"`
	SuperiorTimeoutMs int `yaml:"superior_timeout_ms"`
}

// Default returns the built-in configuration. File and environment values
// layer on top of it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Performance: PerformanceConfig{
			APIP95Ms:      200,
			APIP99Ms:      500,
			FileProcP95Ms: 2000,
			DBP95Ms:       100,
			MemoryLimitMB: 500,
		},
		Concurrency: ConcurrencyConfig{
			MaxConcurrent:    50,
			QueueLimit:       100,
			DefaultTimeoutMs: 30000,
			StreamTimeoutMs:  15000,
			RateWindowMs:     60000,
			RateMax:          100,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeoutMs:   60000,
			HalfOpenMax:      3,
		},
		Security: SecurityConfig{
			MaxFileMB:          50,
			AllowedMimeClasses: []string{"image", "pdf", "video"},
			ScanMalware:        false,
			HeaderValidate:     true,
		},
		Bus: BusConfig{
			Host:              "localhost",
			Port:              6379,
			DB:                0,
			ConnectTimeoutMs:  10000,
			CommandTimeoutMs:  5000,
			RetryBackoffMaxMs: 2000,
		},
		Cache: CacheConfig{
			TTLHigh:           14400,
			TTLMedium:         7200,
			TTLLow:            3600,
			TTLReviewRequired: 1800,
		},
		Analyzers: AnalyzersConfig{
			TimeoutMs:         10000,
			MirrorTimeoutMs:   5000,
			SuperiorTimeoutMs: 8000,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. A missing file is not an error; env-only deployments are common.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config: %w", err)
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("decode config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides deployment-specific values from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("BUS_HOST"); v != "" {
		c.Bus.Host = v
	}
	if v := os.Getenv("BUS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.Port = n
		}
	}
	if v := os.Getenv("BUS_PASSWORD"); v != "" {
		c.Bus.Password = v
	}
	if v := os.Getenv("BUS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Bus.DB = n
		}
	}
	if v := os.Getenv("MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Concurrency.MaxConcurrent = n
		}
	}
}

// BusAddr returns the host:port address for the bus connection.
func (c *Config) BusAddr() string {
	return fmt.Sprintf("%s:%d", c.Bus.Host, c.Bus.Port)
}

// MaxFileBytes returns the ingress size limit in bytes.
func (c *Config) MaxFileBytes() int64 {
	return int64(c.Security.MaxFileMB) * 1024 * 1024
}
