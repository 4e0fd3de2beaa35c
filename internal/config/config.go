package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every recognized option. Values come from an optional YAML
// file first, then the environment; environment wins.
type Config struct {
	ServiceName    string `yaml:"service_name"`
	DatabaseURL    string `yaml:"database_url"`
	HTTPListenAddr string `yaml:"http_listen_addr"`
	MetricsAddr    string `yaml:"metrics_addr"`
	LogLevel       string `yaml:"log_level"`

	RequestTimeoutMs       int    `yaml:"request_timeout_ms"`
	ResponseBodyLimitBytes int    `yaml:"response_body_limit_bytes"`
	ExecutionRetentionDays int    `yaml:"execution_retention_days"`
	ReconcileIntervalMs    int    `yaml:"reconcile_interval_ms"`
	PruneIntervalMs        int    `yaml:"prune_interval_ms"`
	ShutdownDrainMs        int    `yaml:"shutdown_drain_deadline_ms"`
	UserAgent              string `yaml:"user_agent"`
	MaxConcurrentFirings   int    `yaml:"max_concurrent_firings"`
}

// Load builds the config from CONFIG_FILE (if set) overlaid by environment
// variables, applying defaults for everything left unset.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPListenAddr:         ":8080",
		MetricsAddr:            ":9090",
		LogLevel:               "info",
		RequestTimeoutMs:       30000,
		ResponseBodyLimitBytes: 10240,
		ExecutionRetentionDays: 30,
		ReconcileIntervalMs:    300000,
		PruneIntervalMs:        3600000,
		ShutdownDrainMs:        30000,
		UserAgent:              "CronMaster/1.0",
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ServiceName = getEnv("SERVICE_NAME", cfg.ServiceName)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.HTTPListenAddr = getEnv("HTTP_LISTEN_ADDR", cfg.HTTPListenAddr)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.UserAgent = getEnv("USER_AGENT", cfg.UserAgent)

	var err error
	if cfg.RequestTimeoutMs, err = getEnvInt("REQUEST_TIMEOUT_MS", cfg.RequestTimeoutMs); err != nil {
		return nil, err
	}
	if cfg.ResponseBodyLimitBytes, err = getEnvInt("RESPONSE_BODY_LIMIT_BYTES", cfg.ResponseBodyLimitBytes); err != nil {
		return nil, err
	}
	if cfg.ExecutionRetentionDays, err = getEnvInt("EXECUTION_RETENTION_DAYS", cfg.ExecutionRetentionDays); err != nil {
		return nil, err
	}
	if cfg.ReconcileIntervalMs, err = getEnvInt("RECONCILE_INTERVAL_MS", cfg.ReconcileIntervalMs); err != nil {
		return nil, err
	}
	if cfg.PruneIntervalMs, err = getEnvInt("PRUNE_INTERVAL_MS", cfg.PruneIntervalMs); err != nil {
		return nil, err
	}
	if cfg.ShutdownDrainMs, err = getEnvInt("SHUTDOWN_DRAIN_DEADLINE_MS", cfg.ShutdownDrainMs); err != nil {
		return nil, err
	}
	if cfg.MaxConcurrentFirings, err = getEnvInt("MAX_CONCURRENT_FIRINGS", cfg.MaxConcurrentFirings); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the required fields for the given service.
func (c *Config) Validate(service string) error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s: DATABASE_URL is required", service)
	}
	if c.RequestTimeoutMs <= 0 {
		return fmt.Errorf("%s: request_timeout_ms must be positive", service)
	}
	if c.ExecutionRetentionDays <= 0 {
		return fmt.Errorf("%s: execution_retention_days must be positive", service)
	}
	return nil
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.ReconcileIntervalMs) * time.Millisecond
}

func (c *Config) PruneInterval() time.Duration {
	return time.Duration(c.PruneIntervalMs) * time.Millisecond
}

func (c *Config) ShutdownDrainDeadline() time.Duration {
	return time.Duration(c.ShutdownDrainMs) * time.Millisecond
}

func (c *Config) ExecutionRetention() time.Duration {
	return time.Duration(c.ExecutionRetentionDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
