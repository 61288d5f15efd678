// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/absmach/fluxpoll/ratelimit"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the poll consumer.
type Config struct {
	Kafka   KafkaConfig   `yaml:"kafka"`
	Poll    PollConfig    `yaml:"poll"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// KafkaConfig holds consumer group settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	GroupID string   `yaml:"group_id"`
	Topics  []string `yaml:"topics"`

	// Maximum records buffered in partition and group queues
	MaxBuffered int `yaml:"max_buffered"`
}

// PollConfig holds poll strategy settings.
type PollConfig struct {
	Strategy  string        `yaml:"strategy"` // roundrobin
	Timeout   time.Duration `yaml:"timeout"`
	BatchSize int           `yaml:"batch_size"`

	// Per-partition handling rate
	RateLimit ratelimit.Config `yaml:"rate_limit"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig holds OpenTelemetry configuration.
type MetricsConfig struct {
	Enabled         bool    `yaml:"enabled"`
	Addr            string  `yaml:"addr"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Kafka: KafkaConfig{
			Brokers:     []string{"localhost:9092"},
			GroupID:     "fluxpoll",
			Topics:      []string{"events"},
			MaxBuffered: 10000,
		},
		Poll: PollConfig{
			Strategy:  "roundrobin",
			Timeout:   time.Second,
			BatchSize: 100,
			RateLimit: ratelimit.DefaultConfig(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled:         false,
			Addr:            "localhost:4317",
			ServiceName:     "fluxpoll",
			ServiceVersion:  "1.0.0",
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty")
	}
	for i, b := range c.Kafka.Brokers {
		if b == "" {
			return fmt.Errorf("kafka.brokers[%d] cannot be empty", i)
		}
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("kafka.group_id cannot be empty")
	}
	if len(c.Kafka.Topics) == 0 {
		return fmt.Errorf("kafka.topics cannot be empty")
	}
	if c.Kafka.MaxBuffered < 1 {
		return fmt.Errorf("kafka.max_buffered must be at least 1")
	}

	if c.Poll.Strategy != "roundrobin" {
		return fmt.Errorf("poll.strategy must be one of: roundrobin")
	}
	if c.Poll.Timeout < 0 {
		return fmt.Errorf("poll.timeout cannot be negative")
	}
	if c.Poll.BatchSize < 1 {
		return fmt.Errorf("poll.batch_size must be at least 1")
	}
	if c.Poll.RateLimit.Enabled {
		if c.Poll.RateLimit.Rate <= 0 {
			return fmt.Errorf("poll.rate_limit.rate must be positive")
		}
		if c.Poll.RateLimit.Burst < 1 {
			return fmt.Errorf("poll.rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	// OpenTelemetry validation (only if enabled)
	if c.Metrics.Enabled {
		if c.Metrics.Addr == "" {
			return fmt.Errorf("metrics.addr cannot be empty when metrics enabled")
		}
		if c.Metrics.ServiceName == "" {
			return fmt.Errorf("metrics.service_name cannot be empty when metrics enabled")
		}
		if c.Metrics.TraceSampleRate < 0.0 || c.Metrics.TraceSampleRate > 1.0 {
			return fmt.Errorf("metrics.trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
