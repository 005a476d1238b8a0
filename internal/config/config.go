// Package config holds all synapse configuration: routing thresholds, Hebbian
// learning constants, worker lifecycle limits, and logging controls. Values
// come from .synapse/config.yaml with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"synapse/internal/scorer"
)

// Config holds all synapse configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Registry storage
	Database DatabaseConfig `yaml:"database"`

	// Dispatch and scoring
	Routing RoutingConfig `yaml:"routing"`

	// Hebbian learning
	Learning LearningConfig `yaml:"learning"`

	// Worker lifecycle
	Lifecycle LifecycleConfig `yaml:"lifecycle"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the SQLite registry store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RoutingConfig configures the dispatcher and relevance scorer.
type RoutingConfig struct {
	// Minimum winning score required to dispatch; below it the dispatcher
	// treats the task as having no adequate candidate.
	MinDispatchThreshold float64 `yaml:"min_dispatch_threshold"`

	// Scorer coefficient vector; must sum to 1.0.
	Weights scorer.Weights `yaml:"weights"`

	// Retry backoff for transient store errors during candidate lookup.
	LookupRetryBackoff string `yaml:"lookup_retry_backoff"`
}

// LearningConfig configures the Hebbian learning engine.
type LearningConfig struct {
	DeltaSuccess         float64 `yaml:"delta_success"`
	DeltaFailure         float64 `yaml:"delta_failure"`
	DecayRate            float64 `yaml:"decay_rate"`
	DecayIntervalSeconds int     `yaml:"decay_interval_seconds"`

	// SelectiveDecay limits each sweep to edges touched since the previous
	// tick. When false every edge decays on every tick.
	SelectiveDecay bool `yaml:"selective_decay"`

	// Retry backoff for transient store errors during weight updates.
	UpdateRetryBackoff string `yaml:"update_retry_backoff"`
}

// LifecycleConfig configures the worker lifecycle manager.
type LifecycleConfig struct {
	MaxConcurrentWorkers      int `yaml:"max_concurrent_workers"`
	IdleTimeoutMinutes        int `yaml:"idle_timeout_minutes"`
	MaxAgeHours               int `yaml:"max_age_hours"`
	SweepIntervalSeconds      int `yaml:"sweep_interval_seconds"`
	ProvisionTimeoutSeconds   int `yaml:"provision_timeout_seconds"`
	HealthPollIntervalSeconds int `yaml:"health_poll_interval_seconds"`
	QueueCapacity             int `yaml:"queue_capacity"`

	// First port handed to dynamically provisioned workers.
	WorkerPortStart int `yaml:"worker_port_start"`
}

// LoggingConfig configures categorized debug logging.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`  // debug, info, warn, error
	Format     string          `yaml:"format"` // json, text
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "synapse",
		Version: "1.0.0",

		Database: DatabaseConfig{
			Path: "data/synapse.db",
		},

		Routing: RoutingConfig{
			MinDispatchThreshold: 0.35,
			Weights:              scorer.DefaultWeights(),
			LookupRetryBackoff:   "250ms",
		},

		Learning: LearningConfig{
			DeltaSuccess:         0.05,
			DeltaFailure:         0.02,
			DecayRate:            0.01,
			DecayIntervalSeconds: 900,
			SelectiveDecay:       true,
			UpdateRetryBackoff:   "500ms",
		},

		Lifecycle: LifecycleConfig{
			MaxConcurrentWorkers:      20,
			IdleTimeoutMinutes:        30,
			MaxAgeHours:               24,
			SweepIntervalSeconds:      60,
			ProvisionTimeoutSeconds:   90,
			HealthPollIntervalSeconds: 2,
			QueueCapacity:             100,
			WorkerPortStart:           9100,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults;
// a malformed file or invalid values are fatal.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("SYNAPSE_DB"); path != "" {
		c.Database.Path = path
	}
	if v := os.Getenv("SYNAPSE_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Lifecycle.MaxConcurrentWorkers = n
		}
	}
	if v := os.Getenv("SYNAPSE_DECAY_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f < 1 {
			c.Learning.DecayRate = f
		}
	}
	if v := os.Getenv("SYNAPSE_MIN_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.Routing.MinDispatchThreshold = f
		}
	}
}

// Validate validates the configuration. An invalid scorer weight vector is
// fatal at startup.
func (c *Config) Validate() error {
	if err := c.Routing.Weights.Validate(); err != nil {
		return err
	}
	if c.Routing.MinDispatchThreshold < 0 || c.Routing.MinDispatchThreshold > 1 {
		return fmt.Errorf("min_dispatch_threshold must be in [0,1], got %v", c.Routing.MinDispatchThreshold)
	}
	if c.Learning.DeltaSuccess <= 0 || c.Learning.DeltaSuccess > 1 {
		return fmt.Errorf("delta_success must be in (0,1], got %v", c.Learning.DeltaSuccess)
	}
	if c.Learning.DeltaFailure <= 0 || c.Learning.DeltaFailure > 1 {
		return fmt.Errorf("delta_failure must be in (0,1], got %v", c.Learning.DeltaFailure)
	}
	if c.Learning.DecayRate < 0 || c.Learning.DecayRate >= 1 {
		return fmt.Errorf("decay_rate must be in [0,1), got %v", c.Learning.DecayRate)
	}
	if c.Lifecycle.MaxConcurrentWorkers < 1 {
		return fmt.Errorf("max_concurrent_workers must be >= 1")
	}
	if c.Lifecycle.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be >= 1")
	}
	if c.Lifecycle.IdleTimeoutMinutes < 1 {
		return fmt.Errorf("idle_timeout_minutes must be >= 1")
	}
	if c.Lifecycle.MaxAgeHours < 1 {
		return fmt.Errorf("max_age_hours must be >= 1")
	}
	return nil
}

// GetDecayInterval returns the decay sweep interval as a duration.
func (c *Config) GetDecayInterval() time.Duration {
	if c.Learning.DecayIntervalSeconds <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Learning.DecayIntervalSeconds) * time.Second
}

// GetSweepInterval returns the lifecycle sweep interval as a duration.
func (c *Config) GetSweepInterval() time.Duration {
	if c.Lifecycle.SweepIntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(c.Lifecycle.SweepIntervalSeconds) * time.Second
}

// GetIdleTimeout returns the worker idle eviction timeout as a duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.Lifecycle.IdleTimeoutMinutes) * time.Minute
}

// GetMaxAge returns the worker age eviction limit as a duration.
func (c *Config) GetMaxAge() time.Duration {
	return time.Duration(c.Lifecycle.MaxAgeHours) * time.Hour
}

// GetProvisionTimeout returns the health-polling timeout for provisioning.
func (c *Config) GetProvisionTimeout() time.Duration {
	if c.Lifecycle.ProvisionTimeoutSeconds <= 0 {
		return 90 * time.Second
	}
	return time.Duration(c.Lifecycle.ProvisionTimeoutSeconds) * time.Second
}

// GetHealthPollInterval returns the interval between health probes.
func (c *Config) GetHealthPollInterval() time.Duration {
	if c.Lifecycle.HealthPollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Lifecycle.HealthPollIntervalSeconds) * time.Second
}

// GetUpdateRetryBackoff returns the learning-path retry backoff.
func (c *Config) GetUpdateRetryBackoff() time.Duration {
	d, err := time.ParseDuration(c.Learning.UpdateRetryBackoff)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetLookupRetryBackoff returns the lookup-path retry backoff.
func (c *Config) GetLookupRetryBackoff() time.Duration {
	d, err := time.ParseDuration(c.Routing.LookupRetryBackoff)
	if err != nil {
		return 250 * time.Millisecond
	}
	return d
}
