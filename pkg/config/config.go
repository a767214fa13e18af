package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML.
type Config struct {
	// DataDir holds the bolt database.
	DataDir string `yaml:"data_dir"`
	// ListenAddr serves the metrics and health endpoints.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	// Workers sizes the executor pool.
	Workers int `yaml:"workers"`
	// ThrottleLimit bounds concurrent creations per resource type per
	// account.
	ThrottleLimit int `yaml:"throttle_limit"`

	// PollDelaySeconds spaces runtime state poll attempts.
	PollDelaySeconds int `yaml:"poll_delay_seconds"`
	// PollAttempts bounds every poll loop.
	PollAttempts int `yaml:"poll_attempts"`

	// Periodic job intervals.
	PullIntervalSeconds     int `yaml:"pull_interval_seconds"`
	ScheduleIntervalSeconds int `yaml:"schedule_interval_seconds"`
	SweepIntervalSeconds    int `yaml:"sweep_interval_seconds"`
	StuckThresholdSeconds   int `yaml:"stuck_threshold_seconds"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                 "./nimbus-data",
		ListenAddr:              "127.0.0.1:9090",
		LogLevel:                "info",
		Workers:                 8,
		ThrottleLimit:           4,
		PollDelaySeconds:        3,
		PollAttempts:            100,
		PullIntervalSeconds:     300,
		ScheduleIntervalSeconds: 60,
		SweepIntervalSeconds:    600,
		StuckThresholdSeconds:   3600,
	}
}

// Load reads the file at path over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ThrottleLimit <= 0 {
		return fmt.Errorf("throttle_limit must be positive, got %d", c.ThrottleLimit)
	}
	if c.PollAttempts <= 0 {
		return fmt.Errorf("poll_attempts must be positive, got %d", c.PollAttempts)
	}
	return nil
}

// PollDelay returns the poll spacing as a duration.
func (c *Config) PollDelay() time.Duration {
	return time.Duration(c.PollDelaySeconds) * time.Second
}

// PullInterval returns the reconciliation spacing as a duration.
func (c *Config) PullInterval() time.Duration {
	return time.Duration(c.PullIntervalSeconds) * time.Second
}

// ScheduleInterval returns the schedule evaluation spacing as a duration.
func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.ScheduleIntervalSeconds) * time.Second
}

// SweepInterval returns the sweep spacing as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StuckThreshold returns the transitional staleness threshold.
func (c *Config) StuckThreshold() time.Duration {
	return time.Duration(c.StuckThresholdSeconds) * time.Second
}
