package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("250ms").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"100ms\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// SchedulerConfig configures the worker pool and coordinator.
type SchedulerConfig struct {
	Workers            int      `json:"workers"`             // 0 = one per CPU
	BaseDuration       Duration `json:"base_duration"`       // Simulated work time at factor 1
	PollInterval       Duration `json:"poll_interval"`       // Health re-read interval without completions
	AdaptiveThrottle   bool     `json:"adaptive_throttle"`   // Scale concurrency with health
	StrictDependencies bool     `json:"strict_dependencies"` // Unresolved references are errors
}

// RetryConfig configures payload retry with exponential backoff.
type RetryConfig struct {
	Enabled             bool     `json:"enabled"`
	InitialInterval     Duration `json:"initial_interval"`
	MaxInterval         Duration `json:"max_interval"`
	MaxElapsedTime      Duration `json:"max_elapsed_time"`
	Multiplier          float64  `json:"multiplier"`
	RandomizationFactor float64  `json:"randomization_factor"`
	MaxRetries          uint64   `json:"max_retries,omitempty"`
}

// BreakerConfig configures per-program circuit breakers for command tasks.
type BreakerConfig struct {
	Enabled     bool     `json:"enabled"`
	MaxFailures uint32   `json:"max_failures"`
	OpenTimeout Duration `json:"open_timeout"`
}

// LogConfig configures the zerolog logger.
type LogConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // console or json
}

// HistoryConfig configures the run-history database.
type HistoryConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"` // A leading ~ expands to the home directory
	Keep    int    `json:"keep"` // Runs retained after pruning (0 = keep all)
}

// TelemetryConfig configures in-process metrics.
type TelemetryConfig struct {
	Enabled bool `json:"enabled"`
}

// Config is the top-level configuration.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Retry     RetryConfig     `json:"retry"`
	Breaker   BreakerConfig   `json:"breaker"`
	Log       LogConfig       `json:"log"`
	History   HistoryConfig   `json:"history"`
	Telemetry TelemetryConfig `json:"telemetry"`
}
