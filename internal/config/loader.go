package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config, defaults.
// Missing files are not errors; malformed JSON or invalid values return an error.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	// Project config has the highest precedence
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GlobalPath returns ~/.wavesched/config.json.
func GlobalPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, ".wavesched", "config.json"), nil
}

// ProjectPath is the project config location relative to the working directory.
const ProjectPath = ".wavesched/config.json"

// LoadDefault loads configuration from conventional paths.
// Global: ~/.wavesched/config.json
// Project: .wavesched/config.json (relative to cwd)
func LoadDefault() (*Config, error) {
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	return Load(globalPath, ProjectPath)
}

// mergeConfigFile decodes a JSON config file over base. Keys present in the
// file replace the base values; absent keys keep them.
// Missing files are silently skipped. Malformed JSON returns an error.
func mergeConfigFile(base *Config, path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil // Missing file is not an error
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.Scheduler.Workers < 0 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be >= 0, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.BaseDuration <= 0 {
		errs = append(errs, errors.New("scheduler.base_duration must be positive"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}

	if c.Retry.Enabled {
		if c.Retry.InitialInterval <= 0 {
			errs = append(errs, errors.New("retry.initial_interval must be positive"))
		}
		if c.Retry.Multiplier < 1 {
			errs = append(errs, fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier))
		}
		if c.Retry.RandomizationFactor < 0 || c.Retry.RandomizationFactor > 1 {
			errs = append(errs, fmt.Errorf("retry.randomization_factor must be in [0, 1], got %v", c.Retry.RandomizationFactor))
		}
	}

	if c.Breaker.Enabled && c.Breaker.MaxFailures == 0 {
		errs = append(errs, errors.New("breaker.max_failures must be positive"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}

	if c.History.Enabled && c.History.Path == "" {
		errs = append(errs, errors.New("history.path is required when history is enabled"))
	}
	if c.History.Keep < 0 {
		errs = append(errs, fmt.Errorf("history.keep must be >= 0, got %d", c.History.Keep))
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}
	return filepath.Join(homeDir, strings.TrimPrefix(path, "~")), nil
}
