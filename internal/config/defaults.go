package config

import "time"

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Workers:          0,
			BaseDuration:     Duration(100 * time.Millisecond),
			PollInterval:     Duration(10 * time.Millisecond),
			AdaptiveThrottle: true,
		},
		Retry: RetryConfig{
			InitialInterval:     Duration(100 * time.Millisecond),
			MaxInterval:         Duration(10 * time.Second),
			MaxElapsedTime:      Duration(2 * time.Minute),
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},
		Breaker: BreakerConfig{
			MaxFailures: 5,
			OpenTimeout: Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		History: HistoryConfig{
			Enabled: true,
			Path:    "~/.wavesched/history.db",
			Keep:    100,
		},
	}
}
