package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/wavesched/internal/scheduler"
)

// RetryConfig configures exponential backoff retry behavior.
type RetryConfig struct {
	InitialInterval     time.Duration // Initial retry interval (default 100ms)
	MaxInterval         time.Duration // Maximum retry interval (default 10s)
	MaxElapsedTime      time.Duration // Maximum total retry time (default 2min)
	Multiplier          float64       // Backoff multiplier (default 2.0)
	RandomizationFactor float64       // Jitter factor (default 0.5)
	MaxRetries          uint64        // Retries after the first attempt (0: bounded by MaxElapsedTime only)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

func (c RetryConfig) policy(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.InitialInterval
	exp.MaxInterval = c.MaxInterval
	exp.MaxElapsedTime = c.MaxElapsedTime
	exp.Multiplier = c.Multiplier
	exp.RandomizationFactor = c.RandomizationFactor

	var b backoff.BackOff = exp
	if c.MaxRetries > 0 {
		b = backoff.WithMaxRetries(b, c.MaxRetries)
	}
	return backoff.WithContext(b, ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Retry wraps a payload so that failed attempts are retried with exponential
// backoff. Cancellation of ctx and an open circuit breaker stop retrying
// immediately. The scheduler still sees a single attempt: the task is Running
// for the whole retry sequence and ends Failed only when retries are exhausted.
func Retry(p scheduler.Payload, cfg RetryConfig, log *zerolog.Logger) scheduler.Payload {
	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "retry").Logger()
	}

	return scheduler.PayloadFunc(func(ctx context.Context) (any, error) {
		var result any
		attempt := 0

		operation := func() error {
			// Fail fast if cancelled
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}

			attempt++
			res, err := p.Run(ctx)
			if err == nil {
				result = res
				return nil
			}

			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		notify := func(err error, wait time.Duration) {
			l.Warn().Err(err).Int("attempt", attempt).Dur("backoff", wait).Msg("payload failed, retrying")
		}

		if err := backoff.RetryNotify(operation, cfg.policy(ctx), notify); err != nil {
			return nil, err
		}
		return result, nil
	})
}
