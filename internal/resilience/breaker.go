package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/aristath/wavesched/internal/scheduler"
)

// BreakerConfig configures the circuit breakers handed out by a BreakerRegistry.
type BreakerConfig struct {
	MaxFailures uint32        // Consecutive failures that open the circuit (default 5)
	OpenTimeout time.Duration // Time spent open before probing again (default 30s)
	MaxRequests uint32        // Probes allowed while half-open (default 3)
}

// DefaultBreakerConfig returns the default circuit breaker configuration.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
		MaxRequests: 3,
	}
}

// BreakerRegistry manages one circuit breaker per name. Payloads that share a
// name (for example every task running the same command) share a breaker.
type BreakerRegistry struct {
	cfg BreakerConfig
	log zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry creates a new circuit breaker registry. Zero fields in
// cfg take their defaults.
func NewBreakerRegistry(cfg BreakerConfig, log *zerolog.Logger) *BreakerRegistry {
	def := DefaultBreakerConfig()
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = def.MaxFailures
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = def.MaxRequests
	}

	l := zerolog.Nop()
	if log != nil {
		l = log.With().Str("component", "breaker").Logger()
	}

	return &BreakerRegistry{
		cfg:      cfg,
		log:      l,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the circuit breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.cfg.MaxRequests,
		Interval:    0, // Don't clear counts automatically
		Timeout:     r.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.cfg.MaxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
		IsSuccessful: func(err error) bool {
			// A cancelled run is not a failure of the payload
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})

	r.breakers[name] = cb
	return cb
}

// Wrap returns a payload that runs p through the breaker registered under name.
// While the circuit is open the payload fails with gobreaker.ErrOpenState
// without running.
func (r *BreakerRegistry) Wrap(name string, p scheduler.Payload) scheduler.Payload {
	cb := r.Get(name)
	return scheduler.PayloadFunc(func(ctx context.Context) (any, error) {
		return cb.Execute(func() (interface{}, error) {
			return p.Run(ctx)
		})
	})
}

// Len returns the number of breakers created so far.
func (r *BreakerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.breakers)
}
