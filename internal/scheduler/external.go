package scheduler

import "math"

// HealthSource exposes the live system-health signal, a score in [0, 1].
type HealthSource interface {
	CurrentHealth() float64
}

// HealthFunc adapts a function to HealthSource.
type HealthFunc func() float64

func (f HealthFunc) CurrentHealth() float64 { return f() }

// StaticHealth is a HealthSource pinned to one value.
type StaticHealth float64

func (h StaticHealth) CurrentHealth() float64 { return float64(h) }

// Estimator supplies the wave-level concurrency factor and, at the end of a
// run, the speed-up annotation of the result.
type Estimator interface {
	WaveConcurrencyFactor() float64
	// TotalSpeedup receives the last health reading, or nil when no health
	// source is configured.
	TotalSpeedup(health *float64) float64
}

// StaticEstimator returns fixed values.
type StaticEstimator struct {
	Factor  float64
	Speedup float64
}

func (e StaticEstimator) WaveConcurrencyFactor() float64 { return e.Factor }

func (e StaticEstimator) TotalSpeedup(_ *float64) float64 { return e.Speedup }

// FailureHook is called once per failed task with a snapshot of the task and
// its error. It runs on its own goroutine and must not block for long.
type FailureHook func(task Task, err error)

// clampHealth maps any reading into [0, 1]; NaN counts as unhealthy.
func clampHealth(h float64) float64 {
	if math.IsNaN(h) {
		return 0
	}
	return math.Max(0, math.Min(1, h))
}

// EffectiveConcurrency maps a health score onto a fraction of the pool:
// below 0.3 a quarter, below 0.5 half, below 0.7 three quarters, otherwise
// the whole pool. At least one worker is always allowed.
func EffectiveConcurrency(workers int, health float64) int {
	if workers < 1 {
		workers = 1
	}

	var n int
	switch h := clampHealth(health); {
	case h < 0.3:
		n = workers / 4
	case h < 0.5:
		n = workers / 2
	case h < 0.7:
		n = int(float64(workers) * 0.75)
	default:
		n = workers
	}
	return max(1, n)
}
