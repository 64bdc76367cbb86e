package resilience

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// LimiterConfig configures a per-provider admission gate
type LimiterConfig struct {
	Name string
	// MaxConcurrent bounds in-flight operations. Values below 1 mean 1.
	MaxConcurrent int
	// RPS sets the start spacing to ceil(1000/RPS) ms. Takes precedence over RPM.
	RPS int
	// RPM sets the start spacing to 60000/RPM ms when RPS is unset. Defaults to 5.
	RPM int
}

// LimiterStats is a snapshot of a limiter
type LimiterStats struct {
	InFlight int64         `json:"in_flight"`
	Waiting  int64         `json:"waiting"`
	Spacing  time.Duration `json:"spacing"`
}

// Limiter bounds concurrency and paces operation starts for one provider.
// Waiters are admitted in arrival order. It never looks at outcomes.
type Limiter struct {
	name    string
	sem     *semaphore.Weighted
	pacer   *rate.Limiter
	spacing time.Duration

	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewLimiter creates a limiter from the provider quota
func NewLimiter(config LimiterConfig) *Limiter {
	maxConcurrent := config.MaxConcurrent
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	spacing := Spacing(config.RPS, config.RPM)
	return &Limiter{
		name:    config.Name,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		pacer:   rate.NewLimiter(rate.Every(spacing), 1),
		spacing: spacing,
	}
}

// Spacing returns the minimum time between operation starts for a quota
func Spacing(rps, rpm int) time.Duration {
	if rps > 0 {
		return time.Duration(math.Ceil(1000/float64(rps))) * time.Millisecond
	}
	if rpm <= 0 {
		rpm = 5
	}
	return time.Duration(60000/rpm) * time.Millisecond
}

// Schedule waits for a concurrency slot and the next start time, then runs
// op. It returns ctx.Err() if the context ends while waiting.
func (l *Limiter) Schedule(ctx context.Context, op func(context.Context) error) error {
	l.waiting.Add(1)
	if err := l.sem.Acquire(ctx, 1); err != nil {
		l.waiting.Add(-1)
		return err
	}
	defer l.sem.Release(1)

	// Reserve while holding the slot so start order follows admission order.
	if err := l.pacer.Wait(ctx); err != nil {
		l.waiting.Add(-1)
		return err
	}
	l.waiting.Add(-1)

	l.inFlight.Add(1)
	defer l.inFlight.Add(-1)

	return op(ctx)
}

// Stats returns a snapshot of the limiter
func (l *Limiter) Stats() LimiterStats {
	return LimiterStats{
		InFlight: l.inFlight.Load(),
		Waiting:  l.waiting.Load(),
		Spacing:  l.spacing,
	}
}

// Name returns the limiter name
func (l *Limiter) Name() string {
	return l.name
}
