package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// RetryPolicyConfig configures per-provider retries
type RetryPolicyConfig struct {
	// MaxAttempts is the number of calls made to one provider, default 3
	MaxAttempts int
	// BaseDelay is the backoff base for transient failures, default 40s
	BaseDelay time.Duration
	// MaxJitter bounds the random delay added to each backoff, default 10s
	MaxJitter time.Duration
	// RateLimitFallback is the cool-off used when a 429 carries no hint, default 2h
	RateLimitFallback time.Duration
	// Sleep and Jitter override waiting and randomness, for tests
	Sleep  SleepFunc
	Jitter func(max time.Duration) time.Duration
	Logger *logging.Logger
}

// RetryPolicy retries one provider with handling that depends on the
// failure kind:
//
//   - auth failures abort at once
//   - rate limits wait for the provider hint (or the fallback) before retrying
//   - timeouts and unavailability back off exponentially with jitter
//   - everything else, including invalid responses, aborts at once
type RetryPolicy struct {
	maxAttempts       int
	baseDelay         time.Duration
	maxJitter         time.Duration
	rateLimitFallback time.Duration
	sleep             SleepFunc
	jitter            func(max time.Duration) time.Duration
	logger            *logging.Logger
}

// NewRetryPolicy creates a retry policy
func NewRetryPolicy(config RetryPolicyConfig) *RetryPolicy {
	p := &RetryPolicy{
		maxAttempts:       config.MaxAttempts,
		baseDelay:         config.BaseDelay,
		maxJitter:         config.MaxJitter,
		rateLimitFallback: config.RateLimitFallback,
		sleep:             config.Sleep,
		jitter:            config.Jitter,
		logger:            config.Logger,
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 3
	}
	if p.baseDelay <= 0 {
		p.baseDelay = 40 * time.Second
	}
	if p.maxJitter < 0 {
		p.maxJitter = 0
	}
	if p.rateLimitFallback <= 0 {
		p.rateLimitFallback = 7200 * time.Second
	}
	if p.sleep == nil {
		p.sleep = SleepContext
	}
	if p.jitter == nil {
		p.jitter = randomJitter
	}
	if p.logger == nil {
		p.logger = logging.GetLogger()
	}
	return p
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}

// MaxAttempts returns the attempt cap
func (p *RetryPolicy) MaxAttempts() int {
	return p.maxAttempts
}

// Backoff returns the wait before retry number attempt+1 after a transient
// failure on attempt (0-based)
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	return p.baseDelay*time.Duration(1<<uint(attempt)) + p.jitter(p.maxJitter)
}

// Execute calls op until it succeeds or the policy gives up. Exhausting every
// attempt on transient failures returns a RetriesExhaustedError that wraps
// the last failure. When ctx carries a deadline that a wait would overrun,
// the last failure is returned instead of waiting.
func (p *RetryPolicy) Execute(ctx context.Context, provider string, op func(context.Context) (interface{}, error)) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		hasNext := attempt < p.maxAttempts-1

		if IsCircuitBreakerError(err) {
			return nil, err
		}

		var delay time.Duration
		switch kind := errors.KindOf(err); kind {
		case errors.KindAuth:
			p.logger.Warn("Provider authentication failed, not retrying", "provider", provider)
			return nil, err

		case errors.KindRateLimit:
			if !hasNext {
				return nil, err
			}
			delay = p.rateLimitFallback
			if pe, ok := errors.AsProviderError(err); ok && pe.RetryAfter > 0 {
				delay = pe.RetryAfter
			}
			p.logger.Warn("Provider rate limited, waiting before retry",
				"provider", provider, "attempt", attempt+1, "delay", delay.String())

		case errors.KindTimeout, errors.KindUnavailable:
			if !hasNext {
				continue
			}
			delay = p.Backoff(attempt)
			p.logger.Warn("Provider call failed, backing off",
				"provider", provider, "attempt", attempt+1, "kind", string(kind), "delay", delay.String())

		default:
			return nil, err
		}

		// a wait that outlasts the caller's deadline ends this provider, not the caller
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= delay {
			p.logger.Warn("Provider wait exceeds deadline, giving up on provider",
				"provider", provider, "attempt", attempt+1, "delay", delay.String())
			return nil, err
		}

		if err := p.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, &errors.RetriesExhaustedError{Provider: provider, Attempts: p.maxAttempts, Last: lastErr}
}
