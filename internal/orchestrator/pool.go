package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/commitdiary/stepper/internal/providers"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/resilience"
)

// Provider probe statuses
const (
	ProbeStatusHealthy   = "healthy"
	ProbeStatusUnhealthy = "unhealthy"
	ProbeStatusUnknown   = "unknown"
)

// ProviderRuntime owns everything that guards calls to one provider. It is
// shared by every job for the life of the process.
type ProviderRuntime struct {
	config  config.ProviderConfig
	adapter providers.Adapter
	limiter *resilience.Limiter
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryPolicy

	consecutiveErrors atomic.Int64
}

// RuntimeOptions carries the policies shared by every provider runtime
type RuntimeOptions struct {
	Retry   config.RetryConfig
	Circuit config.CircuitConfig
	// Alerts receives breaker transitions. May be nil.
	Alerts *resilience.AlertManager
	// Sleep, Jitter and Now override timing, for tests
	Sleep  resilience.SleepFunc
	Jitter func(max time.Duration) time.Duration
	Now    func() time.Time
	Logger *logging.Logger
}

// NewProviderRuntime wires one adapter to its limiter, breaker and retry policy
func NewProviderRuntime(cfg config.ProviderConfig, adapter providers.Adapter, opts RuntimeOptions) *ProviderRuntime {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	name := cfg.Name
	if name == "" {
		name = adapter.Name()
		cfg.Name = name
	}

	return &ProviderRuntime{
		config:  cfg,
		adapter: adapter,
		limiter: resilience.NewLimiter(resilience.LimiterConfig{
			Name:          name,
			MaxConcurrent: cfg.Concurrency,
			RPS:           cfg.RPS,
			RPM:           cfg.RPM,
		}),
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:                     name,
			Window:                   opts.Circuit.Window,
			VolumeThreshold:          opts.Circuit.FailureThreshold,
			ErrorThresholdPercentage: opts.Circuit.ErrorThresholdPercentage,
			Cooldown:                 opts.Circuit.Cooldown,
			CallTimeout:              cfg.Timeout,
			OnStateChange:            resilience.BreakerAlerter(opts.Alerts),
			Now:                      opts.Now,
			Logger:                   logger,
		}),
		retry: resilience.NewRetryPolicy(resilience.RetryPolicyConfig{
			MaxAttempts:       opts.Retry.MaxAttemptsPerProvider,
			BaseDelay:         opts.Retry.BaseDelay,
			MaxJitter:         opts.Retry.MaxJitter,
			RateLimitFallback: opts.Retry.RateLimitFallback,
			Sleep:             opts.Sleep,
			Jitter:            opts.Jitter,
			Logger:            logger,
		}),
	}
}

// Name returns the provider name
func (r *ProviderRuntime) Name() string {
	return r.config.Name
}

// Breaker returns the provider's circuit breaker
func (r *ProviderRuntime) Breaker() *resilience.CircuitBreaker {
	return r.breaker
}

// Limiter returns the provider's admission gate
func (r *ProviderRuntime) Limiter() *resilience.Limiter {
	return r.limiter
}

// ConsecutiveErrors returns the failures since the last success
func (r *ProviderRuntime) ConsecutiveErrors() int64 {
	return r.consecutiveErrors.Load()
}

// call runs one guarded request: limiter, then retries, then the breaker
// around each adapter call
func (r *ProviderRuntime) call(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := r.limiter.Schedule(ctx, func(ctx context.Context) error {
		var err error
		result, err = r.retry.Execute(ctx, r.Name(), func(ctx context.Context) (interface{}, error) {
			return r.breaker.Execute(ctx, fn)
		})
		return err
	})
	return result, err
}

// ProbeResult is the outcome of the last provider probe
type ProbeResult struct {
	Status       string    `json:"status"`
	LastCheck    time.Time `json:"last_check"`
	LastError    string    `json:"last_error,omitempty"`
	CheckCount   int64     `json:"check_count"`
	FailureCount int64     `json:"failure_count"`
}

// Pool is the ordered set of provider runtimes. Order is priority.
type Pool struct {
	runtimes []*ProviderRuntime
	byName   map[string]*ProviderRuntime
	probes   map[string]ProbeResult
	mu       sync.RWMutex
	logger   *logging.Logger
}

// NewPool builds a pool from runtimes already in priority order
func NewPool(runtimes []*ProviderRuntime, logger *logging.Logger) (*Pool, error) {
	if logger == nil {
		logger = logging.GetLogger()
	}

	p := &Pool{
		runtimes: make([]*ProviderRuntime, 0, len(runtimes)),
		byName:   make(map[string]*ProviderRuntime, len(runtimes)),
		probes:   make(map[string]ProbeResult, len(runtimes)),
		logger:   logger,
	}
	for _, rt := range runtimes {
		if rt == nil {
			return nil, errors.NewValidationError("provider runtime cannot be nil")
		}
		if _, exists := p.byName[rt.Name()]; exists {
			return nil, errors.NewValidationError(fmt.Sprintf("provider %s is already registered", rt.Name()))
		}
		p.runtimes = append(p.runtimes, rt)
		p.byName[rt.Name()] = rt
		p.probes[rt.Name()] = ProbeResult{Status: ProbeStatusUnknown}
	}

	logger.Info("Providers initialized", "provider_count", len(p.runtimes), "names", p.Names())
	return p, nil
}

// NewPoolFromConfig builds adapters and runtimes for every enabled provider.
// Providers whose adapter cannot be built are logged and skipped.
func NewPoolFromConfig(configs []config.ProviderConfig, adapterOpts providers.Options, opts RuntimeOptions) (*Pool, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	runtimes := make([]*ProviderRuntime, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		adapter, err := providers.NewAdapter(cfg, adapterOpts)
		if err != nil {
			logger.Error("Failed to create provider adapter", "provider", cfg.Name, "error", err.Error())
			continue
		}
		runtimes = append(runtimes, NewProviderRuntime(cfg, adapter, opts))
	}
	return NewPool(runtimes, logger)
}

// Runtimes returns the runtimes in priority order
func (p *Pool) Runtimes() []*ProviderRuntime {
	return p.runtimes
}

// Get retrieves a runtime by provider name
func (p *Pool) Get(name string) (*ProviderRuntime, error) {
	rt, ok := p.byName[name]
	if !ok {
		return nil, errors.NewNotFoundError("provider")
	}
	return rt, nil
}

// Names returns the provider names in priority order
func (p *Pool) Names() []string {
	names := make([]string, 0, len(p.runtimes))
	for _, rt := range p.runtimes {
		names = append(names, rt.Name())
	}
	return names
}

// Probe runs the adapter's liveness probe, if it has one, and records the
// outcome. Probes never touch the breaker.
func (p *Pool) Probe(ctx context.Context, name string) error {
	rt, err := p.Get(name)
	if err != nil {
		return err
	}

	var probeErr error
	if hc, ok := rt.adapter.(providers.HealthChecker); ok {
		probeErr = hc.HealthCheck(ctx)
	}

	p.mu.Lock()
	result := p.probes[name]
	result.LastCheck = time.Now()
	result.CheckCount++
	if probeErr != nil {
		result.Status = ProbeStatusUnhealthy
		result.LastError = probeErr.Error()
		result.FailureCount++
	} else {
		result.Status = ProbeStatusHealthy
		result.LastError = ""
	}
	p.probes[name] = result
	p.mu.Unlock()

	return probeErr
}

// ProbeAll probes every provider and returns the last error seen
func (p *Pool) ProbeAll(ctx context.Context) error {
	var lastErr error
	for _, rt := range p.runtimes {
		if err := p.Probe(ctx, rt.Name()); err != nil {
			p.logger.Warn("Provider probe failed", "provider", rt.Name(), "error", err.Error())
			lastErr = err
		}
	}
	return lastErr
}

// ProbeResult returns the last probe outcome for a provider
func (p *Pool) ProbeResult(name string) (ProbeResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result, ok := p.probes[name]
	if !ok {
		return ProbeResult{}, errors.NewNotFoundError("provider")
	}
	return result, nil
}
