package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/commitdiary/stepper/internal/fallback"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/metrics"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/tracing"
	"github.com/commitdiary/stepper/pkg/types"
)

// errorCodeCircuitOpen marks a breaker rejection that happened mid-request
const errorCodeCircuitOpen = "CIRCUIT_OPEN"

// Config holds the collaborators of an Orchestrator. Only Pool is required.
type Config struct {
	FallbackMode config.FallbackMode
	Listeners    Listeners
	Alerts       *resilience.AlertManager
	Metrics      *metrics.Metrics
	Tracer       *tracing.TracingService
	Callbacks    *CallbackDeliverer
	Logger       *logging.Logger
	Now          func() time.Time
}

// Orchestrator walks the provider pool in priority order until one provider
// produces a report
type Orchestrator struct {
	pool         *Pool
	fallbackMode config.FallbackMode
	listeners    Listeners
	alerts       *resilience.AlertManager
	metrics      *metrics.Metrics
	tracer       *tracing.TracingService
	callbacks    *CallbackDeliverer
	logger       *logging.Logger
	now          func() time.Time
}

// ProviderStatus is the health view of one provider
type ProviderStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	State             string `json:"state"`
	ConsecutiveErrors int64  `json:"consecutiveErrors"`
	// InFlight and Waiting are the provider limiter's current load
	InFlight int64 `json:"inFlight"`
	Waiting  int64 `json:"waiting"`
}

// NewOrchestrator creates an orchestrator over pool
func NewOrchestrator(pool *Pool, cfg Config) *Orchestrator {
	o := &Orchestrator{
		pool:         pool,
		fallbackMode: cfg.FallbackMode,
		listeners:    cfg.Listeners,
		alerts:       cfg.Alerts,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		callbacks:    cfg.Callbacks,
		logger:       cfg.Logger,
		now:          cfg.Now,
	}
	if o.fallbackMode == "" {
		o.fallbackMode = config.FallbackModeTemplate
	}
	if o.logger == nil {
		o.logger = logging.GetLogger()
	}
	if o.tracer == nil {
		o.tracer, _ = tracing.NewTracingService(nil)
	}
	if o.callbacks == nil {
		o.callbacks = NewCallbackDeliverer(nil, o.logger)
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Pool returns the provider pool
func (o *Orchestrator) Pool() *Pool {
	return o.pool
}

// Listeners returns the registered lifecycle hooks
func (o *Orchestrator) Listeners() Listeners {
	return o.listeners
}

// Generate produces a report for input. Provider failures are absorbed; an
// error is returned only when every provider failed and the fallback mode
// is fail, or when ctx ends.
func (o *Orchestrator) Generate(ctx context.Context, input *types.PromptInput, jobID string) (*types.ReportResult, error) {
	start := o.now()
	ctx = logging.WithJobID(ctx, jobID)
	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.generate")
	defer span.End()

	o.listeners.start(o.logger, jobID, input)

	attempts := make([]types.ProviderAttempt, 0, len(o.pool.Runtimes()))
	var failures []errors.ProviderFailureSummary

	for _, rt := range o.pool.Runtimes() {
		name := rt.Name()

		if rt.breaker.IsOpen() {
			o.logger.Info("Skipping provider, circuit open", "provider", name, "job_id", jobID)
			attempts = append(attempts, types.ProviderAttempt{
				Provider:      name,
				AttemptNumber: 0,
				Skipped:       types.SkipCircuitOpen,
			})
			failures = append(failures, errors.ProviderFailureSummary{Provider: name, Reason: types.SkipCircuitOpen})
			continue
		}

		o.listeners.providerAttempt(o.logger, jobID, name, types.ProviderAttempt{Provider: name, AttemptNumber: 1})

		report, duration, err := o.callProvider(ctx, rt, input)
		if err == nil {
			rt.consecutiveErrors.Store(0)
			o.metrics.RecordProviderRequest(name, "success", duration)

			attempts = append(attempts, types.ProviderAttempt{
				Provider:      name,
				AttemptNumber: 1,
				DurationMs:    duration.Milliseconds(),
			})
			timings := types.Timings{
				TotalMs:    o.now().Sub(start).Milliseconds(),
				ProviderMs: duration.Milliseconds(),
			}

			o.logger.LogProviderEvent(ctx, "provider_success", name, true, logrus.Fields{
				"total_ms":    timings.TotalMs,
				"provider_ms": timings.ProviderMs,
			})
			o.listeners.success(o.logger, jobID, name, report, timings)
			o.callbacks.Deliver(ctx, jobID, input.Callbacks, report)

			return &types.ReportResult{
				Result:             report,
				UsedProvider:       name,
				ProvidersAttempted: attempts,
				Fallback:           false,
				Timings:            timings,
			}, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		consecutive := rt.consecutiveErrors.Add(1)
		code := errorCode(err)
		o.metrics.RecordProviderRequest(name, "failure", duration)
		o.metrics.RecordProviderFailure(name, code)

		attempts = append(attempts, types.ProviderAttempt{
			Provider:      name,
			AttemptNumber: 1,
			Error:         err.Error(),
			ErrorCode:     code,
		})
		failures = append(failures, errors.ProviderFailureSummary{Provider: name, Reason: err.Error()})

		o.logger.LogProviderEvent(ctx, "provider_failure", name, false, logrus.Fields{
			"error":              err.Error(),
			"error_code":         code,
			"consecutive_errors": consecutive,
		})
		if o.alerts != nil {
			o.alerts.SendAsync(resilience.ProviderFailureAlert(name, consecutive, err))
		}
	}

	totalMs := o.now().Sub(start).Milliseconds()

	if o.fallbackMode == config.FallbackModeFail {
		err := &errors.AllProvidersFailedError{Failures: failures, Attempts: attempts}
		o.tracer.RecordError(span, err)
		o.logger.Warn("All providers failed", "job_id", jobID, "attempts", len(attempts), "total_ms", totalMs)
		o.listeners.failure(o.logger, jobID, err, attempts)
		return nil, err
	}

	o.logger.Warn("All providers failed, using fallback", "job_id", jobID, "attempts", len(attempts), "total_ms", totalMs)
	report := fallback.Build(input)
	o.listeners.fallback(o.logger, jobID, report, attempts)

	return &types.ReportResult{
		Result:             report,
		UsedProvider:       types.FallbackProvider,
		ProvidersAttempted: attempts,
		Fallback:           true,
		Timings:            types.Timings{TotalMs: totalMs},
	}, nil
}

func (o *Orchestrator) callProvider(ctx context.Context, rt *ProviderRuntime, input *types.PromptInput) (*types.Report, time.Duration, error) {
	ctx, span := o.tracer.StartProviderSpan(ctx, rt.Name())
	defer span.End()

	start := o.now()
	result, err := rt.call(ctx, func(ctx context.Context) (interface{}, error) {
		return rt.adapter.Call(ctx, input)
	})
	duration := o.now().Sub(start)
	if err != nil {
		o.tracer.RecordError(span, err)
		return nil, duration, err
	}

	report, ok := result.(*types.Report)
	if !ok || report == nil {
		err := errors.NewInvalidResponseFailure(rt.Name(), "provider returned no report")
		o.tracer.RecordError(span, err)
		return nil, duration, err
	}
	return report, duration, nil
}

func errorCode(err error) string {
	if resilience.IsCircuitBreakerError(err) {
		return errorCodeCircuitOpen
	}
	return string(errors.KindOf(err))
}

// ProviderHealth lists every provider with its breaker state and limiter
// load. A provider is healthy while its breaker is not open.
func (o *Orchestrator) ProviderHealth() []ProviderStatus {
	runtimes := o.pool.Runtimes()
	statuses := make([]ProviderStatus, 0, len(runtimes))
	for _, rt := range runtimes {
		state := rt.breaker.State()
		load := rt.limiter.Stats()
		statuses = append(statuses, ProviderStatus{
			Name:              rt.Name(),
			Healthy:           state != resilience.StateOpen,
			State:             state.String(),
			ConsecutiveErrors: rt.ConsecutiveErrors(),
			InFlight:          load.InFlight,
			Waiting:           load.Waiting,
		})
	}
	return statuses
}
