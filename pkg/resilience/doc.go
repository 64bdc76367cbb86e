// Package resilience guards every outbound provider call.
//
// Each provider gets its own Limiter, CircuitBreaker and RetryPolicy. A call
// is scheduled on the limiter, executed through the breaker, and the whole
// scheduled call is retried by the policy:
//
//	report, err := policy.Execute(ctx, "openai", func(ctx context.Context) (interface{}, error) {
//		var out interface{}
//		err := limiter.Schedule(ctx, func(ctx context.Context) error {
//			var callErr error
//			out, callErr = breaker.Execute(ctx, adapter.Call)
//			return callErr
//		})
//		return out, err
//	})
//
// # Circuit Breaker
//
// The breaker keeps a rolling window of outcomes and opens once the window
// holds at least VolumeThreshold calls with a failure percentage at or above
// ErrorThresholdPercentage. After Cooldown it admits a single probe.
//
// # Rate Limiter
//
// The limiter bounds concurrent calls with a FIFO semaphore and spaces call
// starts by ceil(1000/RPS) ms, or 60000/RPM ms when no RPS is set.
//
// # Alerting
//
// AlertManager fans alerts out to handlers such as the Discord notifier.
// BreakerAlerter adapts it to the breaker's OnStateChange hook.
package resilience
