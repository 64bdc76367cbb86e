package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// Window is the length of the rolling statistics window
	Window time.Duration
	// VolumeThreshold is the minimum number of calls in the window before the
	// breaker may trip
	VolumeThreshold int
	// ErrorThresholdPercentage is the failure percentage that trips the breaker
	ErrorThresholdPercentage float64
	// Cooldown is how long the breaker stays open before allowing a probe
	Cooldown time.Duration
	// CallTimeout bounds every wrapped call. Zero disables the timeout.
	CallTimeout time.Duration
	// OnStateChange is called with the breaker lock held; it must not block.
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Now overrides the clock, for tests
	Now    func() time.Time
	Logger *logging.Logger
}

// Counts summarizes the outcomes currently inside the rolling window
type Counts struct {
	Requests  uint32
	Successes uint32
	Failures  uint32
}

// FailureRate returns the failure percentage of the window
func (c Counts) FailureRate() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.Failures) * 100 / float64(c.Requests)
}

type outcome struct {
	at     time.Time
	failed bool
}

// CircuitBreaker is a state machine that stops calls to a backend whose
// recent failure rate is too high
type CircuitBreaker struct {
	name            string
	window          time.Duration
	volumeThreshold int
	errorPercentage float64
	cooldown        time.Duration
	callTimeout     time.Duration
	onStateChange   func(name string, from CircuitState, to CircuitState)
	now             func() time.Time

	mutex         sync.Mutex
	state         CircuitState
	generation    uint64
	outcomes      []outcome
	expiry        time.Time
	probeInFlight bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:            config.Name,
		window:          config.Window,
		volumeThreshold: config.VolumeThreshold,
		errorPercentage: config.ErrorThresholdPercentage,
		cooldown:        config.Cooldown,
		callTimeout:     config.CallTimeout,
		onStateChange:   config.OnStateChange,
		now:             config.Now,
		logger:          config.Logger,
	}

	if cb.window <= 0 {
		cb.window = 300 * time.Second
	}
	if cb.volumeThreshold <= 0 {
		cb.volumeThreshold = 5
	}
	if cb.errorPercentage <= 0 {
		cb.errorPercentage = 50
	}
	if cb.cooldown <= 0 {
		cb.cooldown = 300 * time.Second
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	if cb.logger == nil {
		cb.logger = logging.GetLogger()
	}

	cb.toNewGeneration(cb.now())
	return cb
}

type callResult struct {
	value interface{}
	err   error
}

// Execute runs req if the breaker admits it. The call is abandoned after the
// configured timeout; a timeout is reported as a TimeoutFailure and counts
// against the breaker. Cancellation of ctx by the caller is not counted.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	generation, err := cb.beforeRequest()
	if err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := func() {}
	if cb.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cb.callTimeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("panic in circuit breaker %s: %v", cb.name, r)}
			}
		}()
		v, err := req(callCtx)
		done <- callResult{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err == nil {
			cb.afterRequest(generation, true, true)
			return res.value, nil
		}
		if ctx.Err() != nil {
			cb.afterRequest(generation, false, false)
			return nil, res.err
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			cb.afterRequest(generation, false, true)
			return nil, cb.timeoutError()
		}
		cb.afterRequest(generation, false, true)
		return nil, res.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			cb.afterRequest(generation, false, false)
			return nil, ctx.Err()
		}
		cb.afterRequest(generation, false, true)
		return nil, cb.timeoutError()
	}
}

func (cb *CircuitBreaker) timeoutError() error {
	return apperrors.NewTimeoutFailure(cb.name, fmt.Sprintf("call timed out after %s", cb.callTimeout))
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, _ := cb.currentState(cb.now())
	return state
}

// IsOpen reports whether calls are currently short-circuited
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

// Counts returns the outcome counts inside the rolling window
func (cb *CircuitBreaker) Counts() Counts {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.prune(cb.now())
	return cb.countsLocked()
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	state, generation := cb.currentState(cb.now())

	switch state {
	case StateOpen:
		return generation, &CircuitBreakerError{Name: cb.name, State: state}
	case StateHalfOpen:
		if cb.probeInFlight {
			return generation, &CircuitBreakerError{Name: cb.name, State: state}
		}
		cb.probeInFlight = true
	}

	return generation, nil
}

// afterRequest records an outcome. Outcomes from an older generation are
// dropped so a slow call cannot flip a breaker that has since moved on.
func (cb *CircuitBreaker) afterRequest(before uint64, success, counted bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := cb.now()
	state, generation := cb.currentState(now)
	if generation != before {
		return
	}

	if state == StateHalfOpen {
		cb.probeInFlight = false
	}
	if !counted {
		return
	}

	if success {
		cb.onSuccess(state, now)
	} else {
		cb.onFailure(state, now)
	}
}

func (cb *CircuitBreaker) onSuccess(state CircuitState, now time.Time) {
	if state == StateHalfOpen {
		cb.setState(StateClosed, now)
		return
	}
	cb.record(now, false)
}

func (cb *CircuitBreaker) onFailure(state CircuitState, now time.Time) {
	switch state {
	case StateHalfOpen:
		cb.setState(StateOpen, now)
	case StateClosed:
		cb.record(now, true)
		counts := cb.countsLocked()
		if int(counts.Requests) >= cb.volumeThreshold && counts.FailureRate() >= cb.errorPercentage {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) record(now time.Time, failed bool) {
	cb.prune(now)
	cb.outcomes = append(cb.outcomes, outcome{at: now, failed: failed})
}

func (cb *CircuitBreaker) prune(now time.Time) {
	cutoff := now.Add(-cb.window)
	i := 0
	for i < len(cb.outcomes) && !cb.outcomes[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		cb.outcomes = append(cb.outcomes[:0], cb.outcomes[i:]...)
	}
}

func (cb *CircuitBreaker) countsLocked() Counts {
	var c Counts
	for _, o := range cb.outcomes {
		c.Requests++
		if o.failed {
			c.Failures++
		} else {
			c.Successes++
		}
	}
	return c
}

func (cb *CircuitBreaker) currentState(now time.Time) (CircuitState, uint64) {
	if cb.state == StateOpen && !cb.expiry.After(now) {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state, cb.generation
}

func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	counts := cb.countsLocked()
	cb.state = state

	cb.toNewGeneration(now)

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"window_requests", counts.Requests,
		"window_failures", counts.Failures,
	)
}

// toNewGeneration resets the window. Entering OPEN starts the cooldown.
func (cb *CircuitBreaker) toNewGeneration(now time.Time) {
	cb.generation++
	cb.outcomes = nil
	cb.probeInFlight = false

	if cb.state == StateOpen {
		cb.expiry = now.Add(cb.cooldown)
	} else {
		cb.expiry = time.Time{}
	}
}

// CircuitBreakerError represents an error when the circuit breaker rejects a call
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}
