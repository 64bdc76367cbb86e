package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/commitdiary/stepper/pkg/types"
)

// FailureKind classifies a provider failure. The retry policy dispatches on it.
type FailureKind string

const (
	KindAuth            FailureKind = "AUTH_ERROR"
	KindRateLimit       FailureKind = "RATE_LIMIT"
	KindTimeout         FailureKind = "TIMEOUT"
	KindUnavailable     FailureKind = "UNAVAILABLE"
	KindInvalidResponse FailureKind = "INVALID_RESPONSE"
	KindUnknown         FailureKind = "UNKNOWN"
)

// ProviderError is the only error type a provider adapter returns.
type ProviderError struct {
	Kind       FailureKind
	Provider   string
	StatusCode int
	// Code carries a transport-level detail such as NETWORK_ERROR.
	Code       string
	RetryAfter time.Duration
	Message    string
	Cause      error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		fmt.Fprintf(&b, "[%s] ", e.Provider)
	}
	b.WriteString(string(e.Kind))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (%d)", e.StatusCode)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether a generic backoff retry may help.
func (e *ProviderError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindUnavailable
}

func NewAuthFailure(provider string, status int, message string) *ProviderError {
	return &ProviderError{Kind: KindAuth, Provider: provider, StatusCode: status, Message: message}
}

// NewRateLimitFailure builds a 429 failure. A zero retryAfter means the
// provider gave no hint.
func NewRateLimitFailure(provider string, retryAfter time.Duration, message string) *ProviderError {
	return &ProviderError{Kind: KindRateLimit, Provider: provider, StatusCode: 429, RetryAfter: retryAfter, Message: message}
}

func NewTimeoutFailure(provider, message string) *ProviderError {
	return &ProviderError{Kind: KindTimeout, Provider: provider, StatusCode: 408, Code: "TIMEOUT", Message: message}
}

func NewUnavailableFailure(provider string, status int, message string) *ProviderError {
	return &ProviderError{Kind: KindUnavailable, Provider: provider, StatusCode: status, Message: message}
}

func NewInvalidResponseFailure(provider, message string) *ProviderError {
	return &ProviderError{Kind: KindInvalidResponse, Provider: provider, Message: message}
}

func NewProviderFailure(provider string, status int, message string) *ProviderError {
	return &ProviderError{Kind: KindUnknown, Provider: provider, StatusCode: status, Message: message}
}

// AsProviderError finds the first ProviderError in the chain
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if stderrors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// KindOf returns the failure kind of err, KindUnknown for unclassified errors.
func KindOf(err error) FailureKind {
	if pe, ok := AsProviderError(err); ok {
		return pe.Kind
	}
	return KindUnknown
}

// RetriesExhaustedError is returned once a provider used up its attempts.
type RetriesExhaustedError struct {
	Provider string
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("provider %s: retries exhausted after %d attempts: %v", e.Provider, e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Last
}

// ProviderFailureSummary is one line of an AllProvidersFailedError.
type ProviderFailureSummary struct {
	Provider string
	Reason   string
}

// AllProvidersFailedError reports that every provider in the pool was
// skipped or failed for one request.
type AllProvidersFailedError struct {
	Failures []ProviderFailureSummary
	// Attempts is the attempt history of the request, in pool order
	Attempts []types.ProviderAttempt
}

func (e *AllProvidersFailedError) Error() string {
	if len(e.Failures) == 0 {
		return "all providers failed: no providers available"
	}
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Provider+": "+f.Reason)
	}
	return "all providers failed: " + strings.Join(parts, "; ")
}

// IsAllProvidersFailed reports whether err wraps an AllProvidersFailedError
func IsAllProvidersFailed(err error) bool {
	var target *AllProvidersFailedError
	return stderrors.As(err, &target)
}

// AttemptsOf returns the attempt history carried by err, if any
func AttemptsOf(err error) []types.ProviderAttempt {
	var target *AllProvidersFailedError
	if stderrors.As(err, &target) {
		return target.Attempts
	}
	return nil
}
