package providers

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/commitdiary/stepper/pkg/errors"
)

// classifyStatus maps a non-2xx response onto a provider failure
func classifyStatus(provider string, resp *http.Response) *errors.ProviderError {
	status := resp.StatusCode
	message := fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewAuthFailure(provider, status, message)
	case status == http.StatusTooManyRequests:
		return errors.NewRateLimitFailure(provider, parseRetryAfter(resp.Header.Get("Retry-After")), message)
	case status == http.StatusRequestTimeout:
		return errors.NewTimeoutFailure(provider, message)
	case status >= 500:
		return errors.NewUnavailableFailure(provider, status, message)
	default:
		return errors.NewProviderFailure(provider, status, message)
	}
}

// parseRetryAfter reads an integer number of seconds. Anything else is
// treated as no hint.
func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// classifyTransport maps an http.Client error. The caller's own
// cancellation is returned as is so it never counts against the provider.
func classifyTransport(ctx context.Context, provider string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		failure := errors.NewTimeoutFailure(provider, "Request timeout")
		failure.Cause = err
		return failure
	}

	failure := errors.NewUnavailableFailure(provider, http.StatusServiceUnavailable, "Network error")
	failure.Code = "NETWORK_ERROR"
	failure.Cause = err
	return failure
}
