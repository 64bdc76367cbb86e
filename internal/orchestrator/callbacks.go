package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/types"
)

const defaultCallbackTimeout = 10 * time.Second

// CallbackDeliverer posts raw reports to the callbacks a caller attached to
// its request. Callbacks run in order; one that fails without
// ContinueOnFailure stops the rest.
type CallbackDeliverer struct {
	client *http.Client
	sleep  resilience.SleepFunc
	logger *logging.Logger
}

// NewCallbackDeliverer creates a deliverer. A nil client gets a 10s timeout.
func NewCallbackDeliverer(client *http.Client, logger *logging.Logger) *CallbackDeliverer {
	if client == nil {
		client = &http.Client{Timeout: defaultCallbackTimeout}
	}
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &CallbackDeliverer{
		client: client,
		sleep:  resilience.SleepContext,
		logger: logger,
	}
}

// Deliver sends report to every callback and returns how many succeeded.
// Failures are logged, never returned.
func (d *CallbackDeliverer) Deliver(ctx context.Context, jobID string, callbacks []types.Callback, report *types.Report) int {
	if len(callbacks) == 0 || report == nil {
		return 0
	}

	body, err := json.Marshal(report)
	if err != nil {
		d.logger.Error("Failed to encode callback body", "job_id", jobID, "error", err.Error())
		return 0
	}

	delivered := 0
	for i, cb := range callbacks {
		if err := d.deliverOne(ctx, cb, body); err != nil {
			d.logger.Warn("Callback delivery failed",
				"job_id", jobID,
				"callback_index", i,
				"continue_on_failure", cb.ContinueOnFailure,
				"error", err.Error(),
			)
			if !cb.ContinueOnFailure {
				break
			}
			continue
		}
		delivered++
	}
	return delivered
}

func (d *CallbackDeliverer) deliverOne(ctx context.Context, cb types.Callback, body []byte) error {
	maxAttempts, backoff := 1, time.Second
	if cb.Retry != nil {
		if cb.Retry.MaxAttempts > 0 {
			maxAttempts = cb.Retry.MaxAttempts
		}
		if cb.Retry.BackoffMs > 0 {
			backoff = time.Duration(cb.Retry.BackoffMs) * time.Millisecond
		}
	}

	retrier := resilience.NewRetrier(resilience.RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialDelay:    backoff,
		Backoff:         func(int) time.Duration { return backoff },
		RetryableErrors: func(err error) bool { return err != nil },
		Sleep:           d.sleep,
	})

	return retrier.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cb.URL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range cb.Headers {
			req.Header.Set(k, v)
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("callback returned status %d", resp.StatusCode)
		}
		return nil
	})
}
