package orchestrator

import (
	"fmt"

	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/types"
)

// Listeners are optional hooks into the report lifecycle. A panicking
// listener is logged and never affects the request.
type Listeners struct {
	OnEnqueue         func(jobID string, input *types.PromptInput, fingerprint string)
	OnStart           func(jobID string, input *types.PromptInput)
	OnProviderAttempt func(jobID, provider string, attempt types.ProviderAttempt)
	OnSuccess         func(jobID, provider string, report *types.Report, timings types.Timings)
	OnFallback        func(jobID string, report *types.Report, attempts []types.ProviderAttempt)
	OnFailure         func(jobID string, err error, attempts []types.ProviderAttempt)
}

func safeInvoke(logger *logging.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Listener panicked", "listener", name, "panic", fmt.Sprint(r))
		}
	}()
	fn()
}

func (l Listeners) enqueue(logger *logging.Logger, jobID string, input *types.PromptInput, fingerprint string) {
	if l.OnEnqueue == nil {
		return
	}
	safeInvoke(logger, "OnEnqueue", func() { l.OnEnqueue(jobID, input, fingerprint) })
}

func (l Listeners) start(logger *logging.Logger, jobID string, input *types.PromptInput) {
	if l.OnStart == nil {
		return
	}
	safeInvoke(logger, "OnStart", func() { l.OnStart(jobID, input) })
}

func (l Listeners) providerAttempt(logger *logging.Logger, jobID, provider string, attempt types.ProviderAttempt) {
	if l.OnProviderAttempt == nil {
		return
	}
	safeInvoke(logger, "OnProviderAttempt", func() { l.OnProviderAttempt(jobID, provider, attempt) })
}

func (l Listeners) success(logger *logging.Logger, jobID, provider string, report *types.Report, timings types.Timings) {
	if l.OnSuccess == nil {
		return
	}
	safeInvoke(logger, "OnSuccess", func() { l.OnSuccess(jobID, provider, report, timings) })
}

func (l Listeners) fallback(logger *logging.Logger, jobID string, report *types.Report, attempts []types.ProviderAttempt) {
	if l.OnFallback == nil {
		return
	}
	safeInvoke(logger, "OnFallback", func() { l.OnFallback(jobID, report, attempts) })
}

func (l Listeners) failure(logger *logging.Logger, jobID string, err error, attempts []types.ProviderAttempt) {
	if l.OnFailure == nil {
		return
	}
	safeInvoke(logger, "OnFailure", func() { l.OnFailure(jobID, err, attempts) })
}
