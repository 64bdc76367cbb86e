// Package providers talks to the text-generation backends. One data-driven
// HTTP adapter covers every provider; each provider is described by a Spec.
package providers

import (
	"context"

	"github.com/commitdiary/stepper/pkg/types"
)

// Adapter produces a validated report from one provider. Every error it
// returns is a *errors.ProviderError, except the caller's own context error.
type Adapter interface {
	Name() string
	Call(ctx context.Context, input *types.PromptInput) (*types.Report, error)
}

// HealthChecker is implemented by adapters that expose a liveness probe
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}
