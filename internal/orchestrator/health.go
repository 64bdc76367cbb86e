package orchestrator

import (
	"context"
	"fmt"

	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/health"
)

// ProviderChecker reports provider availability to the readiness endpoint.
// In template mode a pool with no available provider still answers with the
// fallback report, so it is degraded rather than unhealthy.
func (o *Orchestrator) ProviderChecker() *health.CustomChecker {
	return health.NewCustomChecker("providers", func(ctx context.Context) (health.Status, string, error) {
		statuses := o.ProviderHealth()
		available := 0
		for _, st := range statuses {
			if st.Healthy {
				available++
			}
		}
		message := fmt.Sprintf("%d of %d providers available", available, len(statuses))

		switch {
		case len(statuses) > 0 && available == len(statuses):
			return health.StatusHealthy, message, nil
		case available > 0 || o.fallbackMode != config.FallbackModeFail:
			return health.StatusDegraded, message, nil
		default:
			return health.StatusUnhealthy, message, nil
		}
	}).WithMetadata(map[string]string{"fallback_mode": string(o.fallbackMode)})
}
