package providers

import (
	"fmt"

	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/logging"
)

// NewAdapter builds the adapter for one configured provider
func NewAdapter(cfg config.ProviderConfig, opts Options) (Adapter, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("provider %s is disabled", cfg.Name)
	}

	spec, ok := LookupSpec(cfg.Name)
	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s", cfg.Name)
	}
	if spec.BaseURL == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider %s requires a base URL", cfg.Name)
	}

	return NewHTTPAdapter(spec, cfg, opts), nil
}

// NewAdapters builds adapters for every usable provider, preserving order.
// Providers that cannot be built are logged and skipped.
func NewAdapters(configs []config.ProviderConfig, opts Options) []Adapter {
	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	adapters := make([]Adapter, 0, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			logger.Debug("Provider disabled in configuration", "provider", cfg.Name)
			continue
		}
		adapter, err := NewAdapter(cfg, opts)
		if err != nil {
			logger.Error("Failed to create provider adapter", "provider", cfg.Name, "error", err.Error())
			continue
		}
		adapters = append(adapters, adapter)
	}
	return adapters
}
