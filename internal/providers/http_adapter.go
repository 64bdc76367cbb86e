package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/commitdiary/stepper/internal/validation"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/types"
)

const (
	defaultTimeout     = 15 * time.Second
	healthCheckTimeout = 5 * time.Second
	maxResponseBytes   = 4 << 20
)

// HTTPAdapter calls any provider described by a Spec
type HTTPAdapter struct {
	spec    Spec
	baseURL string
	model   string
	apiKey  string
	headers map[string]string

	client  *http.Client
	prompts PromptBuilder
	logger  *logging.Logger
}

// Options carries the process-wide adapter settings
type Options struct {
	Redact bool
	Logger *logging.Logger
	// Client overrides the per-adapter http.Client, mostly for tests.
	Client *http.Client
}

// NewHTTPAdapter binds a spec to one provider configuration
func NewHTTPAdapter(spec Spec, cfg config.ProviderConfig, opts Options) *HTTPAdapter {
	timeout := cfg.Timeout
	if timeout <= 0 && spec.DefaultTimeoutMs > 0 {
		timeout = time.Duration(spec.DefaultTimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.GetLogger()
	}

	a := &HTTPAdapter{
		spec:    spec,
		baseURL: strings.TrimRight(firstNonEmpty(cfg.BaseURL, spec.BaseURL), "/"),
		model:   firstNonEmpty(cfg.Model, spec.DefaultModel),
		apiKey:  cfg.APIKey,
		headers: make(map[string]string, len(spec.Headers)+len(cfg.Headers)),
		client:  client,
		prompts: PromptBuilder{Redact: opts.Redact},
		logger:  logger,
	}
	for k, v := range spec.Headers {
		a.headers[k] = v
	}
	for k, v := range cfg.Headers {
		a.headers[k] = v
	}
	return a
}

// Name returns the provider name
func (a *HTTPAdapter) Name() string {
	return a.spec.Name
}

// Call sends the prompt and returns the validated report
func (a *HTTPAdapter) Call(ctx context.Context, input *types.PromptInput) (*types.Report, error) {
	prompt, err := a.prompts.Build(a.spec.Prompt, input)
	if err != nil {
		return nil, errors.NewProviderFailure(a.spec.Name, 0, err.Error())
	}

	payload, err := json.Marshal(a.spec.BuildBody(prompt, a.model))
	if err != nil {
		return nil, errors.NewProviderFailure(a.spec.Name, 0, fmt.Sprintf("failed to encode request: %v", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpointURL(), bytes.NewReader(payload))
	if err != nil {
		return nil, errors.NewProviderFailure(a.spec.Name, 0, fmt.Sprintf("failed to create request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, classifyTransport(ctx, a.spec.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, classifyTransport(ctx, a.spec.Name, err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(a.spec.Name, resp)
	}

	text := a.extractText(body)
	if text == "" {
		return nil, errors.NewInvalidResponseFailure(a.spec.Name, "Provider response missing expected content")
	}

	report, err := validation.ParseAndValidate(text)
	if err != nil {
		reason := err.Error()
		if appErr, ok := errors.AsAppError(err); ok {
			reason = appErr.Message
		}
		a.logger.Warn("Provider returned invalid report",
			"provider", a.spec.Name,
			"error", reason,
			"response_preview", preview(text, 200),
		)
		return nil, errors.NewInvalidResponseFailure(a.spec.Name, "Validation failed: "+reason)
	}

	return report, nil
}

// HealthCheck probes the provider's health endpoint. Providers without one
// are always reported healthy.
func (a *HTTPAdapter) HealthCheck(ctx context.Context) error {
	if a.spec.HealthPath == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+a.spec.HealthPath, nil)
	if err != nil {
		return err
	}
	a.authorize(req)

	resp, err := a.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, a.spec.Name, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return classifyStatus(a.spec.Name, resp)
	}
	return nil
}

func (a *HTTPAdapter) endpointURL() string {
	endpoint := strings.ReplaceAll(a.spec.Endpoint, "{model}", a.model)
	target := a.baseURL + endpoint
	if a.spec.Auth == AuthQuery && a.apiKey != "" {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + "key=" + url.QueryEscape(a.apiKey)
	}
	return target
}

func (a *HTTPAdapter) authorize(req *http.Request) {
	switch a.spec.Auth {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	case AuthOptionalBearer:
		if a.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+a.apiKey)
		}
	case AuthHeader:
		req.Header.Set(a.spec.AuthHeader, a.apiKey)
	}
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}
}

// extractText returns the first non-empty value among the spec's text
// paths. Object values are returned as raw JSON.
func (a *HTTPAdapter) extractText(body []byte) string {
	if !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range a.spec.TextPaths {
		result := gjson.GetBytes(body, path)
		if !result.Exists() {
			continue
		}
		text := result.String()
		if result.IsObject() {
			text = result.Raw
		}
		if strings.TrimSpace(text) != "" {
			return text
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
