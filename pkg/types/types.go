package types

import "strings"

// CallbackRetry configures redelivery of one result callback
type CallbackRetry struct {
	MaxAttempts int `json:"maxAttempts"`
	BackoffMs   int `json:"backoffMs"`
}

// Callback is a caller-registered endpoint that receives the raw report
type Callback struct {
	URL               string            `json:"url"`
	Headers           map[string]string `json:"headers,omitempty"`
	ContinueOnFailure bool              `json:"continueOnFailure,omitempty"`
	Retry             *CallbackRetry    `json:"retry,omitempty"`
}

// PromptInput is the normalized request for one commit report
type PromptInput struct {
	UserID      string     `json:"userId"`
	CommitSHA   string     `json:"commitSha"`
	Repo        string     `json:"repo"`
	Message     string     `json:"message"`
	Files       []string   `json:"files"`
	Components  []string   `json:"components"`
	DiffSummary string     `json:"diffSummary"`
	Template    string     `json:"template,omitempty"`
	Callbacks   []Callback `json:"callbacks,omitempty"`
}

// MissingFields returns the names of the required fields that are empty
func (p *PromptInput) MissingFields() []string {
	var missing []string
	if strings.TrimSpace(p.UserID) == "" {
		missing = append(missing, "userId")
	}
	if strings.TrimSpace(p.CommitSHA) == "" {
		missing = append(missing, "commitSha")
	}
	if strings.TrimSpace(p.Repo) == "" {
		missing = append(missing, "repo")
	}
	if strings.TrimSpace(p.Message) == "" {
		missing = append(missing, "message")
	}
	return missing
}

// Report is the structured analysis returned by a provider or the fallback
type Report struct {
	Title          string   `json:"title"`
	Summary        string   `json:"summary"`
	Changes        []string `json:"changes"`
	Rationale      string   `json:"rationale"`
	ImpactAndTests string   `json:"impact_and_tests"`
	NextSteps      []string `json:"next_steps"`
	Tags           string   `json:"tags"`
}

// Skip reasons recorded on ProviderAttempt
const (
	SkipCircuitOpen = "circuit_open"
)

// ProviderAttempt records what happened with one provider for one request.
// Retries within a provider collapse into a single record.
type ProviderAttempt struct {
	Provider      string `json:"provider"`
	AttemptNumber int    `json:"attemptNumber"`
	Error         string `json:"error,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	DurationMs    int64  `json:"durationMs,omitempty"`
	Skipped       string `json:"skipped,omitempty"`
}

// Timings is the latency breakdown of one request
type Timings struct {
	TotalMs    int64 `json:"totalMs"`
	ProviderMs int64 `json:"providerMs,omitempty"`
}

// FallbackProvider is the UsedProvider value of a synthesized report
const FallbackProvider = "fallback"

// ReportResult is the outcome of one orchestrated request
type ReportResult struct {
	Result             *Report           `json:"result"`
	UsedProvider       string            `json:"usedProvider"`
	ProvidersAttempted []ProviderAttempt `json:"providersAttempted"`
	Fallback           bool              `json:"fallback"`
	Timings            Timings           `json:"timings"`
}
