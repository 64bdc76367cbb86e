package orchestrator

import (
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/types"
)

// JobTypeReport is the queue job type for report generation
const JobTypeReport = "report"

// Request outcomes returned by Service.RequestReport
const (
	RequestStatusCompleted = "completed"
	RequestStatusQueued    = "queued"
)

// JobPayload is the queued work item for one report
type JobPayload struct {
	JobID       string            `json:"jobId"`
	Input       types.PromptInput `json:"input"`
	Fingerprint string            `json:"fingerprint"`
	Priority    queue.Priority    `json:"priority"`
	CallbackURL string            `json:"callbackUrl,omitempty"`
}

// RequestOptions tunes one report request
type RequestOptions struct {
	Priority    queue.Priority
	CallbackURL string
}

// RequestResponse is what a caller gets back from RequestReport: either a
// cached report or the id of the job that will produce it
type RequestResponse struct {
	Status string        `json:"status"`
	Cached bool          `json:"cached"`
	Stale  bool          `json:"stale,omitempty"`
	Data   *types.Report `json:"data,omitempty"`
	JobID  string        `json:"jobId,omitempty"`
}

// JobView is the polling view of a queued job
type JobView struct {
	ID       string          `json:"id"`
	Status   queue.JobStatus `json:"status"`
	Progress int             `json:"progress"`
	Data     *types.Report   `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}
