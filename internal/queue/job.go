package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority represents job priority levels
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityMedium Priority = 5
	PriorityHigh   Priority = 10
)

// priorities lists the levels in dequeue order
var priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// NormalizePriority maps any value onto a level the queue dequeues. Zero
// means unset and becomes medium; other values round down to the nearest
// level, with anything below low treated as low.
func NormalizePriority(p Priority) Priority {
	switch {
	case p == 0:
		return PriorityMedium
	case p >= PriorityHigh:
		return PriorityHigh
	case p >= PriorityMedium:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// JobStatus represents the status of a job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusRetrying  JobStatus = "retrying"
)

// Job represents a job in the queue
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Priority    Priority        `json:"priority"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Progress    int             `json:"progress"`
	Result      json.RawMessage `json:"result,omitempty"`
	Metadata    JobMetadata     `json:"metadata"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ScheduledAt *time.Time      `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// JobMetadata contains retry bookkeeping
type JobMetadata struct {
	Timeout     time.Duration `json:"timeout"`
	MaxAttempts int           `json:"max_attempts"` // includes the first run
	Attempts    int           `json:"attempts"`
	Backoff     time.Duration `json:"backoff"` // delay before the first retry
	ErrorMsg    string        `json:"error_msg,omitempty"`
	WorkerID    string        `json:"worker_id,omitempty"`
}

// NewJob creates a new job. The payload is JSON-encoded.
func NewJob(jobType string, priority Priority, payload interface{}) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Job{
		ID:        uuid.New().String(),
		Type:      jobType,
		Priority:  NormalizePriority(priority),
		Status:    JobStatusQueued,
		Payload:   data,
		CreatedAt: now,
		UpdatedAt: now,
		Metadata: JobMetadata{
			Timeout:     30 * time.Minute,
			MaxAttempts: 5,
			Backoff:     10 * time.Second,
		},
	}, nil
}

// WithID replaces the generated job id
func (j *Job) WithID(id string) *Job {
	j.ID = id
	return j
}

// WithTimeout sets the job timeout
func (j *Job) WithTimeout(timeout time.Duration) *Job {
	j.Metadata.Timeout = timeout
	return j
}

// WithRetries sets the attempt budget and the base backoff
func (j *Job) WithRetries(maxAttempts int, backoff time.Duration) *Job {
	j.Metadata.MaxAttempts = maxAttempts
	j.Metadata.Backoff = backoff
	return j
}

// DecodePayload unmarshals the payload into v
func (j *Job) DecodePayload(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}

// CanRetry reports whether another attempt is allowed
func (j *Job) CanRetry() bool {
	return j.Metadata.Attempts < j.Metadata.MaxAttempts
}

// RetryDelay is Backoff * 2^(attempts-1)
func (j *Job) RetryDelay() time.Duration {
	if j.Metadata.Attempts <= 1 {
		return j.Metadata.Backoff
	}
	return j.Metadata.Backoff << (j.Metadata.Attempts - 1)
}

// ToJSON converts the job to JSON
func (j *Job) ToJSON() ([]byte, error) {
	return json.Marshal(j)
}

// FromJSON creates a job from JSON
func FromJSON(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// JobStats represents job queue statistics
type JobStats struct {
	Total      int64              `json:"total"`
	Waiting    int64              `json:"waiting"`
	Scheduled  int64              `json:"scheduled"`
	Running    int64              `json:"running"`
	ByPriority map[Priority]int64 `json:"by_priority"`
	Counters   map[string]int64   `json:"counters,omitempty"`
}

// JobResult represents the result of job execution
type JobResult struct {
	JobID     string          `json:"job_id"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Duration  time.Duration   `json:"duration"`
	Timestamp time.Time       `json:"timestamp"`
}
