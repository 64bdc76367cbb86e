package queue

import "context"

// QueueInterface defines the interface for job queues
type QueueInterface interface {
	// Enqueue adds a job to the queue
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the next job from the queue
	Dequeue(ctx context.Context, workerID string) (*Job, error)

	// Complete marks a job as completed and stores its result
	Complete(ctx context.Context, jobID string, result *JobResult) error

	// Fail records a failed attempt and schedules a retry when attempts
	// remain. The returned job carries the resulting status.
	Fail(ctx context.Context, jobID string, errorMsg string) (*Job, error)

	// UpdateProgress records a 0-100 progress value
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// GetJob retrieves a job by ID
	GetJob(ctx context.Context, jobID string) (*Job, error)

	// GetStats returns queue statistics
	GetStats(ctx context.Context) (*JobStats, error)

	// Cleanup requeues expired running jobs and releases due retries
	Cleanup(ctx context.Context) error
}

// Ensure Queue implements QueueInterface
var _ QueueInterface = (*Queue)(nil)
