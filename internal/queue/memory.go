package queue

import (
	"context"
	"sync"
	"time"

	"github.com/commitdiary/stepper/pkg/errors"
)

// MemoryQueue is an in-process QueueInterface with the same retry and
// priority semantics as Queue. Dequeue never blocks.
type MemoryQueue struct {
	mu      sync.Mutex
	jobs    map[string]*Job
	waiting map[Priority][]string
	now     func() time.Time
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		jobs:    make(map[string]*Job),
		waiting: make(map[Priority][]string),
		now:     time.Now,
	}
}

var _ QueueInterface = (*MemoryQueue)(nil)

func (m *MemoryQueue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewValidationError("job cannot be nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	job.Status = JobStatusQueued
	job.Priority = NormalizePriority(job.Priority)
	job.UpdatedAt = m.now()
	if job.ScheduledAt != nil && !job.ScheduledAt.After(m.now()) {
		job.ScheduledAt = nil
	}
	m.jobs[job.ID] = cloneJob(job)
	if job.ScheduledAt == nil {
		m.waiting[job.Priority] = append(m.waiting[job.Priority], job.ID)
	}
	return nil
}

func (m *MemoryQueue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseScheduled()

	for _, p := range priorities {
		ids := m.waiting[p]
		if len(ids) == 0 {
			continue
		}
		id := ids[0]
		m.waiting[p] = ids[1:]

		job := m.jobs[id]
		now := m.now()
		job.Status = JobStatusRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		job.Metadata.Attempts++
		job.Metadata.WorkerID = workerID
		return cloneJob(job), nil
	}
	return nil, errors.NewNotFoundError("job")
}

func (m *MemoryQueue) Complete(ctx context.Context, jobID string, result *JobResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return errors.NewNotFoundError("job")
	}
	now := m.now()
	job.Status = JobStatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.Metadata.ErrorMsg = ""
	if result != nil {
		job.Result = result.Result
	}
	return nil
}

func (m *MemoryQueue) Fail(ctx context.Context, jobID string, errorMsg string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("job")
	}
	now := m.now()
	job.Metadata.ErrorMsg = errorMsg
	job.UpdatedAt = now
	if job.CanRetry() {
		retryAt := now.Add(job.RetryDelay())
		job.Status = JobStatusRetrying
		job.ScheduledAt = &retryAt
	} else {
		job.Status = JobStatusFailed
		job.CompletedAt = &now
	}
	return cloneJob(job), nil
}

func (m *MemoryQueue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return errors.NewNotFoundError("job")
	}
	job.Progress = min(max(progress, 0), 100)
	return nil
}

func (m *MemoryQueue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[jobID]
	if !ok {
		return nil, errors.NewNotFoundError("job")
	}
	return cloneJob(job), nil
}

func (m *MemoryQueue) GetStats(ctx context.Context) (*JobStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &JobStats{ByPriority: make(map[Priority]int64)}
	for _, p := range priorities {
		n := int64(len(m.waiting[p]))
		stats.ByPriority[p] = n
		stats.Waiting += n
	}
	for _, job := range m.jobs {
		switch job.Status {
		case JobStatusRunning:
			stats.Running++
		case JobStatusRetrying:
			stats.Scheduled++
		}
	}
	stats.Total = stats.Waiting + stats.Scheduled + stats.Running
	return stats, nil
}

func (m *MemoryQueue) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseScheduled()
	return nil
}

// releaseScheduled moves due retries back to their waiting list. Callers
// hold m.mu.
func (m *MemoryQueue) releaseScheduled() {
	now := m.now()
	for id, job := range m.jobs {
		waiting := job.Status == JobStatusRetrying || job.Status == JobStatusQueued
		if !waiting || job.ScheduledAt == nil || job.ScheduledAt.After(now) {
			continue
		}
		job.Status = JobStatusQueued
		job.ScheduledAt = nil
		m.waiting[job.Priority] = append(m.waiting[job.Priority], id)
	}
}

func cloneJob(job *Job) *Job {
	c := *job
	return &c
}

// WaitingJobs returns the number of jobs ready to be dequeued
func (m *MemoryQueue) WaitingJobs(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, ids := range m.waiting {
		total += int64(len(ids))
	}
	return total, nil
}
