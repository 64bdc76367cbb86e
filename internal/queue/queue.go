package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// Queue represents a Redis-based priority job queue
type Queue struct {
	redis  *RedisClient
	name   string
	config QueueConfig
	logger *logging.Logger
}

// QueueConfig contains queue configuration
type QueueConfig struct {
	// BlockTimeout bounds one blocking dequeue.
	BlockTimeout time.Duration `json:"block_timeout"`
	JobTTL       time.Duration `json:"job_ttl"`
}

// DefaultQueueConfig returns default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BlockTimeout: 1 * time.Second,
		JobTTL:       24 * time.Hour,
	}
}

// NewQueue creates a new job queue
func NewQueue(redis *RedisClient, name string, config QueueConfig, logger *logging.Logger) *Queue {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &Queue{
		redis:  redis,
		name:   name,
		config: config,
		logger: logger,
	}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Redis key patterns
func (q *Queue) key(format string, args ...interface{}) string {
	return q.redis.KeyPrefix() + fmt.Sprintf(format, args...)
}

func (q *Queue) queueKey(priority Priority) string {
	return q.key("queue:%s:priority:%d", q.name, priority)
}

func (q *Queue) queueKeys() []string {
	keys := make([]string, 0, len(priorities))
	for _, p := range priorities {
		keys = append(keys, q.queueKey(p))
	}
	return keys
}

func (q *Queue) jobKey(jobID string) string {
	return q.key("job:%s:%s", q.name, jobID)
}

func (q *Queue) processingKey() string {
	return q.key("processing:%s", q.name)
}

func (q *Queue) scheduledKey() string {
	return q.key("scheduled:%s", q.name)
}

func (q *Queue) statsKey() string {
	return q.key("stats:%s", q.name)
}

func (q *Queue) deadLetterKey() string {
	return q.key("dead:%s", q.name)
}

// Enqueue adds a job to the queue
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.NewValidationError("job cannot be nil")
	}

	job.Status = JobStatusQueued
	job.Priority = NormalizePriority(job.Priority)
	job.UpdatedAt = time.Now()

	if err := q.updateJob(ctx, job); err != nil {
		return err
	}

	if job.ScheduledAt != nil && job.ScheduledAt.After(time.Now()) {
		if err := q.redis.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(job.ScheduledAt.Unix()),
			Member: job.ID,
		}); err != nil {
			return errors.NewInternalError("failed to schedule job").WithCause(err)
		}
	} else if err := q.redis.LPush(ctx, q.queueKey(job.Priority), job.ID); err != nil {
		return errors.NewInternalError("failed to enqueue job").WithCause(err)
	}

	q.updateStats(ctx, "enqueued", job.Type)
	return nil
}

// Dequeue pops the next job, highest priority first. It blocks for at most
// BlockTimeout and returns a not-found error when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	if err := q.moveScheduledJobs(ctx); err != nil {
		q.logger.Warn("Failed to release scheduled jobs", "queue", q.name, "error", err.Error())
	}

	result, err := q.redis.BRPop(ctx, q.config.BlockTimeout, q.queueKeys()...)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, err
		}
		return nil, errors.NewInternalError("failed to dequeue job").WithCause(err)
	}
	if len(result) < 2 {
		return nil, errors.NewNotFoundError("job")
	}

	jobID := result[1]
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		// The record expired while the id sat in the list.
		q.logger.Warn("Dropping queued job without data", "queue", q.name, "job_id", jobID)
		return nil, errors.NewNotFoundError("job")
	}

	now := time.Now()
	job.Status = JobStatusRunning
	job.StartedAt = &now
	job.UpdatedAt = now
	job.Metadata.Attempts++
	job.Metadata.WorkerID = workerID

	if err := q.updateJob(ctx, job); err != nil {
		return nil, errors.NewInternalError("failed to update job status").WithCause(err)
	}

	if err := q.redis.ZAdd(ctx, q.processingKey(), redis.Z{
		Score:  float64(now.Add(job.Metadata.Timeout).Unix()),
		Member: jobID,
	}); err != nil {
		return nil, errors.NewInternalError("failed to add job to processing").WithCause(err)
	}

	return job, nil
}

// Complete marks a job as completed and stores its result
func (q *Queue) Complete(ctx context.Context, jobID string, result *JobResult) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}

	now := time.Now()
	job.Status = JobStatusCompleted
	job.Progress = 100
	job.CompletedAt = &now
	job.UpdatedAt = now
	job.Metadata.ErrorMsg = ""
	if result != nil {
		job.Result = result.Result
	}

	if err := q.updateJob(ctx, job); err != nil {
		return err
	}

	if err := q.redis.ZRem(ctx, q.processingKey(), jobID); err != nil {
		q.logger.Warn("Failed to remove job from processing set", "job_id", jobID, "error", err.Error())
	}

	q.updateStats(ctx, "completed", job.Type)
	return nil
}

// Fail records a failed attempt. Jobs with attempts left are scheduled
// after RetryDelay; the rest become failed and go to the dead letter list.
func (q *Queue) Fail(ctx context.Context, jobID string, errorMsg string) (*Job, error) {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job.Metadata.ErrorMsg = errorMsg
	job.UpdatedAt = now

	if job.CanRetry() {
		retryAt := now.Add(job.RetryDelay())
		job.Status = JobStatusRetrying
		job.ScheduledAt = &retryAt

		if err := q.updateJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.redis.ZAdd(ctx, q.scheduledKey(), redis.Z{
			Score:  float64(retryAt.Unix()),
			Member: jobID,
		}); err != nil {
			return nil, errors.NewInternalError("failed to schedule retry").WithCause(err)
		}
		q.updateStats(ctx, "retried", job.Type)
	} else {
		job.Status = JobStatusFailed
		job.CompletedAt = &now

		if err := q.updateJob(ctx, job); err != nil {
			return nil, err
		}
		if err := q.redis.LPush(ctx, q.deadLetterKey(), jobID); err != nil {
			q.logger.Warn("Failed to push job to dead letter list", "job_id", jobID, "error", err.Error())
		}
		q.updateStats(ctx, "failed", job.Type)
	}

	if err := q.redis.ZRem(ctx, q.processingKey(), jobID); err != nil {
		q.logger.Warn("Failed to remove job from processing set", "job_id", jobID, "error", err.Error())
	}

	return job, nil
}

// UpdateProgress records a 0-100 progress value
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	job, err := q.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.Progress = min(max(progress, 0), 100)
	job.UpdatedAt = time.Now()
	return q.updateJob(ctx, job)
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return q.getJob(ctx, jobID)
}

// GetStats returns queue statistics
func (q *Queue) GetStats(ctx context.Context) (*JobStats, error) {
	stats := &JobStats{
		ByPriority: make(map[Priority]int64),
		Counters:   make(map[string]int64),
	}

	for _, priority := range priorities {
		length, err := q.redis.LLen(ctx, q.queueKey(priority))
		if err != nil {
			return nil, err
		}
		stats.ByPriority[priority] = length
		stats.Waiting += length
	}

	scheduled, err := q.redis.ZCard(ctx, q.scheduledKey())
	if err != nil {
		return nil, err
	}
	stats.Scheduled = scheduled

	running, err := q.redis.ZCard(ctx, q.processingKey())
	if err != nil {
		return nil, err
	}
	stats.Running = running
	stats.Total = stats.Waiting + stats.Scheduled + stats.Running

	counters, err := q.redis.HGetAll(ctx, q.statsKey())
	if err != nil {
		return nil, err
	}
	for field, value := range counters {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			stats.Counters[field] = n
		}
	}

	return stats, nil
}

// Cleanup fails running jobs whose deadline passed and releases due retries
func (q *Queue) Cleanup(ctx context.Context) error {
	expired, err := q.redis.ZRangeByScore(ctx, q.processingKey(), time.Now().Unix())
	if err != nil {
		return err
	}

	for _, jobID := range expired {
		job, err := q.Fail(ctx, jobID, "job timeout")
		if err != nil {
			q.logger.Warn("Failed to expire job", "job_id", jobID, "error", err.Error())
			continue
		}
		q.logger.Warn("Expired running job", "job_id", jobID, "status", string(job.Status))
	}

	return q.moveScheduledJobs(ctx)
}

// Helper methods

func (q *Queue) getJob(ctx context.Context, jobID string) (*Job, error) {
	jobData, err := q.redis.Get(ctx, q.jobKey(jobID))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("job")
		}
		return nil, err
	}

	job, err := FromJSON([]byte(jobData))
	if err != nil {
		return nil, errors.NewInternalError("failed to deserialize job").WithCause(err)
	}

	return job, nil
}

func (q *Queue) updateJob(ctx context.Context, job *Job) error {
	jobData, err := job.ToJSON()
	if err != nil {
		return errors.NewInternalError("failed to serialize job").WithCause(err)
	}

	return q.redis.Set(ctx, q.jobKey(job.ID), jobData, q.config.JobTTL)
}

func (q *Queue) moveScheduledJobs(ctx context.Context) error {
	ready, err := q.redis.ZRangeByScore(ctx, q.scheduledKey(), time.Now().Unix())
	if err != nil {
		return err
	}

	for _, jobID := range ready {
		// Only the caller that removes the member requeues it.
		removed, err := q.redis.Client().ZRem(ctx, q.scheduledKey(), jobID).Result()
		if err != nil || removed == 0 {
			continue
		}

		job, err := q.getJob(ctx, jobID)
		if err != nil {
			continue
		}

		job.Status = JobStatusQueued
		job.ScheduledAt = nil
		job.UpdatedAt = time.Now()

		if err := q.updateJob(ctx, job); err != nil {
			continue
		}
		if err := q.redis.LPush(ctx, q.queueKey(job.Priority), jobID); err != nil {
			q.logger.Warn("Failed to requeue scheduled job", "job_id", jobID, "error", err.Error())
		}
	}

	return nil
}

func (q *Queue) updateStats(ctx context.Context, action, jobType string) {
	field := fmt.Sprintf("%s:%s", action, jobType)
	if err := q.redis.HIncrBy(ctx, q.statsKey(), field, 1); err != nil {
		q.logger.Debug("Failed to update queue stats", "field", field, "error", err.Error())
	}
}

// WaitingJobs returns the number of jobs ready to be dequeued
func (q *Queue) WaitingJobs(ctx context.Context) (int64, error) {
	var total int64
	for _, key := range q.queueKeys() {
		n, err := q.redis.LLen(ctx, key)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
