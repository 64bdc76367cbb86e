package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
)

// JobHandler defines the interface for handling jobs
type JobHandler interface {
	Handle(ctx context.Context, job *Job) (*JobResult, error)
	CanHandle(jobType string) bool
}

// TerminalFailureHandler is implemented by handlers that need to react once
// a job has used up all of its attempts
type TerminalFailureHandler interface {
	HandleTerminalFailure(ctx context.Context, job *Job, err error)
}

// Worker runs Concurrency goroutines that pull jobs from one queue
type Worker struct {
	id       string
	queue    QueueInterface
	handlers map[string]JobHandler
	config   WorkerConfig
	logger   *logging.Logger

	// Control channels
	stopCh chan struct{}
	doneCh chan struct{}

	// State
	mu      sync.RWMutex
	running bool
	stats   WorkerStats
}

// WorkerConfig contains worker configuration
type WorkerConfig struct {
	Concurrency     int           `json:"concurrency"`
	PollInterval    time.Duration `json:"poll_interval"`
	CleanupInterval time.Duration `json:"cleanup_interval"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultWorkerConfig returns default worker configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:     5,
		PollInterval:    1 * time.Second,
		CleanupInterval: 30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// WorkerStats contains worker statistics
type WorkerStats struct {
	JobsProcessed int64     `json:"jobs_processed"`
	JobsSucceeded int64     `json:"jobs_succeeded"`
	JobsFailed    int64     `json:"jobs_failed"`
	LastJobAt     time.Time `json:"last_job_at"`
	StartedAt     time.Time `json:"started_at"`
}

// NewWorker creates a new worker
func NewWorker(queue QueueInterface, config WorkerConfig, logger *logging.Logger) *Worker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Worker{
		id:       uuid.New().String(),
		queue:    queue,
		handlers: make(map[string]JobHandler),
		config:   config,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		stats: WorkerStats{
			StartedAt: time.Now(),
		},
	}
}

// RegisterHandler registers a job handler
func (w *Worker) RegisterHandler(jobType string, handler JobHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobType] = handler
}

// Start starts the worker goroutines and the cleanup loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return errors.NewValidationError("worker is already running")
	}
	w.running = true
	w.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerNum int) {
			defer wg.Done()
			w.workerLoop(ctx, fmt.Sprintf("%s-%d", w.id, workerNum))
		}(i)
	}

	if w.config.CleanupInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.cleanupLoop(ctx)
		}()
	}

	go func() {
		wg.Wait()
		close(w.doneCh)
	}()

	w.logger.Info("Worker started", "worker_id", w.id, "concurrency", w.config.Concurrency)
	return nil
}

// Stop signals the goroutines and waits for in-flight jobs
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return errors.NewValidationError("worker is not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)

	select {
	case <-w.doneCh:
	case <-time.After(w.config.ShutdownTimeout):
		return errors.NewTimeoutError("worker shutdown")
	}

	w.logger.Info("Worker stopped", "worker_id", w.id)
	return nil
}

// IsRunning returns whether the worker is running
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns worker statistics
func (w *Worker) GetStats() WorkerStats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// GetID returns the worker ID
func (w *Worker) GetID() string {
	return w.id
}

func (w *Worker) workerLoop(ctx context.Context, workerID string) {
	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		if !w.processNextJob(ctx, workerID) {
			// Nothing was dequeued or the queue errored; back off briefly.
			select {
			case <-w.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(w.config.PollInterval):
			}
		}
	}
}

func (w *Worker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Cleanup(ctx); err != nil {
				w.logger.Warn("Queue cleanup failed", "error", err.Error())
			}
		}
	}
}

// processNextJob reports whether a job was processed
func (w *Worker) processNextJob(ctx context.Context, workerID string) bool {
	job, err := w.queue.Dequeue(ctx, workerID)
	if err != nil {
		if !errors.IsNotFound(err) && ctx.Err() == nil {
			w.logger.Error("Failed to dequeue job", "worker_id", workerID, "error", err.Error())
		}
		return false
	}

	w.mu.Lock()
	w.stats.JobsProcessed++
	w.stats.LastJobAt = time.Now()
	w.mu.Unlock()

	w.processJob(ctx, job)
	return true
}

// processJob runs the job's handler and records the outcome on the queue.
// Queue bookkeeping uses a context detached from shutdown so a finished job
// is never left in the processing set.
func (w *Worker) processJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithTimeout(ctx, job.Metadata.Timeout)
	defer cancel()
	bookkeeping := context.WithoutCancel(ctx)

	w.mu.RLock()
	handler, exists := w.handlers[job.Type]
	w.mu.RUnlock()

	if !exists || !handler.CanHandle(job.Type) {
		w.fail(bookkeeping, job, handler, fmt.Errorf("no handler found for job type: %s", job.Type))
		return
	}

	start := time.Now()
	result, err := w.safeHandle(jobCtx, handler, job)
	if err != nil {
		w.fail(bookkeeping, job, handler, err)
		return
	}

	if result == nil {
		result = &JobResult{}
	}
	result.JobID = job.ID
	result.Success = true
	result.Duration = time.Since(start)
	result.Timestamp = time.Now()

	if err := w.queue.Complete(bookkeeping, job.ID, result); err != nil {
		w.logger.Error("Failed to complete job", "job_id", job.ID, "error", err.Error())
	}
	w.updateStats(true)
}

func (w *Worker) safeHandle(ctx context.Context, handler JobHandler, job *Job) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return handler.Handle(ctx, job)
}

func (w *Worker) fail(ctx context.Context, job *Job, handler JobHandler, cause error) {
	w.updateStats(false)

	updated, err := w.queue.Fail(ctx, job.ID, cause.Error())
	if err != nil {
		w.logger.Error("Failed to record job failure", "job_id", job.ID, "error", err.Error())
		return
	}

	if updated.Status != JobStatusFailed {
		w.logger.Warn("Job attempt failed, retry scheduled",
			"job_id", job.ID,
			"attempt", updated.Metadata.Attempts,
			"error", cause.Error(),
		)
		return
	}

	w.logger.Error("Job failed permanently",
		"job_id", job.ID,
		"attempts", updated.Metadata.Attempts,
		"error", cause.Error(),
	)
	if tf, ok := handler.(TerminalFailureHandler); ok {
		tf.HandleTerminalFailure(ctx, updated, cause)
	}
}

func (w *Worker) updateStats(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if success {
		w.stats.JobsSucceeded++
	} else {
		w.stats.JobsFailed++
	}
}
