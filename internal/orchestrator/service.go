package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/commitdiary/stepper/internal/cache"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/metrics"
	"github.com/commitdiary/stepper/pkg/types"
)

// MissingFieldsMessage is the validation error for an incomplete request
const MissingFieldsMessage = "Missing required fields: userId, commitSha, repo, message"

// Overall service health
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
)

// ReportService is the entry point for callers of the report pipeline
type ReportService interface {
	// RequestReport answers from the cache or enqueues a job
	RequestReport(ctx context.Context, input *types.PromptInput, opts RequestOptions) (*RequestResponse, error)

	// GenerateNow runs the orchestrator inline, bypassing queue and cache
	GenerateNow(ctx context.Context, input *types.PromptInput) (*types.ReportResult, error)

	// GetJob returns the polling view of a job
	GetJob(ctx context.Context, jobID string) (*JobView, error)

	// DeleteReport purges the cache entry of one fingerprint
	DeleteReport(ctx context.Context, userID, commitSHA, template string) error

	// Health summarizes provider availability
	Health(ctx context.Context) *HealthReport

	// Start starts the embedded workers, if any
	Start(ctx context.Context) error

	// Stop stops the embedded workers
	Stop(ctx context.Context) error
}

// ProviderHealthView is the public health entry of one provider
type ProviderHealthView struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
}

// HealthReport is the provider-level health summary
type HealthReport struct {
	Status    string               `json:"status"`
	Providers []ProviderHealthView `json:"providers"`
	Timestamp string               `json:"timestamp"`
}

// ServiceDeps are the collaborators of a Service. Worker and Metrics may be
// nil.
type ServiceDeps struct {
	Orchestrator *Orchestrator
	Cache        *cache.ReportCache
	Queue        queue.QueueInterface
	// Worker, when set, is started and stopped with the service
	Worker  *queue.Worker
	Metrics *metrics.Metrics
	Config  config.QueueConfig
	Logger  *logging.Logger
}

// Service coordinates cache lookups, job submission and polling
type Service struct {
	orchestrator *Orchestrator
	cache        *cache.ReportCache
	queue        queue.QueueInterface
	worker       *queue.Worker
	metrics      *metrics.Metrics
	config       config.QueueConfig
	logger       *logging.Logger
	now          func() time.Time

	// background purges and refreshes
	background sync.WaitGroup
}

var _ ReportService = (*Service)(nil)

// NewService creates the report service
func NewService(deps ServiceDeps) *Service {
	s := &Service{
		orchestrator: deps.Orchestrator,
		cache:        deps.Cache,
		queue:        deps.Queue,
		worker:       deps.Worker,
		metrics:      deps.Metrics,
		config:       deps.Config,
		logger:       deps.Logger,
		now:          time.Now,
	}
	if s.config.MaxAttempts <= 0 {
		s.config.MaxAttempts = 5
	}
	if s.config.Backoff <= 0 {
		s.config.Backoff = 10 * time.Second
	}
	if s.config.JobTimeout <= 0 {
		s.config.JobTimeout = 30 * time.Minute
	}
	if s.logger == nil {
		s.logger = logging.GetLogger()
	}
	return s
}

// RequestReport returns a fresh cached report at once and purges it, returns
// a stale one while a low-priority refresh is queued, and otherwise enqueues
// a job and writes the in-progress marker.
func (s *Service) RequestReport(ctx context.Context, input *types.PromptInput, opts RequestOptions) (*RequestResponse, error) {
	if missing := input.MissingFields(); len(missing) > 0 {
		return nil, errors.NewValidationError(MissingFieldsMessage).WithDetail("missing", strings.Join(missing, ","))
	}
	ctx = logging.WithUserID(ctx, input.UserID)

	fp := s.cache.Fingerprint(input)

	if entry := s.cache.Get(ctx, fp); entry != nil && entry.Status == cache.StatusComplete && entry.Result != nil {
		if s.cache.IsFresh(entry) {
			s.metrics.RecordCacheHit("fresh")
			s.logger.LogReportEvent(ctx, "cache_hit_fresh", entry.JobID, fp, nil)
			s.purgeAsync(ctx, fp)
			return &RequestResponse{Status: RequestStatusCompleted, Cached: true, Data: entry.Result}, nil
		}

		if s.cache.IsStaleButUsable(entry) {
			s.metrics.RecordCacheHit("stale")
			s.logger.LogReportEvent(ctx, "cache_hit_stale", entry.JobID, fp, nil)
			s.refreshAsync(ctx, input, fp)
			return &RequestResponse{Status: RequestStatusCompleted, Cached: true, Stale: true, Data: entry.Result}, nil
		}
	}

	s.metrics.RecordCacheMiss()

	jobID, err := s.Enqueue(ctx, input, fp, opts)
	if err != nil {
		return nil, err
	}

	if err := s.cache.PutInProgress(ctx, fp, jobID); err != nil {
		s.logger.Warn("Failed to write in-progress marker", "job_id", jobID, "error", err.Error())
	}

	return &RequestResponse{Status: RequestStatusQueued, Cached: false, JobID: jobID}, nil
}

// Enqueue submits a report job for fingerprint fp and returns its id
func (s *Service) Enqueue(ctx context.Context, input *types.PromptInput, fp string, opts RequestOptions) (string, error) {
	jobID := uuid.New().String()
	opts.Priority = queue.NormalizePriority(opts.Priority)

	job, err := queue.NewJob(JobTypeReport, opts.Priority, JobPayload{
		JobID:       jobID,
		Input:       *input,
		Fingerprint: fp,
		Priority:    opts.Priority,
		CallbackURL: opts.CallbackURL,
	})
	if err != nil {
		return "", errors.NewInternalError("failed to build report job").WithCause(err)
	}
	job.WithID(jobID).
		WithTimeout(s.config.JobTimeout).
		WithRetries(s.config.MaxAttempts, s.config.Backoff)

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return "", errors.NewInternalError("failed to enqueue report job").WithCause(err)
	}

	s.logger.LogReportEvent(ctx, "job_enqueued", jobID, fp, logrus.Fields{
		"user_id":    input.UserID,
		"commit_sha": input.CommitSHA,
		"priority":   int(opts.Priority),
	})
	s.orchestrator.Listeners().enqueue(s.logger, jobID, input, fp)
	return jobID, nil
}

// GenerateNow runs the orchestrator inline. Nothing is cached.
func (s *Service) GenerateNow(ctx context.Context, input *types.PromptInput) (*types.ReportResult, error) {
	if missing := input.MissingFields(); len(missing) > 0 {
		return nil, errors.NewValidationError(MissingFieldsMessage).WithDetail("missing", strings.Join(missing, ","))
	}
	ctx = logging.WithUserID(ctx, input.UserID)
	jobID := fmt.Sprintf("sync_%d", s.now().UnixMilli())
	return s.orchestrator.Generate(ctx, input, jobID)
}

// GetJob returns the polling view of a job. Once a completed job has been
// read, its cache entry is purged.
func (s *Service) GetJob(ctx context.Context, jobID string) (*JobView, error) {
	job, err := s.queue.GetJob(ctx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NewNotFoundError("job")
		}
		return nil, err
	}

	view := &JobView{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}

	switch job.Status {
	case queue.JobStatusCompleted:
		if len(job.Result) > 0 {
			var result types.ReportResult
			if err := json.Unmarshal(job.Result, &result); err != nil {
				s.logger.Warn("Failed to decode job result", "job_id", jobID, "error", err.Error())
			} else {
				view.Data = result.Result
			}
		}
		var payload JobPayload
		if err := job.DecodePayload(&payload); err == nil && payload.Fingerprint != "" && view.Data != nil {
			s.purgeAsync(ctx, payload.Fingerprint)
		}
	case queue.JobStatusFailed, queue.JobStatusRetrying:
		view.Error = job.Metadata.ErrorMsg
	}

	return view, nil
}

// DeleteReport purges the cache entry for one user, commit and template
func (s *Service) DeleteReport(ctx context.Context, userID, commitSHA, template string) error {
	if userID == "" || commitSHA == "" {
		return errors.NewValidationError("Missing required query parameters: userId, commitSha")
	}
	s.cache.Delete(ctx, cache.BuildFingerprint(s.cache.Prefix(), userID, commitSHA, template))
	return nil
}

// Health reports healthy when every provider is available, degraded when
// only some are, and unhealthy when none are
func (s *Service) Health(ctx context.Context) *HealthReport {
	statuses := s.orchestrator.ProviderHealth()

	views := make([]ProviderHealthView, 0, len(statuses))
	healthy := 0
	for _, st := range statuses {
		views = append(views, ProviderHealthView{Name: st.Name, Healthy: st.Healthy})
		if st.Healthy {
			healthy++
		}
	}

	status := HealthStatusHealthy
	switch {
	case healthy == 0:
		status = HealthStatusUnhealthy
	case healthy < len(statuses):
		status = HealthStatusDegraded
	}

	return &HealthReport{
		Status:    status,
		Providers: views,
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

// Start starts the embedded worker, if configured
func (s *Service) Start(ctx context.Context) error {
	if s.worker == nil {
		return nil
	}
	return s.worker.Start(ctx)
}

// Stop stops the embedded worker and waits for background cache work
func (s *Service) Stop(ctx context.Context) error {
	var err error
	if s.worker != nil && s.worker.IsRunning() {
		err = s.worker.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

func (s *Service) purgeAsync(ctx context.Context, fp string) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		s.cache.Delete(ctx, fp)
	}()
}

func (s *Service) refreshAsync(ctx context.Context, input *types.PromptInput, fp string) {
	ctx = context.WithoutCancel(ctx)
	s.background.Add(1)
	go func() {
		defer s.background.Done()
		if _, err := s.Enqueue(ctx, input, fp, RequestOptions{Priority: queue.PriorityLow}); err != nil {
			s.logger.Error("Failed to enqueue background refresh", "fingerprint", fp, "error", err.Error())
		}
	}()
}
