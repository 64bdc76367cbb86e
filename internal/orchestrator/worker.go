package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/commitdiary/stepper/internal/cache"
	"github.com/commitdiary/stepper/internal/notifications"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/metrics"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/tracing"
	"github.com/commitdiary/stepper/pkg/types"
)

// Job outcome labels for jobs_processed_total
const (
	jobStatusCompleted = "completed"
	jobStatusFailed    = "failed"
	jobStatusSkipped   = "skipped"
)

// ReportJobHandler runs report jobs pulled from the queue
type ReportJobHandler struct {
	orchestrator *Orchestrator
	cache        *cache.ReportCache
	queue        queue.QueueInterface
	webhooks     *notifications.WebhookSender
	alerts       *resilience.AlertManager
	metrics      *metrics.Metrics
	tracer       *tracing.TracingService
	lockTTL      time.Duration
	lockPoll     time.Duration
	logger       *logging.Logger
}

// HandlerDeps are the collaborators of a ReportJobHandler. Webhooks, Alerts,
// Metrics and Tracer may be nil.
type HandlerDeps struct {
	Orchestrator *Orchestrator
	Cache        *cache.ReportCache
	Queue        queue.QueueInterface
	Webhooks     *notifications.WebhookSender
	Alerts       *resilience.AlertManager
	Metrics      *metrics.Metrics
	Tracer       *tracing.TracingService
	// LockTTL bounds the per-fingerprint lock, normally the job timeout
	LockTTL time.Duration
	// LockPollInterval is how often a waiting job re-checks a held lock
	LockPollInterval time.Duration
	Logger           *logging.Logger
}

var (
	_ queue.JobHandler             = (*ReportJobHandler)(nil)
	_ queue.TerminalFailureHandler = (*ReportJobHandler)(nil)
)

// NewReportJobHandler creates the queue handler for report jobs
func NewReportJobHandler(deps HandlerDeps) *ReportJobHandler {
	h := &ReportJobHandler{
		orchestrator: deps.Orchestrator,
		cache:        deps.Cache,
		queue:        deps.Queue,
		webhooks:     deps.Webhooks,
		alerts:       deps.Alerts,
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		lockTTL:      deps.LockTTL,
		lockPoll:     deps.LockPollInterval,
		logger:       deps.Logger,
	}
	if h.lockTTL <= 0 {
		h.lockTTL = 30 * time.Minute
	}
	if h.lockPoll <= 0 {
		h.lockPoll = 2 * time.Second
	}
	if h.logger == nil {
		h.logger = logging.GetLogger()
	}
	if h.tracer == nil {
		h.tracer, _ = tracing.NewTracingService(nil)
	}
	return h
}

// CanHandle implements queue.JobHandler
func (h *ReportJobHandler) CanHandle(jobType string) bool {
	return jobType == JobTypeReport
}

// Handle generates one report and stores it under its fingerprint. A job
// whose report is already fresh completes with the cached report. A job
// whose fingerprint is locked by another worker waits for that worker and
// then does the same.
func (h *ReportJobHandler) Handle(ctx context.Context, job *queue.Job) (*queue.JobResult, error) {
	var payload JobPayload
	if err := job.DecodePayload(&payload); err != nil {
		return nil, errors.NewJobError(job.ID, "failed to parse job payload").WithCause(err)
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}
	fp := payload.Fingerprint

	ctx = logging.WithJobID(ctx, payload.JobID)
	ctx, span := h.tracer.StartJobSpan(ctx, payload.JobID, fp)
	defer span.End()

	h.logger.LogReportEvent(ctx, "job_started", payload.JobID, fp, logrus.Fields{
		"attempt": job.Metadata.Attempts + 1,
	})

	cached, release, err := h.claim(ctx, fp, payload.JobID)
	if err != nil {
		h.tracer.RecordError(span, err)
		h.metrics.RecordJobProcessed(jobStatusFailed)
		return nil, err
	}
	if cached != nil {
		h.finish(ctx, job, &payload, cached)
		h.metrics.RecordJobProcessed(jobStatusSkipped)
		return encodeJobResult(cached)
	}
	defer release()

	result, err := h.orchestrator.Generate(ctx, &payload.Input, payload.JobID)
	if err != nil {
		h.tracer.RecordError(span, err)
		h.metrics.RecordJobProcessed(jobStatusFailed)
		return nil, err
	}

	if err := h.cache.PutComplete(ctx, fp, payload.JobID, result.Result, result.ProvidersAttempted, result.Fallback, 0); err != nil {
		h.metrics.RecordJobProcessed(jobStatusFailed)
		return nil, err
	}

	h.finish(ctx, job, &payload, result)

	h.metrics.RecordJobProcessed(jobStatusCompleted)
	h.logger.LogReportEvent(ctx, "job_completed", payload.JobID, fp, logrus.Fields{
		"used_provider": result.UsedProvider,
		"fallback":      result.Fallback,
		"total_ms":      result.Timings.TotalMs,
	})

	return encodeJobResult(result)
}

// finish reports a job's result to its poller and its callback URL
func (h *ReportJobHandler) finish(ctx context.Context, job *queue.Job, payload *JobPayload, result *types.ReportResult) {
	if err := h.queue.UpdateProgress(ctx, job.ID, 100); err != nil {
		h.logger.Warn("Failed to update job progress", "job_id", job.ID, "error", err.Error())
	}
	if h.webhooks != nil {
		h.webhooks.NotifySuccess(ctx, payload.CallbackURL, payload.JobID, result)
	}
}

// claim decides who produces the report for fp. A fresh cache entry is
// returned as the result. Otherwise the fingerprint lock is taken, waiting
// while another worker holds it, and release drops it again. A lock that
// cannot be read at all is ignored and generation proceeds.
func (h *ReportJobHandler) claim(ctx context.Context, fp, jobID string) (*types.ReportResult, func(), error) {
	noop := func() {}
	for waited := false; ; waited = true {
		if entry := h.cache.Get(ctx, fp); entry != nil && h.cache.IsFresh(entry) {
			h.logger.Info("Report already complete in cache, skipping generation",
				"job_id", jobID, "produced_by", entry.JobID, "waited", waited)
			return resultFromEntry(entry), noop, nil
		}

		acquired, err := h.cache.AcquireLock(ctx, fp, jobID, h.lockTTL)
		if err != nil {
			h.logger.Warn("Failed to acquire fingerprint lock, continuing", "job_id", jobID, "error", err.Error())
			return nil, noop, nil
		}
		if acquired {
			release := func() { h.cache.ReleaseLock(context.WithoutCancel(ctx), fp, jobID) }
			// the previous holder may have finished between the two reads
			if entry := h.cache.Get(ctx, fp); entry != nil && h.cache.IsFresh(entry) {
				release()
				return resultFromEntry(entry), noop, nil
			}
			return nil, release, nil
		}

		if !waited {
			h.logger.Info("Fingerprint locked by another worker, waiting", "job_id", jobID)
		}
		select {
		case <-ctx.Done():
			return nil, noop, errors.NewJobError(jobID, "gave up waiting for fingerprint lock").WithCause(ctx.Err())
		case <-time.After(h.lockPoll):
		}
	}
}

// resultFromEntry rebuilds the job result of a report another job stored
func resultFromEntry(entry *cache.Entry) *types.ReportResult {
	used := ""
	for _, a := range entry.Attempts {
		if a.Skipped == "" && a.Error == "" {
			used = a.Provider
		}
	}
	if entry.Fallback {
		used = types.FallbackProvider
	}
	return &types.ReportResult{
		Result:             entry.Result,
		UsedProvider:       used,
		ProvidersAttempted: entry.Attempts,
		Fallback:           entry.Fallback,
	}
}

func encodeJobResult(result *types.ReportResult) (*queue.JobResult, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job result: %w", err)
	}
	return &queue.JobResult{Result: data}, nil
}

// HandleTerminalFailure records the failure under the fingerprint, alerts,
// and notifies the job's callback URL
func (h *ReportJobHandler) HandleTerminalFailure(ctx context.Context, job *queue.Job, cause error) {
	var payload JobPayload
	if err := job.DecodePayload(&payload); err != nil {
		h.logger.Error("Failed to parse payload of failed job", "job_id", job.ID, "error", err.Error())
		return
	}
	if payload.JobID == "" {
		payload.JobID = job.ID
	}

	reason := cause.Error()
	if err := h.cache.PutFailed(ctx, payload.Fingerprint, payload.JobID, reason, errors.AttemptsOf(cause)); err != nil {
		h.logger.Error("Failed to mark report as failed", "job_id", payload.JobID, "error", err.Error())
	}

	if h.alerts != nil {
		h.alerts.SendAsync(resilience.JobFailedAlert(payload.JobID, payload.Fingerprint, job.Metadata.Attempts, reason))
	}

	if h.webhooks != nil {
		h.webhooks.NotifyFailure(ctx, payload.CallbackURL, payload.JobID, reason)
	}
}
