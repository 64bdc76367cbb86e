package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitdiary/stepper/internal/cache"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/types"
)

type serviceFixture struct {
	service *Service
	queue   *queue.MemoryQueue
	store   *cache.MemoryStore
	cache   *cache.ReportCache
	adapter *fakeAdapter
}

func newServiceFixture(t *testing.T, adapters ...*fakeAdapter) *serviceFixture {
	t.Helper()
	if len(adapters) == 0 {
		adapters = []*fakeAdapter{{name: "openai", fn: succeed("Report from the service")}}
	}
	q := queue.NewMemoryQueue()
	store := cache.NewMemoryStore()
	rc := cache.NewReportCache(store, testCacheConfig(), "test:", logging.NewNopLogger())
	o := newTestOrchestrator(t, testRuntimeOptions(&sleepRecorder{}), Config{}, adapters...)

	svc := NewService(ServiceDeps{
		Orchestrator: o,
		Cache:        rc,
		Queue:        q,
		Config:       config.QueueConfig{MaxAttempts: 5, Backoff: 10 * time.Second, JobTimeout: time.Minute},
		Logger:       logging.NewNopLogger(),
	})
	t.Cleanup(func() {
		_ = svc.Stop(context.Background())
	})
	return &serviceFixture{service: svc, queue: q, store: store, cache: rc, adapter: adapters[0]}
}

// putEntry writes a raw cache entry, bypassing the cache clock
func (f *serviceFixture) putEntry(t *testing.T, fp string, entry *cache.Entry) {
	t.Helper()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), fp, string(data), time.Hour))
}

func TestRequestReport_ValidatesInput(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.RequestReport(context.Background(), &types.PromptInput{UserID: "user-1"}, RequestOptions{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	assert.Contains(t, err.Error(), MissingFieldsMessage)

	appErr, ok := errors.AsAppError(err)
	require.True(t, ok)
	assert.Equal(t, "commitSha,repo,message", appErr.Details["missing"])
}

func TestRequestReport_MissEnqueuesJob(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{CallbackURL: "https://example.com/hook"})
	require.NoError(t, err)

	assert.Equal(t, RequestStatusQueued, resp.Status)
	assert.False(t, resp.Cached)
	require.NotEmpty(t, resp.JobID)

	fp := f.cache.Fingerprint(sampleInput())
	entry := f.cache.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StatusInProgress, entry.Status)
	assert.Equal(t, resp.JobID, entry.JobID)

	job, err := f.queue.GetJob(ctx, resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, JobTypeReport, job.Type)
	assert.Equal(t, queue.PriorityMedium, job.Priority)
	assert.Equal(t, 5, job.Metadata.MaxAttempts)
	assert.Equal(t, time.Minute, job.Metadata.Timeout)

	var payload JobPayload
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, resp.JobID, payload.JobID)
	assert.Equal(t, fp, payload.Fingerprint)
	assert.Equal(t, "https://example.com/hook", payload.CallbackURL)
	assert.Equal(t, "acme/widgets", payload.Input.Repo)
}

func TestRequestReport_NonCanonicalPriorityIsDequeued(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{Priority: 3})
	require.NoError(t, err)

	job, err := f.queue.Dequeue(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, resp.JobID, job.ID)
	assert.Equal(t, queue.PriorityLow, job.Priority)

	var payload JobPayload
	require.NoError(t, job.DecodePayload(&payload))
	assert.Equal(t, queue.PriorityLow, payload.Priority)
}

func TestRequestReport_EnqueueFiresListener(t *testing.T) {
	q := queue.NewMemoryQueue()
	rc := cache.NewReportCache(cache.NewMemoryStore(), testCacheConfig(), "test:", logging.NewNopLogger())

	var gotFingerprint string
	o := newTestOrchestrator(t, testRuntimeOptions(&sleepRecorder{}), Config{
		Listeners: Listeners{
			OnEnqueue: func(jobID string, input *types.PromptInput, fp string) {
				gotFingerprint = fp
			},
		},
	}, &fakeAdapter{name: "openai", fn: succeed("unused")})
	svc := NewService(ServiceDeps{Orchestrator: o, Cache: rc, Queue: q, Logger: logging.NewNopLogger()})

	_, err := svc.RequestReport(context.Background(), sampleInput(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, rc.Fingerprint(sampleInput()), gotFingerprint)
}

func TestRequestReport_FreshHitIsServedAndPurged(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	fp := f.cache.Fingerprint(sampleInput())
	require.NoError(t, f.cache.PutComplete(ctx, fp, "job-done", sampleReport("Cached report"), nil, false, 0))

	resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, RequestStatusCompleted, resp.Status)
	assert.True(t, resp.Cached)
	assert.False(t, resp.Stale)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "Cached report", resp.Data.Title)

	require.NoError(t, f.service.Stop(ctx))
	assert.Nil(t, f.cache.Get(ctx, fp))

	stats, err := f.queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
}

func TestRequestReport_StaleHitQueuesRefresh(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	fp := f.cache.Fingerprint(sampleInput())
	old := time.Now().Add(-2 * time.Hour)
	f.putEntry(t, fp, &cache.Entry{
		Status:     cache.StatusComplete,
		Result:     sampleReport("Stale report"),
		JobID:      "job-old",
		Timestamps: cache.Timestamps{Created: old, Updated: old},
	})

	resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{})
	require.NoError(t, err)

	assert.Equal(t, RequestStatusCompleted, resp.Status)
	assert.True(t, resp.Cached)
	assert.True(t, resp.Stale)
	assert.Equal(t, "Stale report", resp.Data.Title)

	require.NoError(t, f.service.Stop(ctx))

	job, err := f.queue.Dequeue(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityLow, job.Priority)

	// the stale entry keeps being served until the refresh lands
	entry := f.cache.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, "job-old", entry.JobID)
}

func TestRequestReport_InProgressEntryIsAMiss(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	fp := f.cache.Fingerprint(sampleInput())
	require.NoError(t, f.cache.PutInProgress(ctx, fp, "job-running"))

	resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, RequestStatusQueued, resp.Status)
	assert.NotEqual(t, "job-running", resp.JobID)
}

func TestGenerateNow(t *testing.T) {
	f := newServiceFixture(t)

	result, err := f.service.GenerateNow(context.Background(), sampleInput())
	require.NoError(t, err)
	assert.Equal(t, "openai", result.UsedProvider)
	assert.Equal(t, "Report from the service", result.Result.Title)

	_, err = f.service.GenerateNow(context.Background(), &types.PromptInput{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestGetJob(t *testing.T) {
	t.Run("unknown job", func(t *testing.T) {
		f := newServiceFixture(t)
		_, err := f.service.GetJob(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("queued job", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()
		resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{})
		require.NoError(t, err)

		view, err := f.service.GetJob(ctx, resp.JobID)
		require.NoError(t, err)
		assert.Equal(t, resp.JobID, view.ID)
		assert.Equal(t, queue.JobStatusQueued, view.Status)
		assert.Nil(t, view.Data)
	})

	t.Run("completed job returns the report and purges the cache", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()
		resp, err := f.service.RequestReport(ctx, sampleInput(), RequestOptions{})
		require.NoError(t, err)

		fp := f.cache.Fingerprint(sampleInput())
		require.NoError(t, f.cache.PutComplete(ctx, fp, resp.JobID, sampleReport("Polled report"), nil, false, 0))

		data, err := json.Marshal(types.ReportResult{Result: sampleReport("Polled report"), UsedProvider: "openai"})
		require.NoError(t, err)
		_, err = f.queue.Dequeue(ctx, "test")
		require.NoError(t, err)
		require.NoError(t, f.queue.Complete(ctx, resp.JobID, &queue.JobResult{Result: data}))

		view, err := f.service.GetJob(ctx, resp.JobID)
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusCompleted, view.Status)
		assert.Equal(t, 100, view.Progress)
		require.NotNil(t, view.Data)
		assert.Equal(t, "Polled report", view.Data.Title)

		require.NoError(t, f.service.Stop(ctx))
		assert.Nil(t, f.cache.Get(ctx, fp))
	})

	t.Run("failed job reports its error", func(t *testing.T) {
		f := newServiceFixture(t)
		ctx := context.Background()

		job, err := queue.NewJob(JobTypeReport, queue.PriorityMedium, JobPayload{JobID: "job-f"})
		require.NoError(t, err)
		job.WithID("job-f").WithRetries(1, time.Second)
		require.NoError(t, f.queue.Enqueue(ctx, job))
		_, err = f.queue.Dequeue(ctx, "test")
		require.NoError(t, err)
		_, err = f.queue.Fail(ctx, "job-f", "all providers failed")
		require.NoError(t, err)

		view, err := f.service.GetJob(ctx, "job-f")
		require.NoError(t, err)
		assert.Equal(t, queue.JobStatusFailed, view.Status)
		assert.Equal(t, "all providers failed", view.Error)
	})
}

func TestDeleteReport(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	input := sampleInput()
	input.Template = "weekly"
	fp := f.cache.Fingerprint(input)
	require.NoError(t, f.cache.PutComplete(ctx, fp, "job-1", sampleReport("To delete"), nil, false, 0))

	err := f.service.DeleteReport(ctx, "", input.CommitSHA, "")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	require.NoError(t, f.service.DeleteReport(ctx, input.UserID, input.CommitSHA, "weekly"))
	assert.Nil(t, f.cache.Get(ctx, fp))
}

func TestHealth(t *testing.T) {
	opts := testRuntimeOptions(&sleepRecorder{})
	opts.Retry.MaxAttemptsPerProvider = 1
	opts.Circuit.FailureThreshold = 1

	down := &fakeAdapter{name: "gemini", fn: failWith(errors.NewUnavailableFailure("gemini", 503, "down"))}
	up := &fakeAdapter{name: "openai", fn: succeed("Health check")}
	o := newTestOrchestrator(t, opts, Config{}, down, up)
	svc := NewService(ServiceDeps{
		Orchestrator: o,
		Cache:        cache.NewReportCache(cache.NewMemoryStore(), testCacheConfig(), "", logging.NewNopLogger()),
		Queue:        queue.NewMemoryQueue(),
		Logger:       logging.NewNopLogger(),
	})

	report := svc.Health(context.Background())
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Len(t, report.Providers, 2)
	assert.NotEmpty(t, report.Timestamp)

	_, err := o.Generate(context.Background(), sampleInput(), "job-h")
	require.NoError(t, err)

	report = svc.Health(context.Background())
	assert.Equal(t, HealthStatusDegraded, report.Status)
	assert.Equal(t, []ProviderHealthView{
		{Name: "gemini", Healthy: false},
		{Name: "openai", Healthy: true},
	}, report.Providers)
}

func TestService_EndToEndWithWorker(t *testing.T) {
	q := queue.NewMemoryQueue()
	rc := cache.NewReportCache(cache.NewMemoryStore(), testCacheConfig(), "test:", logging.NewNopLogger())
	o := newTestOrchestrator(t, testRuntimeOptions(&sleepRecorder{}), Config{},
		&fakeAdapter{name: "openai", fn: succeed("End to end report")})

	worker := queue.NewWorker(q, queue.WorkerConfig{
		Concurrency:     1,
		PollInterval:    10 * time.Millisecond,
		ShutdownTimeout: time.Second,
	}, logging.NewNopLogger())
	worker.RegisterHandler(JobTypeReport, NewReportJobHandler(HandlerDeps{
		Orchestrator: o,
		Cache:        rc,
		Queue:        q,
		Logger:       logging.NewNopLogger(),
	}))

	svc := NewService(ServiceDeps{
		Orchestrator: o,
		Cache:        rc,
		Queue:        q,
		Worker:       worker,
		Config:       config.QueueConfig{JobTimeout: 10 * time.Second},
		Logger:       logging.NewNopLogger(),
	})

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	defer func() {
		_ = svc.Stop(ctx)
	}()

	resp, err := svc.RequestReport(ctx, sampleInput(), RequestOptions{})
	require.NoError(t, err)
	require.Equal(t, RequestStatusQueued, resp.Status)

	var view *JobView
	require.Eventually(t, func() bool {
		view, err = svc.GetJob(ctx, resp.JobID)
		return err == nil && view.Status == queue.JobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)

	require.NotNil(t, view.Data)
	assert.Equal(t, "End to end report", view.Data.Title)
}
