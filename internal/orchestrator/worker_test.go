package orchestrator

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/commitdiary/stepper/internal/cache"
	"github.com/commitdiary/stepper/internal/notifications"
	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/resilience"
	"github.com/commitdiary/stepper/pkg/types"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTL:                  time.Hour,
		FailedTTL:            5 * time.Minute,
		StaleThreshold:       30 * time.Minute,
		StaleWhileRevalidate: true,
	}
}

// enqueueReportJob puts a report job on q the way Service.Enqueue does and
// dequeues it again, as a worker would
func enqueueReportJob(t *testing.T, q *queue.MemoryQueue, jobID, fp, callbackURL string) *queue.Job {
	t.Helper()
	job, err := queue.NewJob(JobTypeReport, queue.PriorityMedium, JobPayload{
		JobID:       jobID,
		Input:       *sampleInput(),
		Fingerprint: fp,
		Priority:    queue.PriorityMedium,
		CallbackURL: callbackURL,
	})
	require.NoError(t, err)
	job.WithID(jobID).WithRetries(2, time.Second)
	require.NoError(t, q.Enqueue(context.Background(), job))

	dequeued, err := q.Dequeue(context.Background(), "worker-test")
	require.NoError(t, err)
	return dequeued
}

func newTestHandler(t *testing.T, store cache.Store, q queue.QueueInterface, adapter *fakeAdapter, webhooks *notifications.WebhookSender, alerts *resilience.AlertManager) (*ReportJobHandler, *cache.ReportCache) {
	t.Helper()
	rc := cache.NewReportCache(store, testCacheConfig(), "test:", logging.NewNopLogger())
	o := newTestOrchestrator(t, testRuntimeOptions(&sleepRecorder{}), Config{}, adapter)
	return NewReportJobHandler(HandlerDeps{
		Orchestrator: o,
		Cache:        rc,
		Queue:        q,
		Webhooks:     webhooks,
		Alerts:       alerts,
		Logger:       logging.NewNopLogger(),
	}), rc
}

func TestReportJobHandler_CanHandle(t *testing.T) {
	h := NewReportJobHandler(HandlerDeps{Logger: logging.NewNopLogger()})
	assert.True(t, h.CanHandle(JobTypeReport))
	assert.False(t, h.CanHandle("scan"))
}

func TestReportJobHandler_GeneratesAndCaches(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notifications.WebhookPayload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notifications.WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	webhooks := notifications.NewWebhookSender(config.WebhookConfig{Enabled: true, MaxRetries: 1}, zap.NewNop())

	q := queue.NewMemoryQueue()
	store := cache.NewMemoryStore()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Generated by the worker")}
	h, rc := newTestHandler(t, store, q, adapter, webhooks, nil)

	fp := rc.Fingerprint(sampleInput())
	job := enqueueReportJob(t, q, "job-w1", fp, hook.URL)

	res, err := h.Handle(context.Background(), job)
	require.NoError(t, err)
	require.NotNil(t, res)

	var result types.ReportResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	assert.Equal(t, "openai", result.UsedProvider)
	assert.Equal(t, "Generated by the worker", result.Result.Title)

	entry := rc.Get(context.Background(), fp)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StatusComplete, entry.Status)
	assert.Equal(t, "job-w1", entry.JobID)
	assert.Equal(t, "Generated by the worker", entry.Result.Title)

	stored, err := q.GetJob(context.Background(), "job-w1")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)

	_, err = store.Get(context.Background(), fp+":lock")
	assert.True(t, errors.IsNotFound(err), "lock should be released")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, "job-w1", payloads[0].JobID)
	assert.Equal(t, notifications.WebhookStatusCompleted, payloads[0].Status)
}

func TestReportJobHandler_SkipsFreshEntry(t *testing.T) {
	q := queue.NewMemoryQueue()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Should not run")}
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, adapter, nil, nil)

	fp := rc.Fingerprint(sampleInput())
	attempts := []types.ProviderAttempt{{Provider: "openai", AttemptNumber: 1, DurationMs: 120}}
	require.NoError(t, rc.PutComplete(context.Background(), fp, "job-old", sampleReport("Already there"), attempts, false, 0))

	res, err := h.Handle(context.Background(), enqueueReportJob(t, q, "job-w2", fp, ""))
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, int32(0), adapter.calls.Load())
	assert.Equal(t, "job-old", rc.Get(context.Background(), fp).JobID)

	var result types.ReportResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	require.NotNil(t, result.Result)
	assert.Equal(t, "Already there", result.Result.Title)
	assert.Equal(t, "openai", result.UsedProvider)
	assert.Equal(t, attempts, result.ProvidersAttempted)

	stored, err := q.GetJob(context.Background(), "job-w2")
	require.NoError(t, err)
	assert.Equal(t, 100, stored.Progress)
}

func TestReportJobHandler_WaitsForLockedFingerprint(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Should not run")}
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, adapter, nil, nil)
	h.lockPoll = 5 * time.Millisecond

	fp := rc.Fingerprint(sampleInput())
	ok, err := rc.AcquireLock(ctx, fp, "job-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job := enqueueReportJob(t, q, "job-w3", fp, "")

	type outcome struct {
		res *queue.JobResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.Handle(ctx, job)
		done <- outcome{res, err}
	}()

	select {
	case <-done:
		t.Fatal("handler finished while another job held the lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, rc.PutComplete(ctx, fp, "job-holder", sampleReport("Produced by the holder"), nil, false, 0))
	rc.ReleaseLock(ctx, fp, "job-holder")

	var out outcome
	select {
	case out = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler kept waiting after the lock was released")
	}
	require.NoError(t, out.err)
	assert.Equal(t, int32(0), adapter.calls.Load())

	require.NoError(t, q.Complete(ctx, job.ID, out.res))
	svc := NewService(ServiceDeps{Orchestrator: h.orchestrator, Cache: rc, Queue: q, Logger: logging.NewNopLogger()})
	defer func() { _ = svc.Stop(ctx) }()

	view, err := svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.JobStatusCompleted, view.Status)
	assert.Equal(t, 100, view.Progress)
	require.NotNil(t, view.Data)
	assert.Equal(t, "Produced by the holder", view.Data.Title)
}

func TestReportJobHandler_LockWaitEndsWithContext(t *testing.T) {
	q := queue.NewMemoryQueue()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Should not run")}
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, adapter, nil, nil)
	h.lockPoll = 5 * time.Millisecond

	fp := rc.Fingerprint(sampleInput())
	ok, err := rc.AcquireLock(context.Background(), fp, "job-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	res, err := h.Handle(ctx, enqueueReportJob(t, q, "job-w7", fp, ""))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(0), adapter.calls.Load())
}

func TestReportJobHandler_ReleasedLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemoryQueue()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Generated after takeover")}
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, adapter, nil, nil)
	h.lockPoll = 5 * time.Millisecond

	fp := rc.Fingerprint(sampleInput())
	ok, err := rc.AcquireLock(ctx, fp, "job-holder", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	job := enqueueReportJob(t, q, "job-w8", fp, "")
	go func() {
		time.Sleep(20 * time.Millisecond)
		rc.ReleaseLock(ctx, fp, "job-holder")
	}()

	res, err := h.Handle(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, int32(1), adapter.calls.Load())

	var result types.ReportResult
	require.NoError(t, json.Unmarshal(res.Result, &result))
	assert.Equal(t, "Generated after takeover", result.Result.Title)
}

// mockStore is a cache.Store whose calls are scripted per test
type mockStore struct {
	mock.Mock
}

func (m *mockStore) Get(ctx context.Context, key string) (string, error) {
	args := m.Called(ctx, key)
	return args.String(0), args.Error(1)
}

func (m *mockStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *mockStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, expiration)
	return args.Bool(0), args.Error(1)
}

func (m *mockStore) Del(ctx context.Context, keys ...string) (int64, error) {
	args := m.Called(ctx, keys)
	return args.Get(0).(int64), args.Error(1)
}

func TestReportJobHandler_LockErrorFailsOpen(t *testing.T) {
	store := &mockStore{}
	store.On("Get", mock.Anything, mock.Anything).Return("", errors.NewNotFoundError("cache entry"))
	store.On("SetNX", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(false, stderrors.New("redis: connection refused"))
	store.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	q := queue.NewMemoryQueue()
	adapter := &fakeAdapter{name: "openai", fn: succeed("Generated without a lock")}
	h, rc := newTestHandler(t, store, q, adapter, nil, nil)

	fp := rc.Fingerprint(sampleInput())
	_, err := h.Handle(context.Background(), enqueueReportJob(t, q, "job-w4", fp, ""))
	require.NoError(t, err)

	assert.Equal(t, int32(1), adapter.calls.Load())
	store.AssertCalled(t, "Set", mock.Anything, fp, mock.Anything, time.Hour)
	store.AssertNotCalled(t, "Del", mock.Anything, mock.Anything)
}

func TestReportJobHandler_GenerationErrorIsReturned(t *testing.T) {
	q := queue.NewMemoryQueue()
	store := cache.NewMemoryStore()
	rc := cache.NewReportCache(store, testCacheConfig(), "test:", logging.NewNopLogger())
	adapter := &fakeAdapter{name: "openai", fn: failWith(errors.NewAuthFailure("openai", 401, "bad key"))}
	o := newTestOrchestrator(t, testRuntimeOptions(&sleepRecorder{}), Config{FallbackMode: config.FallbackModeFail}, adapter)
	h := NewReportJobHandler(HandlerDeps{Orchestrator: o, Cache: rc, Queue: q, Logger: logging.NewNopLogger()})

	fp := rc.Fingerprint(sampleInput())
	_, err := h.Handle(context.Background(), enqueueReportJob(t, q, "job-w5", fp, ""))
	require.Error(t, err)
	assert.True(t, errors.IsAllProvidersFailed(err))
	assert.Nil(t, rc.Get(context.Background(), fp))

	_, err = store.Get(context.Background(), fp+":lock")
	assert.True(t, errors.IsNotFound(err))
}

func TestReportJobHandler_HandleTerminalFailure(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads []notifications.WebhookPayload
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p notifications.WebhookPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		mu.Lock()
		payloads = append(payloads, p)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer hook.Close()

	am := resilience.NewAlertManager()
	alerts := &capturingAlertHandler{}
	am.AddHandler(alerts)

	webhooks := notifications.NewWebhookSender(config.WebhookConfig{Enabled: true, MaxRetries: 1}, zap.NewNop())
	q := queue.NewMemoryQueue()
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, &fakeAdapter{name: "openai", fn: succeed("unused")}, webhooks, am)

	fp := rc.Fingerprint(sampleInput())
	job := enqueueReportJob(t, q, "job-w6", fp, hook.URL)

	h.HandleTerminalFailure(context.Background(), job, stderrors.New("all providers failed"))
	am.Wait()

	entry := rc.Get(context.Background(), fp)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Equal(t, "job-w6", entry.JobID)
	assert.Equal(t, "all providers failed", entry.Error)

	alerts.mu.Lock()
	require.Len(t, alerts.alerts, 1)
	assert.Equal(t, "Job Failed Permanently", alerts.alerts[0].Title)
	assert.Equal(t, "job-w6", alerts.alerts[0].Metadata["jobId"])
	assert.Equal(t, fp, alerts.alerts[0].Metadata["cacheKey"])
	alerts.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, payloads, 1)
	assert.Equal(t, notifications.WebhookStatusFailed, payloads[0].Status)
	assert.Equal(t, "all providers failed", payloads[0].Error)
}

func TestReportJobHandler_TerminalFailureKeepsAttempts(t *testing.T) {
	q := queue.NewMemoryQueue()
	h, rc := newTestHandler(t, cache.NewMemoryStore(), q, &fakeAdapter{name: "openai", fn: succeed("unused")}, nil, nil)

	fp := rc.Fingerprint(sampleInput())
	job := enqueueReportJob(t, q, "job-w9", fp, "")

	attempts := []types.ProviderAttempt{
		{Provider: "openai", AttemptNumber: 1, Error: "upstream 500", ErrorCode: "PROVIDER_FAILURE"},
		{Provider: "cohere", Skipped: "circuit open"},
	}
	cause := &errors.AllProvidersFailedError{
		Failures: []errors.ProviderFailureSummary{{Provider: "openai", Reason: "upstream 500"}},
		Attempts: attempts,
	}
	h.HandleTerminalFailure(context.Background(), job, cause)

	entry := rc.Get(context.Background(), fp)
	require.NotNil(t, entry)
	assert.Equal(t, cache.StatusFailed, entry.Status)
	assert.Equal(t, attempts, entry.Attempts)
}
