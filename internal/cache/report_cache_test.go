package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/types"
)

func testCacheConfig() config.CacheConfig {
	return config.CacheConfig{
		TTL:                  172800 * time.Second,
		FailedTTL:            3600 * time.Second,
		StaleThreshold:       86400 * time.Second,
		StaleWhileRevalidate: true,
	}
}

func setupTestCache(t *testing.T, cfg config.CacheConfig) (*ReportCache, *MemoryStore, *time.Time) {
	t.Helper()
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return clock }

	c := NewReportCache(store, cfg, "stepper:", logging.NewNopLogger())
	c.now = func() time.Time { return clock }
	return c, store, &clock
}

func sampleReport() *types.Report {
	return &types.Report{
		Title:   "Add retry budget to webhook sender",
		Summary: "Webhook deliveries now retry transient failures with a linear backoff.",
		Changes: []string{"Retry 5xx responses"},
	}
}

func TestFingerprint(t *testing.T) {
	c, _, _ := setupTestCache(t, testCacheConfig())

	fp := c.Fingerprint(&types.PromptInput{UserID: "u1", CommitSHA: "abc123"})
	assert.Equal(t, "stepper:report:u1:abc123:37a8eec1ce19687d", fp)

	fp = c.Fingerprint(&types.PromptInput{UserID: "u1", CommitSHA: "abc123", Template: "weekly"})
	assert.Equal(t, "stepper:report:u1:abc123:8850eced986ec360", fp)
}

func TestReportCache_RoundTrip(t *testing.T) {
	c, store, _ := setupTestCache(t, testCacheConfig())
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	assert.Nil(t, c.Get(ctx, fp))

	require.NoError(t, c.PutInProgress(ctx, fp, "job-1"))
	entry := c.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, StatusInProgress, entry.Status)
	assert.Equal(t, "job-1", entry.JobID)
	assert.Equal(t, 172800*time.Second, store.TTL(fp))

	attempts := []types.ProviderAttempt{{Provider: "gemini", AttemptNumber: 1, DurationMs: 1200}}
	require.NoError(t, c.PutComplete(ctx, fp, "job-1", sampleReport(), attempts, false, 0))
	entry = c.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, StatusComplete, entry.Status)
	assert.Equal(t, sampleReport(), entry.Result)
	assert.Equal(t, attempts, entry.Attempts)
	assert.Equal(t, int64(172800), entry.TTL)

	c.Delete(ctx, fp)
	assert.Nil(t, c.Get(ctx, fp))
}

func TestReportCache_PutFailedUsesFailedTTL(t *testing.T) {
	c, store, _ := setupTestCache(t, testCacheConfig())
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	require.NoError(t, c.PutFailed(ctx, fp, "job-1", "all providers failed", nil))

	entry := c.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, StatusFailed, entry.Status)
	assert.Equal(t, "all providers failed", entry.Error)
	assert.Equal(t, time.Hour, store.TTL(fp))
}

func TestReportCache_InProgressNeverReopensFinishedJob(t *testing.T) {
	c, _, _ := setupTestCache(t, testCacheConfig())
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	require.NoError(t, c.PutComplete(ctx, fp, "job-1", sampleReport(), nil, false, 0))

	err := c.PutInProgress(ctx, fp, "job-1")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
	assert.Equal(t, StatusComplete, c.Get(ctx, fp).Status)

	// A new job may take over the fingerprint.
	require.NoError(t, c.PutInProgress(ctx, fp, "job-2"))
	assert.Equal(t, StatusInProgress, c.Get(ctx, fp).Status)
}

func TestReportCache_Freshness(t *testing.T) {
	c, _, clock := setupTestCache(t, testCacheConfig())
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")
	require.NoError(t, c.PutComplete(ctx, fp, "job-1", sampleReport(), nil, false, 0))
	written := *clock

	tests := []struct {
		name      string
		age       time.Duration
		fresh     bool
		staleOkay bool
	}{
		{"just written", 0, true, false},
		{"one second before threshold", 86399 * time.Second, true, false},
		{"at threshold", 86400 * time.Second, false, true},
		{"one second past threshold", 86401 * time.Second, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			*clock = written.Add(tt.age)
			entry := c.Get(ctx, fp)
			require.NotNil(t, entry)
			assert.Equal(t, tt.fresh, c.IsFresh(entry))
			assert.Equal(t, tt.staleOkay, c.IsStaleButUsable(entry))
		})
	}
}

func TestReportCache_StaleWhileRevalidateDisabled(t *testing.T) {
	cfg := testCacheConfig()
	cfg.StaleWhileRevalidate = false
	c, _, _ := setupTestCache(t, cfg)

	old := &Entry{Status: StatusComplete, Timestamps: Timestamps{Updated: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}}
	assert.False(t, c.IsFresh(old))
	assert.False(t, c.IsStaleButUsable(old))
	assert.False(t, c.IsFresh(&Entry{Status: StatusInProgress, Timestamps: Timestamps{Updated: time.Now()}}))
}

func TestReportCache_InProgressReplacesStaleEntryWithoutRevalidation(t *testing.T) {
	cfg := testCacheConfig()
	cfg.StaleWhileRevalidate = false
	c, _, clock := setupTestCache(t, cfg)
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	require.NoError(t, c.PutComplete(ctx, fp, "job-1", sampleReport(), nil, false, 0))
	*clock = clock.Add(cfg.StaleThreshold + time.Second)

	stale := c.Get(ctx, fp)
	require.NotNil(t, stale)
	require.False(t, c.IsFresh(stale))
	require.False(t, c.IsStaleButUsable(stale))

	require.NoError(t, c.PutInProgress(ctx, fp, "job-2"))
	entry := c.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.Equal(t, StatusInProgress, entry.Status)
	assert.Equal(t, "job-2", entry.JobID)
	assert.Nil(t, entry.Result)
}

func TestReportCache_Encrypted(t *testing.T) {
	cfg := testCacheConfig()
	cfg.EncryptionKey = "correct horse battery staple"
	c, store, _ := setupTestCache(t, cfg)
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	require.NoError(t, c.PutComplete(ctx, fp, "job-1", sampleReport(), nil, true, 0))

	raw, err := store.Get(ctx, fp)
	require.NoError(t, err)
	assert.NotContains(t, raw, "webhook")

	entry := c.Get(ctx, fp)
	require.NotNil(t, entry)
	assert.True(t, entry.Fallback)
	assert.Equal(t, sampleReport().Title, entry.Result.Title)
}

func TestReportCache_CorruptEntryIsMiss(t *testing.T) {
	c, store, _ := setupTestCache(t, testCacheConfig())
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "stepper:report:bad", "{not json", 0))
	assert.Nil(t, c.Get(ctx, "stepper:report:bad"))
}

func TestReportCache_Lock(t *testing.T) {
	c, _, _ := setupTestCache(t, testCacheConfig())
	ctx := context.Background()
	fp := BuildFingerprint("stepper:", "u1", "abc", "")

	ok, err := c.AcquireLock(ctx, fp, "job-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, fp, "job-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the holder can release.
	c.ReleaseLock(ctx, fp, "job-2")
	ok, _ = c.AcquireLock(ctx, fp, "job-2", time.Minute)
	assert.False(t, ok)

	c.ReleaseLock(ctx, fp, "job-1")
	ok, err = c.AcquireLock(ctx, fp, "job-2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryStore_Expiry(t *testing.T) {
	ctx := context.Background()
	clock := time.Now()
	store := NewMemoryStore()
	store.now = func() time.Time { return clock }

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	clock = clock.Add(time.Second)
	_, err = store.Get(ctx, "k")
	assert.True(t, errors.IsNotFound(err))

	n, err := store.Del(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)
}
