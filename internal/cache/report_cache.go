package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commitdiary/stepper/pkg/config"
	"github.com/commitdiary/stepper/pkg/errors"
	"github.com/commitdiary/stepper/pkg/logging"
	"github.com/commitdiary/stepper/pkg/security"
	"github.com/commitdiary/stepper/pkg/types"
)

// Status is the lifecycle state of a cache entry
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Timestamps records when an entry was first written and last overwritten
type Timestamps struct {
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
}

// Entry is the JSON document stored under one fingerprint
type Entry struct {
	Status     Status                  `json:"status"`
	Result     *types.Report           `json:"result,omitempty"`
	JobID      string                  `json:"jobId,omitempty"`
	Attempts   []types.ProviderAttempt `json:"attempts,omitempty"`
	Fallback   bool                    `json:"fallback,omitempty"`
	Timestamps Timestamps              `json:"timestamps"`
	TTL        int64                   `json:"ttl,omitempty"`
	Error      string                  `json:"error,omitempty"`
}

const (
	defaultTemplate = "default"
	lockSuffix      = ":lock"
)

// ReportCache stores one entry per report fingerprint
type ReportCache struct {
	store     Store
	config    config.CacheConfig
	prefix    string
	encryptor *security.EncryptionService
	logger    *logging.Logger
	now       func() time.Time
}

// NewReportCache creates a report cache over store. Entries are encrypted
// when cfg.EncryptionKey is set.
func NewReportCache(store Store, cfg config.CacheConfig, keyPrefix string, logger *logging.Logger) *ReportCache {
	if logger == nil {
		logger = logging.GetLogger()
	}
	c := &ReportCache{
		store:  store,
		config: cfg,
		prefix: keyPrefix,
		logger: logger,
		now:    time.Now,
	}
	if cfg.EncryptionKey != "" {
		c.encryptor = security.NewEncryptionService(cfg.EncryptionKey)
	}
	return c
}

// Fingerprint derives the cache key of a request
func (c *ReportCache) Fingerprint(input *types.PromptInput) string {
	return BuildFingerprint(c.prefix, input.UserID, input.CommitSHA, input.Template)
}

// Prefix returns the key prefix fingerprints are built with
func (c *ReportCache) Prefix() string {
	return c.prefix
}

// BuildFingerprint returns prefix + "report:" + user + ":" + sha + ":" + the
// first 16 hex chars of sha256(template), hashing "default" for no template
func BuildFingerprint(prefix, userID, commitSHA, template string) string {
	if template == "" {
		template = defaultTemplate
	}
	sum := sha256.Sum256([]byte(template))
	return fmt.Sprintf("%sreport:%s:%s:%s", prefix, userID, commitSHA, hex.EncodeToString(sum[:])[:16])
}

// Get returns the entry for fp, or nil on a miss. Store and decode errors are
// logged and reported as a miss.
func (c *ReportCache) Get(ctx context.Context, fp string) *Entry {
	entry, err := c.read(ctx, fp)
	if err != nil {
		if !errors.IsNotFound(err) {
			c.logger.Error("Failed to read cache entry", "fingerprint", fp, "error", err.Error())
		}
		return nil
	}
	return entry
}

// PutInProgress marks fp as being generated by jobID. An entry that job has
// already completed or failed is never reopened. A complete entry written by
// another job is replaced, stale report included: callers only mark fp once
// they have decided the entry is not servable, and the new job's PutComplete
// or PutFailed decides what the next reader sees.
func (c *ReportCache) PutInProgress(ctx context.Context, fp, jobID string) error {
	if existing := c.Get(ctx, fp); existing != nil && existing.JobID == jobID && existing.Status != StatusInProgress {
		return errors.NewConflictError(fmt.Sprintf("cache entry for job %s is already %s", jobID, existing.Status))
	}

	now := c.now()
	return c.write(ctx, fp, &Entry{
		Status:     StatusInProgress,
		JobID:      jobID,
		Timestamps: Timestamps{Created: now, Updated: now},
	}, c.config.TTL)
}

// PutComplete stores a finished report. A zero ttl uses the configured TTL.
func (c *ReportCache) PutComplete(ctx context.Context, fp, jobID string, report *types.Report, attempts []types.ProviderAttempt, fallback bool, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.config.TTL
	}
	now := c.now()
	return c.write(ctx, fp, &Entry{
		Status:     StatusComplete,
		Result:     report,
		JobID:      jobID,
		Attempts:   attempts,
		Fallback:   fallback,
		Timestamps: Timestamps{Created: now, Updated: now},
		TTL:        int64(ttl / time.Second),
	}, ttl)
}

// PutFailed records that generation gave up on fp
func (c *ReportCache) PutFailed(ctx context.Context, fp, jobID, errorMessage string, attempts []types.ProviderAttempt) error {
	now := c.now()
	return c.write(ctx, fp, &Entry{
		Status:     StatusFailed,
		JobID:      jobID,
		Attempts:   attempts,
		Error:      errorMessage,
		Timestamps: Timestamps{Created: now, Updated: now},
		TTL:        int64(c.config.FailedTTL / time.Second),
	}, c.config.FailedTTL)
}

// Delete purges fp. Failures are logged only.
func (c *ReportCache) Delete(ctx context.Context, fp string) {
	if _, err := c.store.Del(ctx, fp); err != nil {
		c.logger.Error("Failed to delete cache entry", "fingerprint", fp, "error", err.Error())
		return
	}
	c.logger.Debug("Deleted cache entry", "fingerprint", fp)
}

// IsFresh reports a complete entry younger than the stale threshold
func (c *ReportCache) IsFresh(entry *Entry) bool {
	if entry == nil || entry.Status != StatusComplete {
		return false
	}
	return c.now().Sub(entry.Timestamps.Updated) < c.config.StaleThreshold
}

// IsStaleButUsable reports a complete entry past the stale threshold that may
// still be served while a refresh runs
func (c *ReportCache) IsStaleButUsable(entry *Entry) bool {
	if entry == nil || entry.Status != StatusComplete || !c.config.StaleWhileRevalidate {
		return false
	}
	return !c.IsFresh(entry)
}

// AcquireLock takes the per-fingerprint generation lock for owner
func (c *ReportCache) AcquireLock(ctx context.Context, fp, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.store.SetNX(ctx, fp+lockSuffix, owner, ttl)
	if err != nil {
		return false, errors.NewCacheError(fp, "failed to acquire fingerprint lock").WithCause(err)
	}
	return ok, nil
}

// ReleaseLock drops the lock if owner still holds it
func (c *ReportCache) ReleaseLock(ctx context.Context, fp, owner string) {
	key := fp + lockSuffix
	holder, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.IsNotFound(err) {
			c.logger.Warn("Failed to read fingerprint lock", "fingerprint", fp, "error", err.Error())
		}
		return
	}
	if holder != owner {
		return
	}
	if _, err := c.store.Del(ctx, key); err != nil {
		c.logger.Warn("Failed to release fingerprint lock", "fingerprint", fp, "error", err.Error())
	}
}

func (c *ReportCache) read(ctx context.Context, fp string) (*Entry, error) {
	data, err := c.store.Get(ctx, fp)
	if err != nil {
		return nil, err
	}

	if c.encryptor != nil {
		data, err = c.encryptor.Decrypt(data)
		if err != nil {
			return nil, errors.NewCacheError(fp, "failed to decrypt cache entry").WithCause(err)
		}
	}

	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, errors.NewCacheError(fp, "failed to decode cache entry").WithCause(err)
	}
	return &entry, nil
}

func (c *ReportCache) write(ctx context.Context, fp string, entry *Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return errors.NewCacheError(fp, "failed to encode cache entry").WithCause(err)
	}

	value := string(data)
	if c.encryptor != nil {
		if value, err = c.encryptor.Encrypt(value); err != nil {
			return errors.NewCacheError(fp, "failed to encrypt cache entry").WithCause(err)
		}
	}

	if err := c.store.Set(ctx, fp, value, ttl); err != nil {
		return errors.NewCacheError(fp, "failed to write cache entry").WithCause(err)
	}

	c.logger.Debug("Stored cache entry", "fingerprint", fp, "status", string(entry.Status))
	return nil
}
