package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/commitdiary/stepper/internal/queue"
	"github.com/commitdiary/stepper/pkg/errors"
)

// Store is the key/value surface the report cache needs. Get returns a
// not-found AppError for a missing key.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) (int64, error)
}

var (
	_ Store = (*queue.RedisClient)(nil)
	_ Store = (*MemoryStore)(nil)
)

type memoryItem struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store with TTL support
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.lookup(key)
	if !ok {
		return "", errors.NewNotFoundError("key")
	}
	return item.value, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.put(key, value, expiration)
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookup(key); ok {
		return false, nil
	}
	m.put(key, value, expiration)
	return true, nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, key := range keys {
		if _, ok := m.lookup(key); ok {
			delete(m.items, key)
			n++
		}
	}
	return n, nil
}

// TTL returns the remaining lifetime of key, zero when it has none
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.lookup(key)
	if !ok || item.expiresAt.IsZero() {
		return 0
	}
	return item.expiresAt.Sub(m.now())
}

func (m *MemoryStore) lookup(key string) (memoryItem, bool) {
	item, ok := m.items[key]
	if !ok {
		return memoryItem{}, false
	}
	if !item.expiresAt.IsZero() && !m.now().Before(item.expiresAt) {
		delete(m.items, key)
		return memoryItem{}, false
	}
	return item, true
}

func (m *MemoryStore) put(key string, value interface{}, expiration time.Duration) {
	var s string
	switch v := value.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprint(v)
	}

	item := memoryItem{value: s}
	if expiration > 0 {
		item.expiresAt = m.now().Add(expiration)
	}
	m.items[key] = item
}
