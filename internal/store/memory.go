package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryStore implements CounterStore using in-process maps. It backs the
// memory store backend and the test suites; it honors TTLs lazily on read.
type MemoryStore struct {
	mu      sync.Mutex
	strings map[string]memoryValue
	sets    map[string]*memorySortedSet
	logger  zerolog.Logger

	now func() time.Time
}

type memoryValue struct {
	value     string
	expiresAt time.Time
}

type memorySortedSet struct {
	members   map[string]int64 // member -> score (unix millis)
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory counter store
func NewMemoryStore(logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memoryValue),
		sets:    make(map[string]*memorySortedSet),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the store's clock. Test hook only.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MemoryStore) SlidingWindow(ctx context.Context, key, member string, now time.Time, window time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[key]
	if !ok || (!set.expiresAt.IsZero() && m.now().After(set.expiresAt)) {
		set = &memorySortedSet{members: make(map[string]int64)}
		m.sets[key] = set
	}

	set.members[member] = now.UnixMilli()

	cutoff := now.UnixMilli() - window.Milliseconds()
	for mem, score := range set.members {
		if score < cutoff {
			delete(set.members, mem)
		}
	}
	set.expiresAt = m.now().Add(window)

	return int64(len(set.members)), nil
}

func (m *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	if v, ok := m.strings[key]; ok && !m.expired(v) {
		count, _ = strconv.ParseInt(v.value, 10, 64)
	}
	count++
	m.strings[key] = memoryValue{
		value:     strconv.FormatInt(count, 10),
		expiresAt: m.now().Add(ttl),
	}
	return count, nil
}

func (m *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.strings[key] = memoryValue{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.strings[key]
	if !ok || m.expired(v) {
		return "", ErrNotFound
	}
	return v.value, nil
}

func (m *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.strings[key]
	if !ok || m.expired(v) {
		return 0, ErrNotFound
	}
	return v.expiresAt.Sub(m.now()), nil
}

func (m *MemoryStore) Del(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		delete(m.strings, key)
		delete(m.sets, key)
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil // Memory store is always available
}

func (m *MemoryStore) Close() error {
	return nil
}

func (m *MemoryStore) expired(v memoryValue) bool {
	return !v.expiresAt.IsZero() && m.now().After(v.expiresAt)
}
