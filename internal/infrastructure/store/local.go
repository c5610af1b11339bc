package store

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// localStore implements Store with process-local maps. It is the fallback
// when Redis is not configured or unreachable. Counters use fixed buckets
// of {count, resetAt} rather than a full timestamp log, and state is not
// shared across processes, so effective limits are per-process when
// degraded. That weakening is deliberate and logged at startup; the
// alternative is losing protection entirely.
type localStore struct {
	mu      sync.Mutex
	buckets map[string]*localBucket
	records map[string]*localRecord
	logger  *zap.Logger
}

type localBucket struct {
	count   int
	resetAt time.Time
}

type localRecord struct {
	data      []byte
	expiresAt time.Time
}

// NewLocalStore creates an in-process store safe for concurrent use.
func NewLocalStore(logger *zap.Logger) Store {
	return &localStore{
		buckets: make(map[string]*localBucket),
		records: make(map[string]*localRecord),
		logger:  logger,
	}
}

func (l *localStore) SlideWindow(_ context.Context, key string, window time.Duration) (int, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok || now.After(b.resetAt) {
		b = &localBucket{resetAt: now.Add(window)}
		l.buckets[key] = b
	}
	b.count++

	return b.count, b.resetAt.Add(-window), nil
}

func (l *localStore) CountWindow(_ context.Context, key string, _ time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return 0, nil
	}
	if time.Now().After(b.resetAt) {
		delete(l.buckets, key)
		return 0, nil
	}
	return b.count, nil
}

func (l *localStore) Delete(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.buckets, key)
	delete(l.records, key)
	return nil
}

func (l *localStore) Exists(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if b, ok := l.buckets[key]; ok && now.Before(b.resetAt) {
		return true, nil
	}
	if r, ok := l.records[key]; ok && (r.expiresAt.IsZero() || now.Before(r.expiresAt)) {
		return true, nil
	}
	return false, nil
}

func (l *localStore) SetJSON(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key] = &localRecord{data: data, expiresAt: expiresAt}
	return nil
}

func (l *localStore) GetJSON(_ context.Context, key string, dest interface{}) error {
	l.mu.Lock()
	r, ok := l.records[key]
	if ok && !r.expiresAt.IsZero() && time.Now().After(r.expiresAt) {
		delete(l.records, key)
		ok = false
	}
	l.mu.Unlock()

	if !ok {
		return ErrKeyNotFound{Key: key}
	}
	return json.Unmarshal(r.data, dest)
}

func (l *localStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	return l.SetJSON(ctx, key, true, ttl)
}

func (l *localStore) ClearNamespace(_ context.Context, prefix string) (int64, error) {
	if !ownsPrefix(prefix) {
		return 0, ErrUnscopedNamespace{Prefix: prefix}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var deleted int64
	for key := range l.buckets {
		if strings.HasPrefix(key, prefix) {
			delete(l.buckets, key)
			deleted++
		}
	}
	for key := range l.records {
		if strings.HasPrefix(key, prefix) {
			delete(l.records, key)
			deleted++
		}
	}
	return deleted, nil
}

func (l *localStore) Close() error {
	return nil
}

// Sweep drops expired buckets and records. The factory runs it on a timer
// so idle keys don't accumulate between accesses.
func (l *localStore) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, key)
			removed++
		}
	}
	for key, r := range l.records {
		if !r.expiresAt.IsZero() && now.After(r.expiresAt) {
			delete(l.records, key)
			removed++
		}
	}
	return removed
}
