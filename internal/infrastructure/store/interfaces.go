package store

import (
	"context"
	"time"
)

// Store provides the keyed counter and record storage shared by the rate
// limiter and the lockout guard. Implementations must make SlideWindow
// atomic per key: prune, insert and count may not interleave with a
// concurrent caller's pipeline on the same key.
type Store interface {
	// SlideWindow records one occurrence for key now, prunes entries older
	// than the window, and returns the count of entries remaining inside the
	// window (including the one just recorded) plus the oldest surviving
	// timestamp. The key self-expires one window after its last occurrence.
	SlideWindow(ctx context.Context, key string, window time.Duration) (count int, oldest time.Time, err error)

	// CountWindow prunes and counts without recording an occurrence.
	CountWindow(ctx context.Context, key string, window time.Duration) (int, error)

	// Delete removes a key.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// SetJSON marshals and stores a record with a TTL.
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// GetJSON retrieves and unmarshals a record.
	GetJSON(ctx context.Context, key string, dest interface{}) error

	// SetFlag sets a marker key with a TTL.
	SetFlag(ctx context.Context, key string, ttl time.Duration) error

	// ClearNamespace deletes every key under one of this core's own
	// prefixes. It must never be called with an unscoped pattern.
	ClearNamespace(ctx context.Context, prefix string) (int64, error)

	// Close releases any underlying connections.
	Close() error
}

// Key prefixes for the namespaces this core owns. Every key written by the
// core starts with one of these; ClearNamespace refuses anything else.
const (
	RateLimitPrefix = "vh:ratelimit:"
	AttemptsPrefix  = "vh:attempts:"
	LockoutPrefix   = "vh:lockout:"
	FlagPrefix      = "vh:flag:"
)

// ErrKeyNotFound is returned when a record key doesn't exist
type ErrKeyNotFound struct {
	Key string
}

func (e ErrKeyNotFound) Error() string {
	return "store key not found: " + e.Key
}

// ErrUnscopedNamespace is returned when ClearNamespace is called with a
// prefix outside this core's keyspaces.
type ErrUnscopedNamespace struct {
	Prefix string
}

func (e ErrUnscopedNamespace) Error() string {
	return "refusing to clear namespace outside owned prefixes: " + e.Prefix
}

// ownsPrefix reports whether prefix is one of the core's namespaces.
func ownsPrefix(prefix string) bool {
	switch prefix {
	case RateLimitPrefix, AttemptsPrefix, LockoutPrefix, FlagPrefix:
		return true
	}
	return false
}
