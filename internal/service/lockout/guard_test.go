package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verscienta/health-security/internal/domain/errors"
	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
)

type fakeNotifier struct {
	mu    sync.Mutex
	notes []notification.Notification
}

func (f *fakeNotifier) Notify(n notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, n)
}

func (f *fakeNotifier) byReason(reason string) []notification.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []notification.Notification
	for _, n := range f.notes {
		if n.Reason == reason {
			out = append(out, n)
		}
	}
	return out
}

func testLockoutConfig() config.LockoutConfig {
	return config.LockoutConfig{
		MaxFailedAttempts: 5,
		AttemptWindow:     15 * time.Minute,
		LockoutDuration:   30 * time.Minute,
		CaptchaThreshold:  3,
	}
}

func newTestGuard(t *testing.T, cfg config.LockoutConfig) (*Guard, *fakeNotifier, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(&config.RedisConfig{
		Addr:        mr.Addr(),
		DialTimeout: time.Second,
		OpTimeout:   time.Second,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &fakeNotifier{}
	guard := NewGuard(s, cfg, notifier, zaptest.NewLogger(t), metrics.NewRegistry(prometheus.NewRegistry()))

	return guard, notifier, mr
}

func TestRecordFailureThresholds(t *testing.T) {
	ctx := context.Background()
	guard, notifier, _ := newTestGuard(t, testLockoutConfig())

	// Below the captcha threshold nothing is flagged.
	for i := 1; i <= 2; i++ {
		status, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
		assert.False(t, status.Locked)
		assert.False(t, status.RequiresCaptcha)
		assert.Equal(t, i, status.FailedAttempts)
	}

	// Failures 3 and 4 require captcha but do not lock.
	for i := 3; i <= 4; i++ {
		status, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
		assert.False(t, status.Locked, "failure %d must not lock", i)
		assert.True(t, status.RequiresCaptcha)
	}
	assert.Empty(t, notifier.byReason("account_locked"))

	// The fifth failure locks and notifies.
	status, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{NetworkOrigin: "10.0.0.1"})
	require.NoError(t, err)
	assert.True(t, status.Locked)
	assert.Equal(t, 5, status.FailedAttempts)
	assert.True(t, status.RequiresCaptcha)
	require.NotNil(t, status.LockedAt)
	require.NotNil(t, status.UnlockAt)
	assert.Equal(t, status.LockedAt.Add(30*time.Minute), *status.UnlockAt)

	locked := notifier.byReason("account_locked")
	require.Len(t, locked, 1)
	assert.Equal(t, "user@example.com", locked[0].Recipient)
	assert.Equal(t, security.SeverityHigh, locked[0].Severity)
	assert.Equal(t, 5, locked[0].Metadata["failed_attempts"])
	assert.Equal(t, *status.UnlockAt, locked[0].Metadata["unlock_at"])
}

func TestCanAttemptWhileLocked(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, testLockoutConfig())

	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
	}

	decision, err := guard.CanAttempt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Contains(t, decision.Reason, "locked")
	assert.Contains(t, decision.Reason, "30 minutes")
}

func TestRecordSuccessResets(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, testLockoutConfig())

	// Reset applies regardless of prior state, including fully locked.
	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
	}

	require.NoError(t, guard.RecordSuccess(ctx, "user@example.com"))

	status, err := guard.Status(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, status.Locked)
	assert.Equal(t, 0, status.FailedAttempts)
	assert.False(t, status.RequiresCaptcha)

	// Resetting a clean identity is a no-op, not an error.
	require.NoError(t, guard.RecordSuccess(ctx, "user@example.com"))
}

func TestAutoUnlockAfterExpiry(t *testing.T) {
	ctx := context.Background()
	cfg := testLockoutConfig()
	cfg.LockoutDuration = 40 * time.Millisecond
	guard, notifier, _ := newTestGuard(t, cfg)

	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
	}

	status, err := guard.Status(ctx, "user@example.com")
	require.NoError(t, err)
	require.True(t, status.Locked)

	time.Sleep(50 * time.Millisecond)

	status, err = guard.Status(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, status.Locked, "lockout reports unlocked once unlockAt elapses")

	unlocked := notifier.byReason("account_unlocked")
	require.Len(t, unlocked, 1)
	assert.Equal(t, "expiry", unlocked[0].Metadata["unlocked_by"])
}

func TestAdminUnlock(t *testing.T) {
	ctx := context.Background()
	guard, notifier, _ := newTestGuard(t, testLockoutConfig())

	for i := 0; i < 5; i++ {
		_, err := guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
	}

	require.NoError(t, guard.Unlock(ctx, "user@example.com", "admin-1"))

	decision, err := guard.CanAttempt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.True(t, decision.Allowed)

	unlocked := notifier.byReason("account_unlocked")
	require.Len(t, unlocked, 1)
	assert.Equal(t, "administrator", unlocked[0].Metadata["unlocked_by"])
}

func TestIdentityNormalization(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, testLockoutConfig())

	_, err := guard.RecordFailure(ctx, "  User@Example.COM ", security.FailureMetadata{})
	require.NoError(t, err)

	status, err := guard.Status(ctx, "user@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, status.FailedAttempts)
}

func TestEmptyIdentity(t *testing.T) {
	ctx := context.Background()
	guard, _, _ := newTestGuard(t, testLockoutConfig())

	_, err := guard.RecordFailure(ctx, "  ", security.FailureMetadata{})
	assert.ErrorIs(t, err, errors.ErrEmptyIdentity)

	_, err = guard.Status(ctx, "")
	assert.ErrorIs(t, err, errors.ErrEmptyIdentity)
}

func TestFailClosedOnStorageFailure(t *testing.T) {
	ctx := context.Background()
	guard, notifier, mr := newTestGuard(t, testLockoutConfig())

	mr.Close()

	// The shared store is gone; the in-process fallback keeps counting
	// and still locks at the threshold.
	var status security.LockoutStatus
	var err error
	for i := 0; i < 5; i++ {
		status, err = guard.RecordFailure(ctx, "user@example.com", security.FailureMetadata{})
		require.NoError(t, err)
	}

	assert.True(t, status.Locked, "storage failure must not bypass lockout")
	assert.Len(t, notifier.byReason("account_locked"), 1)

	decision, err := guard.CanAttempt(ctx, "user@example.com")
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
}

func TestFallbackCleanupSweepsDegradedLedger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := testLockoutConfig()
	cfg.AttemptWindow = 20 * time.Millisecond

	guard, _, mr := newTestGuard(t, cfg)
	mr.Close()

	// Degraded mode writes the ledger into the in-process fallback.
	_, err := guard.RecordFailure(ctx, "idle@example.com", security.FailureMetadata{})
	require.NoError(t, err)

	// The fallback is always process local, so the guard must be able to
	// register a sweeper for entries no read will ever expire.
	require.True(t, guard.StartFallbackCleanup(ctx, 10*time.Millisecond))

	time.Sleep(50 * time.Millisecond)

	status, err := guard.Status(ctx, "idle@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, status.FailedAttempts)
}
