package lockout

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/errors"
	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
)

// lockoutRecord is the persisted state of a locked identity. It expires at
// the storage layer after the lockout duration.
type lockoutRecord struct {
	LockedAt       time.Time `json:"locked_at"`
	UnlockAt       time.Time `json:"unlock_at"`
	FailedAttempts int       `json:"failed_attempts"`
}

// Decision is the answer to "may this identity attempt to authenticate".
type Decision struct {
	Allowed bool
	Reason  string
	Status  security.LockoutStatus
}

// Guard tracks failed authentication attempts per identity and enforces
// temporary lockout. Unlike the rate limiter it fails closed: when the
// shared store is unreachable the in-process fallback decides, and
// exceeding the threshold there still locks. A storage failure never
// bypasses lockout protection.
type Guard struct {
	store    store.Store
	fallback store.Store
	cfg      config.LockoutConfig
	notifier notification.Notifier
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewGuard creates a lockout guard. The fallback store is always process
// local and exists solely to keep protection alive during outages of the
// shared store.
func NewGuard(s store.Store, cfg config.LockoutConfig, notifier notification.Notifier, logger *zap.Logger, reg *metrics.Registry) *Guard {
	return &Guard{
		store:    s,
		fallback: store.NewLocalStore(logger),
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		metrics:  reg,
	}
}

// StartFallbackCleanup sweeps the guard's in-process fallback store on a
// timer. Without it, ledger entries created during a shared-store outage
// for identities that never return would persist for the process lifetime,
// since the fallback otherwise expires entries only on read.
func (g *Guard) StartFallbackCleanup(ctx context.Context, interval time.Duration) bool {
	return store.StartBackgroundCleanup(ctx, g.fallback, interval, g.logger)
}

// CanAttempt reports whether an authentication attempt may proceed. It must
// be consulted before credential verification runs.
func (g *Guard) CanAttempt(ctx context.Context, identity string) (Decision, error) {
	status, err := g.Status(ctx, identity)
	if err != nil {
		return Decision{}, err
	}

	if status.Locked {
		minutes := int(math.Ceil(time.Until(*status.UnlockAt).Minutes()))
		if minutes < 1 {
			minutes = 1
		}
		return Decision{
			Allowed: false,
			Reason:  fmt.Sprintf("account temporarily locked, try again in %d minutes", minutes),
			Status:  status,
		}, nil
	}

	return Decision{Allowed: true, Status: status}, nil
}

// RecordFailure records one failed attempt and locks the identity when the
// failure count inside the attempt window reaches the threshold. It returns
// the post-failure status so callers can surface captcha requirements.
func (g *Guard) RecordFailure(ctx context.Context, identity string, meta security.FailureMetadata) (security.LockoutStatus, error) {
	id := security.NormalizeIdentity(identity)
	if id == "" {
		return security.LockoutStatus{}, errors.ErrEmptyIdentity
	}

	g.metrics.FailuresRecorded.Inc()

	attemptsKey := store.AttemptsPrefix + id

	count, _, err := g.store.SlideWindow(ctx, attemptsKey, g.cfg.AttemptWindow)
	if err != nil {
		// Fail closed: the local fallback keeps counting.
		g.metrics.FallbackActivations.Inc()
		g.logger.Warn("attempt ledger write failed, using local fallback",
			zap.String("identity", id),
			zap.Error(err))
		count, _, err = g.fallback.SlideWindow(ctx, attemptsKey, g.cfg.AttemptWindow)
		if err != nil {
			return security.LockoutStatus{}, fmt.Errorf("fallback ledger write failed: %w", err)
		}
	}

	g.logger.Debug("authentication failure recorded",
		zap.String("identity", id),
		zap.Int("failed_attempts", count),
		zap.String("network_origin", meta.NetworkOrigin))

	status := security.LockoutStatus{
		FailedAttempts:  count,
		RequiresCaptcha: count >= g.cfg.CaptchaThreshold,
	}

	if count >= g.cfg.MaxFailedAttempts {
		record, err := g.lock(ctx, id, count, meta)
		if err != nil {
			return status, err
		}
		status.Locked = true
		status.LockedAt = &record.LockedAt
		status.UnlockAt = &record.UnlockAt
	}

	return status, nil
}

// RecordSuccess clears the failure ledger and any lockout record. A
// successful authentication is an unconditional reset regardless of prior
// state.
func (g *Guard) RecordSuccess(ctx context.Context, identity string) error {
	id := security.NormalizeIdentity(identity)
	if id == "" {
		return errors.ErrEmptyIdentity
	}

	wasLocked, _ := g.isLockedAnywhere(ctx, id)

	g.clear(ctx, id)

	if wasLocked {
		g.metrics.Unlocks.WithLabelValues("success").Inc()
		g.logger.Info("lockout cleared by successful authentication", zap.String("identity", id))
	}

	return nil
}

// Status reports the identity's lockout state. An elapsed lockout is
// cleaned up and reported as unlocked without an explicit unlock call.
func (g *Guard) Status(ctx context.Context, identity string) (security.LockoutStatus, error) {
	id := security.NormalizeIdentity(identity)
	if id == "" {
		return security.LockoutStatus{}, errors.ErrEmptyIdentity
	}

	record := g.loadRecord(ctx, id)
	if record != nil {
		if time.Now().Before(record.UnlockAt) {
			return security.LockoutStatus{
				Locked:          true,
				LockedAt:        &record.LockedAt,
				UnlockAt:        &record.UnlockAt,
				FailedAttempts:  record.FailedAttempts,
				RequiresCaptcha: true,
			}, nil
		}

		// Lockout elapsed; clean up and notify.
		g.clear(ctx, id)
		g.metrics.Unlocks.WithLabelValues("auto").Inc()
		g.notify(id, "account_unlocked", security.SeverityLow, map[string]interface{}{
			"unlocked_by": "expiry",
		})
	}

	failed := g.countFailures(ctx, id)

	return security.LockoutStatus{
		FailedAttempts:  failed,
		RequiresCaptcha: failed >= g.cfg.CaptchaThreshold,
	}, nil
}

// Unlock is the administrative override. It clears all lockout state and
// notifies the identity.
func (g *Guard) Unlock(ctx context.Context, identity, actorID string) error {
	id := security.NormalizeIdentity(identity)
	if id == "" {
		return errors.ErrEmptyIdentity
	}

	g.clear(ctx, id)
	g.metrics.Unlocks.WithLabelValues("admin").Inc()

	g.logger.Info("account unlocked by administrator",
		zap.String("identity", id),
		zap.String("actor_id", actorID))

	g.notify(id, "account_unlocked", security.SeverityLow, map[string]interface{}{
		"unlocked_by": "administrator",
	})

	return nil
}

func (g *Guard) lock(ctx context.Context, id string, failedCount int, meta security.FailureMetadata) (*lockoutRecord, error) {
	// An existing record wins; two near-simultaneous threshold crossings
	// must not extend the lockout.
	if existing := g.loadRecord(ctx, id); existing != nil && time.Now().Before(existing.UnlockAt) {
		return existing, nil
	}

	now := time.Now()
	record := &lockoutRecord{
		LockedAt:       now,
		UnlockAt:       now.Add(g.cfg.LockoutDuration),
		FailedAttempts: failedCount,
	}

	lockKey := store.LockoutPrefix + id
	if err := g.store.SetJSON(ctx, lockKey, record, g.cfg.LockoutDuration); err != nil {
		g.metrics.FallbackActivations.Inc()
		g.logger.Warn("lockout record write failed, using local fallback",
			zap.String("identity", id),
			zap.Error(err))
		if err := g.fallback.SetJSON(ctx, lockKey, record, g.cfg.LockoutDuration); err != nil {
			return nil, fmt.Errorf("fallback lockout write failed: %w", err)
		}
	}

	g.metrics.LockoutsTriggered.Inc()

	g.logger.Warn("account locked",
		zap.String("identity", id),
		zap.Int("failed_attempts", failedCount),
		zap.Time("unlock_at", record.UnlockAt),
		zap.String("network_origin", meta.NetworkOrigin))

	g.notify(id, "account_locked", security.SeverityHigh, map[string]interface{}{
		"failed_attempts": failedCount,
		"unlock_at":       record.UnlockAt,
		"network_origin":  meta.NetworkOrigin,
	})

	return record, nil
}

// loadRecord checks both stores; a record created during a shared-store
// outage lives only in the fallback.
func (g *Guard) loadRecord(ctx context.Context, id string) *lockoutRecord {
	lockKey := store.LockoutPrefix + id

	var record lockoutRecord
	if err := g.store.GetJSON(ctx, lockKey, &record); err == nil {
		return &record
	}
	if err := g.fallback.GetJSON(ctx, lockKey, &record); err == nil {
		return &record
	}
	return nil
}

func (g *Guard) isLockedAnywhere(ctx context.Context, id string) (bool, error) {
	record := g.loadRecord(ctx, id)
	return record != nil && time.Now().Before(record.UnlockAt), nil
}

func (g *Guard) countFailures(ctx context.Context, id string) int {
	attemptsKey := store.AttemptsPrefix + id

	count, err := g.store.CountWindow(ctx, attemptsKey, g.cfg.AttemptWindow)
	if err != nil {
		count = 0
	}
	if fc, ferr := g.fallback.CountWindow(ctx, attemptsKey, g.cfg.AttemptWindow); ferr == nil && fc > count {
		count = fc
	}
	return count
}

// clear removes ledger and lockout state from both stores. Deletion errors
// are logged only; the keys expire on their own TTLs anyway.
func (g *Guard) clear(ctx context.Context, id string) {
	for _, s := range []store.Store{g.store, g.fallback} {
		if err := s.Delete(ctx, store.AttemptsPrefix+id); err != nil {
			g.logger.Warn("failed to clear attempt ledger", zap.String("identity", id), zap.Error(err))
		}
		if err := s.Delete(ctx, store.LockoutPrefix+id); err != nil {
			g.logger.Warn("failed to clear lockout record", zap.String("identity", id), zap.Error(err))
		}
	}
}

func (g *Guard) notify(id, reason string, severity security.Severity, metadata map[string]interface{}) {
	g.notifier.Notify(notification.Notification{
		Reason:    reason,
		Severity:  severity,
		Recipient: id,
		Metadata:  metadata,
	})
}
