package anomaly

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
)

// SessionTerminator terminates sessions for the force-logout response. The
// session tracker is the production implementation.
type SessionTerminator interface {
	RemoveAll(ctx context.Context, userID string) int
}

// SessionTerminatorFunc adapts a function to the SessionTerminator
// interface.
type SessionTerminatorFunc func(ctx context.Context, userID string) int

func (f SessionTerminatorFunc) RemoveAll(ctx context.Context, userID string) int {
	return f(ctx, userID)
}

// Executor records detected events and runs their automated response.
// Detection and response stay separate steps so detectors remain pure.
//
// Per-user history is hard capped; the sweeper additionally drops events
// past the retention age. Neither bound is optional, no per-user list may
// grow without limit.
type Executor struct {
	mu      sync.Mutex
	history map[string][]*security.SecurityEvent

	historyLimit int
	retention    time.Duration

	notifier notification.Notifier
	sessions SessionTerminator
	store    store.Store
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewExecutor creates a response executor.
func NewExecutor(historyLimit int, retention time.Duration, notifier notification.Notifier, sessions SessionTerminator, s store.Store, logger *zap.Logger, reg *metrics.Registry) *Executor {
	return &Executor{
		history:      make(map[string][]*security.SecurityEvent),
		historyLimit: historyLimit,
		retention:    retention,
		notifier:     notifier,
		sessions:     sessions,
		store:        s,
		logger:       logger,
		metrics:      reg,
	}
}

// HandleEvent records the event and executes its automated response.
func (e *Executor) HandleEvent(ctx context.Context, event *security.SecurityEvent) {
	if event == nil {
		return
	}

	e.record(event)

	e.metrics.SecurityEvents.WithLabelValues(string(event.Type), string(event.Severity)).Inc()

	e.logger.Warn("security event",
		zap.String("event_id", event.ID.String()),
		zap.String("type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("user_id", event.UserID),
		zap.String("auto_response", string(event.AutoResponse)))

	switch event.AutoResponse {
	case security.ResponseAlertUser:
		e.alertUser(event)
	case security.ResponseForceLogout:
		removed := e.sessions.RemoveAll(ctx, event.UserID)
		e.logger.Warn("forced logout",
			zap.String("user_id", event.UserID),
			zap.Int("sessions_terminated", removed))
		e.alertUser(event)
	case security.ResponseRequireSecondFactor:
		key := store.FlagPrefix + "require_2fa:" + event.UserID
		if err := e.store.SetFlag(ctx, key, 24*time.Hour); err != nil {
			e.logger.Error("failed to set second-factor flag",
				zap.String("user_id", event.UserID),
				zap.Error(err))
		}
		e.alertUser(event)
	}

	e.metrics.ResponsesExecuted.WithLabelValues(string(event.AutoResponse)).Inc()
}

// RequiresSecondFactor reports whether a prior response flagged the user
// for step-up verification.
func (e *Executor) RequiresSecondFactor(ctx context.Context, userID string) bool {
	exists, err := e.store.Exists(ctx, store.FlagPrefix+"require_2fa:"+userID)
	if err != nil {
		e.logger.Warn("second-factor flag lookup failed",
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return exists
}

// EventsFor returns copies of the user's recorded events, oldest first.
func (e *Executor) EventsFor(userID string) []security.SecurityEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := e.history[userID]
	out := make([]security.SecurityEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, *ev)
	}
	return out
}

// Sweep drops events older than the retention age and reports how many
// were removed.
func (e *Executor) Sweep() int {
	cutoff := time.Now().Add(-e.retention)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for userID, events := range e.history {
		kept := events[:0]
		for _, ev := range events {
			if ev.Timestamp.After(cutoff) {
				kept = append(kept, ev)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(e.history, userID)
		} else {
			e.history[userID] = kept
		}
	}
	return removed
}

// StartSweeper runs Sweep on the interval until the context ends.
func (e *Executor) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := e.Sweep(); removed > 0 {
					e.logger.Debug("event history swept", zap.Int("removed", removed))
				}
			}
		}
	}()
}

func (e *Executor) record(event *security.SecurityEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	events := append(e.history[event.UserID], event)
	if len(events) > e.historyLimit {
		events = events[len(events)-e.historyLimit:]
	}
	e.history[event.UserID] = events
}

func (e *Executor) alertUser(event *security.SecurityEvent) {
	e.notifier.Notify(notification.Notification{
		Reason:    string(event.Type),
		Severity:  event.Severity,
		Recipient: event.UserID,
		Metadata:  event.Metadata,
	})
}
