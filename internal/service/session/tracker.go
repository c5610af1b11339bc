package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/errors"
	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/metrics"
)

// EventSink receives security events synthesized by the tracker. The
// anomaly response executor is the production implementation.
type EventSink interface {
	HandleEvent(ctx context.Context, event *security.SecurityEvent)
}

// Tracker mirrors the security-relevant metadata of active sessions, one
// record per (user, session). The authentication layer's session store owns
// durable session state; this component only observes it, so all state here
// is process local. Staleness is judged by last-activity age, never by a
// separate expiry job.
//
// Anomaly checks run on the same mutex-held state transition as the
// registration itself so that two nearly-simultaneous logins cannot both
// observe the pre-transition count and neither raise the alert.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]map[string]*security.SessionRecord

	cfg     config.SessionConfig
	sink    EventSink
	logger  *zap.Logger
	metrics *metrics.Registry
	now     func() time.Time
}

// NewTracker creates a session tracker. The sink may not be nil.
func NewTracker(cfg config.SessionConfig, sink EventSink, logger *zap.Logger, reg *metrics.Registry) *Tracker {
	return &Tracker{
		sessions: make(map[string]map[string]*security.SessionRecord),
		cfg:      cfg,
		sink:     sink,
		logger:   logger,
		metrics:  reg,
		now:      time.Now,
	}
}

// Track registers a session and evaluates the login-time anomaly checks.
// Called once per successful authentication.
func (t *Tracker) Track(ctx context.Context, record security.SessionRecord) error {
	if record.UserID == "" || record.SessionID == "" {
		return errors.NewValidationError("INVALID_SESSION", "session requires user id and session id")
	}

	now := t.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.LastActivity.IsZero() {
		record.LastActivity = now
	}

	events := t.register(&record, now)

	t.logger.Debug("session tracked",
		zap.String("user_id", record.UserID),
		zap.String("session_id", record.SessionID),
		zap.String("network_origin", record.NetworkOrigin))

	// Delivered outside the lock; the force-logout response calls back
	// into RemoveAll.
	for _, event := range events {
		t.sink.HandleEvent(ctx, event)
	}

	return nil
}

// register inserts the record and runs every check against the post-insert
// state under one critical section.
func (t *Tracker) register(record *security.SessionRecord, now time.Time) []*security.SecurityEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	userSessions := t.sessions[record.UserID]
	if userSessions == nil {
		userSessions = make(map[string]*security.SessionRecord)
		t.sessions[record.UserID] = userSessions
	}

	deviceKnown := t.deviceSeen(userSessions, record, now)

	userSessions[record.SessionID] = record
	t.metrics.ActiveSessions.Set(float64(t.totalSessions()))

	var events []*security.SecurityEvent

	if event := t.checkConcurrent(userSessions, record, now); event != nil {
		events = append(events, event)
	}
	if event := t.checkOriginChurn(userSessions, record, now); event != nil {
		events = append(events, event)
	}
	if record.DeviceID != "" && !deviceKnown {
		events = append(events, security.NewSecurityEvent(security.EventDeviceChange, record.UserID, map[string]interface{}{
			"session_id":     record.SessionID,
			"device_id":      record.DeviceID,
			"network_origin": record.NetworkOrigin,
		}))
	}

	return events
}

// Touch refreshes a session's activity and records its current network
// origin and device. A mid-session change of both origin and device is
// treated as a suspected hijack.
func (t *Tracker) Touch(ctx context.Context, userID, sessionID, networkOrigin, deviceID string) error {
	now := t.now()

	t.mu.Lock()
	record, ok := t.sessions[userID][sessionID]
	if !ok {
		t.mu.Unlock()
		return errors.ErrSessionNotFound
	}

	var event *security.SecurityEvent
	originChanged := networkOrigin != "" && networkOrigin != record.NetworkOrigin
	deviceChanged := deviceID != "" && record.DeviceID != "" && deviceID != record.DeviceID
	if originChanged && deviceChanged {
		event = security.NewSecurityEvent(security.EventSuspectedHijack, userID, map[string]interface{}{
			"session_id":  sessionID,
			"from_origin": record.NetworkOrigin,
			"to_origin":   networkOrigin,
			"from_device": record.DeviceID,
			"to_device":   deviceID,
		})
	}

	record.LastActivity = now
	if networkOrigin != "" {
		record.NetworkOrigin = networkOrigin
	}
	if deviceID != "" {
		record.DeviceID = deviceID
	}
	t.mu.Unlock()

	if event != nil {
		t.logger.Warn("session origin and device changed mid-session",
			zap.String("user_id", userID),
			zap.String("session_id", sessionID))
		t.sink.HandleEvent(ctx, event)
	}

	return nil
}

// Remove drops one session. Removing an unknown session is a no-op.
func (t *Tracker) Remove(ctx context.Context, userID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if userSessions, ok := t.sessions[userID]; ok {
		delete(userSessions, sessionID)
		if len(userSessions) == 0 {
			delete(t.sessions, userID)
		}
	}
	t.metrics.ActiveSessions.Set(float64(t.totalSessions()))
}

// RemoveAll terminates every session for the user. Used by the force-logout
// automated response.
func (t *Tracker) RemoveAll(ctx context.Context, userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := len(t.sessions[userID])
	delete(t.sessions, userID)
	t.metrics.ActiveSessions.Set(float64(t.totalSessions()))

	if removed > 0 {
		t.logger.Warn("all sessions terminated",
			zap.String("user_id", userID),
			zap.Int("removed", removed))
	}
	return removed
}

// ActiveSessions returns copies of the user's session records in no
// particular order.
func (t *Tracker) ActiveSessions(userID string) []security.SessionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	userSessions := t.sessions[userID]
	out := make([]security.SessionRecord, 0, len(userSessions))
	for _, record := range userSessions {
		out = append(out, *record)
	}
	return out
}

// checkConcurrent fires when more than the allowed number of sessions were
// active in the last minute and they span at least two network origins. A
// user with several tabs from one origin is not an anomaly.
func (t *Tracker) checkConcurrent(userSessions map[string]*security.SessionRecord, record *security.SessionRecord, now time.Time) *security.SecurityEvent {
	cutoff := now.Add(-t.cfg.ConcurrentWindow)

	active := 0
	origins := make(map[string]struct{})
	for _, s := range userSessions {
		if s.LastActivity.Before(cutoff) {
			continue
		}
		active++
		origins[s.NetworkOrigin] = struct{}{}
	}

	if active <= t.cfg.MaxConcurrentSessions || len(origins) < 2 {
		return nil
	}

	return security.NewSecurityEvent(security.EventConcurrentSession, record.UserID, map[string]interface{}{
		"session_id":       record.SessionID,
		"active_sessions":  active,
		"distinct_origins": len(origins),
	})
}

// checkOriginChurn fires when sessions active in the last hour span more
// distinct network origins than the configured ceiling.
func (t *Tracker) checkOriginChurn(userSessions map[string]*security.SessionRecord, record *security.SessionRecord, now time.Time) *security.SecurityEvent {
	cutoff := now.Add(-time.Hour)

	origins := make(map[string]struct{})
	for _, s := range userSessions {
		if s.LastActivity.Before(cutoff) {
			continue
		}
		origins[s.NetworkOrigin] = struct{}{}
	}

	if len(origins) <= t.cfg.MaxIPChangesPerHour {
		return nil
	}

	return security.NewSecurityEvent(security.EventRapidOriginChange, record.UserID, map[string]interface{}{
		"session_id":       record.SessionID,
		"distinct_origins": len(origins),
	})
}

// deviceSeen reports whether the record's device appeared on any session
// active within the device lookback window. Called before insertion.
func (t *Tracker) deviceSeen(userSessions map[string]*security.SessionRecord, record *security.SessionRecord, now time.Time) bool {
	if record.DeviceID == "" {
		return true
	}
	if len(userSessions) == 0 {
		// First observed session for this user; nothing to differ from.
		return true
	}

	cutoff := now.Add(-t.cfg.DeviceLookback)
	for _, s := range userSessions {
		if s.LastActivity.Before(cutoff) {
			continue
		}
		if s.DeviceID == record.DeviceID {
			return true
		}
	}
	return false
}

// totalSessions counts sessions across all users. Callers hold the mutex.
func (t *Tracker) totalSessions() int {
	total := 0
	for _, userSessions := range t.sessions {
		total += len(userSessions)
	}
	return total
}
