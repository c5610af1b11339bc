package security

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of suspicious activity an event describes.
type EventType string

const (
	EventConcurrentSession      EventType = "concurrent_session"
	EventRapidOriginChange      EventType = "rapid_origin_change"
	EventDeviceChange           EventType = "device_change"
	EventUnusualTime            EventType = "unusual_time"
	EventSecondFactorFailures   EventType = "excessive_second_factor_failures"
	EventSuspectedHijack        EventType = "suspected_hijack"
	EventUnusualLoginPattern    EventType = "unusual_login_pattern"
	EventMassDataAccess         EventType = "mass_data_access"
	EventAccountCompromise      EventType = "account_compromise"
	EventDataExfiltration       EventType = "data_exfiltration"
)

// Severity grades how serious an event is. The mapping from event type to
// severity is fixed (see SeverityFor) so alerting stays predictable.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// AutoResponse is the automated action recommended for an event.
type AutoResponse string

const (
	ResponseAlertUser           AutoResponse = "alert_user"
	ResponseForceLogout         AutoResponse = "force_logout"
	ResponseRequireSecondFactor AutoResponse = "require_second_factor"
	ResponseNone                AutoResponse = "none"
)

// SecurityEvent is an immutable record of detected suspicious activity.
type SecurityEvent struct {
	ID           uuid.UUID              `json:"id"`
	Type         EventType              `json:"type"`
	Severity     Severity               `json:"severity"`
	UserID       string                 `json:"user_id"`
	Timestamp    time.Time              `json:"timestamp"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	AutoResponse AutoResponse           `json:"auto_response"`
}

// NewSecurityEvent builds an event with the fixed severity and response for
// its type. Metadata may be nil.
func NewSecurityEvent(eventType EventType, userID string, metadata map[string]interface{}) *SecurityEvent {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &SecurityEvent{
		ID:           uuid.New(),
		Type:         eventType,
		Severity:     SeverityFor(eventType),
		UserID:       userID,
		Timestamp:    time.Now(),
		Metadata:     metadata,
		AutoResponse: ResponseFor(eventType),
	}
}

// SeverityFor returns the fixed severity for an event type.
func SeverityFor(t EventType) Severity {
	switch t {
	case EventSuspectedHijack, EventAccountCompromise:
		return SeverityCritical
	case EventConcurrentSession, EventRapidOriginChange, EventDataExfiltration, EventMassDataAccess:
		return SeverityHigh
	case EventDeviceChange, EventSecondFactorFailures, EventUnusualLoginPattern:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// ResponseFor returns the fixed automated response for an event type.
func ResponseFor(t EventType) AutoResponse {
	switch t {
	case EventSuspectedHijack, EventAccountCompromise:
		return ResponseForceLogout
	case EventConcurrentSession, EventRapidOriginChange:
		return ResponseRequireSecondFactor
	case EventDeviceChange, EventUnusualLoginPattern, EventMassDataAccess, EventDataExfiltration, EventSecondFactorFailures, EventUnusualTime:
		return ResponseAlertUser
	default:
		return ResponseNone
	}
}

// SessionRecord mirrors the security-relevant metadata of one active session.
// The session tracker is the only writer.
type SessionRecord struct {
	UserID        string    `json:"user_id"`
	SessionID     string    `json:"session_id"`
	NetworkOrigin string    `json:"network_origin"`
	DeviceID      string    `json:"device_id,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// LockoutStatus reports the lockout state of one identity.
type LockoutStatus struct {
	Locked          bool       `json:"locked"`
	LockedAt        *time.Time `json:"locked_at,omitempty"`
	UnlockAt        *time.Time `json:"unlock_at,omitempty"`
	FailedAttempts  int        `json:"failed_attempts"`
	RequiresCaptcha bool       `json:"requires_captcha"`
}

// FailureMetadata carries optional context about a failed authentication
// attempt.
type FailureMetadata struct {
	NetworkOrigin     string `json:"network_origin,omitempty"`
	UserAgent         string `json:"user_agent,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

// NormalizeIdentity canonicalizes an identity key (typically an email
// address) so counters partition consistently.
func NormalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}

// DeviceFingerprint derives an opaque device identifier from client signals.
func DeviceFingerprint(networkOrigin, userAgent string) string {
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", networkOrigin, userAgent)))
	return fmt.Sprintf("%x", hash)[:32]
}
