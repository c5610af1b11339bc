package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeverityAndResponseMapping(t *testing.T) {
	tests := []struct {
		eventType    EventType
		wantSeverity Severity
		wantResponse AutoResponse
	}{
		{EventSuspectedHijack, SeverityCritical, ResponseForceLogout},
		{EventAccountCompromise, SeverityCritical, ResponseForceLogout},
		{EventConcurrentSession, SeverityHigh, ResponseRequireSecondFactor},
		{EventRapidOriginChange, SeverityHigh, ResponseRequireSecondFactor},
		{EventMassDataAccess, SeverityHigh, ResponseAlertUser},
		{EventDataExfiltration, SeverityHigh, ResponseAlertUser},
		{EventDeviceChange, SeverityMedium, ResponseAlertUser},
		{EventSecondFactorFailures, SeverityMedium, ResponseAlertUser},
		{EventUnusualLoginPattern, SeverityMedium, ResponseAlertUser},
		{EventUnusualTime, SeverityLow, ResponseAlertUser},
	}

	for _, tt := range tests {
		t.Run(string(tt.eventType), func(t *testing.T) {
			assert.Equal(t, tt.wantSeverity, SeverityFor(tt.eventType))
			assert.Equal(t, tt.wantResponse, ResponseFor(tt.eventType))
		})
	}
}

func TestNewSecurityEvent(t *testing.T) {
	event := NewSecurityEvent(EventDeviceChange, "u1", nil)

	require.NotNil(t, event)
	assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", event.ID.String())
	assert.Equal(t, "u1", event.UserID)
	assert.Equal(t, SeverityMedium, event.Severity)
	assert.Equal(t, ResponseAlertUser, event.AutoResponse)
	assert.NotNil(t, event.Metadata, "nil metadata is replaced with an empty map")
	assert.False(t, event.Timestamp.IsZero())
}

func TestNormalizeIdentity(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeIdentity("  User@Example.COM "))
	assert.Equal(t, "", NormalizeIdentity("   "))
}

func TestDeviceFingerprint(t *testing.T) {
	a := DeviceFingerprint("10.0.0.1", "Mozilla/5.0")
	b := DeviceFingerprint("10.0.0.1", "Mozilla/5.0")
	c := DeviceFingerprint("10.0.0.2", "Mozilla/5.0")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 32)
}
