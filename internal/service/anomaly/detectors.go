package anomaly

import (
	"context"
	"time"

	"github.com/verscienta/health-security/internal/domain/security"
)

// Audit action names as recorded by the platform's append-only audit log.
const (
	ActionLoginFailed          = "login_failed"
	ActionPasswordChanged      = "password_changed"
	ActionSecondFactorDisabled = "second_factor_disabled"
	ActionSensitiveRecordView  = "sensitive_record_view"
	ActionBulkExport           = "bulk_export"
)

// AuditReader is the read-only view of the audit log the detectors query.
// This package never writes audit entries.
type AuditReader interface {
	// CountFailedLoginsByOrigin counts failed logins from one network
	// origin since the given time.
	CountFailedLoginsByOrigin(ctx context.Context, origin string, since time.Time) (int, error)
	// DistinctOriginsByUser counts distinct network origins one user has
	// acted from since the given time.
	DistinctOriginsByUser(ctx context.Context, userID string, since time.Time) (int, error)
	// CountActions counts a user's actions of one type since the given
	// time.
	CountActions(ctx context.Context, userID, action string, since time.Time) (int, error)
	// LastAction returns the time of the user's most recent action of one
	// type, or the zero time when none exists.
	LastAction(ctx context.Context, userID, action string) (time.Time, error)
}

// NopAuditReader stands in when no audit database is configured. Every
// query reports empty history, so the history detectors never fire.
type NopAuditReader struct{}

func (NopAuditReader) CountFailedLoginsByOrigin(ctx context.Context, origin string, since time.Time) (int, error) {
	return 0, nil
}

func (NopAuditReader) DistinctOriginsByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	return 0, nil
}

func (NopAuditReader) CountActions(ctx context.Context, userID, action string, since time.Time) (int, error) {
	return 0, nil
}

func (NopAuditReader) LastAction(ctx context.Context, userID, action string) (time.Time, error) {
	return time.Time{}, nil
}

// Detector thresholds with the platform defaults. Mass data access is the
// exception: its window and threshold are caller supplied because different
// resource classes warrant different sensitivity.
type detectorConfig struct {
	FailedLoginsPerOrigin int
	OriginChurnCount      int
	OriginChurnWindow     time.Duration
	CompromiseViewCount   int
	ExportThreshold       int
}

// Detectors is the set of pure anomaly checks. Each returns at most one
// event per invocation and performs only read-only audit queries, so the
// set stays unit testable without notification or session side effects.
type Detectors struct {
	audit AuditReader
	cfg   detectorConfig
	now   func() time.Time
}

// NewDetectors wires the detector set to an audit log view.
func NewDetectors(audit AuditReader, failedLoginsPerOrigin, originChurnCount int, originChurnWindow time.Duration, compromiseViewCount, exportThreshold int) *Detectors {
	return &Detectors{
		audit: audit,
		cfg: detectorConfig{
			FailedLoginsPerOrigin: failedLoginsPerOrigin,
			OriginChurnCount:      originChurnCount,
			OriginChurnWindow:     originChurnWindow,
			CompromiseViewCount:   compromiseViewCount,
			ExportThreshold:       exportThreshold,
		},
		now: time.Now,
	}
}

// DetectUnusualLoginPattern fires on a burst of failed logins from one
// origin within the last hour, or on one user spreading across several
// origins within a few minutes.
func (d *Detectors) DetectUnusualLoginPattern(ctx context.Context, userID, origin string) (*security.SecurityEvent, error) {
	now := d.now()

	failures, err := d.audit.CountFailedLoginsByOrigin(ctx, origin, now.Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if failures >= d.cfg.FailedLoginsPerOrigin {
		return security.NewSecurityEvent(security.EventUnusualLoginPattern, userID, map[string]interface{}{
			"network_origin": origin,
			"failed_logins":  failures,
			"window":         "1h",
		}), nil
	}

	origins, err := d.audit.DistinctOriginsByUser(ctx, userID, now.Add(-d.cfg.OriginChurnWindow))
	if err != nil {
		return nil, err
	}
	if origins >= d.cfg.OriginChurnCount {
		return security.NewSecurityEvent(security.EventUnusualLoginPattern, userID, map[string]interface{}{
			"distinct_origins": origins,
			"window":           d.cfg.OriginChurnWindow.String(),
		}), nil
	}

	return nil, nil
}

// DetectMassDataAccess fires when the user's sensitive-record views within
// the window exceed the threshold. Window and threshold are caller supplied.
func (d *Detectors) DetectMassDataAccess(ctx context.Context, userID string, window time.Duration, threshold int) (*security.SecurityEvent, error) {
	views, err := d.audit.CountActions(ctx, userID, ActionSensitiveRecordView, d.now().Add(-window))
	if err != nil {
		return nil, err
	}
	if views <= threshold {
		return nil, nil
	}
	return security.NewSecurityEvent(security.EventMassDataAccess, userID, map[string]interface{}{
		"view_count": views,
		"threshold":  threshold,
		"window":     window.String(),
	}), nil
}

// DetectAccountCompromise correlates credential-weakening actions with
// subsequent sensitive access: disabling the second factor followed by any
// sensitive view within 24 hours, or a password change followed by a burst
// of views within the hour.
func (d *Detectors) DetectAccountCompromise(ctx context.Context, userID string) (*security.SecurityEvent, error) {
	now := d.now()

	disabledAt, err := d.audit.LastAction(ctx, userID, ActionSecondFactorDisabled)
	if err != nil {
		return nil, err
	}
	if !disabledAt.IsZero() && now.Sub(disabledAt) <= 24*time.Hour {
		views, err := d.audit.CountActions(ctx, userID, ActionSensitiveRecordView, disabledAt)
		if err != nil {
			return nil, err
		}
		if views > 0 {
			return security.NewSecurityEvent(security.EventAccountCompromise, userID, map[string]interface{}{
				"trigger":                   ActionSecondFactorDisabled,
				"second_factor_disabled_at": disabledAt,
				"views_since":               views,
			}), nil
		}
	}

	changedAt, err := d.audit.LastAction(ctx, userID, ActionPasswordChanged)
	if err != nil {
		return nil, err
	}
	if !changedAt.IsZero() && now.Sub(changedAt) <= time.Hour {
		views, err := d.audit.CountActions(ctx, userID, ActionSensitiveRecordView, changedAt)
		if err != nil {
			return nil, err
		}
		if views >= d.cfg.CompromiseViewCount {
			return security.NewSecurityEvent(security.EventAccountCompromise, userID, map[string]interface{}{
				"trigger":             ActionPasswordChanged,
				"password_changed_at": changedAt,
				"views_since":         views,
			}), nil
		}
	}

	return nil, nil
}

// DetectDataExfiltration fires on a burst of bulk exports within the last
// hour.
func (d *Detectors) DetectDataExfiltration(ctx context.Context, userID string) (*security.SecurityEvent, error) {
	exports, err := d.audit.CountActions(ctx, userID, ActionBulkExport, d.now().Add(-time.Hour))
	if err != nil {
		return nil, err
	}
	if exports < d.cfg.ExportThreshold {
		return nil, nil
	}
	return security.NewSecurityEvent(security.EventDataExfiltration, userID, map[string]interface{}{
		"export_count": exports,
		"window":       "1h",
	}), nil
}

// DetectUnusualTime flags logins in the local dead-of-night band. Low
// severity; the user is alerted, nothing is blocked.
func (d *Detectors) DetectUnusualTime(userID string, loginAt time.Time) *security.SecurityEvent {
	hour := loginAt.Hour()
	if hour >= 5 {
		return nil
	}
	return security.NewSecurityEvent(security.EventUnusualTime, userID, map[string]interface{}{
		"login_hour": hour,
	})
}
