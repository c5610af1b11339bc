package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/service/anomaly"
	"github.com/verscienta/health-security/internal/service/lockout"
	"github.com/verscienta/health-security/internal/service/ratelimit"
	"github.com/verscienta/health-security/internal/service/session"
)

const maxBodySize = 1 << 20

// Handler exposes the enforcement core to the platform's authentication
// flow and to administrators.
type Handler struct {
	guard     *lockout.Guard
	limiter   *ratelimit.Service
	tracker   *session.Tracker
	executor  *anomaly.Executor
	detectors *anomaly.Detectors
	store     store.Store
	validate  *validator.Validate
	logger    *zap.Logger
}

// NewHandler creates the handler set.
func NewHandler(guard *lockout.Guard, limiter *ratelimit.Service, tracker *session.Tracker, executor *anomaly.Executor, detectors *anomaly.Detectors, s store.Store, logger *zap.Logger) *Handler {
	return &Handler{
		guard:     guard,
		limiter:   limiter,
		tracker:   tracker,
		executor:  executor,
		detectors: detectors,
		store:     s,
		validate:  validator.New(),
		logger:    logger,
	}
}

type precheckRequest struct {
	Identity string `json:"identity" validate:"required"`
}

// Precheck is called by the authentication flow before verifying
// credentials. A locked identity gets 423 with the remaining lockout time;
// the response never reveals how many failures occurred below the lockout
// threshold.
func (h *Handler) Precheck(w http.ResponseWriter, r *http.Request) {
	var req precheckRequest
	if !h.decode(w, r, &req) {
		return
	}

	decision, err := h.guard.CanAttempt(r.Context(), req.Identity)
	if err != nil {
		h.handleError(w, err)
		return
	}

	if !decision.Allowed {
		writeJSON(w, http.StatusLocked, map[string]interface{}{
			"allowed": false,
			"reason":  decision.Reason,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"allowed":          true,
		"requires_captcha": decision.Status.RequiresCaptcha,
	})
}

type failureRequest struct {
	Identity      string `json:"identity" validate:"required"`
	NetworkOrigin string `json:"network_origin"`
	UserAgent     string `json:"user_agent"`
}

// RecordFailure is called after a failed credential verification.
func (h *Handler) RecordFailure(w http.ResponseWriter, r *http.Request) {
	var req failureRequest
	if !h.decode(w, r, &req) {
		return
	}

	meta := security.FailureMetadata{
		NetworkOrigin: req.NetworkOrigin,
		UserAgent:     req.UserAgent,
	}
	if req.NetworkOrigin != "" && req.UserAgent != "" {
		meta.DeviceFingerprint = security.DeviceFingerprint(req.NetworkOrigin, req.UserAgent)
	}

	status, err := h.guard.RecordFailure(r.Context(), req.Identity, meta)
	if err != nil {
		h.handleError(w, err)
		return
	}

	if req.NetworkOrigin != "" {
		if event, err := h.detectors.DetectUnusualLoginPattern(r.Context(), req.Identity, req.NetworkOrigin); err != nil {
			h.logger.Warn("login pattern detection failed", zap.Error(err))
		} else if event != nil {
			h.executor.HandleEvent(r.Context(), event)
		}
	}

	code := http.StatusOK
	if status.Locked {
		code = http.StatusLocked
	}
	writeJSON(w, code, status)
}

type successRequest struct {
	Identity      string `json:"identity" validate:"required"`
	UserID        string `json:"user_id" validate:"required"`
	SessionID     string `json:"session_id" validate:"required"`
	NetworkOrigin string `json:"network_origin"`
	UserAgent     string `json:"user_agent"`
	DeviceID      string `json:"device_id"`
}

// RecordSuccess is called after a successful authentication. It resets the
// failure ledger, registers the session, and runs the login-time checks.
func (h *Handler) RecordSuccess(w http.ResponseWriter, r *http.Request) {
	var req successRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.guard.RecordSuccess(r.Context(), req.Identity); err != nil {
		h.handleError(w, err)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" && req.NetworkOrigin != "" && req.UserAgent != "" {
		deviceID = security.DeviceFingerprint(req.NetworkOrigin, req.UserAgent)
	}

	err := h.tracker.Track(r.Context(), security.SessionRecord{
		UserID:        req.UserID,
		SessionID:     req.SessionID,
		NetworkOrigin: req.NetworkOrigin,
		DeviceID:      deviceID,
		UserAgent:     req.UserAgent,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	if event := h.detectors.DetectUnusualTime(req.UserID, time.Now()); event != nil {
		h.executor.HandleEvent(r.Context(), event)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requires_second_factor": h.executor.RequiresSecondFactor(r.Context(), req.UserID),
	})
}

type touchRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	SessionID     string `json:"session_id" validate:"required"`
	NetworkOrigin string `json:"network_origin"`
	DeviceID      string `json:"device_id"`
}

// TouchSession refreshes a session's activity metadata.
func (h *Handler) TouchSession(w http.ResponseWriter, r *http.Request) {
	var req touchRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.tracker.Touch(r.Context(), req.UserID, req.SessionID, req.NetworkOrigin, req.DeviceID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type removeRequest struct {
	UserID    string `json:"user_id" validate:"required"`
	SessionID string `json:"session_id"`
}

// RemoveSession drops one session, or every session for the user when no
// session id is given.
func (h *Handler) RemoveSession(w http.ResponseWriter, r *http.Request) {
	var req removeRequest
	if !h.decode(w, r, &req) {
		return
	}

	if req.SessionID == "" {
		removed := h.tracker.RemoveAll(r.Context(), req.UserID)
		writeJSON(w, http.StatusOK, map[string]interface{}{"removed": removed})
		return
	}
	h.tracker.Remove(r.Context(), req.UserID, req.SessionID)
	w.WriteHeader(http.StatusNoContent)
}

// ListSessions returns the user's active session records.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, h.tracker.ActiveSessions(userID))
}

type sensitiveAccessRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	WindowSeconds int    `json:"window_seconds" validate:"gt=0"`
	Threshold     int    `json:"threshold" validate:"gt=0"`
}

// ReportSensitiveAccess is the trigger point the platform calls when a
// sensitive record is viewed. It runs the mass-access and compromise
// detectors against recent audit history.
func (h *Handler) ReportSensitiveAccess(w http.ResponseWriter, r *http.Request) {
	var req sensitiveAccessRequest
	if !h.decode(w, r, &req) {
		return
	}

	window := time.Duration(req.WindowSeconds) * time.Second

	event, err := h.detectors.DetectMassDataAccess(r.Context(), req.UserID, window, req.Threshold)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if event != nil {
		h.executor.HandleEvent(r.Context(), event)
	}

	compromise, err := h.detectors.DetectAccountCompromise(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if compromise != nil {
		h.executor.HandleEvent(r.Context(), compromise)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"mass_access_detected": event != nil,
		"compromise_detected":  compromise != nil,
	})
}

type exportRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// ReportExport is the trigger point for bulk-export actions; it runs the
// exfiltration detector.
func (h *Handler) ReportExport(w http.ResponseWriter, r *http.Request) {
	var req exportRequest
	if !h.decode(w, r, &req) {
		return
	}

	event, err := h.detectors.DetectDataExfiltration(r.Context(), req.UserID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if event != nil {
		h.executor.HandleEvent(r.Context(), event)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"exfiltration_detected": event != nil,
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "request body is not valid JSON")
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION_FAILED", err.Error())
		return false
	}
	return true
}
