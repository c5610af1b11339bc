package rest

import (
	"net/http"

	"go.uber.org/zap"
)

type unlockRequest struct {
	Identity string `json:"identity" validate:"required"`
}

// AdminUnlock clears a lockout ahead of its expiry. The acting
// administrator is identified by the X-Admin-ID header.
func (h *Handler) AdminUnlock(w http.ResponseWriter, r *http.Request) {
	var req unlockRequest
	if !h.decode(w, r, &req) {
		return
	}

	actorID := r.Header.Get("X-Admin-ID")
	if err := h.guard.Unlock(r.Context(), req.Identity, actorID); err != nil {
		h.handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminLockoutStatus reports an identity's current lockout state.
func (h *Handler) AdminLockoutStatus(w http.ResponseWriter, r *http.Request) {
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		writeError(w, http.StatusBadRequest, "MISSING_IDENTITY", "identity query parameter is required")
		return
	}

	status, err := h.guard.Status(r.Context(), identity)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type resetLimitRequest struct {
	Identity string `json:"identity" validate:"required"`
	Route    string `json:"route" validate:"required"`
}

// AdminResetRateLimit clears one identity's counter for one route.
func (h *Handler) AdminResetRateLimit(w http.ResponseWriter, r *http.Request) {
	var req resetLimitRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.limiter.Reset(r.Context(), req.Identity, req.Route); err != nil {
		h.handleError(w, err)
		return
	}

	h.logger.Info("rate limit reset",
		zap.String("identity", req.Identity),
		zap.String("route", req.Route),
		zap.String("actor_id", r.Header.Get("X-Admin-ID")))

	w.WriteHeader(http.StatusNoContent)
}

// AdminClearNamespace wipes every key under one owned prefix. The store
// refuses prefixes outside this core's keyspaces, so a typo cannot flush
// unrelated data.
func (h *Handler) AdminClearNamespace(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PREFIX", "prefix query parameter is required")
		return
	}

	deleted, err := h.store.ClearNamespace(r.Context(), prefix)
	if err != nil {
		h.handleError(w, err)
		return
	}

	h.logger.Info("namespace cleared",
		zap.String("prefix", prefix),
		zap.Int64("deleted", deleted),
		zap.String("actor_id", r.Header.Get("X-Admin-ID")))

	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": deleted})
}

// AdminListEvents returns a user's recorded security events.
func (h *Handler) AdminListEvents(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "MISSING_USER_ID", "user_id query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, h.executor.EventsFor(userID))
}
