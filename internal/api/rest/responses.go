package rest

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/errors"
	"github.com/verscienta/health-security/internal/infrastructure/store"
)

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Code: code, Message: message}})
}

func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var unscoped store.ErrUnscopedNamespace
	if stderrors.As(err, &unscoped) {
		writeError(w, http.StatusBadRequest, "UNSCOPED_NAMESPACE", unscoped.Error())
		return
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		writeError(w, appErr.StatusCode, appErr.Code, appErr.Message)
		return
	}

	h.logger.Error("request failed", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
}
