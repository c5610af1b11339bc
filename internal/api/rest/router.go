package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter builds the route table. The rate-limit middleware wraps only
// the API surface; health and metrics endpoints stay unthrottled.
func NewRouter(h *Handler, rl *RateLimitMiddleware, gatherer prometheus.Gatherer) http.Handler {
	api := http.NewServeMux()

	api.HandleFunc("POST /api/auth/precheck", h.Precheck)
	api.HandleFunc("POST /api/auth/failure", h.RecordFailure)
	api.HandleFunc("POST /api/auth/success", h.RecordSuccess)

	api.HandleFunc("POST /api/sessions/touch", h.TouchSession)
	api.HandleFunc("DELETE /api/sessions", h.RemoveSession)
	api.HandleFunc("GET /api/sessions", h.ListSessions)

	api.HandleFunc("POST /api/activity/sensitive-access", h.ReportSensitiveAccess)
	api.HandleFunc("POST /api/activity/export", h.ReportExport)

	api.HandleFunc("POST /api/admin/unlock", h.AdminUnlock)
	api.HandleFunc("GET /api/admin/lockout", h.AdminLockoutStatus)
	api.HandleFunc("POST /api/admin/ratelimit/reset", h.AdminResetRateLimit)
	api.HandleFunc("DELETE /api/admin/state", h.AdminClearNamespace)
	api.HandleFunc("GET /api/admin/events", h.AdminListEvents)

	root := http.NewServeMux()
	root.Handle("/api/", rl.Middleware(api))
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	root.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return root
}
