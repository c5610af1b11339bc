package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/verscienta/health-security/internal/domain/security"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/infrastructure/notification"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
	"github.com/verscienta/health-security/internal/service/anomaly"
	"github.com/verscienta/health-security/internal/service/lockout"
	"github.com/verscienta/health-security/internal/service/ratelimit"
	"github.com/verscienta/health-security/internal/service/session"
)

type nopNotifier struct {
	mu    sync.Mutex
	notes []notification.Notification
}

func (n *nopNotifier) Notify(note notification.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

type testEnv struct {
	router  http.Handler
	mr      *miniredis.Miniredis
	tracker *session.Tracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	promReg := prometheus.NewRegistry()
	reg := metrics.NewRegistry(promReg)

	mr := miniredis.RunT(t)
	s, err := store.NewRedisStore(&config.RedisConfig{
		Addr:        mr.Addr(),
		DialTimeout: time.Second,
		OpTimeout:   time.Second,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	notifier := &nopNotifier{}

	limiter, err := ratelimit.NewService(s, config.RateLimitConfig{
		Default: config.RoutePolicy{Requests: 100, Window: time.Minute},
		Routes: []config.RouteRule{
			{Path: "/api/auth/precheck", Requests: 5, Window: 15 * time.Minute},
		},
	}, logger, reg)
	require.NoError(t, err)

	guard := lockout.NewGuard(s, config.LockoutConfig{
		MaxFailedAttempts: 5,
		AttemptWindow:     15 * time.Minute,
		LockoutDuration:   30 * time.Minute,
		CaptchaThreshold:  3,
	}, notifier, logger, reg)

	detectors := anomaly.NewDetectors(anomaly.NopAuditReader{}, 5, 3, 5*time.Minute, 20, 5)

	var tracker *session.Tracker
	executor := anomaly.NewExecutor(100, time.Hour, notifier,
		anomaly.SessionTerminatorFunc(func(ctx context.Context, userID string) int {
			return tracker.RemoveAll(ctx, userID)
		}), s, logger, reg)
	tracker = session.NewTracker(config.SessionConfig{
		MaxConcurrentSessions: 3,
		ConcurrentWindow:      60 * time.Second,
		MaxIPChangesPerHour:   5,
		DeviceLookback:        24 * time.Hour,
	}, executor, logger, reg)

	handler := NewHandler(guard, limiter, tracker, executor, detectors, s, logger)
	middleware := NewRateLimitMiddleware(limiter, logger)

	return &testEnv{
		router:  NewRouter(handler, middleware, promReg),
		mr:      mr,
		tracker: tracker,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.RemoteAddr = "192.0.2.10:51234"
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestRateLimitHeaders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "a@b.com"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRateLimitDenies(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "a@b.com"})
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "a@b.com"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp.Error.Code)
}

func TestRateLimitHonorsForwardedFor(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 5; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "a@b.com"})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	// A different forwarded client gets its own window.
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(map[string]string{"identity": "a@b.com"}))
	req := httptest.NewRequest(http.MethodPost, "/api/auth/precheck", &buf)
	req.RemoteAddr = "192.0.2.10:51234"
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)

	// Failures accumulate until the account locks.
	for i := 1; i <= 4; i++ {
		rec := env.do(t, http.MethodPost, "/api/auth/failure", map[string]string{
			"identity":       "user@example.com",
			"network_origin": "10.0.0.1",
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/auth/failure", map[string]string{
		"identity":       "user@example.com",
		"network_origin": "10.0.0.1",
	})
	assert.Equal(t, http.StatusLocked, rec.Code)

	var status security.LockoutStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Locked)
	assert.Equal(t, 5, status.FailedAttempts)

	// Precheck reports the lock without counting an attempt.
	rec = env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "user@example.com"})
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Contains(t, rec.Body.String(), "locked")

	// Administrative unlock restores access.
	rec = env.do(t, http.MethodPost, "/api/admin/unlock", map[string]string{"identity": "user@example.com"})
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "user@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordSuccessTracksSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/success", map[string]string{
		"identity":       "user@example.com",
		"user_id":        "u1",
		"session_id":     "s1",
		"network_origin": "10.0.0.1",
		"user_agent":     "Mozilla/5.0",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	sessions := env.tracker.ActiveSessions("u1")
	require.Len(t, sessions, 1)
	assert.Equal(t, "s1", sessions[0].SessionID)
	assert.NotEmpty(t, sessions[0].DeviceID, "device fingerprint derived from origin and agent")

	rec = env.do(t, http.MethodGet, "/api/sessions?user_id=u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s1")
}

func TestValidationErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_FAILED")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/precheck", bytes.NewBufferString("{not json"))
	req.RemoteAddr = "192.0.2.10:51234"
	rec2 := httptest.NewRecorder()
	env.router.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "INVALID_JSON")
}

func TestAdminClearNamespace(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/auth/precheck", map[string]string{"identity": "a@b.com"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/admin/state?prefix=vh:ratelimit:", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deleted")

	rec = env.do(t, http.MethodDelete, "/api/admin/state?prefix=unowned:", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNSCOPED_NAMESPACE")
}

func TestHealthAndMetricsUnthrottled(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))

	rec = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
