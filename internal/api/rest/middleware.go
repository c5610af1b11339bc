package rest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/service/ratelimit"
)

type contextKey string

const contextKeyUserID contextKey = "user_id"

// WithUserID stores an authenticated user id on the request context so the
// rate limiter partitions by user instead of client IP.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKeyUserID, userID)
}

// RateLimitMiddleware gates every request through the sliding-window
// limiter. Allowed responses still carry the informational X-RateLimit-*
// headers.
type RateLimitMiddleware struct {
	limiter *ratelimit.Service
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewRateLimitMiddleware creates the middleware.
func NewRateLimitMiddleware(limiter *ratelimit.Service, logger *zap.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
		tracer:  otel.Tracer("health-security/rest"),
	}
}

// Middleware returns the http.Handler wrapper.
func (m *RateLimitMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := m.tracer.Start(r.Context(), "ratelimit.check",
			trace.WithAttributes(attribute.String("http.route", r.URL.Path)))

		identity := clientIdentity(r)
		result, err := m.limiter.Check(ctx, identity, r.URL.Path)
		span.End()
		if err != nil {
			// Only malformed input reaches here; storage failures
			// resolve to allow inside the limiter.
			m.logger.Warn("rate limit check rejected request",
				zap.String("path", r.URL.Path),
				zap.Error(err))
			writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetAt).Seconds()) + 1
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED",
				fmt.Sprintf("rate limit exceeded, retry in %d seconds", retryAfter))
			return
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// clientIdentity prefers the authenticated user id and falls back to the
// client IP.
func clientIdentity(r *http.Request) string {
	if userID, ok := r.Context().Value(contextKeyUserID).(string); ok && userID != "" {
		return "user:" + userID
	}
	return "ip:" + clientIP(r)
}

// clientIP resolves the originating address, honoring the first entry of
// X-Forwarded-For when a proxy chain is present.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.Index(forwarded, ","); idx != -1 {
			forwarded = forwarded[:idx]
		}
		return strings.TrimSpace(forwarded)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
