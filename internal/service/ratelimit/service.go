package ratelimit

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/domain/errors"
	"github.com/verscienta/health-security/internal/infrastructure/config"
	"github.com/verscienta/health-security/internal/infrastructure/store"
	"github.com/verscienta/health-security/internal/metrics"
)

// Result is the outcome of one rate limit check. The check itself consumes
// capacity; there is no separate reserve step.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type prefixRule struct {
	prefix string
	policy config.RoutePolicy
}

// Service enforces sliding-window request limits per (identity, route).
// Storage errors fail open: a rate limiter must not become an availability
// outage vector.
type Service struct {
	store    store.Store
	exact    map[string]config.RoutePolicy
	prefixes []prefixRule
	fallback config.RoutePolicy
	logger   *zap.Logger
	metrics  *metrics.Registry
}

// NewService compiles the route table once at startup. Malformed policies
// are rejected here, never at request time.
func NewService(s store.Store, cfg config.RateLimitConfig, logger *zap.Logger, reg *metrics.Registry) (*Service, error) {
	if cfg.Default.Requests <= 0 {
		return nil, errors.ErrInvalidLimit
	}
	if cfg.Default.Window <= 0 {
		return nil, errors.ErrInvalidWindow
	}

	svc := &Service{
		store:    s,
		exact:    make(map[string]config.RoutePolicy, len(cfg.Routes)),
		fallback: cfg.Default,
		logger:   logger,
		metrics:  reg,
	}

	for _, route := range cfg.Routes {
		if route.Requests <= 0 {
			return nil, errors.ErrInvalidLimit
		}
		if route.Window <= 0 {
			return nil, errors.ErrInvalidWindow
		}

		policy := config.RoutePolicy{Requests: route.Requests, Window: route.Window}
		if route.Prefix {
			svc.prefixes = append(svc.prefixes, prefixRule{prefix: route.Path, policy: policy})
		} else {
			svc.exact[route.Path] = policy
		}
	}

	// Longest prefix first, so the most specific rule wins.
	sort.Slice(svc.prefixes, func(i, j int) bool {
		return len(svc.prefixes[i].prefix) > len(svc.prefixes[j].prefix)
	})

	return svc, nil
}

// Check records the current request against the identity's window for the
// resolved route policy and reports whether it fits under the limit.
func (s *Service) Check(ctx context.Context, identity, routeKey string) (Result, error) {
	if strings.TrimSpace(identity) == "" {
		return Result{}, errors.ErrEmptyIdentity
	}

	policy, routeClass := s.resolve(routeKey)
	key := store.RateLimitPrefix + identity + ":" + routeClass

	count, oldest, err := s.store.SlideWindow(ctx, key, policy.Window)
	if err != nil {
		// Fail open. The failure is logged and counted, not surfaced.
		s.metrics.FallbackActivations.Inc()
		s.logger.Warn("rate limit storage failure, allowing request",
			zap.String("identity", identity),
			zap.String("route", routeClass),
			zap.Error(err))
		return Result{
			Allowed:   true,
			Limit:     policy.Requests,
			Remaining: policy.Requests - 1,
			ResetAt:   time.Now().Add(policy.Window),
		}, nil
	}

	allowed := count <= policy.Requests
	remaining := policy.Requests - count
	if remaining < 0 {
		remaining = 0
	}

	result := Result{
		Allowed:   allowed,
		Limit:     policy.Requests,
		Remaining: remaining,
		ResetAt:   oldest.Add(policy.Window),
	}

	if allowed {
		s.metrics.RequestsAllowed.WithLabelValues(routeClass).Inc()
	} else {
		s.metrics.RequestsDenied.WithLabelValues(routeClass).Inc()
		s.logger.Debug("rate limit exceeded",
			zap.String("identity", identity),
			zap.String("route", routeClass),
			zap.Int("count", count),
			zap.Int("limit", policy.Requests))
	}

	return result, nil
}

// Reset clears the identity's window for a route. Administrative use only.
func (s *Service) Reset(ctx context.Context, identity, routeKey string) error {
	if strings.TrimSpace(identity) == "" {
		return errors.ErrEmptyIdentity
	}
	_, routeClass := s.resolve(routeKey)
	return s.store.Delete(ctx, store.RateLimitPrefix+identity+":"+routeClass)
}

// resolve returns the policy for a route key. Exact entries take priority
// over prefix entries; among prefixes the longest match wins; anything
// unmatched gets the default policy.
func (s *Service) resolve(routeKey string) (config.RoutePolicy, string) {
	if policy, ok := s.exact[routeKey]; ok {
		return policy, routeKey
	}

	for _, rule := range s.prefixes {
		if strings.HasPrefix(routeKey, rule.prefix) {
			return rule.policy, rule.prefix + "*"
		}
	}

	return s.fallback, "default"
}
