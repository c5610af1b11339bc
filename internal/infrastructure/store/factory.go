package store

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/infrastructure/config"
)

// NewStore selects the storage backend at startup. Redis is used when an
// address is configured and reachable; otherwise the process-local fallback
// takes over with a loud warning, since limits then apply per process.
func NewStore(cfg *config.RedisConfig, logger *zap.Logger) Store {
	if cfg != nil && cfg.Addr != "" {
		s, err := NewRedisStore(cfg, logger)
		if err == nil {
			return s
		}
		logger.Warn("redis store unavailable, falling back to process-local store",
			zap.String("addr", cfg.Addr),
			zap.Error(err))
	} else {
		logger.Warn("redis not configured, using process-local store; limits are per-process")
	}

	return NewLocalStore(logger)
}

// StartBackgroundCleanup sweeps expired local-store entries on a timer and
// reports whether a sweeper was started. Redis keys carry their own TTLs so
// the Redis backend needs no sweep.
func StartBackgroundCleanup(ctx context.Context, s Store, interval time.Duration, logger *zap.Logger) bool {
	local, ok := s.(*localStore)
	if !ok {
		return false
	}

	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("store background cleanup stopped")
				return
			case <-ticker.C:
				if removed := local.Sweep(); removed > 0 {
					logger.Debug("local store sweep completed", zap.Int("removed", removed))
				}
			}
		}
	}()

	logger.Info("store background cleanup started", zap.Duration("interval", interval))

	return true
}
