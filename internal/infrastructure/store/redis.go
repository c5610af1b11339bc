package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/infrastructure/config"
)

// redisStore implements Store on a shared Redis instance. Sliding windows
// are sorted sets of request timestamps; the whole prune+insert+count step
// runs as a single pipeline so concurrent callers on the same key cannot
// interleave.
type redisStore struct {
	client    *redis.Client
	logger    *zap.Logger
	opTimeout time.Duration
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg *config.RedisConfig, logger *zap.Logger) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("redis store initialized",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB),
		zap.Int("pool_size", cfg.PoolSize))

	return &redisStore{
		client:    client,
		logger:    logger,
		opTimeout: cfg.OpTimeout,
	}, nil
}

// withTimeout bounds every store round trip so a slow Redis surfaces as a
// storage failure instead of stalling the request path.
func (r *redisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.opTimeout)
}

func (r *redisStore) SlideWindow(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	now := time.Now()
	windowStart := now.Add(-window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: uuid.New().String(),
	})
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	pipe.Expire(ctx, key, window+time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("slide window pipeline failed",
			zap.String("key", key),
			zap.Duration("window", window),
			zap.Error(err))
		return 0, time.Time{}, fmt.Errorf("slide window pipeline failed: %w", err)
	}

	oldest := now
	if entries := oldestCmd.Val(); len(entries) > 0 {
		oldest = time.Unix(0, int64(entries[0].Score))
	}

	return int(countCmd.Val()), oldest, nil
}

func (r *redisStore) CountWindow(ctx context.Context, key string, window time.Duration) (int, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	windowStart := time.Now().Add(-window)

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("count window pipeline failed",
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("count window pipeline failed: %w", err)
	}

	return int(countCmd.Val()), nil
}

func (r *redisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		r.logger.Error("redis delete failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	result, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		r.logger.Error("redis exists check failed", zap.String("key", key), zap.Error(err))
		return false, fmt.Errorf("redis exists check failed: %w", err)
	}
	return result > 0, nil
}

func (r *redisStore) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("json marshal failed: %w", err)
	}

	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		r.logger.Error("redis set failed",
			zap.String("key", key),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (r *redisStore) GetJSON(ctx context.Context, key string, dest interface{}) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return ErrKeyNotFound{Key: key}
		}
		r.logger.Error("redis get failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis get failed: %w", err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}
	return nil
}

func (r *redisStore) SetFlag(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, "1", ttl).Err(); err != nil {
		r.logger.Error("redis set flag failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("redis set flag failed: %w", err)
	}
	return nil
}

func (r *redisStore) ClearNamespace(ctx context.Context, prefix string) (int64, error) {
	if !ownsPrefix(prefix) {
		return 0, ErrUnscopedNamespace{Prefix: prefix}
	}

	pattern := prefix + "*"

	var cursor uint64
	var deleted int64

	for {
		keys, nextCursor, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			r.logger.Error("namespace scan failed", zap.String("prefix", prefix), zap.Error(err))
			return deleted, fmt.Errorf("namespace scan failed: %w", err)
		}

		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("namespace delete failed: %w", err)
			}
			deleted += n
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	if deleted > 0 {
		r.logger.Info("namespace cleared",
			zap.String("prefix", prefix),
			zap.Int64("deleted_keys", deleted))
	}

	return deleted, nil
}

func (r *redisStore) Close() error {
	if err := r.client.Close(); err != nil {
		r.logger.Error("redis close failed", zap.Error(err))
		return fmt.Errorf("redis close failed: %w", err)
	}
	return nil
}
