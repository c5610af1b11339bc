package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/verscienta/health-security/internal/infrastructure/config"
)

// AuditReader runs read-only queries against the platform's append-only
// audit log. This core never writes audit rows; the content platform owns
// the table and its retention.
type AuditReader struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewAuditReader connects to the audit database and verifies the
// connection.
func NewAuditReader(ctx context.Context, cfg config.AuditDBConfig, logger *zap.Logger) (*AuditReader, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse audit database config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxOpenConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit database pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping audit database: %w", err)
	}

	logger.Info("audit database connected", zap.Int("max_conns", cfg.MaxOpenConns))

	return &AuditReader{pool: pool, logger: logger}, nil
}

// CountFailedLoginsByOrigin counts failed logins recorded from one network
// origin since the given time.
func (r *AuditReader) CountFailedLoginsByOrigin(ctx context.Context, origin string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM audit_log
		WHERE action = 'login_failed'
		  AND network_origin = $1
		  AND created_at >= $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, origin, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count failed logins: %w", err)
	}
	return count, nil
}

// DistinctOriginsByUser counts the distinct network origins one user has
// acted from since the given time.
func (r *AuditReader) DistinctOriginsByUser(ctx context.Context, userID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(DISTINCT network_origin)
		FROM audit_log
		WHERE user_id = $1
		  AND created_at >= $2`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count distinct origins: %w", err)
	}
	return count, nil
}

// CountActions counts a user's actions of one type since the given time.
func (r *AuditReader) CountActions(ctx context.Context, userID, action string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM audit_log
		WHERE user_id = $1
		  AND action = $2
		  AND created_at >= $3`

	var count int
	if err := r.pool.QueryRow(ctx, query, userID, action, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count actions: %w", err)
	}
	return count, nil
}

// LastAction returns the time of the user's most recent action of one
// type, or the zero time when the user never performed it.
func (r *AuditReader) LastAction(ctx context.Context, userID, action string) (time.Time, error) {
	query := `
		SELECT MAX(created_at)
		FROM audit_log
		WHERE user_id = $1
		  AND action = $2`

	var last *time.Time
	if err := r.pool.QueryRow(ctx, query, userID, action).Scan(&last); err != nil {
		return time.Time{}, fmt.Errorf("failed to query last action: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

// Close releases the connection pool.
func (r *AuditReader) Close() {
	r.pool.Close()
}
