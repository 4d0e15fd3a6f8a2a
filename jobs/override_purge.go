package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atlas-erp/atlas/internal/observability"
)

// Purger removes overrides that expired longer ago than the retention
// window. Expired overrides no longer affect evaluation, so deleting them
// only trims the audit trail.
type Purger struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewPurger constructs a Purger instance.
func NewPurger(pool *pgxpool.Pool, logger *slog.Logger, metrics *observability.Metrics) *Purger {
	return &Purger{pool: pool, logger: logger, metrics: metrics}
}

// HandleOverridePurge processes TaskOverridePurge tasks.
func (p *Purger) HandleOverridePurge(ctx context.Context, t *asynq.Task) (err error) {
	defer func() { p.metrics.ObserveJob(TaskOverridePurge, err) }()

	var payload OverridePurgePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RetentionHours <= 0 {
		return asynq.SkipRetry
	}
	cutoff := time.Now().UTC().Add(-time.Duration(payload.RetentionHours) * time.Hour)

	roleTag, err := p.pool.Exec(ctx, `DELETE FROM role_permission_overrides WHERE valid_until IS NOT NULL AND valid_until < $1`, cutoff)
	if err != nil {
		return err
	}
	userTag, err := p.pool.Exec(ctx, `DELETE FROM user_role_overrides WHERE valid_until IS NOT NULL AND valid_until < $1`, cutoff)
	if err != nil {
		return err
	}

	p.logger.Info("override purge completed",
		slog.Time("cutoff", cutoff),
		slog.Int64("role_overrides", roleTag.RowsAffected()),
		slog.Int64("user_overrides", userTag.RowsAffected()))
	return nil
}
