package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/labdesk/labdesk/internal/jobs"
)

// DefaultIdempotencyTTL is used when the payload carries no age.
const DefaultIdempotencyTTL = 24 * time.Hour

// KeyPruner removes idempotency keys older than the given age.
type KeyPruner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// IdempotencyCleanupJob processes TaskIdempotencyCleanup tasks.
type IdempotencyCleanupJob struct {
	Store   KeyPruner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIdempotencyCleanupJob constructs the job handler.
func NewIdempotencyCleanupJob(store KeyPruner, logger *slog.Logger, metrics *jobmetrics.Metrics) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{Store: store, Logger: logger, Metrics: metrics}
}

// Handle prunes expired keys.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, task *asynq.Task) (resultErr error) {
	if j == nil || j.Store == nil {
		return errors.New("idempotency cleanup: dependencies not configured")
	}
	var payload IdempotencyCleanupPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.OlderThan <= 0 {
		payload.OlderThan = DefaultIdempotencyTTL
	}

	tracker := metricsOr(j.Metrics).Track(TaskIdempotencyCleanup, retryCount(ctx))
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := loggerOr(j.Logger).With(slog.String("job", TaskIdempotencyCleanup))
	if err := j.Store.Cleanup(ctx, payload.OlderThan); err != nil {
		logger.Error("prune idempotency keys", slog.Any("error", err))
		return err
	}
	logger.Info("pruned idempotency keys", slog.Duration("older_than", payload.OlderThan))
	return nil
}
