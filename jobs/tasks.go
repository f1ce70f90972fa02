package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aegis-id/aegis/internal/roles"
	"github.com/aegis-id/aegis/internal/shared"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskIdempotencyCleanup removes idempotency records past retention.
	TaskIdempotencyCleanup = "authz:idempotency:cleanup"
	// TaskGrantSweep removes expired grants and invalidates affected users.
	TaskGrantSweep = "authz:grants:sweep"
)

// NewIdempotencyCleanupTask constructs the cleanup task.
func NewIdempotencyCleanupTask() *asynq.Task {
	return asynq.NewTask(TaskIdempotencyCleanup, nil)
}

// NewGrantSweepTask constructs the sweep task.
func NewGrantSweepTask() *asynq.Task {
	return asynq.NewTask(TaskGrantSweep, nil)
}

// IdempotencyCleanupHandler deletes expired idempotency records.
func IdempotencyCleanupHandler(store shared.IdempotencyStore, storeTimeout time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, cancel := withStoreTimeout(ctx, storeTimeout)
		defer cancel()
		removed, err := store.DeleteExpired(ctx)
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("idempotency cleanup", slog.Int64("removed", removed))
		}
		return nil
	}
}

// GrantSweepHandler deletes expired grants and drops cached decisions for
// every affected user. Expired grants are already invisible to direct
// store reads; the sweep keeps the tables small and the cache honest.
func GrantSweepHandler(repo roles.RepositoryPort, cache roles.CacheInvalidator, storeTimeout time.Duration, logger *slog.Logger) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		ctx, cancel := withStoreTimeout(ctx, storeTimeout)
		defer cancel()
		users, err := repo.DeleteExpiredGrants(ctx)
		if err != nil {
			return err
		}
		for _, userID := range users {
			if cache == nil {
				break
			}
			if err := cache.InvalidateUser(ctx, userID); err != nil && logger != nil {
				logger.Warn("invalidate swept user", slog.String("user", userID), slog.Any("error", err))
			}
		}
		if logger != nil {
			logger.Info("grant sweep", slog.Int("users", len(users)))
		}
		return nil
	}
}

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
