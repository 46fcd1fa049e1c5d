package db

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleaner purges finished experiments older than a number of days.
type Cleaner interface {
	CleanupOldTests(ctx context.Context, daysOld int) (int64, error)
}

// RunRetention purges old experiments once at startup and then on every
// tick of interval until ctx is cancelled.
func RunRetention(ctx context.Context, c Cleaner, days int, interval time.Duration, logger *zap.Logger) {
	runRetentionOnce(ctx, c, days, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runRetentionOnce(ctx, c, days, logger)
		}
	}
}

func runRetentionOnce(ctx context.Context, c Cleaner, days int, logger *zap.Logger) {
	n, err := c.CleanupOldTests(ctx, days)
	if err != nil {
		if ctx.Err() == nil {
			logger.Error("retention cleanup failed", zap.Int("days", days), zap.Error(err))
		}
		return
	}
	logger.Debug("retention cleanup done", zap.Int("days", days), zap.Int64("purged", n))
}

// StartRetentionWorker runs RunRetention daily in a background goroutine.
// The returned channel is closed once the worker exits.
func StartRetentionWorker(ctx context.Context, c Cleaner, days int, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunRetention(ctx, c, days, 24*time.Hour, logger)
	}()
	return done
}
