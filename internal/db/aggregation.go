package db

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AggregateHour rolls the events of [bucketStart, bucketStart+1h) into
// VariantBucket rows, replacing any earlier aggregate of the same hour.
// bucketStart must be a UTC time truncated to the hour.
func AggregateHour(ctx context.Context, db *gorm.DB, bucketStart time.Time) error {
	bucketEnd := bucketStart.Add(time.Hour)

	var groups []struct {
		ExperimentID string
		VariantID    string
		Kind         string
		EventCount   int64
		SubjectCount int64
		ValueSum     float64
	}
	if err := db.WithContext(ctx).Model(&Event{}).
		Select("experiment_id, variant_id, kind, count(*) AS event_count, count(DISTINCT subject_id) AS subject_count, coalesce(sum(value), 0.0) AS value_sum").
		Where("occurred_at >= ? AND occurred_at < ?", bucketStart, bucketEnd).
		Group("experiment_id, variant_id, kind").
		Scan(&groups).Error; err != nil {
		return err
	}
	if len(groups) == 0 {
		return nil
	}

	rows := make([]VariantBucket, 0, len(groups))
	for _, g := range groups {
		rows = append(rows, VariantBucket{
			ExperimentID: g.ExperimentID,
			VariantID:    g.VariantID,
			Kind:         g.Kind,
			BucketStart:  bucketStart,
			EventCount:   g.EventCount,
			SubjectCount: g.SubjectCount,
			ValueSum:     g.ValueSum,
		})
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "experiment_id"}, {Name: "variant_id"}, {Name: "kind"}, {Name: "bucket_start"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"event_count", "subject_count", "value_sum"}),
	}).Create(&rows).Error
}

// Buckets returns the hourly aggregates of one experiment from since on,
// oldest first.
func Buckets(ctx context.Context, db *gorm.DB, experimentID string, since time.Time) ([]VariantBucket, error) {
	var rows []VariantBucket
	err := db.WithContext(ctx).
		Where("experiment_id = ? AND bucket_start >= ?", experimentID, since).
		Order("bucket_start, variant_id, kind").
		Find(&rows).Error
	return rows, err
}

// aggregationWindow is how many hours back every run re-aggregates. Events
// may carry client timestamps, so late arrivals land in earlier buckets.
const aggregationWindow = 24

// RunAggregation re-aggregates the trailing aggregationWindow hours, the
// current one included, at startup and then on every tick of interval until
// ctx is cancelled.
func RunAggregation(ctx context.Context, db *gorm.DB, interval time.Duration, logger *zap.Logger) {
	aggregateRecent(ctx, db, time.Now().UTC(), aggregationWindow, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			aggregateRecent(ctx, db, t.UTC(), aggregationWindow, logger)
		}
	}
}

// aggregateRecent rebuilds the buckets of the hour containing now and the
// hours before it, oldest first.
func aggregateRecent(ctx context.Context, db *gorm.DB, now time.Time, hours int, logger *zap.Logger) {
	current := now.UTC().Truncate(time.Hour)
	for i := hours; i >= 0; i-- {
		bucketStart := current.Add(-time.Duration(i) * time.Hour)
		if err := AggregateHour(ctx, db, bucketStart); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("aggregation failed", zap.Time("bucket_start", bucketStart), zap.Error(err))
		}
	}
}

// StartAggregationWorker runs RunAggregation hourly in a background
// goroutine. The returned channel is closed once the worker exits.
func StartAggregationWorker(ctx context.Context, db *gorm.DB, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunAggregation(ctx, db, time.Hour, logger)
	}()
	return done
}
