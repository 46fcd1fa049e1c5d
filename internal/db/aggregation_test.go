package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvents(t *testing.T, store *Store, rows []Event) {
	t.Helper()
	for i := range rows {
		require.NoError(t, store.db.Create(&rows[i]).Error)
	}
}

func TestAggregateHour(t *testing.T) {
	gdb := openTestDB(t)
	store := NewStore(gdb)
	ctx := context.Background()
	hour := testEpoch

	seedEvents(t, store, []Event{
		{ExperimentID: "exp", SubjectID: "a", VariantID: "control", Kind: "CONVERSION", Value: 10, OccurredAt: hour.Add(5 * time.Minute)},
		{ExperimentID: "exp", SubjectID: "a", VariantID: "control", Kind: "CONVERSION", Value: 5, OccurredAt: hour.Add(50 * time.Minute)},
		{ExperimentID: "exp", SubjectID: "b", VariantID: "control", Kind: "CONVERSION", Value: 1, OccurredAt: hour.Add(59 * time.Minute)},
		{ExperimentID: "exp", SubjectID: "c", VariantID: "treatment", Kind: "CLICK", OccurredAt: hour},
		// Outside the bucket.
		{ExperimentID: "exp", SubjectID: "d", VariantID: "treatment", Kind: "CLICK", OccurredAt: hour.Add(time.Hour)},
		{ExperimentID: "exp", SubjectID: "e", VariantID: "treatment", Kind: "CLICK", OccurredAt: hour.Add(-time.Second)},
	})

	require.NoError(t, AggregateHour(ctx, gdb, hour))

	buckets, err := Buckets(ctx, gdb, "exp", hour.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 2)

	assert.Equal(t, "control", buckets[0].VariantID)
	assert.Equal(t, "CONVERSION", buckets[0].Kind)
	assert.True(t, hour.Equal(buckets[0].BucketStart))
	assert.Equal(t, int64(3), buckets[0].EventCount)
	assert.Equal(t, int64(2), buckets[0].SubjectCount)
	assert.InDelta(t, 16, buckets[0].ValueSum, 1e-9)

	assert.Equal(t, "treatment", buckets[1].VariantID)
	assert.Equal(t, int64(1), buckets[1].EventCount)
	assert.Zero(t, buckets[1].ValueSum)
}

func TestAggregateHourIsRerunnable(t *testing.T) {
	gdb := openTestDB(t)
	store := NewStore(gdb)
	ctx := context.Background()
	hour := testEpoch

	seedEvents(t, store, []Event{
		{ExperimentID: "exp", SubjectID: "a", VariantID: "control", Kind: "CONVERSION", Value: 2, OccurredAt: hour},
	})
	require.NoError(t, AggregateHour(ctx, gdb, hour))

	// A late event in the same hour is picked up on the next run.
	seedEvents(t, store, []Event{
		{ExperimentID: "exp", SubjectID: "b", VariantID: "control", Kind: "CONVERSION", Value: 3, OccurredAt: hour.Add(time.Minute)},
	})
	require.NoError(t, AggregateHour(ctx, gdb, hour))

	buckets, err := Buckets(ctx, gdb, "exp", hour)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].EventCount)
	assert.InDelta(t, 5, buckets[0].ValueSum, 1e-9)
}

func TestAggregateHourEmpty(t *testing.T) {
	gdb := openTestDB(t)
	require.NoError(t, AggregateHour(context.Background(), gdb, testEpoch))

	var count int64
	require.NoError(t, gdb.Model(&VariantBucket{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestAggregateRecentPicksUpBackdatedEvents(t *testing.T) {
	gdb := openTestDB(t)
	store := NewStore(gdb)
	ctx := context.Background()
	now := testEpoch.Add(30 * time.Minute)
	logger := zapTestLogger(t)

	seedEvents(t, store, []Event{
		{ExperimentID: "exp", SubjectID: "a", VariantID: "control", Kind: "CLICK", OccurredAt: now},
	})
	aggregateRecent(ctx, gdb, now, aggregationWindow, logger)

	// Arrives an hour later but is stamped five hours back.
	later := now.Add(time.Hour)
	seedEvents(t, store, []Event{
		{ExperimentID: "exp", SubjectID: "b", VariantID: "control", Kind: "CLICK", OccurredAt: testEpoch.Add(-5 * time.Hour)},
		{ExperimentID: "exp", SubjectID: "c", VariantID: "treatment", Kind: "CLICK", OccurredAt: later},
	})
	aggregateRecent(ctx, gdb, later, aggregationWindow, logger)

	buckets, err := Buckets(ctx, gdb, "exp", testEpoch.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 3)
	assert.True(t, testEpoch.Add(-5*time.Hour).Equal(buckets[0].BucketStart))
	assert.True(t, testEpoch.Equal(buckets[1].BucketStart))
	assert.True(t, testEpoch.Add(time.Hour).Equal(buckets[2].BucketStart))
	for _, b := range buckets {
		assert.Equal(t, int64(1), b.EventCount)
	}
}

func TestAggregationWorkerStops(t *testing.T) {
	gdb := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := StartAggregationWorker(ctx, gdb, zapTestLogger(t))
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("aggregation worker did not stop")
	}
}
