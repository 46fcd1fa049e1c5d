package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func zapTestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

type countingCleaner struct {
	mu    sync.Mutex
	calls int
	days  []int
	err   error
}

func (c *countingCleaner) CleanupOldTests(_ context.Context, daysOld int) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.days = append(c.days, daysOld)
	return 1, c.err
}

func (c *countingCleaner) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestRunRetentionRunsAtStartAndOnTick(t *testing.T) {
	cleaner := &countingCleaner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunRetention(ctx, cleaner, 90, 10*time.Millisecond, zap.NewNop())
	}()

	assert.Eventually(t, func() bool { return cleaner.Calls() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	cleaner.mu.Lock()
	defer cleaner.mu.Unlock()
	for _, d := range cleaner.days {
		assert.Equal(t, 90, d)
	}
}

func TestRunRetentionLogsFailures(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	cleaner := &countingCleaner{err: errors.New("db down")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		RunRetention(ctx, cleaner, 30, time.Hour, zap.New(core))
	}()

	assert.Eventually(t, func() bool { return logs.FilterMessage("retention cleanup failed").Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestStartRetentionWorkerStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := StartRetentionWorker(ctx, &countingCleaner{}, 90, zap.NewNop())
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention worker did not stop")
	}
}
