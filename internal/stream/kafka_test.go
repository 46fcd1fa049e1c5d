package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"abengine/internal/experiment"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeWriter struct {
	mu       sync.Mutex
	failures int
	err      error
	attempts int
	written  []kafka.Message
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.failures {
		return f.err
	}
	f.written = append(f.written, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// stalledWriter behaves like an unreachable broker: every write hangs until
// its context ends.
type stalledWriter struct {
	mu    sync.Mutex
	calls int
}

func (s *stalledWriter) WriteMessages(ctx context.Context, _ ...kafka.Message) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *stalledWriter) Close() error { return nil }

func testPublisher(w messageWriter, attempts int, logger *zap.Logger) *Publisher {
	p := newPublisher(w, Config{
		MaxAttempts:  attempts,
		WriteTimeout: time.Second,
		FlushTimeout: 5 * time.Second,
		Logger:       logger,
	})
	p.backoff = time.Millisecond
	return p
}

func TestNewPublisherValidatesConfig(t *testing.T) {
	_, err := NewPublisher(Config{Topic: "experiment-events"})
	assert.ErrorContains(t, err, "broker")

	_, err = NewPublisher(Config{Brokers: []string{"localhost:9092"}})
	assert.ErrorContains(t, err, "topic")

	p, err := NewPublisher(Config{Brokers: []string{"localhost:9092"}, Topic: "experiment-events"})
	require.NoError(t, err)
	assert.Equal(t, 3, p.maxAttempts)
	assert.Equal(t, 5*time.Second, p.writeTimeout)
	assert.Equal(t, 1024, cap(p.queue))
	require.NoError(t, p.Close())
}

func TestPublishKeysByExperiment(t *testing.T) {
	w := &fakeWriter{}
	p := testPublisher(w, 3, nil)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), experiment.Notification{
		Type:         experiment.NotifyAssignment,
		ExperimentID: "exp-1",
		SubjectID:    "user-1",
		VariantID:    "control",
		At:           at,
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.Len(t, w.written, 1)

	msg := w.written[0]
	assert.Equal(t, "exp-1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "assignment", string(msg.Headers[0].Value))

	var decoded experiment.Notification
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "user-1", decoded.SubjectID)
	assert.Equal(t, "control", decoded.VariantID)
}

func TestPublishRetriesTransientErrors(t *testing.T) {
	w := &fakeWriter{failures: 2, err: errors.New("leader not available")}
	p := testPublisher(w, 3, nil)

	require.NoError(t, p.Publish(context.Background(), experiment.Notification{Type: experiment.NotifyEvent, ExperimentID: "exp-1"}))
	require.NoError(t, p.Close())
	assert.Equal(t, 3, w.attempts)
	assert.Len(t, w.written, 1)
}

func TestPublishGivesUpAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	boom := errors.New("broker unreachable")
	w := &fakeWriter{failures: 10, err: boom}
	p := testPublisher(w, 2, zap.New(core))

	require.NoError(t, p.Publish(context.Background(), experiment.Notification{Type: experiment.NotifyEvent, ExperimentID: "exp-1"}))
	require.NoError(t, p.Close())
	assert.Equal(t, 2, w.attempts)
	assert.Empty(t, w.written)

	entries := logs.FilterMessage("publish notification failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "event", fields["type"])
	assert.Equal(t, "exp-1", fields["experiment_id"])
	assert.Contains(t, fields["error"], boom.Error())
}

func TestPublishDropsWhenQueueFull(t *testing.T) {
	w := &stalledWriter{}
	p := newPublisher(w, Config{QueueSize: 1, WriteTimeout: time.Hour, FlushTimeout: 10 * time.Millisecond})

	var full int
	for i := 0; i < 3; i++ {
		err := p.Publish(context.Background(), experiment.Notification{Type: experiment.NotifyEvent, ExperimentID: "exp-1"})
		if errors.Is(err, ErrQueueFull) {
			full++
		} else {
			require.NoError(t, err)
		}
	}
	assert.GreaterOrEqual(t, full, 1, "one message in flight and one queued leaves no room for a third")
	require.NoError(t, p.Close())
}

func TestCloseStopsStalledWrites(t *testing.T) {
	w := &stalledWriter{}
	p := newPublisher(w, Config{MaxAttempts: 5, WriteTimeout: time.Hour, FlushTimeout: 20 * time.Millisecond})
	require.NoError(t, p.Publish(context.Background(), experiment.Notification{Type: experiment.NotifyLifecycle, ExperimentID: "exp-1"}))

	start := time.Now()
	require.NoError(t, p.Close())
	assert.Less(t, time.Since(start), 2*time.Second)

	err := p.Publish(context.Background(), experiment.Notification{Type: experiment.NotifyLifecycle, ExperimentID: "exp-1"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, p.Close(), "second close is a no-op")
}

func TestCloseClosesWriter(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, testPublisher(w, 1, nil).Close())
	assert.True(t, w.closed)

	var nilPublisher *Publisher
	assert.NoError(t, nilPublisher.Close())
}

func TestEngineIsNotSlowedByUnreachableBroker(t *testing.T) {
	w := &stalledWriter{}
	p := newPublisher(w, Config{MaxAttempts: 3, WriteTimeout: time.Hour, FlushTimeout: 10 * time.Millisecond})
	t.Cleanup(func() { _ = p.Close() })

	svc := experiment.NewService(experiment.NewMemoryStore(), nil, experiment.WithPublisher(p))
	ctx := context.Background()
	exp, err := svc.CreateExperiment(ctx, experiment.CreateRequest{
		Name:         "Checkout button colour",
		Variants:     []experiment.Variant{{ID: "control"}, {ID: "treatment"}},
		TrafficSplit: map[string]float64{"control": 50, "treatment": 50},
	})
	require.NoError(t, err)

	start := time.Now()
	_, err = svc.StartExperiment(ctx, exp.ID)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := svc.AssignVariant(ctx, experiment.AssignRequest{ExperimentID: exp.ID, SubjectID: fmt.Sprintf("user-%d", i)})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.LessOrEqual(t, w.calls, 1, "writes happen off the request path")
}
