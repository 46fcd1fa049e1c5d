package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"abengine/internal/experiment"
)

var (
	// ErrQueueFull is returned by Publish when the outbound queue is saturated;
	// the notification is dropped.
	ErrQueueFull = errors.New("kafka: publish queue full")
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("kafka: publisher closed")
)

// Config contains the parameters of the notification publisher.
type Config struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	Topic string

	// MaxAttempts is how many times a write is tried on error. Defaults to 3.
	MaxAttempts int

	// WriteTimeout bounds each attempt. Defaults to 5s.
	WriteTimeout time.Duration

	// QueueSize bounds the notifications waiting to be written. Defaults to 1024.
	QueueSize int

	// FlushTimeout bounds how long Close waits for queued notifications.
	// Defaults to WriteTimeout.
	FlushTimeout time.Duration

	// Balancer decides partition selection. Defaults to a key-hash balancer so
	// all notifications of one experiment land on one partition, in order.
	Balancer kafka.Balancer

	Logger *zap.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes engine notifications to a Kafka topic as JSON, keyed by
// experiment id. Publish only enqueues; a single background goroutine does
// the writes, so broker trouble never slows the engine down.
type Publisher struct {
	writer       messageWriter
	logger       *zap.Logger
	maxAttempts  int
	writeTimeout time.Duration
	flushTimeout time.Duration
	backoff      time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

var _ experiment.Publisher = (*Publisher)(nil)

// NewPublisher validates cfg, builds a kafka-go writer and starts the
// background sender.
func NewPublisher(cfg Config) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.Balancer == nil {
		cfg.Balancer = &kafka.Hash{}
	}
	cfg = withDefaults(cfg)

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     cfg.Balancer,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		// Retries happen in the sender loop.
		MaxAttempts: 1,
	}
	return newPublisher(w, cfg), nil
}

func withDefaults(cfg Config) Config {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = cfg.WriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return cfg
}

func newPublisher(w messageWriter, cfg Config) *Publisher {
	cfg = withDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	p := &Publisher{
		writer:       w,
		logger:       cfg.Logger,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		flushTimeout: cfg.FlushTimeout,
		backoff:      100 * time.Millisecond,
		queue:        make(chan kafka.Message, cfg.QueueSize),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish encodes n and queues it for the background sender. It never
// blocks; when the queue is full the notification is dropped with
// ErrQueueFull.
func (p *Publisher) Publish(_ context.Context, n experiment.Notification) error {
	value, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(n.ExperimentID),
		Value: value,
		Time:  n.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(n.Type)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for msg := range p.queue {
		if err := p.write(msg); err != nil {
			p.logger.Warn("publish notification failed",
				zap.String("type", headerValue(msg, "type")),
				zap.ByteString("experiment_id", msg.Key),
				zap.Error(err))
		}
	}
}

// write tries msg up to maxAttempts times with exponential backoff. It gives
// up early once the publisher is cancelled.
func (p *Publisher) write(msg kafka.Message) error {
	var lastErr error
	backoff := p.backoff
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(p.ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}

		select {
		case <-p.ctx.Done():
			return fmt.Errorf("publisher closed: %w", lastErr)
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", p.maxAttempts, lastErr)
}

func headerValue(msg kafka.Message, key string) string {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Close stops accepting notifications, waits up to the flush timeout for the
// queue to drain, then shuts down the underlying writer.
func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	timer := time.NewTimer(p.flushTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.logger.Warn("publisher flush timed out", zap.Int("dropped", len(p.queue)))
		p.cancel()
		<-p.done
	}
	p.cancel()
	return p.writer.Close()
}
