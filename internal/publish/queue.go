package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/optstream/optstream/internal/metrics"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// ErrClosed is returned by Publish after the queue has been closed.
var ErrClosed = errors.New("publish queue closed")

type QueueConfig struct {
	RetryBase time.Duration
	RetryCap  time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		RetryBase: 100 * time.Millisecond,
		RetryCap:  5 * time.Second,
	}
}

// Queue buffers published events and delivers them to every sink in order.
//
// The buffer is unbounded: a sink that is down holds the head of the queue
// and is retried with exponential backoff until it accepts the message, so
// events are delayed but never dropped while the process runs.
type Queue struct {
	sinks   []Sink
	cfg     QueueConfig
	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.Mutex
	pending []Message
	// next is the index of the first sink that has not yet accepted pending[0].
	next   int
	seq    uint64
	closed bool
	notify chan struct{}
}

func NewQueue(logger *zap.SugaredLogger, m *metrics.Metrics, cfg QueueConfig, sinks ...Sink) *Queue {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultQueueConfig().RetryBase
	}
	if cfg.RetryCap < cfg.RetryBase {
		cfg.RetryCap = cfg.RetryBase
	}
	return &Queue{
		sinks:   sinks,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		notify:  make(chan struct{}, 1),
	}
}

// Publish serializes payload and appends it to the queue. It never blocks on
// delivery.
func (q *Queue) Publish(ctx context.Context, event string, payload any) error {
	raw, err := Encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.seq++
	q.pending = append(q.pending, Message{Event: event, Payload: raw, Seq: q.seq, At: q.now()})
	q.mu.Unlock()

	q.metrics.AddBacklog(ctx, 1)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Run delivers queued messages until ctx is done. Undelivered messages stay
// queued for Drain.
func (q *Queue) Run(ctx context.Context) error {
	for {
		if err := q.deliverAll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.notify:
		}
	}
}

// Drain closes the queue to new messages and delivers what is left, giving up
// when ctx expires.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	err := q.deliverAll(ctx)
	if left := q.Len(); left > 0 {
		q.logger.Warnw("Publish queue drained with undelivered events", "remaining", left)
	}
	return err
}

// Len is the number of messages not yet accepted by every sink.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) deliverAll(ctx context.Context) error {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return nil
		}
		msg := q.pending[0]
		start := q.next
		q.mu.Unlock()

		for i := start; i < len(q.sinks); i++ {
			if err := q.send(ctx, q.sinks[i], msg); err != nil {
				q.mu.Lock()
				q.next = i
				q.mu.Unlock()
				return err
			}
		}

		q.mu.Lock()
		q.pending[0] = Message{}
		q.pending = q.pending[1:]
		q.next = 0
		q.mu.Unlock()
		q.metrics.AddBacklog(ctx, -1)
	}
}

func (q *Queue) send(ctx context.Context, sink Sink, msg Message) error {
	b := retry.WithCappedDuration(q.cfg.RetryCap, retry.NewExponential(q.cfg.RetryBase))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		if err := sink.Send(ctx, msg); err != nil {
			q.metrics.RecordPublishRetry(ctx, sink.Name())
			q.logger.Warnw("Sink rejected event, retrying",
				"sink", sink.Name(),
				"event", msg.Event,
				"seq", msg.Seq,
				"attempt", attempt,
				"error", err,
			)
			return retry.RetryableError(err)
		}
		q.metrics.RecordPublished(ctx, sink.Name(), msg.Event)
		return nil
	})
}
