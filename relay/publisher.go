package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrStopped is returned when a message is enqueued after Stop.
var ErrStopped = errors.New("relay publisher stopped")

// ErrStopTimeout is returned when the worker did not finish within the
// Stop timeout. The worker may still be flushing in the background.
var ErrStopTimeout = errors.New("relay publisher stop timed out")

// PublishError is the structured failure surfaced to synchronous callers.
type PublishError struct {
	RequestID string
	Err       error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.RequestID, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// Observer receives publisher lifecycle events, typically for metrics.
type Observer interface {
	MessageEnqueued(priority string)
	DuplicateSuppressed()
	PublishSucceeded(kind string, messages int)
	PublishFailed(kind string)
}

type noopObserver struct{}

func (noopObserver) MessageEnqueued(string)       {}
func (noopObserver) DuplicateSuppressed()         {}
func (noopObserver) PublishSucceeded(string, int) {}
func (noopObserver) PublishFailed(string)         {}

// Config configures the publisher.
type Config struct {
	Broker BrokerConfig

	// BatchSize <= 1 disables batching; each message publishes alone.
	BatchSize int
	// BatchTimeout flushes a partially-filled batch by age (default: 5s).
	BatchTimeout time.Duration
	// Serialization selects the codec: json (default) or msgpack.
	Serialization string
	// QueueCapacity bounds the internal work queue (default: 4096).
	// Enqueue blocks only if the queue is full.
	QueueCapacity int
}

// EnqueueOptions modify a single Enqueue call.
type EnqueueOptions struct {
	// WaitForPublish publishes synchronously; the call blocks until the
	// broker accepts or the publish fails, and failures propagate.
	WaitForPublish bool
	// Serialization overrides the configured codec for a synchronous
	// publish. Queued messages always use the publisher's codec so a
	// batch stays uniform.
	Serialization string
}

// Option configures a Publisher beyond its Config.
type Option func(*Publisher)

// WithDialer replaces the AMQP dialer, used by tests to inject a fake
// broker channel.
func WithDialer(d Dialer) Option {
	return func(p *Publisher) { p.dial = d }
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(p *Publisher) {
		if o != nil {
			p.observer = o
		}
	}
}

// Publisher accepts escalation messages, batches them, and publishes to
// the broker through a single background worker goroutine. Callers of
// Enqueue never block on broker I/O unless they ask for a synchronous
// publish.
//
// A failed batch publish is logged and dropped rather than re-queued
// (at-most-once per attempt); a dead-letter re-queue would be a deliberate
// behavior change, not a bug fix.
type Publisher struct {
	cfg      Config
	codec    Codec
	guard    *Guard
	observer Observer

	dial Dialer
	mu   sync.Mutex // guards ch and serializes broker writes
	ch   Channel

	queue    chan *EscalationMessage
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	priorityLevels int
}

// NewPublisher creates a publisher and starts its worker. A broker that is
// unreachable at construction time is logged and retried lazily on the
// next publish.
func NewPublisher(cfg Config, guard *Guard, opts ...Option) (*Publisher, error) {
	codec, err := CodecFor(cfg.Serialization)
	if err != nil {
		return nil, err
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 4096
	}

	p := &Publisher{
		cfg:            cfg,
		codec:          codec,
		guard:          guard,
		observer:       noopObserver{},
		dial:           amqpDialer(cfg.Broker),
		queue:          make(chan *EscalationMessage, cfg.QueueCapacity),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
		priorityLevels: cfg.Broker.withDefaults().PriorityLevels,
	}
	for _, opt := range opts {
		opt(p)
	}

	if _, err := p.ensureChannel(); err != nil {
		slog.Warn("relay: broker unavailable at startup, will retry on publish", "error", err)
	}

	go p.worker()
	return p, nil
}

// Enqueue normalizes and submits one escalation message. It returns the
// request id immediately for fire-and-forget callers; with WaitForPublish
// it blocks until the publish attempt resolves and rolls back the
// idempotency reservation on failure.
//
// A duplicate request id inside the idempotency TTL is a no-op returning
// the existing id.
func (p *Publisher) Enqueue(msg *EscalationMessage, opts EnqueueOptions) (string, error) {
	msg.normalize()

	if !p.guard.Reserve(msg.RequestID) {
		slog.Debug("relay: duplicate escalation suppressed", "request_id", msg.RequestID)
		p.observer.DuplicateSuppressed()
		return msg.RequestID, nil
	}

	if opts.WaitForPublish {
		codec := p.codec
		if opts.Serialization != "" {
			override, err := CodecFor(opts.Serialization)
			if err != nil {
				p.guard.Release(msg.RequestID)
				return msg.RequestID, err
			}
			codec = override
		}
		if err := p.publishSingle(codec, msg); err != nil {
			p.guard.Release(msg.RequestID)
			return msg.RequestID, &PublishError{RequestID: msg.RequestID, Err: err}
		}
		p.observer.MessageEnqueued(string(msg.Priority))
		return msg.RequestID, nil
	}

	// After Stop the queue has no consumer; a send would park the message
	// forever, so reject before attempting it.
	select {
	case <-p.stopCh:
		p.guard.Release(msg.RequestID)
		return msg.RequestID, ErrStopped
	default:
	}

	select {
	case p.queue <- msg:
	default:
		// Queue full: fall back to a blocking send so the message is
		// not lost, but notice shutdown.
		slog.Debug("relay: work queue full, enqueue waiting", "request_id", msg.RequestID)
		select {
		case p.queue <- msg:
		case <-p.stopCh:
			p.guard.Release(msg.RequestID)
			return msg.RequestID, ErrStopped
		}
	}
	p.observer.MessageEnqueued(string(msg.Priority))
	return msg.RequestID, nil
}

// Stop signals the worker to stop, flushes any partially-filled batch,
// and joins the worker within the timeout. Control returns to the caller
// regardless; ErrStopTimeout means the join was abandoned.
func (p *Publisher) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() { close(p.stopCh) })

	select {
	case <-p.done:
		p.closeChannel()
		return nil
	case <-time.After(timeout):
		slog.Warn("relay: publisher stop timed out", "timeout", timeout)
		return ErrStopTimeout
	}
}

// worker is the sole consumer of the internal queue and, by construction,
// the only ordering authority for publishes: messages are appended in call
// order and published FIFO.
func (p *Publisher) worker() {
	defer close(p.done)

	var batch []*EscalationMessage
	var encoded [][]byte
	var batchStart time.Time

	poll := p.cfg.BatchTimeout
	if poll > 200*time.Millisecond {
		poll = 200 * time.Millisecond
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.publishBatch(batch, encoded, batchStart)
		batch, encoded = nil, nil
	}

	accumulate := func(msg *EscalationMessage) {
		if p.cfg.BatchSize <= 1 {
			if err := p.publishSingle(p.codec, msg); err != nil {
				slog.Error("relay: publish failed, message dropped",
					"request_id", msg.RequestID,
					"error", err,
				)
				p.observer.PublishFailed("message")
			}
			return
		}

		data, err := p.codec.EncodeMessage(msg)
		if err != nil {
			slog.Error("relay: encode failed, message dropped", "request_id", msg.RequestID, "error", err)
			return
		}
		if len(batch) == 0 {
			batchStart = time.Now()
		}
		batch = append(batch, msg)
		encoded = append(encoded, data)
		// The age check runs on arrival too, so a steady trickle of
		// messages cannot starve a batch past its timeout.
		if len(batch) >= p.cfg.BatchSize || time.Since(batchStart) >= p.cfg.BatchTimeout {
			flush()
		}
	}

	for {
		select {
		case msg := <-p.queue:
			accumulate(msg)
		case <-time.After(poll):
			// Poll timeout doubles as the batch-age check even when no
			// new messages arrive.
			if len(batch) > 0 && time.Since(batchStart) >= p.cfg.BatchTimeout {
				flush()
			}
		case <-p.stopCh:
			for {
				select {
				case msg := <-p.queue:
					accumulate(msg)
				default:
					flush()
					return
				}
			}
		}
	}
}

// publishSingle publishes one message with its request id as the
// correlation id.
func (p *Publisher) publishSingle(codec Codec, msg *EscalationMessage) error {
	body, err := codec.EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := p.publish(body, codec.ContentType(), msg.RequestID, msg.Priority); err != nil {
		return err
	}
	slog.Debug("relay: message published",
		"request_id", msg.RequestID,
		"priority", msg.Priority,
		"format", codec.Name(),
	)
	p.observer.PublishSucceeded("message", 1)
	return nil
}

// publishBatch publishes an all-or-nothing batch container with the batch
// id as the correlation id. The batch carries high priority if any member
// does.
func (p *Publisher) publishBatch(batch []*EscalationMessage, encoded [][]byte, createdAt time.Time) {
	batchID := shortuuid.New()

	body, err := p.codec.EncodeBatch(batchID, createdAt, encoded)
	if err != nil {
		slog.Error("relay: encode batch failed, batch dropped", "batch_id", batchID, "size", len(batch), "error", err)
		p.observer.PublishFailed("batch")
		return
	}

	priority := PriorityNormal
	for _, m := range batch {
		if m.Priority == PriorityHigh {
			priority = PriorityHigh
			break
		}
	}

	if err := p.publish(body, p.codec.ContentType(), batchID, priority); err != nil {
		slog.Error("relay: batch publish failed, batch dropped",
			"batch_id", batchID,
			"size", len(batch),
			"error", err,
		)
		p.observer.PublishFailed("batch")
		return
	}

	slog.Debug("relay: batch published",
		"batch_id", batchID,
		"size", len(batch),
		"age_ms", time.Since(createdAt).Milliseconds(),
	)
	p.observer.PublishSucceeded("batch", len(batch))
}

// publish writes one durable delivery to the broker. The channel mutex is
// held for the whole call: it serializes the worker with synchronous
// callers and covers the lazy reconnect.
func (p *Publisher) publish(body []byte, contentType, correlationID string, priority Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannelLocked()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return ch.PublishWithContext(ctx,
		p.cfg.Broker.Exchange,
		p.cfg.Broker.RoutingKey,
		false, false,
		amqp.Publishing{
			ContentType:   contentType,
			CorrelationId: correlationID,
			DeliveryMode:  amqp.Persistent,
			Priority:      p.priorityValue(priority),
			Timestamp:     time.Now().UTC(),
			Body:          body,
		},
	)
}

func (p *Publisher) ensureChannel() (Channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureChannelLocked()
}

// ensureChannelLocked re-establishes the broker channel if it was never
// opened or has been closed under us. Caller holds p.mu.
func (p *Publisher) ensureChannelLocked() (Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
		slog.Info("relay: broker channel closed, reconnecting")
	}

	ch, err := p.dial()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	return ch, nil
}

func (p *Publisher) closeChannel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
}

// priorityValue maps the message priority onto the queue's declared
// levels: high is the declared maximum, normal is baseline.
func (p *Publisher) priorityValue(priority Priority) uint8 {
	if priority != PriorityHigh {
		return 0
	}
	levels := p.priorityLevels
	if levels > 255 {
		levels = 255
	}
	return uint8(levels)
}
