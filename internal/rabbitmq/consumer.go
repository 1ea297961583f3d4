package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/internal/ids"
	"github.com/glimte/mmate-search/internal/reliability"
)

const maxResubscribeDelay = 30 * time.Second

// MessageHandler processes incoming messages
type MessageHandler func(ctx context.Context, delivery amqp.Delivery) error

// ReceiveChannel is the part of *amqp.Channel a consumer needs.
type ReceiveChannel interface {
	Channel
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// ReceiveOpener opens the dedicated receiving channel of a consumer.
type ReceiveOpener func() (ReceiveChannel, error)

// ManagerReceiveOpener opens receiving channels on the connection held by m.
func ManagerReceiveOpener(m *ConnectionManager) ReceiveOpener {
	return func() (ReceiveChannel, error) {
		ch, err := m.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// Consumer consumes a single queue on its own channel. Deliveries are passed
// to the handler one at a time from a single goroutine; the handler is
// expected to hand work off rather than block.
//
// With WithResubscribe, a channel closed by the broker is reopened and the
// queue consumed again until Close is called.
type Consumer struct {
	open             ReceiveOpener
	prefetchCount    int
	autoAck          bool
	tagPrefix        string
	resubscribeDelay time.Duration
	onResubscribe    func(queue string)
	logger           *slog.Logger

	mu     sync.Mutex
	ch     ReceiveChannel
	queue  string
	tag    string
	cancel context.CancelFunc
	done   chan struct{}
	active atomic.Bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerTag sets the consumer tag prefix
func WithConsumerTag(prefix string) ConsumerOption {
	return func(c *Consumer) {
		c.tagPrefix = prefix
	}
}

// WithResubscribe makes the consumer reopen its channel and consume again
// after the broker closes it, starting at delay between attempts and backing
// off exponentially. Zero disables it.
func WithResubscribe(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.resubscribeDelay = delay
	}
}

// WithOnResubscribe registers fn to be called with the queue name after each
// successful resubscription. Server-named queues get a new name each time.
func WithOnResubscribe(fn func(queue string)) ConsumerOption {
	return func(c *Consumer) {
		c.onResubscribe = fn
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(open ReceiveOpener, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		open:          open,
		prefetchCount: 10,
		tagPrefix:     "mmate-search",
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe opens the receiving channel, declares q and starts delivering
// its messages to handler. It returns the declared queue name, which the
// broker picks when q.Name is empty.
func (c *Consumer) Subscribe(ctx context.Context, q QueueDeclaration, handler MessageHandler) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ch != nil {
		return "", ErrAlreadyConsuming
	}

	ch, queue, tag, deliveries, err := c.consume(q)
	if err != nil {
		return "", err
	}

	consumerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.ch = ch
	c.queue = queue
	c.tag = tag
	c.cancel = cancel
	c.done = make(chan struct{})
	c.active.Store(true)

	go c.run(consumerCtx, q, deliveries, handler, c.done)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
	)

	return queue, nil
}

// consume opens a channel, declares q and starts consuming it.
func (c *Consumer) consume(q QueueDeclaration) (ReceiveChannel, string, string, <-chan amqp.Delivery, error) {
	tag := ids.ConsumerTag(c.tagPrefix)
	fail := func(op string, err error) (ReceiveChannel, string, string, <-chan amqp.Delivery, error) {
		return nil, "", "", nil, &ConsumerError{
			Queue:       q.Name,
			ConsumerTag: tag,
			Op:          op,
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ch, err := c.open()
	if err != nil {
		return fail("open channel", err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		ch.Close()
		return fail("qos", err)
	}

	queue, err := DeclareQueue(ch, q)
	if err != nil {
		ch.Close()
		return fail("declare", err)
	}

	deliveries, err := ch.Consume(queue.Name, tag, c.autoAck, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fail("consume", fmt.Errorf("start consuming: %w", err))
	}
	return ch, queue.Name, tag, deliveries, nil
}

// Queue returns the subscribed queue name, or "" before Subscribe.
func (c *Consumer) Queue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// Active reports whether deliveries are flowing: subscribed, not closed,
// and not waiting to resubscribe.
func (c *Consumer) Active() bool {
	return c.active.Load()
}

// Done is closed when delivery stops for good, either through Close or
// because the broker closed the channel and resubscription is disabled. It
// is nil before Subscribe.
func (c *Consumer) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Close stops delivery and closes the receiving channel. Handler calls in
// progress finish first.
func (c *Consumer) Close() error {
	c.mu.Lock()
	ch, cancel, done := c.ch, c.cancel, c.done
	queue, tag := c.queue, c.tag
	if cancel == nil {
		c.mu.Unlock()
		return nil
	}
	// cancelled under the lock so a concurrent resubscribe cannot install a
	// new channel after this point
	cancel()
	c.ch, c.cancel = nil, nil
	c.active.Store(false)
	c.mu.Unlock()

	var err error
	if !ch.IsClosed() {
		if closeErr := ch.Close(); closeErr != nil {
			err = &ConsumerError{Queue: queue, ConsumerTag: tag, Op: "close", Err: closeErr, Timestamp: time.Now()}
		}
	}
	<-done
	return err
}

// run delivers until ctx is done, resubscribing whenever the broker closes
// the channel if that is enabled.
func (c *Consumer) run(ctx context.Context, q QueueDeclaration, deliveries <-chan amqp.Delivery, handler MessageHandler, done chan struct{}) {
	defer func() {
		c.active.Store(false)
		close(done)
		c.logger.Info("consumer stopped", "queue", c.Queue())
	}()

	for {
		c.processMessages(ctx, c.Queue(), deliveries, handler)
		if ctx.Err() != nil || c.resubscribeDelay <= 0 {
			return
		}

		c.active.Store(false)
		var ok bool
		if deliveries, ok = c.resubscribe(ctx, q); !ok {
			return
		}
	}
}

// resubscribe reopens the channel and consumes q again, backing off between
// attempts until it succeeds or ctx is done.
func (c *Consumer) resubscribe(ctx context.Context, q QueueDeclaration) (<-chan amqp.Delivery, bool) {
	backoff := reliability.NewExponentialBackoff(c.resubscribeDelay, maxResubscribeDelay, 2.0, -1)

	for attempt := 0; ; attempt++ {
		select {
		case <-time.After(backoff.NextDelay(attempt)):
		case <-ctx.Done():
			return nil, false
		}

		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			return nil, false
		}
		ch, queue, tag, deliveries, err := c.consume(q)
		if err != nil {
			c.mu.Unlock()
			c.logger.Warn("failed to resubscribe", "attempt", attempt+1, "error", err)
			continue
		}
		c.ch, c.queue, c.tag = ch, queue, tag
		c.active.Store(true)
		c.mu.Unlock()

		c.logger.Info("resubscribed to queue",
			"queue", queue,
			"consumerTag", tag,
			"attempt", attempt+1,
		)
		if c.onResubscribe != nil {
			c.onResubscribe(queue)
		}
		return deliveries, true
	}
}

func (c *Consumer) processMessages(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler MessageHandler) {
	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				if ctx.Err() == nil {
					c.logger.Warn("delivery channel closed", "queue", queue)
				}
				return
			}

			if err := c.handleMessage(ctx, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"queue", queue,
					"correlationId", delivery.CorrelationId,
				)
			}
		}
	}
}

// handleMessage runs the handler, then acks, or rejects without requeue on
// error.
func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery, handler MessageHandler) error {
	err := handler(ctx, delivery)

	if c.autoAck {
		return err
	}

	if err != nil {
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			c.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		c.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}
