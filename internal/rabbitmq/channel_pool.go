package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel used to publish and declare queues.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	IsClosed() bool
	Close() error
}

// ChannelOpener opens a new channel on the shared connection.
type ChannelOpener func() (Channel, error)

// ManagerOpener opens channels on the connection held by m.
func ManagerOpener(m *ConnectionManager) ChannelOpener {
	return func() (Channel, error) {
		ch, err := m.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// ChannelPool lends send channels to concurrent tasks. Channels are opened
// lazily when no idle one is available and kept for reuse until Close; the
// pool has no upper bound.
type ChannelPool struct {
	open    ChannelOpener
	minSize int
	logger  *slog.Logger

	mu      sync.Mutex
	idle    []*PooledChannel
	size    int
	created int
	closed  bool
}

// PooledChannel wraps a channel with pool metadata
type PooledChannel struct {
	Channel
	id       string
	lastUsed time.Time
}

// ID identifies the channel in logs.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMinSize opens size channels when the pool is created
func WithMinSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.minSize = size
	}
}

// WithChannelLogger sets the logger
func WithChannelLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.logger = logger
	}
}

// NewChannelPool creates a channel pool that opens channels with open.
func NewChannelPool(open ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if open == nil {
		return nil, fmt.Errorf("%w: channel opener is required", ErrInvalidConfiguration)
	}

	pool := &ChannelPool{
		open:   open,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.minSize < 0 {
		return nil, fmt.Errorf("%w: min size must not be negative", ErrInvalidConfiguration)
	}

	for i := 0; i < pool.minSize; i++ {
		ch, err := pool.create()
		if err != nil {
			pool.Close()
			return nil, &ChannelError{
				Op:        "pool initialization",
				ChannelID: fmt.Sprintf("init-%d", i),
				Err:       err,
				Timestamp: time.Now(),
			}
		}
		pool.Release(ch)
	}

	return pool, nil
}

// Acquire hands out an idle channel, or opens a new one when none is idle.
// Idle channels found closed are discarded and replaced.
func (cp *ChannelPool) Acquire(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrChannelPoolClosed
	}
	for n := len(cp.idle); n > 0; n = len(cp.idle) {
		ch := cp.idle[n-1]
		cp.idle[n-1] = nil
		cp.idle = cp.idle[:n-1]
		if ch.IsClosed() {
			cp.size--
			cp.logger.Debug("discarding closed channel", "channelId", ch.id)
			continue
		}
		cp.mu.Unlock()
		ch.lastUsed = time.Now()
		return ch, nil
	}
	cp.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{
			Op:        "acquire",
			ChannelID: "pool",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	return cp.create()
}

// Release returns a channel to the pool. After Close the channel is closed
// instead.
func (cp *ChannelPool) Release(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.size--
		cp.mu.Unlock()
		if err := ch.Close(); err != nil {
			cp.logger.Debug("failed to close released channel", "channelId", ch.id, "error", err)
		}
		return
	}
	ch.lastUsed = time.Now()
	cp.idle = append(cp.idle, ch)
	cp.mu.Unlock()
}

// Execute runs fn with a channel from the pool
func (cp *ChannelPool) Execute(ctx context.Context, fn func(Channel) error) (err error) {
	ch, err := cp.Acquire(ctx)
	if err != nil {
		return err
	}
	defer cp.Release(ch)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rabbitmq: panic in channel execution: %v", r)
		}
	}()

	return fn(ch.Channel)
}

// Close closes idle channels. Channels still lent out are closed when they
// are released.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	idle := cp.idle
	cp.idle = nil
	cp.size -= len(idle)
	cp.mu.Unlock()

	var errs []error
	for _, ch := range idle {
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil {
			errs = append(errs, &ChannelError{Op: "close", ChannelID: ch.id, Err: err, Timestamp: time.Now()})
		}
	}

	cp.logger.Debug("channel pool closed", "closedChannels", len(idle))
	return errors.Join(errs...)
}

// Size returns the number of live channels owned by the pool, idle or lent out.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.size
}

// Idle returns the number of channels waiting in the pool.
func (cp *ChannelPool) Idle() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.idle)
}

// Created returns the number of channels opened over the pool's lifetime.
func (cp *ChannelPool) Created() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.created
}

// IsClosed reports whether Close has been called.
func (cp *ChannelPool) IsClosed() bool {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.closed
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	ch, err := cp.open()
	if err != nil {
		return nil, &ChannelError{
			Op:        "create channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	pooled := &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Close()
		return nil, ErrChannelPoolClosed
	}
	cp.size++
	cp.created++
	cp.mu.Unlock()

	cp.logger.Debug("opened channel", "channelId", pooled.id)
	return pooled, nil
}
