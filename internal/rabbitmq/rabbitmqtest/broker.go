// Package rabbitmqtest provides an in-process stand-in for a RabbitMQ broker
// so that publishers, consumers and channel pools can be exercised without a
// server.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/internal/rabbitmq"
)

const queueBuffer = 1024

var (
	// ErrChannelClosed is returned by operations on a closed fake channel.
	ErrChannelClosed = errors.New("rabbitmqtest: channel closed")
	// ErrNotFound is returned by passive declares of unknown queues.
	ErrNotFound = errors.New("rabbitmqtest: queue not found")
)

// Message is a publish recorded by the broker.
type Message struct {
	ChannelID  int
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// Broker routes publishes on the default exchange to queues by name.
// Publishes to queues nobody declared are recorded and dropped.
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan amqp.Delivery
	channels  []*Channel
	published []Message
	openErr   error
	delay     time.Duration
	seq       int
	tag       atomic.Uint64

	acks  atomic.Int64
	nacks atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]chan amqp.Delivery)}
}

// Opener returns a ChannelOpener for a ChannelPool.
func (b *Broker) Opener() rabbitmq.ChannelOpener {
	return func() (rabbitmq.Channel, error) {
		ch, err := b.open()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// ReceiveOpener returns a ReceiveOpener for a Consumer.
func (b *Broker) ReceiveOpener() rabbitmq.ReceiveOpener {
	return func() (rabbitmq.ReceiveChannel, error) {
		ch, err := b.open()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}

// FailOpen makes every later channel open fail with err; nil clears it.
func (b *Broker) FailOpen(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openErr = err
}

// SlowPublish makes every channel opened later hold itself for d per publish.
func (b *Broker) SlowPublish(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delay = d
}

// Channels returns every channel opened so far.
func (b *Broker) Channels() []*Channel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Channel(nil), b.channels...)
}

// Published returns every publish seen so far, in order.
func (b *Broker) Published() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Message(nil), b.published...)
}

// PublishedTo returns the publishes routed to queue.
func (b *Broker) PublishedTo(queue string) []Message {
	var out []Message
	for _, m := range b.Published() {
		if m.RoutingKey == queue {
			out = append(out, m)
		}
	}
	return out
}

// Declare creates queue if it does not exist.
func (b *Broker) Declare(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.declareLocked(queue)
}

// Inject publishes msg to queue as if an outside producer sent it.
func (b *Broker) Inject(queue string, msg amqp.Publishing) {
	b.route(Message{RoutingKey: queue, Publishing: msg})
}

// Acks returns the number of acknowledged deliveries.
func (b *Broker) Acks() int64 { return b.acks.Load() }

// Nacks returns the number of rejected deliveries.
func (b *Broker) Nacks() int64 { return b.nacks.Load() }

func (b *Broker) open() (*Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.openErr != nil {
		return nil, b.openErr
	}
	b.seq++
	ch := &Channel{broker: b, id: b.seq, closedCh: make(chan struct{}), publishDelay: b.delay}
	b.channels = append(b.channels, ch)
	return ch, nil
}

func (b *Broker) declareLocked(queue string) chan amqp.Delivery {
	q, ok := b.queues[queue]
	if !ok {
		q = make(chan amqp.Delivery, queueBuffer)
		b.queues[queue] = q
	}
	return q
}

func (b *Broker) route(m Message) {
	b.mu.Lock()
	b.published = append(b.published, m)
	q, ok := b.queues[m.RoutingKey]
	b.mu.Unlock()

	if !ok || m.Exchange != "" {
		return
	}
	q <- b.delivery(m)
}

func (b *Broker) delivery(m Message) amqp.Delivery {
	p := m.Publishing
	return amqp.Delivery{
		Acknowledger:    acknowledger{b},
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		DeliveryTag:     b.tag.Add(1),
		Exchange:        m.Exchange,
		RoutingKey:      m.RoutingKey,
		Body:            p.Body,
	}
}

type acknowledger struct{ b *Broker }

func (a acknowledger) Ack(tag uint64, multiple bool) error {
	a.b.acks.Add(1)
	return nil
}

func (a acknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.b.nacks.Add(1)
	return nil
}

func (a acknowledger) Reject(tag uint64, requeue bool) error {
	a.b.nacks.Add(1)
	return nil
}

// Channel is a fake AMQP channel. It satisfies rabbitmq.ReceiveChannel and
// records whether two goroutines ever published on it at the same time.
type Channel struct {
	broker   *Broker
	id       int
	closedCh chan struct{}

	mu           sync.Mutex
	closed       bool
	publishErr   error
	publishDelay time.Duration
	qos          int

	inUse     atomic.Int32
	overlaps  atomic.Int32
	publishes atomic.Int32
}

// ID returns the broker-assigned channel number.
func (c *Channel) ID() int { return c.id }

// FailPublish makes later publishes fail with err; nil clears it.
func (c *Channel) FailPublish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishErr = err
}

// SlowPublish makes every publish hold the channel for d.
func (c *Channel) SlowPublish(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishDelay = d
}

// Overlaps returns how many publishes started while another was in progress.
func (c *Channel) Overlaps() int { return int(c.overlaps.Load()) }

// Publishes returns the number of publishes attempted on this channel.
func (c *Channel) Publishes() int { return int(c.publishes.Load()) }

// Prefetch returns the prefetch count set through Qos.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qos
}

// PublishWithContext implements rabbitmq.Channel
func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if c.inUse.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	defer c.inUse.Add(-1)
	c.publishes.Add(1)

	c.mu.Lock()
	closed, publishErr, delay := c.closed, c.publishErr, c.publishDelay
	c.mu.Unlock()

	if closed {
		return ErrChannelClosed
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if publishErr != nil {
		return publishErr
	}

	c.broker.route(Message{ChannelID: c.id, Exchange: exchange, RoutingKey: key, Publishing: msg})
	return nil
}

// QueueDeclare implements rabbitmq.Channel. An empty name gets a generated one.
func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.IsClosed() {
		return amqp.Queue{}, ErrChannelClosed
	}

	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	if name == "" {
		c.broker.seq++
		name = fmt.Sprintf("amq.gen-%d", c.broker.seq)
	}
	q := c.broker.declareLocked(name)
	return amqp.Queue{Name: name, Messages: len(q)}, nil
}

// QueueDeclarePassive implements rabbitmq.Channel. Like the broker, a failed
// passive declare closes the channel.
func (c *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if c.IsClosed() {
		return amqp.Queue{}, ErrChannelClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[name]
	c.broker.mu.Unlock()
	if !ok {
		c.Close()
		return amqp.Queue{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return amqp.Queue{Name: name, Messages: len(q)}, nil
}

// Qos implements rabbitmq.ReceiveChannel
func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.qos = prefetchCount
	return nil
}

// Consume implements rabbitmq.ReceiveChannel. Deliveries stop when the
// channel is closed.
func (c *Channel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if c.IsClosed() {
		return nil, ErrChannelClosed
	}

	c.broker.mu.Lock()
	q, ok := c.broker.queues[queue]
	c.broker.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, queue)
	}

	out := make(chan amqp.Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-c.closedCh:
				return
			case d := <-q:
				select {
				case out <- d:
				case <-c.closedCh:
					return
				}
			}
		}
	}()
	return out, nil
}

// IsClosed implements rabbitmq.Channel
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Channel. Closing twice returns ErrChannelClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	c.closed = true
	close(c.closedCh)
	return nil
}
