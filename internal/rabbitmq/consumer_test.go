package rabbitmq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/rabbitmq/rabbitmqtest"
)

func TestConsumer(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers and acks", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener(), rabbitmq.WithPrefetchCount(5))
		defer consumer.Close()

		var mu sync.Mutex
		var got []string
		queue, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("search.requests"), func(ctx context.Context, d amqp.Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, d.CorrelationId)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, "search.requests", queue)
		assert.Equal(t, "search.requests", consumer.Queue())
		assert.Equal(t, 5, broker.Channels()[0].Prefetch())

		broker.Inject("search.requests", amqp.Publishing{CorrelationId: "a"})
		broker.Inject("search.requests", amqp.Publishing{CorrelationId: "b"})

		assert.Eventually(t, func() bool { return broker.Acks() == 2 }, time.Second, 5*time.Millisecond)
		mu.Lock()
		assert.Equal(t, []string{"a", "b"}, got)
		mu.Unlock()
	})

	t.Run("rejects when the handler fails", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())
		defer consumer.Close()

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error {
			return errors.New("undecodable")
		})
		require.NoError(t, err)

		broker.Inject("q", amqp.Publishing{})
		assert.Eventually(t, func() bool { return broker.Nacks() == 1 }, time.Second, 5*time.Millisecond)
		assert.Zero(t, broker.Acks())
	})

	t.Run("server named reply queue", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())
		defer consumer.Close()

		queue, err := consumer.Subscribe(ctx, rabbitmq.ReplyQueue(), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)
		assert.Contains(t, queue, "amq.gen-")
	})

	t.Run("subscribes only once", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())
		defer consumer.Close()

		noop := func(context.Context, amqp.Delivery) error { return nil }
		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), noop)
		require.NoError(t, err)
		_, err = consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), noop)
		assert.ErrorIs(t, err, rabbitmq.ErrAlreadyConsuming)
	})

	t.Run("open failure", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		broker.FailOpen(rabbitmq.ErrConnectionNotReady)
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error { return nil })
		var consErr *rabbitmq.ConsumerError
		require.ErrorAs(t, err, &consErr)
		assert.Equal(t, "open channel", consErr.Op)
		assert.ErrorIs(t, err, rabbitmq.ErrConnectionNotReady)
	})

	t.Run("close stops delivery", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)
		done := consumer.Done()

		require.NoError(t, consumer.Close())
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("consumer did not stop")
		}
		assert.True(t, broker.Channels()[0].IsClosed())
		assert.NoError(t, consumer.Close())
	})

	t.Run("done closes when the broker closes the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener())
		defer consumer.Close()

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)

		require.NoError(t, broker.Channels()[0].Close())
		select {
		case <-consumer.Done():
		case <-time.After(time.Second):
			t.Fatal("consumer did not notice the closed channel")
		}
		assert.False(t, consumer.Active())
	})

	t.Run("resubscribes after the broker closes the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		resubscribed := make(chan string, 1)
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener(),
			rabbitmq.WithResubscribe(5*time.Millisecond),
			rabbitmq.WithOnResubscribe(func(queue string) { resubscribed <- queue }))
		defer consumer.Close()

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)
		assert.True(t, consumer.Active())

		require.NoError(t, broker.Channels()[0].Close())
		select {
		case queue := <-resubscribed:
			assert.Equal(t, "q", queue)
		case <-time.After(time.Second):
			t.Fatal("consumer did not resubscribe")
		}
		require.Len(t, broker.Channels(), 2)
		assert.True(t, consumer.Active())

		broker.Inject("q", amqp.Publishing{CorrelationId: "after"})
		assert.Eventually(t, func() bool { return broker.Acks() == 1 }, time.Second, 5*time.Millisecond)

		select {
		case <-consumer.Done():
			t.Fatal("consumer stopped instead of resubscribing")
		default:
		}
	})

	t.Run("keeps retrying while channels cannot be opened", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener(), rabbitmq.WithResubscribe(5*time.Millisecond))

		_, err := consumer.Subscribe(ctx, rabbitmq.RequestQueue("q"), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)

		broker.FailOpen(rabbitmq.ErrConnectionNotReady)
		require.NoError(t, broker.Channels()[0].Close())
		assert.Eventually(t, func() bool { return !consumer.Active() }, time.Second, 5*time.Millisecond)

		broker.FailOpen(nil)
		assert.Eventually(t, consumer.Active, 2*time.Second, 5*time.Millisecond)

		require.NoError(t, consumer.Close())
		assert.False(t, consumer.Active())
		assert.True(t, broker.Channels()[1].IsClosed())
	})

	t.Run("server named queue is redeclared", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		resubscribed := make(chan string, 1)
		consumer := rabbitmq.NewConsumer(broker.ReceiveOpener(),
			rabbitmq.WithResubscribe(5*time.Millisecond),
			rabbitmq.WithOnResubscribe(func(queue string) { resubscribed <- queue }))
		defer consumer.Close()

		first, err := consumer.Subscribe(ctx, rabbitmq.ReplyQueue(), func(context.Context, amqp.Delivery) error { return nil })
		require.NoError(t, err)

		require.NoError(t, broker.Channels()[0].Close())
		select {
		case queue := <-resubscribed:
			assert.NotEqual(t, first, queue)
			assert.Equal(t, queue, consumer.Queue())
		case <-time.After(time.Second):
			t.Fatal("consumer did not resubscribe")
		}
	})
}
