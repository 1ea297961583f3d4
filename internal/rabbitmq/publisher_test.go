package rabbitmq_test

import (
	"context"
	"errors"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/rabbitmq/rabbitmqtest"
)

func TestPublisher(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes on the default exchange", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool, err := rabbitmq.NewChannelPool(broker.Opener())
		require.NoError(t, err)
		publisher := rabbitmq.NewPublisher(pool)

		err = publisher.Publish(ctx, "amq.gen-reply", amqp.Publishing{CorrelationId: "c-1", Body: []byte("x")})
		require.NoError(t, err)

		published := broker.PublishedTo("amq.gen-reply")
		require.Len(t, published, 1)
		assert.Equal(t, "", published[0].Exchange)
		assert.Equal(t, "c-1", published[0].Publishing.CorrelationId)
		assert.Equal(t, 1, pool.Idle())
	})

	t.Run("wraps publish failures and returns the channel", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool, err := rabbitmq.NewChannelPool(broker.Opener(), rabbitmq.WithMinSize(1))
		require.NoError(t, err)
		publishErr := errors.New("channel flow")
		broker.Channels()[0].FailPublish(publishErr)

		err = rabbitmq.NewPublisher(pool).Publish(ctx, "q", amqp.Publishing{})

		var pubErr *rabbitmq.PublishError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "q", pubErr.RoutingKey)
		assert.ErrorIs(t, err, publishErr)
		assert.Equal(t, 1, pool.Idle())
	})

	t.Run("fails once the pool is closed", func(t *testing.T) {
		broker := rabbitmqtest.NewBroker()
		pool, err := rabbitmq.NewChannelPool(broker.Opener())
		require.NoError(t, err)
		require.NoError(t, pool.Close())

		err = rabbitmq.NewPublisher(pool).Publish(ctx, "q", amqp.Publishing{})
		assert.ErrorIs(t, err, rabbitmq.ErrChannelPoolClosed)
	})
}
