package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-search/engine/memory"
	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/rabbitmq/rabbitmqtest"
	"github.com/glimte/mmate-search/provider"
)

type connected bool

func (c connected) IsConnected() bool { return bool(c) }

func newPool(t *testing.T, broker *rabbitmqtest.Broker) *rabbitmq.ChannelPool {
	t.Helper()
	pool, err := rabbitmq.NewChannelPool(broker.Opener())
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, NewConnectionChecker(connected(true)).Check(ctx).Status)
	assert.Equal(t, StatusUnhealthy, NewConnectionChecker(connected(false)).Check(ctx).Status)
}

func TestChannelPoolChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("not started", func(t *testing.T) {
		res := NewChannelPoolChecker(func() *rabbitmq.ChannelPool { return nil }).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
	})

	t.Run("healthy pool", func(t *testing.T) {
		pool := newPool(t, rabbitmqtest.NewBroker())
		res := NewChannelPoolChecker(func() *rabbitmq.ChannelPool { return pool }).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 1, res.Details["idle"])
	})

	t.Run("closed pool", func(t *testing.T) {
		pool := newPool(t, rabbitmqtest.NewBroker())
		require.NoError(t, pool.Close())
		res := NewChannelPoolChecker(func() *rabbitmq.ChannelPool { return pool }).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.NotEmpty(t, res.Error)
	})
}

func TestQueueChecker(t *testing.T) {
	ctx := context.Background()
	broker := rabbitmqtest.NewBroker()
	pool := newPool(t, broker)
	source := func() *rabbitmq.ChannelPool { return pool }

	t.Run("missing queue", func(t *testing.T) {
		res := NewQueueChecker("nope", source, 0).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
		assert.Equal(t, "queue_nope", res.Name)
	})

	t.Run("accessible queue", func(t *testing.T) {
		broker.Declare("requests")
		res := NewQueueChecker("requests", source, 0).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 0, res.Details["messages"])
	})

	t.Run("backlog", func(t *testing.T) {
		broker.Declare("busy")
		for i := 0; i < 3; i++ {
			broker.Inject("busy", amqp.Publishing{Body: []byte("x")})
		}
		res := NewQueueChecker("busy", source, 2).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
	})
}

func TestProviderChecker(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	p, err := provider.New(nil, memory.New(), nil,
		provider.WithOpeners(broker.Opener(), broker.ReceiveOpener()),
		provider.WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)

	checker := NewProviderChecker(p)
	res := checker.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "STOPPED", res.Details["state"])

	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()
	res = checker.Check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)

	queue := NewQueueChecker(p.RequestQueue(), p.Pool, 0).Check(context.Background())
	assert.Equal(t, StatusHealthy, queue.Status)
}

func TestProviderCheckerReportsLostConsumer(t *testing.T) {
	broker := rabbitmqtest.NewBroker()
	p, err := provider.New(nil, memory.New(), nil,
		provider.WithOpeners(broker.Opener(), broker.ReceiveOpener()),
		provider.WithResubscribeDelay(5*time.Millisecond),
		provider.WithMetricsRegisterer(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	checker := NewProviderChecker(p)
	ctx := context.Background()

	broker.FailOpen(errors.New("connection lost"))
	require.NoError(t, broker.Channels()[0].Close())
	assert.Eventually(t, func() bool {
		return checker.Check(ctx).Status == StatusUnhealthy
	}, time.Second, 5*time.Millisecond)
	res := checker.Check(ctx)
	assert.Equal(t, "RUNNING", res.Details["state"])
	assert.Equal(t, false, res.Details["consuming"])

	broker.FailOpen(nil)
	assert.Eventually(t, func() bool {
		return checker.Check(ctx).Status == StatusHealthy
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, p.Consuming())
}

func TestRuntimeChecker(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, StatusHealthy, NewRuntimeChecker(100000, 200000).Check(ctx).Status)
	assert.Equal(t, StatusDegraded, NewRuntimeChecker(0, 200000).Check(ctx).Status)
	assert.Equal(t, StatusUnhealthy, NewRuntimeChecker(0, 0).Check(ctx).Status)
}
