package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/rabbitmq/rabbitmqtest"
)

func TestNewMetricsReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := NewMetrics(registry)
	require.NoError(t, err)
	second, err := NewMetrics(registry)
	require.NoError(t, err)

	first.requestReceived(contracts.KindSearch)
	second.requestReceived(contracts.KindSearch)
	assert.Equal(t, float64(2), testutil.ToFloat64(first.received.WithLabelValues("search")))
}

func TestMetricsConnectionListener(t *testing.T) {
	m := newTestMetrics(t)
	var listener rabbitmq.ConnectionStateListener = m

	listener.OnConnected()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.connected))
	listener.OnReconnecting(1)
	listener.OnDisconnected(errors.New("gone"))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.connected))
}

func TestMetricsObservePool(t *testing.T) {
	m := newTestMetrics(t)
	pool, err := rabbitmq.NewChannelPool(rabbitmqtest.NewBroker().Opener(), rabbitmq.WithMinSize(3))
	require.NoError(t, err)
	defer pool.Close()

	ch, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	m.observePool(pool)
	pool.Release(ch)

	assert.Equal(t, float64(3), testutil.ToFloat64(m.channels.WithLabelValues("open")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.channels.WithLabelValues("idle")))
}

func TestProviderRecordsRequestOutcomes(t *testing.T) {
	now := time.Now()
	broker := rabbitmqtest.NewBroker()
	broker.Declare("replies")

	eng := new(mockEngine)
	eng.On("SpellCheck", mock.Anything, "fresh").Return([]string{"fresh"}, nil)

	p, err := New(nil, eng, nil,
		WithOpeners(broker.Opener(), broker.ReceiveOpener()),
		WithMetricsRegisterer(prometheus.NewRegistry()),
		WithReceiveTimeout(time.Second),
		WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	defer p.Stop()

	deliver := func(env contracts.RequestEnvelope) error {
		msg, err := env.Publishing()
		require.NoError(t, err)
		return p.Deliver(context.Background(), amqp.Delivery{
			CorrelationId: msg.CorrelationId,
			ReplyTo:       msg.ReplyTo,
			Type:          msg.Type,
			Headers:       msg.Headers,
			Body:          msg.Body,
		})
	}

	fresh := contracts.NewSpellCheckEnvelope("fresh", "c-1", "replies")
	fresh.EnqueuedAt = now
	stale := contracts.NewSpellCheckEnvelope("stale", "c-2", "replies")
	stale.EnqueuedAt = now.Add(-2 * time.Second)

	require.NoError(t, deliver(fresh))
	require.NoError(t, deliver(stale))
	assert.Error(t, p.Deliver(context.Background(), amqp.Delivery{Type: "Bogus"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))

	m := p.Metrics()
	assert.Equal(t, float64(2), testutil.ToFloat64(m.received.WithLabelValues("spellcheck")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stale.WithLabelValues("spellcheck")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.invalid))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.replies.WithLabelValues("spellcheck", "OK")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
	eng.AssertNotCalled(t, "SpellCheck", mock.Anything, "stale")
}
