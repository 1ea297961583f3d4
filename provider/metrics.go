package provider

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/internal/rabbitmq"
)

const (
	metricsNamespace = "mmate"
	metricsSubsystem = "search_provider"
)

// Drop reasons recorded by the dropped counter.
const (
	dropUnexpected = "unexpected"
	dropPublish    = "publish"
)

// Metrics holds the Prometheus collectors of a provider.
type Metrics struct {
	received  *prometheus.CounterVec
	invalid   prometheus.Counter
	stale     *prometheus.CounterVec
	replies   *prometheus.CounterVec
	dropped   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inflight  prometheus.Gauge
	panics    prometheus.Counter
	channels  *prometheus.GaugeVec
	connected prometheus.Gauge
}

// NewMetrics creates the provider collectors and registers them with
// registerer, or prometheus.DefaultRegisterer when nil. Collectors that are
// already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		received: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_received_total",
			Help:      "Requests taken off the request queue",
		}, []string{"kind"}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_invalid_total",
			Help:      "Deliveries that could not be decoded into a request",
		}),
		stale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_stale_total",
			Help:      "Requests discarded because they waited longer than the receive timeout",
		}, []string{"kind"}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "replies_total",
			Help:      "Replies published, by status",
		}, []string{"kind", "status"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_dropped_total",
			Help:      "Accepted requests that ended without a reply",
		}, []string{"kind", "reason"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in the search engine per request",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"kind"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "tasks_inflight",
			Help:      "Dispatched tasks waiting for or holding a worker",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "task_panics_total",
			Help:      "Tasks that ended in a recovered panic",
		}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "reply_channels",
			Help:      "Reply channels owned by the channel pool",
		}, []string{"state"}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "broker_connected",
			Help:      "1 while the broker connection is up",
		}),
	}

	var err error
	if m.received, err = register(registerer, m.received); err != nil {
		return nil, err
	}
	if m.invalid, err = register(registerer, m.invalid); err != nil {
		return nil, err
	}
	if m.stale, err = register(registerer, m.stale); err != nil {
		return nil, err
	}
	if m.replies, err = register(registerer, m.replies); err != nil {
		return nil, err
	}
	if m.dropped, err = register(registerer, m.dropped); err != nil {
		return nil, err
	}
	if m.duration, err = register(registerer, m.duration); err != nil {
		return nil, err
	}
	if m.inflight, err = register(registerer, m.inflight); err != nil {
		return nil, err
	}
	if m.panics, err = register(registerer, m.panics); err != nil {
		return nil, err
	}
	if m.channels, err = register(registerer, m.channels); err != nil {
		return nil, err
	}
	if m.connected, err = register(registerer, m.connected); err != nil {
		return nil, err
	}

	return m, nil
}

func register[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) requestReceived(kind contracts.Kind) {
	m.received.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) requestInvalid() {
	m.invalid.Inc()
}

func (m *Metrics) requestStale(kind contracts.Kind) {
	m.stale.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) replySent(kind contracts.Kind, status contracts.Status) {
	m.replies.WithLabelValues(string(kind), status.String()).Inc()
}

func (m *Metrics) requestDropped(kind contracts.Kind, reason string) {
	m.dropped.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) taskPanicked() {
	m.panics.Inc()
}

func (m *Metrics) observeHandler(kind contracts.Kind, d time.Duration) {
	m.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) observePool(pool *rabbitmq.ChannelPool) {
	m.channels.WithLabelValues("open").Set(float64(pool.Size()))
	m.channels.WithLabelValues("idle").Set(float64(pool.Idle()))
}

// OnConnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnConnected() { m.connected.Set(1) }

// OnDisconnected implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnDisconnected(error) { m.connected.Set(0) }

// OnReconnecting implements rabbitmq.ConnectionStateListener
func (m *Metrics) OnReconnecting(int) {}
