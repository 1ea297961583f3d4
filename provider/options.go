package provider

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/mmate-search/internal/rabbitmq"
)

const (
	DefaultRequestQueue   = "mmate.search.requests"
	DefaultReceiveTimeout = 10 * time.Second
	DefaultWorkers        = 16
	DefaultPrefetchCount  = 32

	// DefaultResubscribeDelay is the first wait before consuming again after
	// the broker closed the receiving channel.
	DefaultResubscribeDelay = time.Second
)

// Option configures a Provider
type Option func(*Provider)

// WithRequestQueue sets the durable queue requests are consumed from
func WithRequestQueue(name string) Option {
	return func(p *Provider) {
		p.requestQueue = name
	}
}

// WithReceiveTimeout sets the staleness threshold; zero disables the check
func WithReceiveTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		p.receiveTimeout = timeout
	}
}

// WithWorkers bounds concurrently running handlers; zero or less is unbounded
func WithWorkers(workers int) Option {
	return func(p *Provider) {
		p.workers = workers
	}
}

// WithPrefetchCount sets the consumer prefetch count
func WithPrefetchCount(count int) Option {
	return func(p *Provider) {
		p.prefetchCount = count
	}
}

// WithResubscribeDelay sets the initial backoff for consuming again after the
// receiving channel is lost; zero leaves the provider not consuming until it
// is restarted
func WithResubscribeDelay(delay time.Duration) Option {
	return func(p *Provider) {
		p.resubscribe = delay
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) {
		p.logger = logger
	}
}

// WithMetricsRegisterer sets where metrics are registered
func WithMetricsRegisterer(registerer prometheus.Registerer) Option {
	return func(p *Provider) {
		p.registerer = registerer
	}
}

// WithClock replaces time.Now for staleness checks
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		p.now = now
	}
}

// WithOpeners replaces the channel openers bound to the connection manager.
// Used to run a provider against something other than a live broker.
func WithOpeners(channels rabbitmq.ChannelOpener, receive rabbitmq.ReceiveOpener) Option {
	return func(p *Provider) {
		p.openChannel = channels
		p.openReceive = receive
	}
}
