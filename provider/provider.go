package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
	"github.com/glimte/mmate-search/internal/rabbitmq"
)

var (
	ErrAlreadyStarted = errors.New("provider: already started")
	ErrNotRunning     = errors.New("provider: not running")
	ErrMissingEngine  = errors.New("provider: search engine is required")
	ErrMissingOpeners = errors.New("provider: connection manager or channel openers are required")
)

// State is the lifecycle state of a Provider.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return "UNKNOWN"
	}
}

// Provider consumes search and spell-check requests from the request queue,
// runs them against the engine and publishes correlated replies.
type Provider struct {
	manager    *rabbitmq.ConnectionManager
	searcher   engine.Searcher
	checker    engine.SpellChecker
	identities engine.IdentityLookup

	requestQueue   string
	receiveTimeout time.Duration
	workers        int
	prefetchCount  int
	resubscribe    time.Duration
	now            func() time.Time
	logger         *slog.Logger
	registerer     prometheus.Registerer
	openChannel    rabbitmq.ChannelOpener
	openReceive    rabbitmq.ReceiveOpener

	metrics *Metrics

	mu      sync.Mutex
	state   atomic.Int32
	current atomic.Pointer[session]
}

// session holds the resources of one Start..Stop cycle.
type session struct {
	ctx        context.Context
	consumer   *rabbitmq.Consumer
	pool       *rabbitmq.ChannelPool
	dispatcher *Dispatcher
	filter     *StalenessFilter
	handlers   map[contracts.Kind]Handler
	replies    *replier
	metrics    *Metrics
	logger     *slog.Logger
}

// New creates a stopped provider. manager may be nil when WithOpeners is
// given; identities may be nil.
func New(manager *rabbitmq.ConnectionManager, eng engine.Engine, identities engine.IdentityLookup, options ...Option) (*Provider, error) {
	if eng == nil {
		return nil, ErrMissingEngine
	}

	p := &Provider{
		manager:        manager,
		searcher:       eng,
		checker:        eng,
		identities:     identities,
		requestQueue:   DefaultRequestQueue,
		receiveTimeout: DefaultReceiveTimeout,
		workers:        DefaultWorkers,
		prefetchCount:  DefaultPrefetchCount,
		resubscribe:    DefaultResubscribeDelay,
		now:            time.Now,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if manager != nil {
		if p.openChannel == nil {
			p.openChannel = rabbitmq.ManagerOpener(manager)
		}
		if p.openReceive == nil {
			p.openReceive = rabbitmq.ManagerReceiveOpener(manager)
		}
	}
	if p.openChannel == nil || p.openReceive == nil {
		return nil, ErrMissingOpeners
	}

	metrics, err := NewMetrics(p.registerer)
	if err != nil {
		return nil, fmt.Errorf("provider: register metrics: %w", err)
	}
	p.metrics = metrics
	if manager != nil {
		manager.AddStateListener(metrics)
	}

	p.logger = p.logger.With("component", "search-provider")
	return p, nil
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	return State(p.state.Load())
}

// IsConnected reports whether the broker connection is up. Without a
// connection manager it reports whether the provider is running.
func (p *Provider) IsConnected() bool {
	if p.manager == nil {
		return p.State() == StateRunning
	}
	return p.manager.IsConnected()
}

// RequestQueue returns the queue the provider consumes.
func (p *Provider) RequestQueue() string {
	return p.requestQueue
}

// Consuming reports whether the provider is running and its consumer is
// receiving requests. It is false while the consumer waits to resubscribe
// after losing its channel.
func (p *Provider) Consuming() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.State() != StateRunning {
		return false
	}
	s := p.current.Load()
	return s != nil && s.consumer.Active()
}

// Pool returns the reply channel pool of the latest Start, nil before the
// first. After Stop the pool is closed.
func (p *Provider) Pool() *rabbitmq.ChannelPool {
	if s := p.current.Load(); s != nil {
		return s.pool
	}
	return nil
}

// InFlight returns the number of dispatched requests not yet finished.
func (p *Provider) InFlight() int {
	if s := p.current.Load(); s != nil {
		return s.dispatcher.InFlight()
	}
	return 0
}

// Wait blocks until the requests dispatched so far are finished or ctx is
// done. Stop does not wait.
func (p *Provider) Wait(ctx context.Context) error {
	if s := p.current.Load(); s != nil {
		return s.dispatcher.Wait(ctx)
	}
	return nil
}

// Start connects, declares the request queue and begins consuming. On
// failure everything opened so far is closed and the provider stays stopped.
func (p *Provider) Start(ctx context.Context) (err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateStopped {
		return ErrAlreadyStarted
	}
	p.state.Store(int32(StateStarting))

	var cleanup []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			if cerr := cleanup[i](); cerr != nil {
				p.logger.Warn("cleanup after failed start", "error", cerr)
			}
		}
		p.current.Store(nil)
		p.state.Store(int32(StateStopped))
		p.logger.Error("failed to start search provider", "error", err)
	}()

	if p.manager != nil {
		if err := p.manager.Connect(ctx); err != nil {
			return fmt.Errorf("provider: connect: %w", err)
		}
		cleanup = append(cleanup, p.manager.Close)
	}

	pool, err := rabbitmq.NewChannelPool(p.openChannel, rabbitmq.WithChannelLogger(p.logger))
	if err != nil {
		return fmt.Errorf("provider: channel pool: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	s := &session{
		ctx:        context.WithoutCancel(ctx),
		pool:       pool,
		dispatcher: NewDispatcher(p.workers, p.logger, p.metrics),
		filter:     NewStalenessFilter(p.receiveTimeout, p.now, p.logger),
		handlers: map[contracts.Kind]Handler{
			contracts.KindSearch:     NewSearchHandler(p.searcher, p.identities, p.logger, p.metrics),
			contracts.KindSpellCheck: NewSpellCheckHandler(p.checker, p.logger, p.metrics),
		},
		replies: &replier{
			publisher: rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(p.logger)),
			logger:    p.logger,
			metrics:   p.metrics,
		},
		metrics: p.metrics,
		logger:  p.logger,
	}
	p.current.Store(s)

	s.consumer = rabbitmq.NewConsumer(p.openReceive,
		rabbitmq.WithPrefetchCount(p.prefetchCount),
		rabbitmq.WithConsumerTag("search-provider"),
		rabbitmq.WithResubscribe(p.resubscribe),
		rabbitmq.WithConsumerLogger(p.logger))
	if _, err := s.consumer.Subscribe(ctx, rabbitmq.RequestQueue(p.requestQueue), s.deliver); err != nil {
		return fmt.Errorf("provider: subscribe: %w", err)
	}

	p.state.Store(int32(StateRunning))
	p.logger.Info("search provider started",
		"queue", p.requestQueue,
		"receiveTimeout", p.receiveTimeout,
		"workers", p.workers)
	return nil
}

// Stop closes the receiving channel, the channel pool and the connection.
// Requests already dispatched keep running but their replies will fail to
// publish. Stop on a provider that is not running does nothing.
func (p *Provider) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.State() != StateRunning {
		return nil
	}

	s := p.current.Load()
	var errs []error
	if err := s.consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if p.manager != nil {
		if err := p.manager.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	p.state.Store(int32(StateStopped))
	p.logger.Info("search provider stopped", "inFlight", s.dispatcher.InFlight())
	return errors.Join(errs...)
}

// Deliver feeds one delivery through the same path as the consumer.
func (p *Provider) Deliver(ctx context.Context, d amqp.Delivery) error {
	s := p.current.Load()
	if s == nil || p.State() != StateRunning {
		return ErrNotRunning
	}
	return s.deliver(ctx, d)
}

// deliver runs on the receiving goroutine: decode, filter, dispatch.
func (s *session) deliver(_ context.Context, d amqp.Delivery) error {
	env, err := contracts.DecodeRequest(d)
	if err != nil {
		s.metrics.requestInvalid()
		s.logger.Warn("discarding undecodable request",
			"correlationId", d.CorrelationId,
			"type", d.Type,
			"error", err)
		return err
	}
	s.metrics.requestReceived(env.Kind)

	if !s.filter.Admit(env) {
		s.metrics.requestStale(env.Kind)
		return nil
	}

	handler := s.handlers[env.Kind]
	s.dispatcher.Submit(s.ctx, func(ctx context.Context) {
		s.process(ctx, handler, env)
	})
	return nil
}

func (s *session) process(ctx context.Context, handler Handler, env contracts.RequestEnvelope) {
	start := time.Now()
	resp, ok := handler.Respond(ctx, env)
	s.metrics.observeHandler(env.Kind, time.Since(start))
	if !ok {
		return
	}

	s.replies.send(ctx, env.ReplyTo, resp)
	s.metrics.observePool(s.pool)
}

// Metrics returns the provider's collectors.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}
