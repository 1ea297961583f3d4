package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/reliability"
)

var (
	ErrReplyTimeout    = errors.New("bridge: timed out waiting for reply")
	ErrNotStarted      = errors.New("bridge: client not started")
	ErrClientClosed    = errors.New("bridge: client closed")
	ErrTooManyPending  = errors.New("bridge: too many pending requests")
	ErrUnexpectedReply = errors.New("bridge: unexpected reply")
	ErrMissingOpeners  = errors.New("bridge: connection manager or channel openers are required")
)

// IsTransient reports whether err is worth retrying: the reply timed out or
// the provider reported the service as unavailable.
func IsTransient(err error) bool {
	return errors.Is(err, ErrReplyTimeout) || errors.Is(err, engine.ErrServiceNotAvailable)
}

// connector is the part of *rabbitmq.ConnectionManager the client drives.
type connector interface {
	Connect(ctx context.Context) error
	Close() error
}

// Client sends search and spell-check requests and waits for the replies.
// It implements engine.Searcher and engine.SpellChecker.
type Client struct {
	conn         connector
	openChannel  rabbitmq.ChannelOpener
	openReceive  rabbitmq.ReceiveOpener
	requestQueue string
	replyTimeout time.Duration
	maxPending   int
	resubscribe  time.Duration
	retry        reliability.RetryPolicy
	breaker      *reliability.CircuitBreaker
	logger       *slog.Logger

	mu         sync.Mutex
	pending    map[string]chan contracts.ResponseEnvelope
	replyQueue string
	pool       *rabbitmq.ChannelPool
	publisher  *rabbitmq.Publisher
	consumer   *rabbitmq.Consumer
	done       chan struct{}
}

// New creates a client. manager may be nil when WithOpeners is given.
func New(manager *rabbitmq.ConnectionManager, options ...Option) (*Client, error) {
	c := &Client{
		requestQueue: DefaultRequestQueue,
		replyTimeout: DefaultReplyTimeout,
		maxPending:   DefaultMaxPending,
		resubscribe:  DefaultResubscribeDelay,
		logger:       slog.Default(),
		pending:      make(map[string]chan contracts.ResponseEnvelope),
	}

	for _, opt := range options {
		opt(c)
	}

	if manager != nil {
		c.conn = manager
		if c.openChannel == nil {
			c.openChannel = rabbitmq.ManagerOpener(manager)
		}
		if c.openReceive == nil {
			c.openReceive = rabbitmq.ManagerReceiveOpener(manager)
		}
	}
	if c.openChannel == nil || c.openReceive == nil {
		return nil, ErrMissingOpeners
	}

	c.logger = c.logger.With("component", "search-client")
	return c, nil
}

// Start connects and subscribes to a fresh reply queue.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done != nil {
		return nil
	}

	if c.conn != nil {
		if err := c.conn.Connect(ctx); err != nil {
			return fmt.Errorf("bridge: connect: %w", err)
		}
	}

	pool, err := rabbitmq.NewChannelPool(c.openChannel, rabbitmq.WithChannelLogger(c.logger))
	if err != nil {
		c.disconnect()
		return fmt.Errorf("bridge: channel pool: %w", err)
	}

	consumer := rabbitmq.NewConsumer(c.openReceive,
		rabbitmq.WithAutoAck(true),
		rabbitmq.WithConsumerTag("search-client"),
		rabbitmq.WithResubscribe(c.resubscribe),
		rabbitmq.WithOnResubscribe(c.replyQueueMoved),
		rabbitmq.WithConsumerLogger(c.logger))
	queue, err := consumer.Subscribe(ctx, rabbitmq.ReplyQueue(), c.handleReply)
	if err != nil {
		pool.Close()
		c.disconnect()
		return fmt.Errorf("bridge: subscribe to reply queue: %w", err)
	}

	c.pool = pool
	c.publisher = rabbitmq.NewPublisher(pool, rabbitmq.WithPublisherLogger(c.logger))
	c.consumer = consumer
	c.replyQueue = queue
	c.done = make(chan struct{})

	c.logger.Info("search client started",
		"requestQueue", c.requestQueue,
		"replyQueue", queue)
	return nil
}

// disconnect undoes Connect after a failed Start.
func (c *Client) disconnect() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.logger.Warn("failed to close connection after failed start", "error", err)
	}
}

// ReplyQueue returns the name of the reply queue, or "" before Start.
func (c *Client) ReplyQueue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyQueue
}

// replyQueueMoved points later requests at the reply queue declared after
// the consumer lost its channel. Calls waiting on the old queue time out.
func (c *Client) replyQueueMoved(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done == nil {
		return
	}
	c.logger.Warn("reply queue redeclared",
		"replyQueue", queue,
		"previousReplyQueue", c.replyQueue)
	c.replyQueue = queue
}

// Pending returns the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Search implements engine.Searcher
func (c *Client) Search(ctx context.Context, q engine.Query) (*contracts.SearchResults, error) {
	req := &contracts.SearchRequest{
		Query:       q.Text,
		Conditions:  q.Conditions,
		RequesterID: q.Identity.ID,
		Roles:       q.Roles,
		Pagination:  contracts.Pagination{FirstResult: q.FirstResult, MaxResults: q.MaxResults},
		Highlight:   q.Highlight,
	}

	resp, err := c.call(ctx, q.Text, func(correlationID, replyTo string) contracts.RequestEnvelope {
		return contracts.NewSearchEnvelope(req, correlationID, replyTo)
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind != contracts.KindSearch {
		return nil, fmt.Errorf("%w: %s reply to a search", ErrUnexpectedReply, resp.Kind)
	}
	return resp.Results, nil
}

// SpellCheck implements engine.SpellChecker
func (c *Client) SpellCheck(ctx context.Context, query string) ([]string, error) {
	resp, err := c.call(ctx, query, func(correlationID, replyTo string) contracts.RequestEnvelope {
		return contracts.NewSpellCheckEnvelope(query, correlationID, replyTo)
	})
	if err != nil {
		return nil, err
	}
	if resp.Kind != contracts.KindSpellCheck {
		return nil, fmt.Errorf("%w: %s reply to a spell check", ErrUnexpectedReply, resp.Kind)
	}
	return resp.Suggestions, nil
}

// call runs one request through the circuit breaker and retry policy. Status
// replies count as failures there so that unavailability can be retried.
func (c *Client) call(ctx context.Context, query string, build func(correlationID, replyTo string) contracts.RequestEnvelope) (contracts.ResponseEnvelope, error) {
	var resp contracts.ResponseEnvelope
	attempt := func() error {
		r, err := c.roundTrip(ctx, build)
		if err != nil {
			return err
		}
		resp = r
		return statusError(r.Status, query)
	}

	withRetry := func() error {
		if c.retry == nil {
			return attempt()
		}
		return reliability.Retry(ctx, c.retry, attempt)
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, withRetry)
	} else {
		err = withRetry()
	}
	if err != nil {
		return contracts.ResponseEnvelope{}, err
	}
	return resp, nil
}

func (c *Client) roundTrip(ctx context.Context, build func(correlationID, replyTo string) contracts.RequestEnvelope) (contracts.ResponseEnvelope, error) {
	correlationID := uuid.NewString()

	c.mu.Lock()
	if c.done == nil {
		c.mu.Unlock()
		return contracts.ResponseEnvelope{}, ErrNotStarted
	}
	if c.maxPending > 0 && len(c.pending) >= c.maxPending {
		c.mu.Unlock()
		return contracts.ResponseEnvelope{}, ErrTooManyPending
	}
	replies := make(chan contracts.ResponseEnvelope, 1)
	c.pending[correlationID] = replies
	replyTo, publisher, done := c.replyQueue, c.publisher, c.done
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, correlationID)
		c.mu.Unlock()
	}()

	msg, err := build(correlationID, replyTo).Publishing()
	if err != nil {
		return contracts.ResponseEnvelope{}, fmt.Errorf("bridge: encode request: %w", err)
	}
	if err := publisher.Publish(ctx, c.requestQueue, msg); err != nil {
		return contracts.ResponseEnvelope{}, fmt.Errorf("bridge: send request: %w", err)
	}

	timer := time.NewTimer(c.replyTimeout)
	defer timer.Stop()

	select {
	case resp := <-replies:
		return resp, nil
	case <-timer.C:
		c.logger.Debug("reply timed out",
			"correlationId", correlationID,
			"timeout", c.replyTimeout)
		return contracts.ResponseEnvelope{}, ErrReplyTimeout
	case <-ctx.Done():
		return contracts.ResponseEnvelope{}, ctx.Err()
	case <-done:
		return contracts.ResponseEnvelope{}, ErrClientClosed
	}
}

// handleReply routes a reply to the call waiting for it. Replies nobody waits
// for, because the call timed out or was never made here, are dropped.
func (c *Client) handleReply(_ context.Context, d amqp.Delivery) error {
	resp, err := contracts.DecodeResponse(d)
	if err != nil {
		c.logger.Warn("discarding undecodable reply",
			"correlationId", d.CorrelationId,
			"type", d.Type,
			"error", err)
		return err
	}

	c.mu.Lock()
	replies, ok := c.pending[resp.CorrelationID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping reply for unknown request", "correlationId", resp.CorrelationID)
		return nil
	}

	select {
	case replies <- resp:
	default:
		c.logger.Debug("dropping duplicate reply", "correlationId", resp.CorrelationID)
	}
	return nil
}

// Close stops the reply consumer and fails calls still waiting with
// ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.done == nil {
		c.mu.Unlock()
		return nil
	}
	close(c.done)
	c.done = nil
	consumer, pool := c.consumer, c.pool
	c.consumer, c.pool, c.publisher = nil, nil, nil
	c.replyQueue = ""
	c.mu.Unlock()

	var errs []error
	if err := consumer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// statusError maps a reply status back to the engine error it stands for.
func statusError(status contracts.Status, query string) error {
	switch status {
	case contracts.StatusOK:
		return nil
	case contracts.StatusServiceNotAvailable:
		return engine.ErrServiceNotAvailable
	case contracts.StatusParseError:
		return &engine.ParseError{Query: query}
	case contracts.StatusQueryError:
		return &engine.QueryError{Query: query}
	default:
		return fmt.Errorf("%w: status %q", ErrUnexpectedReply, status)
	}
}
