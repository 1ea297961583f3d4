package bridge

import (
	"log/slog"
	"time"

	"github.com/glimte/mmate-search/internal/rabbitmq"
	"github.com/glimte/mmate-search/internal/reliability"
)

const (
	DefaultRequestQueue = "mmate.search.requests"
	DefaultReplyTimeout = 30 * time.Second
	DefaultMaxPending   = 1000

	// DefaultResubscribeDelay is the first wait before declaring a new reply
	// queue after the broker closed the reply consumer's channel.
	DefaultResubscribeDelay = time.Second
)

// Option configures a Client
type Option func(*Client)

// WithRequestQueue sets the queue requests are published to
func WithRequestQueue(name string) Option {
	return func(c *Client) {
		c.requestQueue = name
	}
}

// WithReplyTimeout sets how long a call waits for its reply
func WithReplyTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.replyTimeout = timeout
	}
}

// WithResubscribeDelay sets the initial backoff for redeclaring the reply
// queue after its channel is lost; zero disables it
func WithResubscribeDelay(delay time.Duration) Option {
	return func(c *Client) {
		c.resubscribe = delay
	}
}

// WithMaxPending limits the number of calls waiting for a reply at once
func WithMaxPending(n int) Option {
	return func(c *Client) {
		c.maxPending = n
	}
}

// WithRetry retries calls that timed out or found the service unavailable,
// backing off exponentially from initial.
func WithRetry(maxRetries int, initial time.Duration) Option {
	return func(c *Client) {
		policy := reliability.NewExponentialBackoff(initial, 10*initial, 2.0, maxRetries)
		policy.RetryIf = IsTransient
		c.retry = policy
	}
}

// WithRetryPolicy sets a custom retry policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Client) {
		c.retry = policy
	}
}

// WithCircuitBreaker fails calls fast once threshold consecutive calls timed
// out or found the service unavailable, until cooldown has passed.
func WithCircuitBreaker(threshold int, cooldown time.Duration) Option {
	return func(c *Client) {
		c.breaker = reliability.NewCircuitBreaker(
			reliability.WithName("search-client"),
			reliability.WithFailureThreshold(threshold),
			reliability.WithTimeout(cooldown),
			reliability.WithFailurePredicate(IsTransient),
		)
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithOpeners replaces the channel openers bound to the connection manager.
func WithOpeners(channels rabbitmq.ChannelOpener, receive rabbitmq.ReceiveOpener) Option {
	return func(c *Client) {
		c.openChannel = channels
		c.openReceive = receive
	}
}
