package provider

import (
	"context"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/contracts"
)

// Publisher sends a message to the queue named by routingKey.
// *rabbitmq.Publisher satisfies it.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error
}

// replier encodes responses and publishes them to the requester's reply
// destination. Failures are logged and not retried.
type replier struct {
	publisher Publisher
	logger    *slog.Logger
	metrics   *Metrics
}

func (r *replier) send(ctx context.Context, replyTo string, resp contracts.ResponseEnvelope) bool {
	msg, err := resp.Publishing()
	if err != nil {
		r.fail(resp, replyTo, err, "failed to encode reply")
		return false
	}

	if err := r.publisher.Publish(ctx, replyTo, msg); err != nil {
		r.fail(resp, replyTo, err, "failed to publish reply")
		return false
	}

	r.logger.Debug("reply sent",
		"correlationId", resp.CorrelationID,
		"replyTo", replyTo,
		"status", resp.Status)
	if r.metrics != nil {
		r.metrics.replySent(resp.Kind, resp.Status)
	}
	return true
}

func (r *replier) fail(resp contracts.ResponseEnvelope, replyTo string, err error, msg string) {
	r.logger.Error(msg,
		"correlationId", resp.CorrelationID,
		"replyTo", replyTo,
		"error", err)
	if r.metrics != nil {
		r.metrics.requestDropped(resp.Kind, dropPublish)
	}
}
