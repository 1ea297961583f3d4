// Package provider runs the server side of the search protocol: it consumes
// SearchRequest and SpellCheckRequest messages from a durable queue, discards
// requests that waited longer than the receive timeout, hands the rest to a
// bounded pool of workers and publishes each reply to the requester's reply
// queue under the request's correlation id.
//
// Replies are published on channels borrowed from a rabbitmq.ChannelPool so
// that no two workers ever share an AMQP channel. Search failures the engine
// reports as ServiceNotAvailable, ParseError or QueryError become status
// replies; any other failure is logged and the request goes unanswered.
package provider
