// Package rabbitmq is the AMQP plumbing shared by search providers and
// requesters.
//
// This package includes:
//   - ConnectionManager: one broker connection with automatic reconnection
//   - ChannelPool: reusable send channels opened lazily on the shared connection
//   - Publisher: publishes through pooled channels on the default exchange
//   - Consumer: consumes one queue on a dedicated receiving channel
//   - QueueDeclaration helpers for request and reply queues
//
// Channels are not safe for concurrent publishing, so a pooled channel is
// owned by exactly one caller between Acquire and Release.
package rabbitmq
