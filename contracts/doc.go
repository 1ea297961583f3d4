// Package contracts defines the messages exchanged between a search requester
// and the search providers behind the shared request queue.
//
// A request travels as a RequestEnvelope carrying either a SearchRequest or a
// SpellCheckRequest together with its enqueue time, correlation id and reply
// destination. A provider answers with at most one ResponseEnvelope carrying
// the same correlation id, a Status and an optional payload.
//
// The wire contract carries no error detail: a failed search is reported only
// through its Status so that requesters in other runtimes can interpret it.
package contracts
