package contracts

import (
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-search/internal/codec"
	"github.com/glimte/mmate-search/internal/ids"
)

// AMQP message types.
const (
	TypeSearchRequest      = "SearchRequest"
	TypeSpellCheckRequest  = "SpellCheckRequest"
	TypeSearchResponse     = "SearchResponse"
	TypeSpellCheckResponse = "SpellCheckResponse"
)

// AMQP headers.
const (
	// HeaderEnqueuedAt carries the enqueue time in unix milliseconds.
	HeaderEnqueuedAt = "x-enqueued-at"
	// HeaderStatus carries the Status of a search reply.
	HeaderStatus = "x-status"
)

// ContentTypeText is the content type of plain spell-check queries.
const ContentTypeText = "text/plain"

// Publishing encodes the envelope as an AMQP message. Search requests are
// JSON, spell-check requests are the bare query text.
func (e RequestEnvelope) Publishing() (amqp.Publishing, error) {
	msg := amqp.Publishing{
		CorrelationId: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		Timestamp:     e.EnqueuedAt,
		Headers:       amqp.Table{HeaderEnqueuedAt: e.EnqueuedAt.UnixMilli()},
	}

	switch e.Kind {
	case KindSearch:
		if e.Search == nil {
			return amqp.Publishing{}, fmt.Errorf("%w: search request", ErrMissingPayload)
		}
		body, err := codec.Marshal(e.Search)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to encode search request: %w", err)
		}
		msg.Type = TypeSearchRequest
		msg.ContentType = codec.ContentType
		msg.Body = body
	case KindSpellCheck:
		if e.SpellCheck == nil {
			return amqp.Publishing{}, fmt.Errorf("%w: spell-check request", ErrMissingPayload)
		}
		msg.Type = TypeSpellCheckRequest
		msg.ContentType = ContentTypeText
		msg.Body = []byte(e.SpellCheck.Query)
	default:
		return amqp.Publishing{}, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}

	return msg, nil
}

// DecodeRequest turns a delivery from the request queue into an envelope.
func DecodeRequest(d amqp.Delivery) (RequestEnvelope, error) {
	if d.CorrelationId == "" {
		return RequestEnvelope{}, ErrMissingCorrelation
	}
	if d.ReplyTo == "" {
		return RequestEnvelope{}, ErrMissingReplyTo
	}

	env := RequestEnvelope{
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		EnqueuedAt:    enqueuedAt(d),
	}

	switch d.Type {
	case TypeSearchRequest:
		var req SearchRequest
		if err := codec.Unmarshal(d.Body, &req); err != nil {
			return RequestEnvelope{}, fmt.Errorf("failed to decode search request: %w", err)
		}
		env.Kind = KindSearch
		env.Search = &req
	case TypeSpellCheckRequest:
		env.Kind = KindSpellCheck
		env.SpellCheck = &SpellCheckRequest{Query: string(d.Body)}
	default:
		return RequestEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, d.Type)
	}

	return env, nil
}

// enqueuedAt prefers the millisecond header and falls back to the AMQP
// timestamp property, which only has second resolution.
func enqueuedAt(d amqp.Delivery) time.Time {
	if v, ok := d.Headers[HeaderEnqueuedAt]; ok {
		if ms, ok := toInt64(v); ok {
			return time.UnixMilli(ms)
		}
	}
	return d.Timestamp
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int16:
		return int64(n), true
	case int8:
		return int64(n), true
	case int:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint8:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		ms, err := strconv.ParseInt(n, 10, 64)
		return ms, err == nil
	}
	return 0, false
}

// Publishing encodes the reply as an AMQP message addressed by correlation id.
func (r ResponseEnvelope) Publishing() (amqp.Publishing, error) {
	msg := amqp.Publishing{
		CorrelationId: r.CorrelationID,
		MessageId:     ids.New(),
		Timestamp:     time.Now(),
		ContentType:   codec.ContentType,
	}

	var payload interface{}
	switch r.Kind {
	case KindSearch:
		msg.Type = TypeSearchResponse
		msg.Headers = amqp.Table{HeaderStatus: string(r.Status)}
		if r.Status.IsOK() {
			payload = r.Results
		}
	case KindSpellCheck:
		msg.Type = TypeSpellCheckResponse
		payload = r.Suggestions
	default:
		return amqp.Publishing{}, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}

	if payload != nil {
		body, err := codec.Marshal(payload)
		if err != nil {
			return amqp.Publishing{}, fmt.Errorf("failed to encode reply payload: %w", err)
		}
		msg.Body = body
	}

	return msg, nil
}

// DecodeResponse turns a delivery from a reply queue into an envelope.
func DecodeResponse(d amqp.Delivery) (ResponseEnvelope, error) {
	if d.CorrelationId == "" {
		return ResponseEnvelope{}, ErrMissingCorrelation
	}

	var rawStatus string
	if v, ok := d.Headers[HeaderStatus].(string); ok {
		rawStatus = v
	}
	status, err := ParseStatus(rawStatus)
	if err != nil {
		return ResponseEnvelope{}, err
	}

	resp := ResponseEnvelope{CorrelationID: d.CorrelationId, Status: status}

	switch d.Type {
	case TypeSearchResponse:
		resp.Kind = KindSearch
		if status.IsOK() {
			if len(d.Body) == 0 {
				return ResponseEnvelope{}, fmt.Errorf("%w: search results", ErrMissingPayload)
			}
			var results SearchResults
			if err := codec.Unmarshal(d.Body, &results); err != nil {
				return ResponseEnvelope{}, fmt.Errorf("failed to decode search results: %w", err)
			}
			resp.Results = &results
		}
	case TypeSpellCheckResponse:
		resp.Kind = KindSpellCheck
		suggestions := []string{}
		if len(d.Body) > 0 {
			if err := codec.Unmarshal(d.Body, &suggestions); err != nil {
				return ResponseEnvelope{}, fmt.Errorf("failed to decode suggestions: %w", err)
			}
		}
		resp.Suggestions = suggestions
	default:
		return ResponseEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, d.Type)
	}

	return resp, nil
}
