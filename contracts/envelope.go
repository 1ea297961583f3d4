package contracts

import "time"

// Kind identifies the request/response pair carried by an envelope.
type Kind string

const (
	KindSearch     Kind = "search"
	KindSpellCheck Kind = "spellcheck"
)

// RequestEnvelope wraps a request payload with its routing metadata.
type RequestEnvelope struct {
	Kind          Kind
	Search        *SearchRequest
	SpellCheck    *SpellCheckRequest
	EnqueuedAt    time.Time
	CorrelationID string
	ReplyTo       string
}

// NewSearchEnvelope wraps a search request enqueued now.
func NewSearchEnvelope(req *SearchRequest, correlationID, replyTo string) RequestEnvelope {
	return RequestEnvelope{
		Kind:          KindSearch,
		Search:        req,
		EnqueuedAt:    time.Now(),
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	}
}

// NewSpellCheckEnvelope wraps a spell-check query enqueued now.
func NewSpellCheckEnvelope(query, correlationID, replyTo string) RequestEnvelope {
	return RequestEnvelope{
		Kind:          KindSpellCheck,
		SpellCheck:    &SpellCheckRequest{Query: query},
		EnqueuedAt:    time.Now(),
		CorrelationID: correlationID,
		ReplyTo:       replyTo,
	}
}

// Age returns how long the envelope has been queued at now.
func (e RequestEnvelope) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// ResponseEnvelope is the reply to exactly one accepted request.
type ResponseEnvelope struct {
	CorrelationID string
	Kind          Kind
	Status        Status
	Results       *SearchResults
	Suggestions   []string
}

// NewSearchResponse builds a successful search reply.
func NewSearchResponse(correlationID string, results *SearchResults) ResponseEnvelope {
	if results == nil {
		results = &SearchResults{}
	}
	return ResponseEnvelope{
		CorrelationID: correlationID,
		Kind:          KindSearch,
		Status:        StatusOK,
		Results:       results,
	}
}

// NewStatusResponse builds a search reply that carries only a failure status.
func NewStatusResponse(correlationID string, status Status) ResponseEnvelope {
	return ResponseEnvelope{
		CorrelationID: correlationID,
		Kind:          KindSearch,
		Status:        status,
	}
}

// NewSpellCheckResponse builds a spell-check reply. The suggestion order is
// kept as given.
func NewSpellCheckResponse(correlationID string, suggestions []string) ResponseEnvelope {
	if suggestions == nil {
		suggestions = []string{}
	}
	return ResponseEnvelope{
		CorrelationID: correlationID,
		Kind:          KindSpellCheck,
		Status:        StatusOK,
		Suggestions:   suggestions,
	}
}

// HasPayload reports whether the reply carries results or suggestions.
func (r ResponseEnvelope) HasPayload() bool {
	return r.Results != nil || r.Suggestions != nil
}
