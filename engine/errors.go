package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrServiceNotAvailable is returned while the engine cannot serve
	// searches, for example during an index rebuild.
	ErrServiceNotAvailable = errors.New("engine: service not available")

	// ErrIdentityNotFound is returned by identity lookups for unknown ids.
	ErrIdentityNotFound = errors.New("engine: identity not found")
)

// ParseError reports malformed query syntax.
type ParseError struct {
	Query  string
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine: cannot parse query %q", e.Query)
	}
	return fmt.Sprintf("engine: cannot parse query %q: %s", e.Query, e.Reason)
}

// QueryError reports a syntactically valid but semantically invalid query.
type QueryError struct {
	Query  string
	Reason string
}

func (e *QueryError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("engine: invalid query %q", e.Query)
	}
	return fmt.Sprintf("engine: invalid query %q: %s", e.Query, e.Reason)
}

// FailureKind classifies how a search call ended.
type FailureKind int

const (
	// FailureNone means the call succeeded.
	FailureNone FailureKind = iota
	FailureServiceNotAvailable
	FailureParse
	FailureQuery
	// FailureUnexpected covers every error outside the three named kinds.
	FailureUnexpected
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureServiceNotAvailable:
		return "service_not_available"
	case FailureParse:
		return "parse"
	case FailureQuery:
		return "query"
	case FailureUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a Searcher to its FailureKind.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}

	var parseErr *ParseError
	var queryErr *QueryError
	switch {
	case errors.Is(err, ErrServiceNotAvailable):
		return FailureServiceNotAvailable
	case errors.As(err, &parseErr):
		return FailureParse
	case errors.As(err, &queryErr):
		return FailureQuery
	}
	return FailureUnexpected
}
