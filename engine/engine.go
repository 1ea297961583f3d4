// Package engine declares the search engine and identity collaborators that a
// search provider calls, and the failure kinds a search can end with.
package engine

import (
	"context"

	"github.com/glimte/mmate-search/contracts"
)

// Identity is the resolved requester a search runs on behalf of.
type Identity struct {
	ID        string
	Name      string
	Anonymous bool
}

// AnonymousIdentity is the degraded identity used when a requester id cannot
// be resolved. The original id is kept for logging.
func AnonymousIdentity(id string) Identity {
	return Identity{ID: id, Name: "anonymous", Anonymous: true}
}

// IdentityLookup resolves an opaque requester id.
type IdentityLookup interface {
	LookupIdentity(ctx context.Context, id string) (Identity, error)
}

// IdentityLookupFunc adapts a function to IdentityLookup.
type IdentityLookupFunc func(ctx context.Context, id string) (Identity, error)

// LookupIdentity implements IdentityLookup
func (f IdentityLookupFunc) LookupIdentity(ctx context.Context, id string) (Identity, error) {
	return f(ctx, id)
}

// Query is a search as the engine sees it.
type Query struct {
	Text        string
	Conditions  []string
	Identity    Identity
	Roles       contracts.Roles
	FirstResult int
	MaxResults  int
	Highlight   bool
}

// Searcher runs full-text searches. Failures are ErrServiceNotAvailable,
// *ParseError, *QueryError or anything else, which callers treat as
// unexpected.
type Searcher interface {
	Search(ctx context.Context, q Query) (*contracts.SearchResults, error)
}

// SpellChecker suggests alternative spellings, best first.
type SpellChecker interface {
	SpellCheck(ctx context.Context, query string) ([]string, error)
}

// Engine is a full search backend.
type Engine interface {
	Searcher
	SpellChecker
}
