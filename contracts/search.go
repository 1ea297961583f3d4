package contracts

import (
	"fmt"
	"time"
)

// Roles is the role set of the requesting identity. It scopes which documents
// a search may return.
type Roles struct {
	Administrator bool `json:"administrator,omitempty"`
	Author        bool `json:"author,omitempty"`
	GroupManager  bool `json:"groupManager,omitempty"`
	UserManager   bool `json:"userManager,omitempty"`
	Guest         bool `json:"guest,omitempty"`
	Invitee       bool `json:"invitee,omitempty"`
}

// Pagination selects a window of the result list.
type Pagination struct {
	FirstResult int `json:"firstResult"`
	MaxResults  int `json:"maxResults"`
}

// Validate checks FirstResult >= 0 and MaxResults > 0.
func (p Pagination) Validate() error {
	if p.FirstResult < 0 {
		return fmt.Errorf("%w: firstResult %d is negative", ErrInvalidPagination, p.FirstResult)
	}
	if p.MaxResults <= 0 {
		return fmt.Errorf("%w: maxResults %d must be positive", ErrInvalidPagination, p.MaxResults)
	}
	return nil
}

// SearchRequest is a full-text search issued on behalf of an identity.
type SearchRequest struct {
	Query       string     `json:"query"`
	Conditions  []string   `json:"conditions,omitempty"`
	RequesterID string     `json:"requesterId,omitempty"`
	Roles       Roles      `json:"roles"`
	Pagination  Pagination `json:"pagination"`
	Highlight   bool       `json:"highlight,omitempty"`
}

// Validate checks the request before it reaches the engine.
func (r *SearchRequest) Validate() error {
	return r.Pagination.Validate()
}

// SpellCheckRequest asks for alternative spellings of a query.
type SpellCheckRequest struct {
	Query string `json:"query"`
}

// ResultDocument is a single hit in a result list.
type ResultDocument struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Description  string    `json:"description,omitempty"`
	Highlight    string    `json:"highlight,omitempty"`
	ResourceURL  string    `json:"resourceUrl,omitempty"`
	DocumentType string    `json:"documentType,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
	Score        float64   `json:"score"`
}

// SearchResults is the payload of a successful search reply.
type SearchResults struct {
	Query       string           `json:"query"`
	TotalHits   int              `json:"totalHits"`
	TotalDocs   int              `json:"totalDocs"`
	FirstResult int              `json:"firstResult"`
	Hits        []ResultDocument `json:"hits"`
}

// Len returns the number of hits in this page.
func (r *SearchResults) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Hits)
}

// HasMore reports whether hits exist beyond this page.
func (r *SearchResults) HasMore() bool {
	if r == nil {
		return false
	}
	return r.FirstResult+len(r.Hits) < r.TotalHits
}
