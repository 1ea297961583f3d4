// Package memory is an in-memory engine.Engine over a small document set.
// It ranks by term frequency only and is meant for local runs and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
	"github.com/glimte/mmate-search/internal/codec"
)

const (
	defaultMaxResults      = 10
	defaultSuggestionLimit = 5
	descriptionLength      = 160
)

// Document is an indexed item.
type Document struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Body         string    `json:"body"`
	ResourceURL  string    `json:"resourceUrl,omitempty"`
	Type         string    `json:"type,omitempty"`
	Restricted   bool      `json:"restricted,omitempty"`
	LastModified time.Time `json:"lastModified,omitempty"`
}

type indexed struct {
	doc    Document
	text   string
	tokens []string
}

// Index is a thread-safe in-memory document index.
type Index struct {
	mu              sync.RWMutex
	docs            []indexed
	vocabulary      map[string]struct{}
	unavailable     atomic.Bool
	suggestionLimit int
	logger          *slog.Logger
}

// Option configures an Index
type Option func(*Index)

// WithSuggestionLimit caps the number of spell-check suggestions.
func WithSuggestionLimit(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.suggestionLimit = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// New creates an empty index.
func New(opts ...Option) *Index {
	ix := &Index{
		vocabulary:      make(map[string]struct{}),
		suggestionLimit: defaultSuggestionLimit,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Add indexes documents. A document with an existing ID replaces it.
func (ix *Index) Add(docs ...Document) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for _, doc := range docs {
		entry := indexed{doc: doc, text: strings.ToLower(doc.Title + " " + doc.Body)}
		entry.tokens = tokenize(entry.text)
		for _, tok := range entry.tokens {
			ix.vocabulary[tok] = struct{}{}
		}

		replaced := false
		for i := range ix.docs {
			if ix.docs[i].doc.ID == doc.ID {
				ix.docs[i] = entry
				replaced = true
				break
			}
		}
		if !replaced {
			ix.docs = append(ix.docs, entry)
		}
	}
}

// Load reads a JSON array of documents and indexes them.
func (ix *Index) Load(r io.Reader) error {
	var docs []Document
	if err := codec.Decode(r, &docs); err != nil {
		return fmt.Errorf("memory: decode documents: %w", err)
	}
	ix.Add(docs...)
	ix.logger.Info("documents loaded", "count", len(docs), "total", ix.Len())
	return nil
}

// LoadFile indexes the JSON documents stored at path.
func (ix *Index) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("memory: open documents: %w", err)
	}
	defer f.Close()
	return ix.Load(f)
}

// Len returns the number of indexed documents.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.docs)
}

// SetAvailable toggles availability. While unavailable every call fails with
// engine.ErrServiceNotAvailable.
func (ix *Index) SetAvailable(available bool) {
	ix.unavailable.Store(!available)
}

// Search implements engine.Searcher
func (ix *Index) Search(ctx context.Context, q engine.Query) (*contracts.SearchResults, error) {
	if ix.unavailable.Load() {
		return nil, engine.ErrServiceNotAvailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	parsed, err := parseQuery(q.Text)
	if err != nil {
		return nil, err
	}
	filters, err := parseConditions(q.Text, q.Conditions)
	if err != nil {
		return nil, err
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	restrictedVisible := canSeeRestricted(q)
	var hits []contracts.ResultDocument
	for _, entry := range ix.docs {
		if entry.doc.Restricted && !restrictedVisible {
			continue
		}
		if !filters.match(entry.doc) {
			continue
		}
		score, ok := parsed.score(entry)
		if !ok {
			continue
		}
		hit := contracts.ResultDocument{
			ID:           entry.doc.ID,
			Title:        entry.doc.Title,
			Description:  describe(entry.doc.Body),
			ResourceURL:  entry.doc.ResourceURL,
			DocumentType: entry.doc.Type,
			LastModified: entry.doc.LastModified,
			Score:        score,
		}
		if q.Highlight {
			hit.Highlight = parsed.highlight(entry.doc.Body)
		}
		hits = append(hits, hit)
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})

	return page(q, hits, len(ix.docs)), nil
}

func page(q engine.Query, hits []contracts.ResultDocument, totalDocs int) *contracts.SearchResults {
	first := q.FirstResult
	if first < 0 {
		first = 0
	}
	size := q.MaxResults
	if size <= 0 {
		size = defaultMaxResults
	}

	results := &contracts.SearchResults{
		Query:       q.Text,
		TotalHits:   len(hits),
		TotalDocs:   totalDocs,
		FirstResult: first,
		Hits:        []contracts.ResultDocument{},
	}
	if first >= len(hits) {
		return results
	}
	end := len(hits)
	if size < len(hits)-first {
		end = first + size
	}
	results.Hits = hits[first:end]
	return results
}

func canSeeRestricted(q engine.Query) bool {
	if q.Roles.Administrator {
		return true
	}
	return !q.Identity.Anonymous && !q.Roles.Guest
}

func describe(body string) string {
	runes := []rune(strings.TrimSpace(body))
	if len(runes) <= descriptionLength {
		return string(runes)
	}
	return strings.TrimSpace(string(runes[:descriptionLength])) + "..."
}
