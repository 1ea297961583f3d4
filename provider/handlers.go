package provider

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/mmate-search/contracts"
	"github.com/glimte/mmate-search/engine"
)

const tracerName = "github.com/glimte/mmate-search/provider"

// Handler computes the reply to one request. It returns false when the
// request must go unanswered.
type Handler interface {
	Respond(ctx context.Context, env contracts.RequestEnvelope) (contracts.ResponseEnvelope, bool)
}

// SearchHandler answers search requests. Engine failures of a known kind
// become status replies; anything else is logged and left unanswered.
type SearchHandler struct {
	searcher   engine.Searcher
	identities engine.IdentityLookup
	tracer     trace.Tracer
	logger     *slog.Logger
	metrics    *Metrics
}

// NewSearchHandler creates a search handler. identities may be nil, in which
// case every search runs anonymously.
func NewSearchHandler(searcher engine.Searcher, identities engine.IdentityLookup, logger *slog.Logger, metrics *Metrics) *SearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchHandler{
		searcher:   searcher,
		identities: identities,
		tracer:     otel.Tracer(tracerName),
		logger:     logger,
		metrics:    metrics,
	}
}

// Respond implements Handler
func (h *SearchHandler) Respond(ctx context.Context, env contracts.RequestEnvelope) (contracts.ResponseEnvelope, bool) {
	ctx, span := h.tracer.Start(ctx, "SearchRequest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.conversation_id", env.CorrelationID)))
	defer span.End()

	req := env.Search
	if req == nil {
		h.drop(span, env, nil, "search envelope without request")
		return contracts.ResponseEnvelope{}, false
	}
	span.SetAttributes(attribute.String("search.query", req.Query))

	results, err := h.search(ctx, req)
	status, ok := StatusFor(err)
	if !ok {
		h.drop(span, env, err, "search failed unexpectedly")
		return contracts.ResponseEnvelope{}, false
	}
	span.SetAttributes(attribute.String("search.status", status.String()))

	if !status.IsOK() {
		h.logger.Info("search rejected by engine",
			"correlationId", env.CorrelationID,
			"status", status,
			"error", err)
		return contracts.NewStatusResponse(env.CorrelationID, status), true
	}

	span.SetAttributes(attribute.Int("search.hits", results.Len()))
	return contracts.NewSearchResponse(env.CorrelationID, results), true
}

func (h *SearchHandler) search(ctx context.Context, req *contracts.SearchRequest) (*contracts.SearchResults, error) {
	if err := req.Validate(); err != nil {
		return nil, &engine.QueryError{Query: req.Query, Reason: err.Error()}
	}

	return h.searcher.Search(ctx, engine.Query{
		Text:        req.Query,
		Conditions:  req.Conditions,
		Identity:    h.identity(ctx, req.RequesterID),
		Roles:       req.Roles,
		FirstResult: req.Pagination.FirstResult,
		MaxResults:  req.Pagination.MaxResults,
		Highlight:   req.Highlight,
	})
}

// identity resolves the requester, degrading to an anonymous identity when
// the lookup fails.
func (h *SearchHandler) identity(ctx context.Context, id string) engine.Identity {
	if id == "" || h.identities == nil {
		return engine.AnonymousIdentity(id)
	}

	identity, err := h.identities.LookupIdentity(ctx, id)
	if err != nil {
		h.logger.Warn("identity lookup failed, searching anonymously",
			"requesterId", id,
			"error", err)
		return engine.AnonymousIdentity(id)
	}
	return identity
}

func (h *SearchHandler) drop(span trace.Span, env contracts.RequestEnvelope, err error, msg string) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, msg)
	h.logger.Error(msg, "correlationId", env.CorrelationID, "error", err)
	if h.metrics != nil {
		h.metrics.requestDropped(contracts.KindSearch, dropUnexpected)
	}
}

// SpellCheckHandler answers spell-check requests. It has no status replies:
// every failure leaves the request unanswered.
type SpellCheckHandler struct {
	checker engine.SpellChecker
	tracer  trace.Tracer
	logger  *slog.Logger
	metrics *Metrics
}

// NewSpellCheckHandler creates a spell-check handler.
func NewSpellCheckHandler(checker engine.SpellChecker, logger *slog.Logger, metrics *Metrics) *SpellCheckHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &SpellCheckHandler{
		checker: checker,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		metrics: metrics,
	}
}

// Respond implements Handler
func (h *SpellCheckHandler) Respond(ctx context.Context, env contracts.RequestEnvelope) (contracts.ResponseEnvelope, bool) {
	ctx, span := h.tracer.Start(ctx, "SpellCheckRequest",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(attribute.String("messaging.message.conversation_id", env.CorrelationID)))
	defer span.End()

	if env.SpellCheck == nil {
		h.drop(span, env, nil)
		return contracts.ResponseEnvelope{}, false
	}

	suggestions, err := h.checker.SpellCheck(ctx, env.SpellCheck.Query)
	if err != nil {
		h.drop(span, env, err)
		return contracts.ResponseEnvelope{}, false
	}

	span.SetAttributes(attribute.Int("spellcheck.suggestions", len(suggestions)))
	return contracts.NewSpellCheckResponse(env.CorrelationID, suggestions), true
}

func (h *SpellCheckHandler) drop(span trace.Span, env contracts.RequestEnvelope, err error) {
	if err != nil {
		span.RecordError(err)
	}
	span.SetStatus(codes.Error, "spell check failed")
	h.logger.Error("spell check failed", "correlationId", env.CorrelationID, "error", err)
	if h.metrics != nil {
		h.metrics.requestDropped(contracts.KindSpellCheck, dropUnexpected)
	}
}
