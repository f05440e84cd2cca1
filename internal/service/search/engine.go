// Package search answers natural language queries over an owner's indexed
// documents.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"docfinder/internal/logging"
	"docfinder/internal/models"
)

const (
	defaultResultLimit = 20
	suggestionCount    = 5
	recentKeep         = 20
)

// ExampleQueries seed the suggestion list.
var ExampleQueries = []string{
	"Show me tax documents from 2018",
	"Find before photos of the Johnson property",
	"Get all invoices over $5000",
	"Show me employee training documents",
	"Find expense receipts from last quarter",
}

// Store is the persisted state the engine reads and the search log it writes.
type Store interface {
	CandidateSource
	LogSearch(ctx context.Context, ownerID int64, query string, results int) error
	RecentQueries(ctx context.Context, ownerID int64, limit int) ([]string, error)
}

// QueryParser is satisfied by *Understanding.
type QueryParser interface {
	Parse(ctx context.Context, query string) models.QueryPlan
}

// RecentCache keeps a short per-owner list of recent queries with a TTL.
type RecentCache interface {
	PushRecent(ctx context.Context, key, value string, max int, ttl time.Duration) error
	Recent(ctx context.Context, key string, max int) ([]string, error)
}

// Deps are the collaborators of an Engine. Reranker defaults to
// PassthroughReranker; a nil Answers disables answer extraction and a nil
// Recent serves suggestions from the search log.
type Deps struct {
	Store     Store
	Parser    QueryParser
	Retriever *Retriever
	Reranker  Reranker
	Answers   AnswerExtractor
	Recent    RecentCache
}

type Options struct {
	ResultLimit int
	Timeout     time.Duration
	RecentTTL   time.Duration
}

// Engine runs plan, retrieve, rerank and answer for one query.
type Engine struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

func NewEngine(deps Deps, opts Options, logger *slog.Logger) *Engine {
	if deps.Reranker == nil {
		deps.Reranker = PassthroughReranker{}
	}
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = defaultResultLimit
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 7 * 24 * time.Hour
	}
	return &Engine{deps: deps, opts: opts, log: logging.OrDefault(logger).With("component", "search")}
}

// ValidateQuery trims query and rejects empty or oversized input.
func ValidateQuery(query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("%w: query is required", ErrInvalidQuery)
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return "", fmt.Errorf("%w: query exceeds %d characters", ErrInvalidQuery, MaxQueryLength)
	}
	return query, nil
}

// Search answers query for ownerID. Provider failures degrade the response;
// invalid input, storage failures and deadline expiry are returned.
func (e *Engine) Search(ctx context.Context, ownerID int64, query string) (*models.SearchResponse, error) {
	query, err := ValidateQuery(query)
	if err != nil {
		return nil, err
	}
	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	plan := e.deps.Parser.Parse(ctx, query)
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	results, err := e.deps.Retriever.Retrieve(ctx, query, plan, ownerID)
	if err != nil {
		if cerr := contextError(ctx); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("retrieve candidates: %w", err)
	}
	if len(results) == 0 {
		e.log.Info("zero-result query", "owner_id", ownerID, "query", query)
		e.record(ctx, ownerID, query, 0)
		return &models.SearchResponse{
			Results:            []models.RankedResult{},
			Total:              0,
			QueryUnderstanding: plan,
		}, nil
	}

	results = e.rerank(ctx, query, results)

	var answer *models.ExtractedAnswer
	if e.deps.Answers != nil {
		answer = e.extractAnswer(ctx, query, results)
	}
	if err := contextError(ctx); err != nil {
		return nil, err
	}

	total := len(results)
	if len(results) > e.opts.ResultLimit {
		results = results[:e.opts.ResultLimit]
	}
	e.record(ctx, ownerID, query, total)
	return &models.SearchResponse{
		Results:            results,
		Total:              total,
		QueryUnderstanding: plan,
		ExtractedAnswer:    answer,
	}, nil
}

func (e *Engine) rerank(ctx context.Context, query string, results []models.RankedResult) []models.RankedResult {
	docs := make([]RerankDocument, len(results))
	for i, r := range results {
		docs[i] = RerankDocument{ID: r.Document.ID, Text: RerankText(r)}
	}
	scores, err := e.deps.Reranker.Rerank(ctx, query, docs)
	if err != nil {
		e.log.Warn("rerank failed; keeping hybrid order", "error", err)
		scores, _ = PassthroughReranker{}.Rerank(ctx, query, docs)
	}
	return applyRerank(results, scores)
}

func (e *Engine) extractAnswer(ctx context.Context, query string, results []models.RankedResult) *models.ExtractedAnswer {
	answer, err := e.deps.Answers.Extract(ctx, query, answerSources(results))
	if err != nil {
		e.log.Warn("answer extraction failed", "error", err)
		return nil
	}
	if answer == nil || !answer.HasDirectAnswer {
		return nil
	}
	return answer
}

func (e *Engine) record(ctx context.Context, ownerID int64, query string, results int) {
	ctx = context.WithoutCancel(ctx)
	if err := e.deps.Store.LogSearch(ctx, ownerID, query, results); err != nil {
		e.log.Warn("failed to log search", "error", err)
	}
	if e.deps.Recent != nil {
		if err := e.deps.Recent.PushRecent(ctx, recentKey(ownerID), query, recentKeep, e.opts.RecentTTL); err != nil {
			e.log.Debug("failed to cache recent query", "error", err)
		}
	}
}

// Suggestions returns the owner's recent distinct queries and fixed examples.
func (e *Engine) Suggestions(ctx context.Context, ownerID int64) (*models.Suggestions, error) {
	var recent []string
	if e.deps.Recent != nil {
		cached, err := e.deps.Recent.Recent(ctx, recentKey(ownerID), suggestionCount)
		if err != nil {
			e.log.Debug("recent query cache unavailable", "error", err)
		}
		recent = cached
	}
	if len(recent) == 0 {
		var err error
		recent, err = e.deps.Store.RecentQueries(ctx, ownerID, suggestionCount)
		if err != nil {
			return nil, err
		}
	}
	if recent == nil {
		recent = []string{}
	}
	examples := make([]string, len(ExampleQueries))
	copy(examples, ExampleQueries)
	return &models.Suggestions{Recent: recent, Examples: examples}, nil
}

func recentKey(ownerID int64) string {
	return fmt.Sprintf("docfinder:recent:%d", ownerID)
}

func contextError(ctx context.Context) error {
	switch err := ctx.Err(); {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	default:
		return err
	}
}
