package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/siherrmann/retriever/helper"
	"github.com/siherrmann/retriever/llm"
	"github.com/siherrmann/retriever/model"
)

// VectorSearcher is the subset of chunk store operations the engine needs
type VectorSearcher interface {
	SelectChunksBySimilarity(embedding []float32, limit int, threshold float64, scope model.SearchScope) ([]*model.SearchResult, error)
}

// Engine performs multi-hop retrieval: the query is searched against a
// descending threshold ladder, and if every rung comes back empty the query
// is reformulated and the ladder is walked again.
type Engine struct {
	searcher     VectorSearcher
	embedder     llm.Embedder
	reformulator Reformulator
	config       *model.RetrievalConfig
	logger       *slog.Logger
}

// NewEngine creates a new retrieval engine
func NewEngine(searcher VectorSearcher, embedder llm.Embedder, config *model.RetrievalConfig, logger *slog.Logger) (*Engine, error) {
	if searcher == nil || embedder == nil {
		return nil, helper.NewError("engine validation", fmt.Errorf("searcher and embedder must not be nil"))
	}
	if config == nil {
		config = model.DefaultRetrievalConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		searcher: searcher,
		embedder: embedder,
		config:   config,
		logger:   logger,
	}, nil
}

// SetReformulator sets the query reformulator used as a last resort after
// the threshold ladder is exhausted. Without one, reformulation is skipped.
func (e *Engine) SetReformulator(reformulator Reformulator) {
	e.reformulator = reformulator
}

// SearchResponse carries the results of one retrieval run together with the
// fallback metadata, so an empty run still reports how hard it tried.
type SearchResponse struct {
	Results       []*model.SearchResult `json:"results"`
	Query         string                `json:"query"` // The phrasing that produced the results
	Attempt       int                   `json:"attempt"`
	ThresholdUsed float64               `json:"threshold_used"`
	Reformulated  bool                  `json:"reformulated"`
}

// Search runs the threshold ladder for the query and, if nothing is found,
// for reformulated phrasings of it. The first non empty rung wins. Attempts
// are counted per executed search; an exhausted run reports one attempt past
// the last executed search.
//
// A whitespace only query returns empty without searching. An embedding
// failure is reported as an empty result set, matching the behavior of a
// query that simply has no relevant chunks.
func (e *Engine) Search(ctx context.Context, query string, scope model.SearchScope) (*SearchResponse, error) {
	if strings.TrimSpace(query) == "" {
		return &SearchResponse{Query: query}, nil
	}

	attempt := 0
	response, err := e.searchLadder(ctx, query, scope, &attempt, false)
	if err != nil || response != nil {
		return response, err
	}

	if e.reformulator != nil && e.config.MaxReformulations > 0 {
		phrasings, err := e.reformulator.Reformulate(ctx, query, e.config.MaxReformulations)
		if err != nil {
			e.logger.Warn("Query reformulation failed", slog.String("error", err.Error()))
		}
		for _, phrasing := range phrasings {
			if strings.TrimSpace(phrasing) == "" || phrasing == query {
				continue
			}
			response, err := e.searchLadder(ctx, phrasing, scope, &attempt, true)
			if err != nil || response != nil {
				return response, err
			}
		}
	}

	return &SearchResponse{
		Query:         query,
		Attempt:       attempt + 1,
		ThresholdUsed: e.config.Thresholds[len(e.config.Thresholds)-1],
	}, nil
}

// searchLadder walks the threshold ladder for one phrasing. It returns nil
// without an error when every rung came back empty.
func (e *Engine) searchLadder(ctx context.Context, query string, scope model.SearchScope, attempt *int, reformulated bool) (*SearchResponse, error) {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		var embeddingErr *model.EmbeddingError
		if errors.As(err, &embeddingErr) {
			e.logger.Warn("Query embedding failed, returning empty results",
				slog.String("error", err.Error()),
			)
			return &SearchResponse{
				Query:         query,
				Attempt:       *attempt + 1,
				ThresholdUsed: e.config.Thresholds[len(e.config.Thresholds)-1],
				Reformulated:  reformulated,
			}, nil
		}
		return nil, err
	}

	for _, threshold := range e.config.Thresholds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		*attempt++

		rows, err := e.searcher.SelectChunksBySimilarity(embedding, e.config.Limit, threshold, scope)
		if err != nil {
			return nil, &model.StoreError{Op: "similarity search", Err: err}
		}

		// Chunks with whitespace only content give the agent nothing to
		// ground an answer on
		results := make([]*model.SearchResult, 0, len(rows))
		for _, result := range rows {
			if strings.TrimSpace(result.Content) == "" {
				continue
			}
			result.Attempt = *attempt
			result.ThresholdUsed = threshold
			results = append(results, result)
		}
		if len(results) == 0 {
			continue
		}

		e.logger.Info("Retrieved chunks",
			slog.Int("results", len(results)),
			slog.Float64("threshold", threshold),
			slog.Int("attempt", *attempt),
			slog.Bool("reformulated", reformulated),
		)

		return &SearchResponse{
			Results:       results,
			Query:         query,
			Attempt:       *attempt,
			ThresholdUsed: threshold,
			Reformulated:  reformulated,
		}, nil
	}

	return nil, nil
}
