// Package search implements the hybrid document search engine: a
// full-text path over the documents tsvector with typo-tolerant
// fallback, a semantic path over cached query embeddings and
// per-chunk cosine similarity, linear fusion of the two, a
// permissions post-filter, and result hydration with highlights
// (spec §4.5).
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/cache"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/vectorutil"
)

// Mode selects which retrieval path(s) a Request uses.
type Mode string

const (
	ModeFulltext Mode = "fulltext"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
)

// Request is one search call (spec §4.5).
type Request struct {
	Query             string
	Mode              Mode
	Limit             int
	Offset            int
	SourceTypes       []string
	ContentTypes      []string
	UserID            string
	UserGroups        []string
	IgnorePermissions bool
	IgnoreTypos       bool
}

// Result is one hydrated, scored document.
type Result struct {
	Document   models.Document
	Score      float64
	FTSScore   float64
	SemScore   float64
	Highlights []string
}

// Response is the outcome of a Search call.
type Response struct {
	Results          []Result
	SemanticTimedOut bool
}

// queryCache is the subset of *cache.Cache the engine depends on,
// broken out as an interface so tests can substitute a fake instead
// of a live Redis connection.
type queryCache interface {
	GetJSON(ctx context.Context, key string, dest interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Engine runs the three retrieval modes over the document store.
type Engine struct {
	documents *documents.Repository
	vectors   *embedstore.Store
	blobStore *blob.Store
	embedder  embedder.Embedder
	cache     queryCache
	cfg       config.SearchConfig
	logger    observability.Logger
	metrics   observability.MetricsClient
}

// New builds an Engine. c may be nil (caching disabled).
func New(
	documentsRepo *documents.Repository,
	vectors *embedstore.Store,
	blobStore *blob.Store,
	emb embedder.Embedder,
	c *cache.Cache,
	cfg config.SearchConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Engine{
		documents: documentsRepo,
		vectors:   vectors,
		blobStore: blobStore,
		embedder:  emb,
		cache:     c,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
	}
}

// Search runs req.Mode against the document store and returns
// permission-filtered, hydrated results in descending score order,
// ties broken by last_indexed_at descending (spec §4.5).
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	ftsScores := map[string]float64{}
	semScores := map[string]float64{}
	var semTimedOut bool
	var err error

	// Hybrid needs a wider full-text candidate set than the page size,
	// since fusion can promote a document the FTS-only top-N excluded.
	ftsLimit := limit
	if req.Mode == ModeHybrid {
		ftsLimit = limit * 4
	}

	if req.Mode == ModeFulltext || req.Mode == ModeHybrid {
		hits, ftsErr := e.fulltextSearch(ctx, req, ftsLimit, 0)
		if ftsErr != nil {
			return nil, ftsErr
		}
		for _, h := range hits {
			ftsScores[h.Document.ID] = h.Score
		}
	}

	if req.Mode == ModeSemantic || req.Mode == ModeHybrid {
		semScores, semTimedOut, err = e.semanticScores(ctx, req.Query)
		if err != nil {
			return nil, err
		}
	}

	fused := fuseScores(req.Mode, ftsScores, semScores, e.cfg.HybridWeightFTS, e.cfg.HybridWeightSemantic)
	return e.finish(ctx, req, fused, ftsScores, semScores, limit, semTimedOut)
}

// fuseScores combines the per-path score maps according to mode.
// Hybrid applies the linear fusion formula; the single-path modes
// pass their own scores through unchanged. A document present in only
// one path contributes 0 for the missing term.
func fuseScores(mode Mode, fts, sem map[string]float64, wFTS, wSem float64) map[string]float64 {
	switch mode {
	case ModeFulltext:
		out := make(map[string]float64, len(fts))
		for id, s := range fts {
			out[id] = s
		}
		return out
	case ModeSemantic:
		out := make(map[string]float64, len(sem))
		for id, s := range sem {
			out[id] = s
		}
		return out
	default: // ModeHybrid
		out := make(map[string]float64, len(fts)+len(sem))
		for id, s := range fts {
			out[id] += wFTS * s
		}
		for id, s := range sem {
			out[id] += wSem * s
		}
		return out
	}
}

// finish applies the offset/limit window, loads documents, filters by
// permission, and hydrates highlights.
func (e *Engine) finish(
	ctx context.Context,
	req Request,
	fused, ftsScores, semScores map[string]float64,
	limit int,
	semTimedOut bool,
) (*Response, error) {
	ids := make([]string, 0, len(fused))
	for id := range fused {
		ids = append(ids, id)
	}

	docs, err := e.documents.GetMany(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("search: load documents: %w", err)
	}
	byID := make(map[string]models.Document, len(docs))
	for _, d := range docs {
		byID[d.ID] = d
	}

	// Drop ids whose document no longer exists before sorting, so the
	// offset window counts only retrievable results.
	ids = ids[:0]
	for id := range fused {
		if _, ok := byID[id]; ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if fused[ids[i]] != fused[ids[j]] {
			return fused[ids[i]] > fused[ids[j]]
		}
		return byID[ids[i]].LastIndexedAt.After(byID[ids[j]].LastIndexedAt)
	})

	if req.Offset > 0 {
		if req.Offset >= len(ids) {
			ids = nil
		} else {
			ids = ids[req.Offset:]
		}
	}

	results := make([]Result, 0, limit)
	for _, id := range ids {
		doc := byID[id]
		if !req.IgnorePermissions && !doc.Permissions.Allows(req.UserID, req.UserGroups) {
			continue
		}

		results = append(results, Result{
			Document: doc,
			Score:    fused[id],
			FTSScore: ftsScores[id],
			SemScore: semScores[id],
		})
		if len(results) >= limit {
			break
		}
	}

	e.hydrateHighlights(ctx, req.Query, results)

	return &Response{Results: results, SemanticTimedOut: semTimedOut}, nil
}

// hydrateHighlights fetches each result's content blob and extracts a
// short window around the first query term match, best-effort.
func (e *Engine) hydrateHighlights(ctx context.Context, query string, results []Result) {
	if e.blobStore == nil || len(results) == 0 {
		return
	}

	ids := make([]blob.ContentID, 0, len(results))
	for _, r := range results {
		if r.Document.ContentID != "" {
			ids = append(ids, blob.ContentID(r.Document.ContentID))
		}
	}
	texts := e.blobStore.BatchGetText(ctx, ids)

	terms := queryTerms(query)
	for i := range results {
		text, ok := texts[blob.ContentID(results[i].Document.ContentID)]
		if !ok {
			continue
		}
		results[i].Highlights = extractHighlights(text, terms, 3)
	}
}

// extractHighlights returns up to maxHighlights short windows of text
// surrounding the first case-insensitive occurrence of each term.
func extractHighlights(text string, terms []string, maxHighlights int) []string {
	lower := strings.ToLower(text)
	var highlights []string
	for _, term := range terms {
		if len(highlights) >= maxHighlights {
			break
		}
		idx := strings.Index(lower, strings.ToLower(term))
		if idx < 0 {
			continue
		}
		start := idx - 40
		if start < 0 {
			start = 0
		}
		end := idx + len(term) + 40
		if end > len(text) {
			end = len(text)
		}
		highlights = append(highlights, strings.TrimSpace(text[start:end]))
	}
	return highlights
}

func queryTerms(query string) []string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) > 0 {
			terms = append(terms, f)
		}
	}
	return terms
}

// semanticScores embeds query, bounds the search by
// cfg.SemanticSearchTimeoutMS, and returns each document's maximum
// chunk similarity. On timeout it returns an empty map and timedOut
// == true so the caller can decide whether to degrade (spec §4.5).
func (e *Engine) semanticScores(ctx context.Context, query string) (map[string]float64, bool, error) {
	if e.embedder == nil || e.vectors == nil {
		return map[string]float64{}, false, nil
	}

	timeoutMS := e.cfg.SemanticSearchTimeoutMS
	if timeoutMS <= 0 {
		timeoutMS = 5000
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond)
	defer cancel()

	queryVec, err := e.cachedQueryEmbedding(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			e.logger.Warn("semantic search: embedding timed out", map[string]interface{}{"error": err.Error()})
			return map[string]float64{}, true, nil
		}
		return nil, false, fmt.Errorf("search: embed query: %w", err)
	}

	allVectors, err := e.vectors.AllVectors(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return map[string]float64{}, true, nil
		}
		return nil, false, fmt.Errorf("search: load vectors: %w", err)
	}

	scores := make(map[string]float64)
	for _, v := range allVectors {
		if ctx.Err() != nil {
			return map[string]float64{}, true, nil
		}
		sim, err := vectorutil.CosineSimilarity(queryVec, v.Vector)
		if err != nil {
			continue
		}
		if sim > scores[v.DocumentID] {
			scores[v.DocumentID] = sim
		}
	}
	return scores, false, nil
}

// cachedQueryEmbedding looks up a cached query embedding, falling back
// to the embedder and populating the cache on a miss.
func (e *Engine) cachedQueryEmbedding(ctx context.Context, query string) ([]float32, error) {
	modelName := "default"
	key := cache.QueryEmbeddingKey(modelName, query)

	var cached []float32
	if err := e.cache.GetJSON(ctx, key, &cached); err == nil {
		return cached, nil
	}

	resp, err := e.embedder.Embed(ctx, embedder.Request{
		Texts: []string{query},
		Task:  embedder.TaskRetrievalQuery,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 || len(resp[0].Chunks) == 0 {
		return nil, fmt.Errorf("search: embedder returned no vector for query")
	}
	vec := resp[0].Chunks[0].Vector

	ttl := time.Duration(e.cfg.QueryEmbeddingCacheTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	if err := e.cache.SetJSON(ctx, key, vec, ttl); err != nil {
		e.logger.Warn("search: failed to cache query embedding", map[string]interface{}{"error": err.Error()})
	}
	return vec, nil
}
