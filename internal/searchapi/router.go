// Package searchapi implements the Searcher API (spec §6): hybrid
// search, title suggestions, and suggested-questions generation.
// Grounded on the teacher's apps/rest-api per-resource API struct
// pattern.
package searchapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/hybrid-indexer/internal/cache"
	apperrors "github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/httpapi"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/search"
)

// API wires the Searcher's Gin routes to the search engine.
type API struct {
	engine   *search.Engine
	gen      search.QuestionGenerator
	inFlight *cache.InFlightSet
	logger   observability.Logger
}

// New builds the Searcher API. gen may be nil, in which case
// GET /suggested-questions returns an empty list rather than failing.
func New(engine *search.Engine, gen search.QuestionGenerator, logger observability.Logger) *API {
	return &API{engine: engine, gen: gen, inFlight: cache.NewInFlightSet(), logger: logger}
}

// RegisterRoutes mounts /search, /suggestions and
// /suggested-questions onto router.
func (a *API) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/search", a.search)
	router.GET("/suggestions", a.suggestions)
	router.GET("/suggested-questions", a.suggestedQuestions)
}

type searchRequest struct {
	Query         string   `json:"query" binding:"required"`
	Mode          string   `json:"mode"`
	Limit         int      `json:"limit"`
	Offset        int      `json:"offset"`
	SourceTypes   []string `json:"source_types"`
	ContentTypes  []string `json:"content_types"`
	IncludeFacets bool     `json:"include_facets"`
	UserID        string   `json:"user_id"`
	IgnoreTypos   bool     `json:"ignore_typos"`
}

type searchResultDTO struct {
	Document   interface{} `json:"document"`
	Score      float64     `json:"score"`
	Highlights []string    `json:"highlights,omitempty"`
}

// search runs a fulltext/semantic/hybrid query and returns the
// fused, permission-filtered, paginated result set.
func (a *API) search(c *gin.Context) {
	var req searchRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}

	mode := search.ModeHybrid
	if req.Mode != "" {
		mode = search.Mode(req.Mode)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}

	resp, err := a.engine.Search(c.Request.Context(), search.Request{
		Query:        req.Query,
		Mode:         mode,
		Limit:        limit,
		Offset:       req.Offset,
		SourceTypes:  req.SourceTypes,
		ContentTypes: req.ContentTypes,
		UserID:       req.UserID,
		IgnoreTypos:  req.IgnoreTypos,
	})
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}

	results := make([]searchResultDTO, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, searchResultDTO{Document: r.Document, Score: r.Score, Highlights: r.Highlights})
	}

	body := gin.H{
		"results":     results,
		"total_count": len(results),
	}
	if req.IncludeFacets {
		// Facet aggregation is not implemented by the search engine
		// (no source_type/content_type grouping query exists yet);
		// report an empty facet set rather than silently ignoring the
		// request.
		body["facets"] = gin.H{}
	}
	c.JSON(http.StatusOK, body)
}

// suggestions returns up to limit document-title completions for q.
func (a *API) suggestions(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		httpapi.WriteError(c, apperrors.New("MISSING_QUERY", "q is required", apperrors.ClassValidation))
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}

	suggestions, err := a.engine.Suggestions(c.Request.Context(), q, limit)
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"suggestions": suggestions})
}

type suggestedQuestionDTO struct {
	Question   string `json:"question"`
	DocumentID string `json:"document_id"`
}

// suggestedQuestions returns cached or freshly-generated question
// prompts for the caller's query. The question generator returns bare
// question text with no document attribution, so document_id is left
// empty here; a future generator that ties questions to source
// documents can populate it without changing this response shape.
func (a *API) suggestedQuestions(c *gin.Context) {
	q := c.Query("q")
	if q == "" {
		httpapi.WriteError(c, apperrors.New("MISSING_QUERY", "q is required", apperrors.ClassValidation))
		return
	}
	userID := c.Query("user_id")

	if a.gen == nil {
		c.JSON(http.StatusOK, gin.H{"questions": []suggestedQuestionDTO{}})
		return
	}

	count := 0
	if raw := c.Query("count"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			count = parsed
		}
	}
	if count <= 0 {
		count = 5
	}

	questions, err := a.engine.SuggestedQuestions(c.Request.Context(), userID, q, a.gen, a.inFlight, count)
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}

	dtos := make([]suggestedQuestionDTO, 0, len(questions))
	for _, question := range questions {
		dtos = append(dtos, suggestedQuestionDTO{Question: question})
	}
	c.JSON(http.StatusOK, gin.H{"questions": dtos})
}
