package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/resilience"
)

// wireRequest is the POST /embeddings request body (spec §6).
type wireRequest struct {
	Texts       []string `json:"texts"`
	Task        TaskType `json:"task"`
	ChunkLength int      `json:"chunk_length"`
	Strategy    string   `json:"strategy"`
}

type wireChunk struct {
	Vector []float32 `json:"vector"`
	Span   [2]int    `json:"span"`
}

type wireEmbedding struct {
	Chunks    []wireChunk `json:"chunks"`
	ModelName string      `json:"model_name"`
}

type wireResponse struct {
	Embeddings []wireEmbedding `json:"embeddings"`
}

// HTTPClient calls the embedder's POST /embeddings endpoint, guarded
// by a circuit breaker, exponential backoff retry and a per-principal
// rate limiter (spec §9).
type HTTPClient struct {
	baseURL     string
	httpClient  *http.Client
	cfg         config.EmbedderConfig
	logger      observability.Logger
	metrics     observability.MetricsClient
	rateLimiter *resilience.RateLimiterManager
	breakers    *resilience.CircuitBreakerManager
}

// NewHTTPClient builds an embedder client targeting cfg.BaseURL.
func NewHTTPClient(cfg config.EmbedderConfig, logger observability.Logger, metrics observability.MetricsClient) *HTTPClient {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	return &HTTPClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: time.Duration(cfg.RequestTimeoutMS) * time.Millisecond},
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		rateLimiter: resilience.NewRateLimiterManager(
			resilience.RateLimiterConfig{Limit: cfg.RateLimitPerMinute, Period: time.Minute},
			nil,
		),
		breakers: resilience.NewCircuitBreakerManager(logger),
	}
}

// Embed calls the embedder, sub-batching is the caller's
// responsibility (the embedding processor enforces
// MAX_EMBEDDING_BATCH_SIZE before calling Embed).
func (c *HTTPClient) Embed(ctx context.Context, req Request) ([]DocumentEmbedding, error) {
	principal := req.Principal
	if principal == "" {
		principal = "default"
	}
	if !c.rateLimiter.Allow(principal) {
		return nil, errors.New("EMBEDDER_RATE_LIMITED", fmt.Sprintf("rate limit exceeded for %s", principal), errors.ClassRateLimited)
	}

	if req.ChunkLength == 0 {
		req.ChunkLength = c.cfg.ChunkLengthTokens
	}
	if req.Strategy == "" {
		req.Strategy = DefaultStrategy
	}

	body, err := json.Marshal(wireRequest{
		Texts:       req.Texts,
		Task:        req.Task,
		ChunkLength: req.ChunkLength,
		Strategy:    req.Strategy,
	})
	if err != nil {
		return nil, errors.Wrap(err, "EMBEDDER_MARSHAL_FAILED", errors.ClassPermanentPayload)
	}

	result, err := c.breakers.Execute(ctx, resilience.EmbedderBreaker, resilience.DefaultConfig(resilience.EmbedderBreaker), func() (interface{}, error) {
		return c.callWithRetry(ctx, body)
	})
	if err != nil {
		return nil, err
	}

	wire := result.(*wireResponse)
	out := make([]DocumentEmbedding, 0, len(wire.Embeddings))
	for _, we := range wire.Embeddings {
		de := DocumentEmbedding{ModelName: we.ModelName}
		for _, wc := range we.Chunks {
			de.Chunks = append(de.Chunks, ChunkVector{Vector: wc.Vector, Span: Span{Start: wc.Span[0], End: wc.Span[1]}})
		}
		out = append(out, de)
	}
	return out, nil
}

func (c *HTTPClient) callWithRetry(ctx context.Context, body []byte) (*wireResponse, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 2 * time.Minute
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxRetries)), ctx)

	var response *wireResponse
	operation := func() error {
		resp := c.doRequest(ctx, body)
		if resp.err == nil {
			response = resp.body
			return nil
		}
		if resp.retryable {
			return resp.err
		}
		return backoff.Permanent(resp.err)
	}

	if err := backoff.Retry(operation, bo); err != nil {
		c.logger.Error("embedder request failed", map[string]interface{}{"error": err.Error()})
		return nil, err
	}
	return response, nil
}

type requestOutcome struct {
	body      *wireResponse
	err       error
	retryable bool
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) requestOutcome {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return requestOutcome{err: errors.Wrap(err, "EMBEDDER_BAD_REQUEST", errors.ClassPermanentPayload)}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.metrics.RecordDuration("embedder_request_duration", time.Since(start), nil)
	if err != nil {
		return requestOutcome{err: errors.Wrap(err, "EMBEDDER_REQUEST_FAILED", errors.ClassTransient), retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return requestOutcome{err: errors.Wrap(err, "EMBEDDER_READ_FAILED", errors.ClassTransient), retryable: true}
	}

	if resp.StatusCode != http.StatusOK {
		class := errors.ClassifyHTTPError(resp.StatusCode)
		classified := errors.New("EMBEDDER_BAD_STATUS", fmt.Sprintf("embedder returned %d: %s", resp.StatusCode, data), class)
		retryable := class == errors.ClassTransient || class == errors.ClassTimeout
		return requestOutcome{err: classified, retryable: retryable}
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return requestOutcome{err: errors.Wrap(err, "EMBEDDER_DECODE_FAILED", errors.ClassPermanentPayload)}
	}

	c.metrics.IncrementCounter("embedder_requests_total", nil)
	return requestOutcome{body: &wire}
}
