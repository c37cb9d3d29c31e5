// Package eval replays a dataset of (query, relevant_docs) pairs
// against the search engine and reports ranking quality (nDCG@k, MRR,
// MAP@k, precision@k, recall@k) and latency percentiles (spec §4.6).
package eval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/search"
)

// ExecutionMode selects how the evaluator paces its replay.
type ExecutionMode string

const (
	// ModeBurst fires up to Concurrency requests in flight with no
	// inter-arrival delay.
	ModeBurst ExecutionMode = "burst"
	// ModeRateLimited paces requests at a fixed 1/TargetQPS interval.
	ModeRateLimited ExecutionMode = "rate_limited"
)

// Searcher is the subset of search.Engine the evaluator depends on,
// broken out so tests can replay against a fake instead of a live
// engine.
type Searcher interface {
	Search(ctx context.Context, req search.Request) (*search.Response, error)
}

// RunOptions configures one evaluation run.
type RunOptions struct {
	Mode        ExecutionMode
	Concurrency int     // ModeBurst: max in-flight requests. Default 1.
	TargetQPS   float64 // ModeRateLimited: requests per second. Default 1.
	K           int     // cutoff for nDCG@k, MAP@k, precision@k, recall@k. Default 10.
	Warmup      int     // number of leading latency samples to discard from aggregates.
	SearchMode  search.Mode
}

// QueryResult is one query's replay outcome.
type QueryResult struct {
	Query     string
	Latency   time.Duration
	Err       error
	NDCG      float64
	MRR       float64
	MAP       float64
	Precision float64
	Recall    float64
}

// Report is the outcome of a full evaluation run.
type Report struct {
	Queries      []QueryResult
	MeanNDCG     float64
	MeanMRR      float64
	MeanMAP      float64
	MeanPrecision float64
	MeanRecall   float64
	ErrorCount   int
	Latency      LatencyStats
}

// Evaluator replays QueryCases against a Searcher.
type Evaluator struct {
	searcher Searcher
	logger   observability.Logger
}

// New builds an Evaluator.
func New(searcher Searcher, logger observability.Logger) *Evaluator {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	return &Evaluator{searcher: searcher, logger: logger}
}

// Run replays every QueryCase against the searcher according to opts
// and returns the aggregated report.
func (e *Evaluator) Run(ctx context.Context, cases []QueryCase, opts RunOptions) (*Report, error) {
	if len(cases) == 0 {
		return nil, ErrEmptyDataset
	}

	k := opts.K
	if k <= 0 {
		k = 10
	}

	results := make([]QueryResult, len(cases))

	switch opts.Mode {
	case ModeRateLimited:
		if err := e.runRateLimited(ctx, cases, opts, k, results); err != nil {
			return nil, err
		}
	default:
		if err := e.runBurst(ctx, cases, opts, k, results); err != nil {
			return nil, err
		}
	}

	return buildReport(results, opts.Warmup), nil
}

// runBurst fires requests with bounded concurrency and no
// inter-arrival delay.
func (e *Evaluator) runBurst(ctx context.Context, cases []QueryCase, opts RunOptions, k int, results []QueryResult) error {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, qc := range cases {
		i, qc := i, qc
		g.Go(func() error {
			results[i] = e.runOne(gctx, qc, opts.SearchMode, k)
			return nil
		})
	}
	return g.Wait()
}

// runRateLimited paces requests at a fixed 1/TargetQPS interval,
// waiting on a token-bucket limiter before each dispatch so the
// long-run rate converges on TargetQPS even if individual queries run
// concurrently.
func (e *Evaluator) runRateLimited(ctx context.Context, cases []QueryCase, opts RunOptions, k int, results []QueryResult) error {
	qps := opts.TargetQPS
	if qps <= 0 {
		qps = 1
	}
	limiter := rate.NewLimiter(rate.Limit(qps), 1)

	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	for i, qc := range cases {
		if err := limiter.Wait(ctx); err != nil {
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}

		i, qc := i, qc
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.runOne(ctx, qc, opts.SearchMode, k)
		}()
	}
	wg.Wait()
	return firstErr
}

// runOne executes a single query case and scores it against its gold
// relevant docs.
func (e *Evaluator) runOne(ctx context.Context, qc QueryCase, mode search.Mode, k int) QueryResult {
	start := time.Now()
	resp, err := e.searcher.Search(ctx, search.Request{Query: qc.Query, Mode: mode, Limit: k, IgnorePermissions: true})
	latency := time.Since(start)

	qr := QueryResult{Query: qc.Query, Latency: latency}
	if err != nil {
		qr.Err = err
		return qr
	}

	rankedIDs := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		rankedIDs[i] = r.Document.ID
	}

	qr.NDCG = NDCGAtK(rankedIDs, qc.RelevantDocs, k)
	qr.MRR = MRR(rankedIDs, qc.RelevantDocs)
	qr.MAP = MAPAtK(rankedIDs, qc.RelevantDocs, k)
	qr.Precision = PrecisionAtK(rankedIDs, qc.RelevantDocs, k)
	qr.Recall = RecallAtK(rankedIDs, qc.RelevantDocs, k)
	return qr
}

// buildReport aggregates per-query results into a Report, discarding
// the first warmup latency samples from the latency stats only (the
// ranking metrics are unaffected by warmup, since every query's result
// set is independent of request order).
func buildReport(results []QueryResult, warmup int) *Report {
	report := &Report{Queries: results}

	latencies := make([]time.Duration, len(results))
	var nQueries int
	for i, r := range results {
		latencies[i] = r.Latency
		if r.Err != nil {
			report.ErrorCount++
			continue
		}
		nQueries++
		report.MeanNDCG += r.NDCG
		report.MeanMRR += r.MRR
		report.MeanMAP += r.MAP
		report.MeanPrecision += r.Precision
		report.MeanRecall += r.Recall
	}

	if nQueries > 0 {
		report.MeanNDCG /= float64(nQueries)
		report.MeanMRR /= float64(nQueries)
		report.MeanMAP /= float64(nQueries)
		report.MeanPrecision /= float64(nQueries)
		report.MeanRecall /= float64(nQueries)
	}

	report.Latency = computeLatencyStats(latencies, warmup)
	return report
}

// ErrEmptyDataset is returned by Run when called with no query cases.
var ErrEmptyDataset = fmt.Errorf("eval: dataset has no query cases")
