// Command evaluate replays a dataset of (query, relevant_docs) pairs
// against a running Searcher and prints ranking-quality and latency
// metrics (spec §4.6). Flags follow the plain flag-package convention
// the teacher's worker binaries use; cobra/charm are not part of this
// module's stack.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/cache"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/eval"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/search"
)

var (
	configPath  = flag.String("config", "config", "Directory containing config.base.yaml / config.<env>.yaml")
	environment = flag.String("env", "", "Environment name (defaults to $ENVIRONMENT or development)")
	datasetPath = flag.String("dataset", "", "Path to a JSON file of query cases (required)")
	mode        = flag.String("mode", "burst", "Execution mode: burst or rate_limited")
	concurrency = flag.Int("concurrency", 4, "Max in-flight requests (burst mode)")
	targetQPS   = flag.Float64("qps", 5, "Target requests/sec (rate_limited mode)")
	k           = flag.Int("k", 10, "Cutoff for nDCG@k, MAP@k, precision@k, recall@k")
	warmup      = flag.Int("warmup", 0, "Leading latency samples to discard from aggregates")
	searchMode  = flag.String("search-mode", "hybrid", "Search mode: hybrid, fulltext, semantic")
	jsonOutput  = flag.Bool("json", false, "Print the full report as JSON instead of a summary")
)

// datasetEntry mirrors the on-disk shape of one query case.
type datasetEntry struct {
	Query        string `json:"query"`
	RelevantDocs []struct {
		DocumentID     string  `json:"document_id"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"relevant_docs"`
}

func loadDataset(path string) ([]eval.QueryCase, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evaluate: read dataset: %w", err)
	}
	var entries []datasetEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("evaluate: parse dataset: %w", err)
	}

	cases := make([]eval.QueryCase, 0, len(entries))
	for _, e := range entries {
		relevant := make([]eval.RelevantDoc, 0, len(e.RelevantDocs))
		for _, rd := range e.RelevantDocs {
			relevant = append(relevant, eval.RelevantDoc{DocumentID: rd.DocumentID, RelevanceScore: rd.RelevanceScore})
		}
		cases = append(cases, eval.QueryCase{Query: e.Query, RelevantDocs: relevant})
	}
	return cases, nil
}

func main() {
	flag.Parse()

	if *datasetPath == "" {
		fmt.Fprintln(os.Stderr, "evaluate: -dataset is required")
		flag.Usage()
		os.Exit(1)
	}

	logger := observability.NewLogger("evaluate")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("evaluate: load config: %v", err)
	}

	cases, err := loadDataset(*datasetPath)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.WaitReady(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("evaluate: database not ready: %v", err)
	}
	defer database.Close()

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("evaluate: blob store: %v", err)
	}

	docsRepo := documents.New(database)
	embeddings := embedstore.New(database)
	var emb embedder.Embedder = embedder.NewHTTPClient(cfg.Embedder, logger.WithPrefix("embedder"), metrics)

	queryCache := cache.New(cfg.Cache)
	engine := search.New(docsRepo, embeddings, blobStore, emb, queryCache, cfg.Search, logger.WithPrefix("search"), metrics)

	evaluator := eval.New(engine, logger.WithPrefix("eval"))

	opts := eval.RunOptions{
		Mode:        eval.ExecutionMode(*mode),
		Concurrency: *concurrency,
		TargetQPS:   *targetQPS,
		K:           *k,
		Warmup:      *warmup,
		SearchMode:  search.Mode(*searchMode),
	}

	start := time.Now()
	report, err := evaluator.Run(ctx, cases, opts)
	if err != nil {
		log.Fatalf("evaluate: run: %v", err)
	}
	elapsed := time.Since(start)

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.Fatalf("evaluate: encode report: %v", err)
		}
		return
	}

	fmt.Printf("queries:    %d (errors: %d)\n", len(cases), report.ErrorCount)
	fmt.Printf("elapsed:    %s\n", elapsed)
	fmt.Printf("nDCG@%d:    %.4f\n", *k, report.MeanNDCG)
	fmt.Printf("MRR:        %.4f\n", report.MeanMRR)
	fmt.Printf("MAP@%d:     %.4f\n", *k, report.MeanMAP)
	fmt.Printf("precision:  %.4f\n", report.MeanPrecision)
	fmt.Printf("recall:     %.4f\n", report.MeanRecall)
	fmt.Printf("latency:    mean=%s p50=%s p95=%s p99=%s max=%s\n",
		report.Latency.Mean, report.Latency.P50, report.Latency.P95, report.Latency.P99, report.Latency.Max)
}
