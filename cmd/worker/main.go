// Command worker runs the Event Processor, Embedding Processor, GC
// worker and the periodic queue-maintenance loops (stale-lease
// recovery, failed-event retry, old-row cleanup) with no HTTP surface.
// Splitting background processing out of cmd/indexer mirrors the
// teacher's apps/worker vs apps/rest-api separation: the HTTP API and
// the queue consumers scale independently and can run as distinct
// replica counts.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/chunking"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/gcworker"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/processor"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

var (
	configPath  = flag.String("config", "config", "Directory containing config.base.yaml / config.<env>.yaml")
	environment = flag.String("env", "", "Environment name (defaults to $ENVIRONMENT or development)")
)

// blobContentLoader adapts *blob.Store's typed ContentID to the
// processor's plain-string ContentLoader interface.
type blobContentLoader struct{ blobs *blob.Store }

func (b blobContentLoader) GetContent(ctx context.Context, contentID string) ([]byte, error) {
	return b.blobs.GetContent(ctx, blob.ContentID(contentID))
}

func main() {
	flag.Parse()

	logger := observability.NewLogger("worker")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("worker: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.WaitReady(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("worker: database not ready: %v", err)
	}
	defer database.Close()

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("worker: blob store: %v", err)
	}

	docsRepo := documents.New(database)
	embeddings := embedstore.New(database)

	eventQueue := queue.NewEventQueue(database, cfg.Queue, logger.WithPrefix("event-queue"))
	embeddingQueue := queue.NewEmbeddingQueue(database, cfg.Queue, logger.WithPrefix("embedding-queue"))

	eventNotifier := queue.NewNotifier(cfg.Database.DSN, queue.EventNotifyChannel,
		time.Duration(cfg.Queue.NotifyFallbackPollSeconds)*time.Second, logger.WithPrefix("event-notifier"))
	embeddingNotifier := queue.NewNotifier(cfg.Database.DSN, queue.EmbeddingNotifyChannel,
		time.Duration(cfg.Queue.NotifyFallbackPollSeconds)*time.Second, logger.WithPrefix("embedding-notifier"))
	if err := eventNotifier.Start(); err != nil {
		log.Fatalf("worker: event notifier: %v", err)
	}
	defer eventNotifier.Close()
	if err := embeddingNotifier.Start(); err != nil {
		log.Fatalf("worker: embedding notifier: %v", err)
	}
	defer embeddingNotifier.Close()

	var emb embedder.Embedder
	if cfg.Embedder.UseBedrock {
		chunkCfg := chunking.SplitterConfig{MaxDocumentChars: cfg.Embedder.MaxDocumentChars, ChunkOverlap: cfg.Embedder.ChunkOverlap}
		bedrock, err := embedder.NewBedrockProvider(ctx, cfg.Embedder.BedrockRegion, cfg.Embedder.ModelName, chunkCfg)
		if err != nil {
			log.Fatalf("worker: bedrock provider: %v", err)
		}
		emb = bedrock
	} else {
		emb = embedder.NewHTTPClient(cfg.Embedder, logger.WithPrefix("embedder"), metrics)
	}

	eventProcessor := processor.NewEventProcessor(
		eventQueue, embeddingQueue, docsRepo, database, cfg.Queue,
		blobContentLoader{blobs: blobStore}, eventNotifier,
		logger.WithPrefix("event-processor"), metrics,
	)
	chunkCfg := chunking.SplitterConfig{MaxDocumentChars: cfg.Embedder.MaxDocumentChars, ChunkOverlap: cfg.Embedder.ChunkOverlap}
	embeddingProcessor := processor.NewEmbeddingProcessor(
		embeddingQueue, docsRepo, embeddings, emb, chunkCfg, cfg.Queue,
		logger.WithPrefix("embedding-processor"), metrics,
	)
	gcWorker := gcworker.New(blobStore, docsRepo, cfg.GC, logger.WithPrefix("gc"), metrics)

	eventProcessor.Start(ctx)
	embeddingProcessor.Start(ctx)

	var bg sync.WaitGroup
	bg.Add(2)
	go func() {
		defer bg.Done()
		if err := gcWorker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker: gc worker exited", map[string]interface{}{"error": err.Error()})
		}
	}()
	go func() {
		defer bg.Done()
		runMaintenanceLoop(ctx, eventQueue, embeddingQueue, cfg, logger)
	}()

	logger.Info("worker: started", nil)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("worker: shutting down", nil)

	// Draining order matters: stop accepting new event batches before
	// the embedding processor, so a flushed event batch's enqueued
	// embedding work is not lost mid-shutdown.
	eventProcessor.Stop()
	embeddingProcessor.Stop()
	cancel()
	bg.Wait()
}

// runMaintenanceLoop periodically recovers stale leases left behind by
// crashed processors, retries Failed items whose backoff has elapsed, and
// purges rows past the retention window (spec §4.1/§4.2, §9 GC).
func runMaintenanceLoop(ctx context.Context, eventQueue, embeddingQueue *queue.Queue, cfg config.Config, logger observability.Logger) {
	interval := time.Duration(cfg.Queue.RecoverySweepIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	eventStaleTimeout := time.Duration(cfg.Queue.EventStaleTimeoutSeconds) * time.Second
	embeddingStaleTimeout := time.Duration(cfg.Queue.EmbeddingStaleTimeoutSeconds) * time.Second

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Cleanup runs far less often than lease recovery; track the last
	// run with a wall-clock marker rather than a second ticker.
	lastCleanup := time.Time{}
	cleanupEvery := 24 * time.Hour

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if recovered, err := eventQueue.RecoverStaleProcessingItems(ctx, eventStaleTimeout); err != nil {
				logger.Error("worker: event lease recovery failed", map[string]interface{}{"error": err.Error()})
			} else if recovered > 0 {
				logger.Info("worker: recovered stale event leases", map[string]interface{}{"count": recovered})
			}
			if recovered, err := embeddingQueue.RecoverStaleProcessingItems(ctx, embeddingStaleTimeout); err != nil {
				logger.Error("worker: embedding lease recovery failed", map[string]interface{}{"error": err.Error()})
			} else if recovered > 0 {
				logger.Info("worker: recovered stale embedding leases", map[string]interface{}{"count": recovered})
			}

			if retried, err := eventQueue.RetryFailedEvents(ctx); err != nil {
				logger.Error("worker: event retry sweep failed", map[string]interface{}{"error": err.Error()})
			} else if retried > 0 {
				logger.Info("worker: retried failed events", map[string]interface{}{"count": retried})
			}
			if retried, err := embeddingQueue.RetryFailedEvents(ctx); err != nil {
				logger.Error("worker: embedding retry sweep failed", map[string]interface{}{"error": err.Error()})
			} else if retried > 0 {
				logger.Info("worker: retried failed embeddings", map[string]interface{}{"count": retried})
			}

			if cfg.Queue.CleanupAgeDays > 0 && time.Since(lastCleanup) >= cleanupEvery {
				if removed, err := eventQueue.CleanupOld(ctx, cfg.Queue.CleanupAgeDays); err != nil {
					logger.Error("worker: event cleanup failed", map[string]interface{}{"error": err.Error()})
				} else if removed > 0 {
					logger.Info("worker: cleaned up old event rows", map[string]interface{}{"count": removed})
				}
				if removed, err := embeddingQueue.CleanupOld(ctx, cfg.Queue.CleanupAgeDays); err != nil {
					logger.Error("worker: embedding cleanup failed", map[string]interface{}{"error": err.Error()})
				} else if removed > 0 {
					logger.Info("worker: cleaned up old embedding rows", map[string]interface{}{"count": removed})
				}
				lastCleanup = time.Now()
			}
		}
	}
}
