// Command indexer runs the Indexer API and Connector SDK HTTP surfaces.
// Background processing (Event Processor, Embedding Processor, GC
// sweeps, queue maintenance) runs in the separate cmd/worker process,
// mirroring the teacher's apps/rest-api vs apps/worker split so the two
// scale independently; this binary still builds a *gcworker.Worker to
// serve the synchronous /admin/gc/run and /admin/gc/stats endpoints.
// Wiring follows the teacher's cmd/main.go bootstrap convention: load
// config, connect dependencies, start the Gin server, wait for a
// shutdown signal, drain.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/gcworker"
	"github.com/developer-mesh/hybrid-indexer/internal/httpapi"
	"github.com/developer-mesh/hybrid-indexer/internal/indexerapi"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
	"github.com/developer-mesh/hybrid-indexer/internal/sdk"
	"github.com/developer-mesh/hybrid-indexer/internal/sources"
)

var (
	configPath  = flag.String("config", "config", "Directory containing config.base.yaml / config.<env>.yaml")
	environment = flag.String("env", "", "Environment name (defaults to $ENVIRONMENT or development)")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger("indexer")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("indexer: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.WaitReady(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("indexer: database not ready: %v", err)
	}
	defer database.Close()

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("indexer: blob store: %v", err)
	}

	docsRepo := documents.New(database)
	sourcesRepo := sources.New(database)
	cancelRegistry := sources.NewCancelRegistry()

	// The indexer process only enqueues work (via the SDK and bulk
	// document routes) and reports queue stats; it has no processor
	// that needs to LISTEN for wake-ups, so no Notifier is started here
	// (cmd/worker owns both).
	eventQueue := queue.NewEventQueue(database, cfg.Queue, logger.WithPrefix("event-queue"))
	embeddingQueue := queue.NewEmbeddingQueue(database, cfg.Queue, logger.WithPrefix("embedding-queue"))

	// gcWorker here only backs the synchronous /admin/gc/run and
	// /admin/gc/stats endpoints; the periodic Run(ctx) sweep loop lives
	// exclusively in cmd/worker to avoid two processes racing the same
	// GC pass.
	gcWorker := gcworker.New(blobStore, docsRepo, cfg.GC, logger.WithPrefix("gc"), metrics)

	var ready atomic.Bool
	ready.Store(true)

	router := gin.New()
	router.Use(httpapi.Recovery(logger), httpapi.RequestLogger(logger))

	indexerAPI := indexerapi.New(docsRepo, blobStore, database, eventQueue, embeddingQueue, gcWorker, ready.Load)
	indexerAPI.RegisterRoutes(router.Group("/"))

	sdkAPI := sdk.New(eventQueue, blobStore, sourcesRepo, cancelRegistry, logger.WithPrefix("sdk"))
	sdkAPI.RegisterRoutes(router.Group("/sdk"))

	srv := &http.Server{Addr: cfg.API.IndexerListenAddr, Handler: router}
	go func() {
		logger.Info("indexer: listening", map[string]interface{}{"addr": cfg.API.IndexerListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("indexer: http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("indexer: shutting down", nil)
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("indexer: http shutdown error", map[string]interface{}{"error": err.Error()})
	}

	cancel()
}
