// Command searcher runs the Searcher HTTP API (spec §6): hybrid
// search, title suggestions, suggested questions. No question
// generator is wired by default (none of the example pack's LLM
// clients fit search.QuestionGenerator's narrow "produce N question strings"
// contract without guessing at a provider); /suggested-questions
// degrades to an empty list until one is configured.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/cache"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/httpapi"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/search"
	"github.com/developer-mesh/hybrid-indexer/internal/searchapi"
)

var (
	configPath  = flag.String("config", "config", "Directory containing config.base.yaml / config.<env>.yaml")
	environment = flag.String("env", "", "Environment name (defaults to $ENVIRONMENT or development)")
)

func main() {
	flag.Parse()

	logger := observability.NewLogger("searcher")
	metrics := observability.NewNoopMetricsClient()

	cfg, err := config.Load(*configPath, *environment)
	if err != nil {
		log.Fatalf("searcher: load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.WaitReady(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("searcher: database not ready: %v", err)
	}
	defer database.Close()

	blobStore, err := blob.New(ctx, cfg.Blob)
	if err != nil {
		log.Fatalf("searcher: blob store: %v", err)
	}

	docsRepo := documents.New(database)
	embeddings := embedstore.New(database)

	var emb embedder.Embedder = embedder.NewHTTPClient(cfg.Embedder, logger.WithPrefix("embedder"), metrics)

	queryCache := cache.New(cfg.Cache)
	if queryCache != nil {
		if err := queryCache.Ping(ctx); err != nil {
			logger.Warn("searcher: cache unreachable, continuing without it", map[string]interface{}{"error": err.Error()})
			queryCache = nil
		}
	}

	engine := search.New(docsRepo, embeddings, blobStore, emb, queryCache, cfg.Search, logger.WithPrefix("search"), metrics)

	// No QuestionGenerator is wired: see package doc comment.
	var gen search.QuestionGenerator
	api := searchapi.New(engine, gen, logger.WithPrefix("searchapi"))

	router := gin.New()
	router.Use(httpapi.Recovery(logger), httpapi.RequestLogger(logger))
	router.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	api.RegisterRoutes(router.Group("/"))

	srv := &http.Server{Addr: cfg.API.SearcherListenAddr, Handler: router}
	go func() {
		logger.Info("searcher: listening", map[string]interface{}{"addr": cfg.API.SearcherListenAddr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("searcher: http server failed", map[string]interface{}{"error": err.Error()})
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("searcher: shutting down", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("searcher: http shutdown error", map[string]interface{}{"error": err.Error()})
	}
}
