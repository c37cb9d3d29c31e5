package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/developer-mesh/hybrid-indexer/internal/chunking"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

// maxConcurrentSubBatches bounds how many embedder calls run at once
// per accumulated queue batch.
const maxConcurrentSubBatches = 4

// EmbeddingProcessor drains the Embedding Queue, chunking each
// document's content into overlapping windows and batching windows
// across documents before calling the embedder (spec §4.4).
type EmbeddingProcessor struct {
	embeddingQueue *queue.Queue
	documents      *documents.Repository
	embeddings     *embedstore.Store
	embedder       embedder.Embedder
	chunkCfg       chunking.SplitterConfig
	cfg            config.QueueConfig
	logger         observability.Logger
	metrics        observability.MetricsClient

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewEmbeddingProcessor builds an EmbeddingProcessor.
func NewEmbeddingProcessor(
	embeddingQueue *queue.Queue,
	documentsRepo *documents.Repository,
	embeddings *embedstore.Store,
	emb embedder.Embedder,
	chunkCfg chunking.SplitterConfig,
	cfg config.QueueConfig,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *EmbeddingProcessor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &EmbeddingProcessor{
		embeddingQueue: embeddingQueue,
		documents:      documentsRepo,
		embeddings:     embeddings,
		embedder:       emb,
		chunkCfg:       chunkCfg,
		cfg:            cfg,
		logger:         logger,
		metrics:        metrics,
	}
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (p *EmbeddingProcessor) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	p.mu.Unlock()

	go p.run(ctx)
}

// Stop signals the loop to exit and waits for the in-flight batch.
func (p *EmbeddingProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	close(p.stopCh)
	done := p.doneCh
	p.mu.Unlock()
	<-done
}

func (p *EmbeddingProcessor) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.CheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			items, err := p.embeddingQueue.DequeueBatch(ctx, p.cfg.EmbeddingBatchSize)
			if err != nil {
				p.logger.Error("embedding processor: dequeue failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(items) == 0 {
				continue
			}
			p.processBatch(ctx, items)
		}
	}
}

// window ties one chunking.Window back to the document and queue item
// it came from, so results can be regrouped after the embedder call.
type window struct {
	item        models.QueueItem
	documentID  string
	chunkIndex  int
	chunkWindow chunking.Window
}

// processBatch implements spec §4.4: flattens every document's
// overlapping windows into one list, dispatches to the embedder in
// sub-batches of at most MaxEmbeddingBatchSize texts, reconstructs
// original-document offsets, and atomically replaces each document's
// embedding set.
func (p *EmbeddingProcessor) processBatch(ctx context.Context, items []models.QueueItem) {
	var windows []window
	contentLen := make(map[string]int)
	failed := make(map[string]error)

	for _, item := range items {
		documentID := string(item.Payload)
		content, err := p.documents.GetContentText(ctx, documentID)
		if err != nil {
			failed[documentID] = err
			continue
		}
		contentLen[documentID] = len(content)

		docWindows := chunking.Split(content, p.chunkCfg)
		if len(docWindows) == 0 {
			failed[documentID] = fmt.Errorf("embedding processor: document %s has no content to embed", documentID)
			continue
		}
		for i, w := range docWindows {
			windows = append(windows, window{item: item, documentID: documentID, chunkIndex: i, chunkWindow: w})
		}
	}

	produced := make(map[string][]embedstore.Chunk)
	var mu sync.Mutex

	batchSize := p.cfg.MaxEmbeddingBatchSize
	if batchSize <= 0 {
		batchSize = 32
	}

	var subBatches [][]window
	for start := 0; start < len(windows); start += batchSize {
		end := start + batchSize
		if end > len(windows) {
			end = len(windows)
		}
		subBatches = append(subBatches, windows[start:end])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentSubBatches)

	for _, sub := range subBatches {
		sub := sub
		g.Go(func() error {
			texts := make([]string, len(sub))
			for i, w := range sub {
				texts[i] = w.chunkWindow.Text
			}

			results, err := p.embedder.Embed(gctx, embedder.Request{
				Texts: texts,
				Task:  embedder.TaskRetrievalPassage,
			})

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				for _, w := range sub {
					failed[w.documentID] = err
				}
				return nil
			}
			if len(results) != len(sub) {
				mismatchErr := fmt.Errorf("embedding processor: embedder returned %d results for %d inputs", len(results), len(sub))
				for _, w := range sub {
					failed[w.documentID] = mismatchErr
				}
				return nil
			}

			for i, w := range sub {
				de := results[i]
				if len(de.Chunks) == 0 {
					failed[w.documentID] = fmt.Errorf("embedding processor: zero embeddings for chunk %d of document %s", w.chunkIndex, w.documentID)
					continue
				}
				for _, cv := range de.Chunks {
					startOffset := chunking.Adjust(cv.Span.Start, w.chunkIndex, p.chunkCfg)
					endOffset := chunking.Adjust(cv.Span.End, w.chunkIndex, p.chunkCfg)
					produced[w.documentID] = append(produced[w.documentID], embedstore.Chunk{
						Index:       w.chunkIndex,
						StartOffset: startOffset,
						EndOffset:   endOffset,
						Vector:      cv.Vector,
						ModelName:   de.ModelName,
					})
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var completed []string
	byDocument := make(map[string]models.QueueItem, len(items))
	for _, item := range items {
		byDocument[string(item.Payload)] = item
	}

	for documentID, item := range byDocument {
		if err, isFailed := failed[documentID]; isFailed {
			p.logger.Error("embedding processor: document failed", map[string]interface{}{"document_id": documentID, "error": err.Error()})
			if markErr := p.embeddingQueue.MarkFailed(ctx, item.ID, err); markErr != nil {
				p.logger.Error("embedding processor: mark failed failed", map[string]interface{}{"error": markErr.Error()})
			}
			_ = p.documents.MarkEmbeddingStatus(ctx, documentID, models.EmbeddingFailed)
			continue
		}

		chunks := produced[documentID]
		if err := p.embeddings.Replace(ctx, documentID, contentLen[documentID], chunks); err != nil {
			p.logger.Error("embedding processor: replace failed", map[string]interface{}{"document_id": documentID, "error": err.Error()})
			if markErr := p.embeddingQueue.MarkFailed(ctx, item.ID, err); markErr != nil {
				p.logger.Error("embedding processor: mark failed failed", map[string]interface{}{"error": markErr.Error()})
			}
			_ = p.documents.MarkEmbeddingStatus(ctx, documentID, models.EmbeddingFailed)
			continue
		}

		_ = p.documents.MarkEmbeddingStatus(ctx, documentID, models.EmbeddingCompleted)
		completed = append(completed, item.ID)
	}

	if len(completed) > 0 {
		if err := p.embeddingQueue.MarkCompletedBatch(ctx, completed); err != nil {
			p.logger.Error("embedding processor: mark completed batch failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.metrics.RecordGauge("embedding_processor_batch_size", float64(len(items)), nil)
}
