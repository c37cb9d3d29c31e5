// Package processor implements the two stages of the indexing
// pipeline: the Event Processor (connector events -> document store)
// and the Embedding Processor (documents -> chunk vectors), each
// consuming its own queue with adaptive batch accumulation (spec §4.3,
// §4.4).
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

// EventProcessor drains the Event Queue with adaptive batch
// accumulation: whichever of threshold, idle-timeout or max-wait fires
// first triggers a flush.
type EventProcessor struct {
	eventQueue      *queue.Queue
	embeddingQueue  *queue.Queue
	documents       *documents.Repository
	db              *db.DB
	cfg             config.QueueConfig
	contentLoader   ContentLoader
	logger          observability.Logger
	metrics         observability.MetricsClient
	notifier        *queue.Notifier

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// ContentLoader resolves a content_id to text for tsvector indexing.
// The embedding processor later re-chunks the same content; storing it
// once on the document avoids a second blob round trip.
type ContentLoader interface {
	GetContent(ctx context.Context, contentID string) ([]byte, error)
}

// NewEventProcessor builds an EventProcessor.
func NewEventProcessor(
	eventQueue, embeddingQueue *queue.Queue,
	documentsRepo *documents.Repository,
	database *db.DB,
	cfg config.QueueConfig,
	contentLoader ContentLoader,
	notifier *queue.Notifier,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *EventProcessor {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &EventProcessor{
		eventQueue:     eventQueue,
		embeddingQueue: embeddingQueue,
		documents:      documentsRepo,
		db:             database,
		cfg:            cfg,
		contentLoader:  contentLoader,
		notifier:       notifier,
		logger:         logger,
		metrics:        metrics,
	}
}

// Start runs the accumulation loop until ctx is cancelled or Stop is
// called. Safe to run as multiple instances: DequeueBatch's FOR UPDATE
// SKIP LOCKED guarantees disjoint leases.
func (p *EventProcessor) Start(ctx context.Context) {
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

// Stop signals the loop to exit and blocks until it has drained its
// current batch.
func (p *EventProcessor) Stop() {
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

func (p *EventProcessor) run(ctx context.Context) {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.CheckInterval())
	defer ticker.Stop()

	accumulated := make([]models.QueueItem, 0, p.cfg.EventBatchSize)
	var firstItemAt time.Time
	var lastItemAt time.Time

	flush := func() {
		if len(accumulated) == 0 {
			return
		}
		batch := accumulated
		accumulated = make([]models.QueueItem, 0, p.cfg.EventBatchSize)
		firstItemAt = time.Time{}
		p.processBatch(ctx, batch)
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-p.stopCh:
			flush()
			return
		case <-ticker.C:
			newItems, err := p.eventQueue.DequeueBatch(ctx, p.cfg.EventBatchSize-len(accumulated))
			if err != nil {
				p.logger.Error("event processor: dequeue failed", map[string]interface{}{"error": err.Error()})
				continue
			}
			if len(newItems) > 0 {
				now := time.Now()
				if firstItemAt.IsZero() {
					firstItemAt = now
				}
				lastItemAt = now
				accumulated = append(accumulated, newItems...)
			}

			switch {
			case len(accumulated) >= p.cfg.EventBatchSize:
				flush()
			case !firstItemAt.IsZero() && time.Since(firstItemAt) >= p.cfg.MaxWait():
				flush()
			case !lastItemAt.IsZero() && time.Since(lastItemAt) >= p.cfg.IdleTimeout() && len(accumulated) > 0:
				flush()
			}
		}
	}
}

// processBatch implements spec §4.3 steps 2-5.
func (p *EventProcessor) processBatch(ctx context.Context, batch []models.QueueItem) {
	type keyed struct {
		item  models.QueueItem
		event models.ConnectorEvent
	}

	type dedupKey struct{ sourceID, documentID string }
	latest := make(map[dedupKey]keyed)
	var superseded []string

	for _, item := range batch {
		var event models.ConnectorEvent
		if err := json.Unmarshal(item.Payload, &event); err != nil {
			_ = p.eventQueue.MarkFailed(ctx, item.ID, err)
			continue
		}

		key := dedupKey{sourceID: event.SourceID(), documentID: event.DocumentID()}
		if existing, ok := latest[key]; ok {
			if item.CreatedAt.After(existing.item.CreatedAt) {
				superseded = append(superseded, existing.item.ID)
				latest[key] = keyed{item: item, event: event}
			} else {
				superseded = append(superseded, item.ID)
			}
			continue
		}
		latest[key] = keyed{item: item, event: event}
	}

	var touchedDocuments []string
	var completed []string
	completed = append(completed, superseded...)

	for _, k := range latest {
		docID, err := p.applyEvent(ctx, k.event)
		if err != nil {
			p.logger.Error("event processor: apply event failed", map[string]interface{}{"error": err.Error(), "queue_item_id": k.item.ID})
			if markErr := p.eventQueue.MarkFailed(ctx, k.item.ID, err); markErr != nil {
				p.logger.Error("event processor: mark failed failed", map[string]interface{}{"error": markErr.Error()})
			}
			continue
		}
		if docID != "" {
			touchedDocuments = append(touchedDocuments, docID)
		}
		completed = append(completed, k.item.ID)
	}

	if len(touchedDocuments) > 0 {
		err := p.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			return p.documents.RefreshTSVector(ctx, tx, touchedDocuments)
		})
		if err != nil {
			p.logger.Error("event processor: refresh tsvector failed", map[string]interface{}{"error": err.Error()})
		}
	}

	if len(completed) > 0 {
		if err := p.eventQueue.MarkCompletedBatch(ctx, completed); err != nil {
			p.logger.Error("event processor: mark completed batch failed", map[string]interface{}{"error": err.Error()})
		}
	}

	p.metrics.RecordGauge("event_processor_batch_size", float64(len(batch)), nil)
}

// applyEvent upserts or deletes the document named by event and, on
// upsert, enqueues it for embedding. Returns the document id touched
// (empty for deletes, which have nothing left to tsvector-refresh).
func (p *EventProcessor) applyEvent(ctx context.Context, event models.ConnectorEvent) (string, error) {
	switch event.Type {
	case models.EventDocumentDeleted:
		payload := event.DocumentDeleted
		err := p.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			return p.documents.DeleteByID(ctx, tx, payload.DocumentID)
		})
		return "", err

	case models.EventDocumentCreated, models.EventDocumentUpdated:
		payload := event.DocumentCreated
		if event.Type == models.EventDocumentUpdated {
			payload = event.DocumentUpdated
		}

		var contentText string
		if p.contentLoader != nil && payload.ContentID != "" {
			raw, err := p.contentLoader.GetContent(ctx, payload.ContentID)
			if err == nil {
				contentText = string(raw)
			}
		}

		// title/content_type/url are not part of the wire event; they
		// live in metadata, the same way the original's
		// handle_document_created reads metadata.title/mime_type/url
		// (falling back to "Untitled" when no title is present).
		var fields models.DocumentMetadataFields
		if len(payload.Metadata) > 0 {
			_ = json.Unmarshal(payload.Metadata, &fields)
		}
		title := fields.Title
		if title == "" {
			title = "Untitled"
		}

		var documentID string
		err := p.db.Transaction(ctx, func(tx *sqlx.Tx) error {
			id, err := p.documents.Upsert(ctx, tx, documents.UpsertInput{
				SourceID:    payload.SourceID,
				ExternalID:  payload.DocumentID,
				Title:       title,
				ContentID:   payload.ContentID,
				ContentText: contentText,
				ContentType: fields.MimeType,
				URL:         fields.URL,
				Metadata:    payload.Metadata,
				Permissions: payload.Permissions,
				Attributes:  payload.Attributes,
			})
			if err != nil {
				return err
			}
			documentID = id
			return nil
		})
		if err != nil {
			return "", err
		}

		if _, err := p.embeddingQueue.Enqueue(ctx, "", []byte(documentID)); err != nil && err != queue.ErrAlreadyQueued {
			return documentID, err
		}
		return documentID, nil

	default:
		return "", nil
	}
}
