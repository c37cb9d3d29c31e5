// Package indexerapi implements the synchronous Indexer API (spec
// §6): direct document CRUD plus admin GC and queue operations, as
// distinct from the asynchronous Event Queue path the Connector SDK
// writes through. Grounded on the teacher's apps/rest-api per-resource
// API struct pattern.
package indexerapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	apperrors "github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/gcworker"
	"github.com/developer-mesh/hybrid-indexer/internal/httpapi"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

// API wires the Indexer's Gin routes to the documents store, blob
// store, embedding queue (for bulk upsert triggering re-embedding) and
// the GC worker.
type API struct {
	docs      *documents.Repository
	blobs     *blob.Store
	database  *db.DB
	eventQ    *queue.Queue
	embedQ    *queue.Queue
	gc        *gcworker.Worker
	startedAt func() bool
}

// New builds the Indexer API. ready reports whether the process has
// finished its startup sequence (database reachable, blob store client built),
// backing GET /ready independent of GET /health.
func New(docs *documents.Repository, blobs *blob.Store, database *db.DB, eventQ, embedQ *queue.Queue, gc *gcworker.Worker, ready func() bool) *API {
	return &API{docs: docs, blobs: blobs, database: database, eventQ: eventQ, embedQ: embedQ, gc: gc, startedAt: ready}
}

// RegisterRoutes mounts the document CRUD, admin and health endpoints
// onto router.
func (a *API) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/documents", a.createDocument)
	router.PUT("/documents/:id", a.updateDocument)
	router.DELETE("/documents/:id", a.deleteDocument)
	router.GET("/documents/:id", a.getDocument)
	router.GET("/documents/:id/content", a.getDocumentContent)
	router.POST("/documents/bulk", a.bulkDocuments)
	router.POST("/admin/gc/run", a.runGC)
	router.GET("/admin/gc/stats", a.gcStats)
	router.GET("/admin/queue/stats", a.queueStats)
	router.POST("/admin/queue/retry", a.retryQueue)
	router.GET("/health", a.health)
	router.GET("/ready", a.readiness)
}

type documentRequest struct {
	SourceID    string                 `json:"source_id" binding:"required"`
	ExternalID  string                 `json:"external_id" binding:"required"`
	Title       string                 `json:"title"`
	ContentID   string                 `json:"content_id"`
	ContentText string                 `json:"content_text"`
	ContentType string                 `json:"content_type"`
	URL         string                 `json:"url"`
	FileSize    int64                  `json:"file_size"`
	Metadata    map[string]interface{} `json:"metadata"`
	Permissions models.Permissions     `json:"permissions"`
	Attributes  map[string]interface{} `json:"attributes"`
}

func (req documentRequest) toUpsertInput() (documents.UpsertInput, error) {
	metadata, err := marshalOrEmpty(req.Metadata)
	if err != nil {
		return documents.UpsertInput{}, err
	}
	attrs, err := marshalOrEmpty(req.Attributes)
	if err != nil {
		return documents.UpsertInput{}, err
	}
	return documents.UpsertInput{
		SourceID:    req.SourceID,
		ExternalID:  req.ExternalID,
		Title:       req.Title,
		ContentID:   req.ContentID,
		ContentText: req.ContentText,
		ContentType: req.ContentType,
		URL:         req.URL,
		FileSize:    req.FileSize,
		Metadata:    metadata,
		Permissions: req.Permissions,
		Attributes:  attrs,
	}, nil
}

// createDocument and updateDocument both resolve to the same
// upsert-keyed-by-(source_id,external_id) semantics the Event
// Processor uses; the Indexer API is a synchronous bypass around the
// Event Queue for callers that already hold fully-formed document
// content (e.g. backfills, tests).
func (a *API) createDocument(c *gin.Context) {
	a.upsert(c, "")
}

func (a *API) updateDocument(c *gin.Context) {
	a.upsert(c, c.Param("id"))
}

func (a *API) upsert(c *gin.Context, _ string) {
	var req documentRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	in, err := req.toUpsertInput()
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}

	var docID string
	err = a.database.Transaction(c.Request.Context(), func(tx *sqlx.Tx) error {
		id, upsertErr := a.docs.Upsert(c.Request.Context(), tx, in)
		if upsertErr != nil {
			return upsertErr
		}
		docID = id
		if a.embedQ != nil {
			if _, enqueueErr := a.embedQ.Enqueue(c.Request.Context(), "", []byte(docID)); enqueueErr != nil && enqueueErr != queue.ErrAlreadyQueued {
				return enqueueErr
			}
		}
		return nil
	})
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": docID})
}

func (a *API) deleteDocument(c *gin.Context) {
	id := c.Param("id")
	err := a.database.Transaction(c.Request.Context(), func(tx *sqlx.Tx) error {
		return a.docs.DeleteByID(c.Request.Context(), tx, id)
	})
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) getDocument(c *gin.Context) {
	doc, err := a.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// getDocumentContent fetches the document's raw content blob, resolving
// the content_id indirection callers would otherwise have to do
// themselves against the blob store directly.
func (a *API) getDocumentContent(c *gin.Context) {
	doc, err := a.docs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	if doc.ContentID == "" {
		httpapi.WriteError(c, apperrors.New("DOCUMENT_CONTENT_MISSING", "document has no stored content", apperrors.ClassNotFound))
		return
	}
	content, err := a.blobs.GetContent(c.Request.Context(), blob.ContentID(doc.ContentID))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	contentType := doc.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Data(http.StatusOK, contentType, content)
}

type bulkOperation struct {
	Operation  string                 `json:"operation" binding:"required"`
	DocumentID string                 `json:"document_id"`
	Document   *documentRequest       `json:"document"`
	Updates    map[string]interface{} `json:"updates"`
}

type bulkRequest struct {
	Operations []bulkOperation `json:"operations" binding:"required"`
}

// bulkDocuments applies a mixed batch of upsert/delete operations,
// continuing past per-item failures and reporting them individually
// rather than aborting the whole batch.
func (a *API) bulkDocuments(c *gin.Context) {
	var req bulkRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}

	successCount, errorCount := 0, 0
	var errs []string

	for _, op := range req.Operations {
		var opErr error
		switch op.Operation {
		case "upsert", "create", "update":
			if op.Document == nil {
				opErr = apperrors.New("BULK_MISSING_DOCUMENT", "operation requires a document payload", apperrors.ClassValidation)
				break
			}
			in, convErr := op.Document.toUpsertInput()
			if convErr != nil {
				opErr = convErr
				break
			}
			opErr = a.database.Transaction(c.Request.Context(), func(tx *sqlx.Tx) error {
				docID, err := a.docs.Upsert(c.Request.Context(), tx, in)
				if err != nil {
					return err
				}
				if a.embedQ != nil {
					if _, err := a.embedQ.Enqueue(c.Request.Context(), "", []byte(docID)); err != nil && err != queue.ErrAlreadyQueued {
						return err
					}
				}
				return nil
			})
		case "delete":
			if op.DocumentID == "" {
				opErr = apperrors.New("BULK_MISSING_DOCUMENT_ID", "delete operation requires document_id", apperrors.ClassValidation)
				break
			}
			opErr = a.database.Transaction(c.Request.Context(), func(tx *sqlx.Tx) error {
				return a.docs.DeleteByID(c.Request.Context(), tx, op.DocumentID)
			})
		default:
			opErr = apperrors.New("BULK_UNKNOWN_OPERATION", "unknown operation: "+op.Operation, apperrors.ClassValidation)
		}

		if opErr != nil {
			errorCount++
			errs = append(errs, opErr.Error())
		} else {
			successCount++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success_count": successCount,
		"error_count":   errorCount,
		"errors":        errs,
	})
}

func (a *API) runGC(c *gin.Context) {
	if a.gc == nil {
		httpapi.WriteError(c, apperrors.New("GC_NOT_CONFIGURED", "gc worker not configured", apperrors.ClassFatal))
		return
	}
	report, err := a.gc.Sweep(c.Request.Context())
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (a *API) gcStats(c *gin.Context) {
	if a.gc == nil {
		httpapi.WriteError(c, apperrors.New("GC_NOT_CONFIGURED", "gc worker not configured", apperrors.ClassFatal))
		return
	}
	c.JSON(http.StatusOK, a.gc.LastReport())
}

func (a *API) queueStats(c *gin.Context) {
	eventStats, err := a.eventQ.GetQueueStats(c.Request.Context())
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	embedStats, err := a.embedQ.GetQueueStats(c.Request.Context())
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"event_queue": eventStats, "embedding_queue": embedStats})
}

type retryQueueRequest struct {
	Queue string `json:"queue" binding:"required"`
}

// retryQueue moves the chosen queue's Failed items whose backoff has
// elapsed back to Pending, the same RetryFailedEvents call the worker's
// maintenance loop makes. DeadLetter items are not touched.
func (a *API) retryQueue(c *gin.Context) {
	var req retryQueueRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	var q *queue.Queue
	switch req.Queue {
	case "event", "events", "event_queue":
		q = a.eventQ
	case "embedding", "embeddings", "embedding_queue":
		q = a.embedQ
	default:
		httpapi.WriteError(c, apperrors.New("UNKNOWN_QUEUE", "unknown queue: "+req.Queue, apperrors.ClassValidation))
		return
	}
	count, err := q.RetryFailedEvents(c.Request.Context())
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"retried": count})
}

func (a *API) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *API) readiness(c *gin.Context) {
	if a.startedAt != nil && !a.startedAt() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func marshalOrEmpty(m map[string]interface{}) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
