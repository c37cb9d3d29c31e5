// Package sdk implements the Connector → core SDK HTTP surface (spec
// §6): the thin JSON API the connector runtime calls to push events,
// stash content, report sync progress, and read back source
// configuration. Grounded on the teacher's apps/rest-api per-resource
// API struct pattern (internal/api/agent_api.go: RegisterRoutes over a
// *gin.RouterGroup, JSON bind-and-validate, gin.H error responses).
package sdk

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/developer-mesh/hybrid-indexer/internal/blob"
	apperrors "github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/httpapi"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
	"github.com/developer-mesh/hybrid-indexer/internal/sources"
)

// API wires the SDK's Gin routes to the event queue, blob store and
// sources repository.
type API struct {
	eventQueue *queue.Queue
	blobs      *blob.Store
	sourcesDB  *sources.Repository
	cancel     *sources.CancelRegistry
	inflight   *webhookDedup
	logger     observability.Logger
}

// New builds the SDK API.
func New(eventQueue *queue.Queue, blobs *blob.Store, sourcesDB *sources.Repository, cancel *sources.CancelRegistry, logger observability.Logger) *API {
	return &API{
		eventQueue: eventQueue,
		blobs:      blobs,
		sourcesDB:  sourcesDB,
		cancel:     cancel,
		inflight:   newWebhookDedup(),
		logger:     logger,
	}
}

// RegisterRoutes mounts every /sdk/... endpoint named in spec §6 onto
// router.
func (a *API) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/events", a.postEvent)
	router.POST("/content", a.postContent)
	router.POST("/sync/create", a.postSyncCreate)
	router.POST("/sync/cancel", a.postSyncCancel)
	router.POST("/sync/:id/heartbeat", a.postSyncHeartbeat)
	router.POST("/sync/:id/scanned", a.postSyncScanned)
	router.POST("/sync/:id/complete", a.postSyncComplete)
	router.POST("/sync/:id/fail", a.postSyncFail)
	router.GET("/source/:id", a.getSource)
	router.GET("/source/:id/connector-state", a.getConnectorState)
	router.PUT("/source/:id/connector-state", a.putConnectorState)
	router.GET("/sources/by-type/:type", a.getSourcesByType)
	router.GET("/credentials/:source_id", a.getCredentials)
	router.POST("/webhook/notify", a.postWebhookNotify)
}

type postEventRequest struct {
	SyncRunID string          `json:"sync_run_id" binding:"required"`
	SourceID  string          `json:"source_id" binding:"required"`
	Event     json.RawMessage `json:"event" binding:"required"`
}

// postEvent enqueues a raw ConnectorEvent payload onto the Event
// Queue. The SyncRunID is carried as the queue item's source_id column
// so the Event Processor can attribute failures back to a sync run.
func (a *API) postEvent(c *gin.Context) {
	var req postEventRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	var ev models.ConnectorEvent
	if err := json.Unmarshal(req.Event, &ev); err != nil {
		httpapi.WriteError(c, apperrors.Wrap(err, "INVALID_CONNECTOR_EVENT", apperrors.ClassValidation))
		return
	}
	if _, err := a.eventQueue.Enqueue(c.Request.Context(), req.SyncRunID, req.Event); err != nil {
		httpapi.WriteError(c, apperrors.Wrap(err, "EVENT_ENQUEUE_FAILED", apperrors.ClassTransient))
		return
	}
	c.Status(http.StatusNoContent)
}

type postContentRequest struct {
	SyncRunID   string `json:"sync_run_id" binding:"required"`
	Content     string `json:"content" binding:"required"`
	ContentType string `json:"content_type"`
}

// postContent stores connector-supplied content in the blob store and
// returns its content-addressed id, the canonical path per spec §9's
// "choose the content-addressed path uniformly" decision.
func (a *API) postContent(c *gin.Context) {
	var req postContentRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	contentID, err := a.blobs.StoreText(c.Request.Context(), req.Content)
	if err != nil {
		httpapi.WriteError(c, apperrors.Wrap(err, "CONTENT_STORE_FAILED", apperrors.ClassTransient))
		return
	}
	c.JSON(http.StatusOK, gin.H{"content_id": string(contentID)})
}

type postSyncCreateRequest struct {
	SourceID string `json:"source_id" binding:"required"`
	SyncType string `json:"sync_type" binding:"required"`
}

func (a *API) postSyncCreate(c *gin.Context) {
	var req postSyncCreateRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	run, err := a.sourcesDB.CreateSyncRun(c.Request.Context(), req.SourceID, models.SyncType(req.SyncType), models.TriggerManual)
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_run_id": run.ID})
}

type postSyncCancelRequest struct {
	SyncRunID string `json:"sync_run_id" binding:"required"`
}

func (a *API) postSyncCancel(c *gin.Context) {
	var req postSyncCancelRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	a.cancel.Cancel(req.SyncRunID)
	if err := a.sourcesDB.CancelSyncRun(c.Request.Context(), req.SyncRunID); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (a *API) postSyncHeartbeat(c *gin.Context) {
	if err := a.sourcesDB.Heartbeat(c.Request.Context(), c.Param("id")); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type postSyncScannedRequest struct {
	Count int `json:"count" binding:"required"`
}

func (a *API) postSyncScanned(c *gin.Context) {
	var req postSyncScannedRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	if err := a.sourcesDB.RecordScanned(c.Request.Context(), c.Param("id"), req.Count); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type postSyncCompleteRequest struct {
	DocumentsScanned int             `json:"documents_scanned"`
	DocumentsUpdated int             `json:"documents_updated"`
	NewState         json.RawMessage `json:"new_state"`
}

func (a *API) postSyncComplete(c *gin.Context) {
	var req postSyncCompleteRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	syncRunID := c.Param("id")
	if err := a.sourcesDB.CompleteSyncRun(c.Request.Context(), syncRunID, req.DocumentsScanned, req.DocumentsUpdated, req.NewState); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	a.cancel.Clear(syncRunID)
	c.Status(http.StatusNoContent)
}

type postSyncFailRequest struct {
	Error string `json:"error" binding:"required"`
}

func (a *API) postSyncFail(c *gin.Context) {
	var req postSyncFailRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}
	syncRunID := c.Param("id")
	if err := a.sourcesDB.FailSyncRun(c.Request.Context(), syncRunID, req.Error); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	a.cancel.Clear(syncRunID)
	c.Status(http.StatusNoContent)
}

func (a *API) getSource(c *gin.Context) {
	source, err := a.sourcesDB.GetSource(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, source)
}

func (a *API) getSourcesByType(c *gin.Context) {
	list, err := a.sourcesDB.ListSourcesByType(c.Request.Context(), c.Param("type"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (a *API) getCredentials(c *gin.Context) {
	creds, err := a.sourcesDB.GetCredentials(c.Request.Context(), c.Param("source_id"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, creds)
}

func (a *API) getConnectorState(c *gin.Context) {
	st, err := a.sourcesDB.GetConnectorState(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) putConnectorState(c *gin.Context) {
	var state json.RawMessage
	if !httpapi.BindJSONOr400(c, &state) {
		return
	}
	if err := a.sourcesDB.PutConnectorState(c.Request.Context(), c.Param("id"), state); err != nil {
		httpapi.WriteError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type postWebhookNotifyRequest struct {
	SourceID  string `json:"source_id" binding:"required"`
	EventType string `json:"event_type" binding:"required"`
}

// postWebhookNotify starts a webhook-triggered sync, deduplicated per
// source so a burst of webhook deliveries arriving for the same source
// while one is already being created collapses onto a single
// CreateSyncRun call (spec §9's in-flight work-dedup guard). A
// source that already has a Running SyncRun simply reports the
// conflict via CreateSyncRun's own ClassConflict error.
func (a *API) postWebhookNotify(c *gin.Context) {
	var req postWebhookNotifyRequest
	if !httpapi.BindJSONOr400(c, &req) {
		return
	}

	call, leader := a.inflight.enter(req.SourceID)
	if leader {
		func() {
			defer a.inflight.done(req.SourceID, call)
			call.err = apperrors.New("WEBHOOK_SYNC_ABORTED", "webhook sync creation did not complete", apperrors.ClassTransient)
			run, err := a.sourcesDB.CreateSyncRun(c.Request.Context(), req.SourceID, models.SyncTypeIncremental, models.TriggerWebhook)
			if err == nil {
				call.syncRunID = run.ID
			}
			call.err = err
		}()
	} else {
		<-call.done
	}

	if call.err != nil {
		httpapi.WriteError(c, call.err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sync_run_id": call.syncRunID})
}
