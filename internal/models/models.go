// Package models defines the shared data model for the indexing core:
// sources, sync runs, documents, embeddings, queue items and the
// connector event tagged union.
package models

import (
	"encoding/json"
	"time"
)

// SourceType enumerates the kinds of connector instances administered
// by the platform.
type SourceType string

const (
	SourceTypeLocal      SourceType = "local"
	SourceTypeWeb        SourceType = "web"
	SourceTypeSlack      SourceType = "slack"
	SourceTypeConfluence SourceType = "confluence"
	SourceTypeJira       SourceType = "jira"
	SourceTypeGmail      SourceType = "gmail"
	SourceTypeDrive      SourceType = "drive"
)

// SyncStatus is the last-known sync state of a Source.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusRunning SyncStatus = "running"
	SyncStatusError   SyncStatus = "error"
)

// Source is an administrative unit identifying one connector instance.
type Source struct {
	ID                 string          `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Type               SourceType      `db:"type" json:"type"`
	Config             json.RawMessage `db:"config" json:"config"`
	IsActive           bool            `db:"is_active" json:"is_active"`
	SyncIntervalSecs   int             `db:"sync_interval_seconds" json:"sync_interval_seconds"`
	NextSyncAt         *time.Time      `db:"next_sync_at" json:"next_sync_at,omitempty"`
	LastSyncAt         *time.Time      `db:"last_sync_at" json:"last_sync_at,omitempty"`
	SyncStatus         SyncStatus      `db:"sync_status" json:"sync_status"`
	CreatedBy          string          `db:"created_by" json:"created_by"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
	DeletedAt          *time.Time      `db:"deleted_at" json:"deleted_at,omitempty"`
}

// SyncType distinguishes a full re-crawl from an incremental delta.
type SyncType string

const (
	SyncTypeFull        SyncType = "full"
	SyncTypeIncremental SyncType = "incremental"
)

// SyncRunStatus is the lifecycle state of a SyncRun.
type SyncRunStatus string

const (
	SyncRunRunning   SyncRunStatus = "running"
	SyncRunCompleted SyncRunStatus = "completed"
	SyncRunFailed    SyncRunStatus = "failed"
	SyncRunCancelled SyncRunStatus = "cancelled"
)

// TriggerType records what started a SyncRun.
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerScheduled TriggerType = "scheduled"
	TriggerWebhook   TriggerType = "webhook"
)

// SyncRun is one attempt to sync a Source. At most one Running SyncRun
// may exist per source at a time (enforced by a partial unique index,
// see migrations).
type SyncRun struct {
	ID               string        `db:"id" json:"id"`
	SourceID         string        `db:"source_id" json:"source_id"`
	SyncType         SyncType      `db:"sync_type" json:"sync_type"`
	Status           SyncRunStatus `db:"status" json:"status"`
	TriggerType      TriggerType   `db:"trigger_type" json:"trigger_type"`
	StartedAt        time.Time     `db:"started_at" json:"started_at"`
	LastActivityAt   time.Time     `db:"last_activity_at" json:"last_activity_at"`
	DocumentsScanned int           `db:"documents_scanned" json:"documents_scanned"`
	DocumentsUpdated int           `db:"documents_updated" json:"documents_updated"`
	Error            *string       `db:"error" json:"error,omitempty"`
}

// EmbeddingStatus tracks whether a document has been vectorized.
type EmbeddingStatus string

const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingFailed    EmbeddingStatus = "failed"
)

// Permissions gates search visibility for a Document.
type Permissions struct {
	Public bool     `json:"public"`
	Users  []string `json:"users,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// Allows reports whether userID/userGroups may see a document carrying
// these permissions.
func (p Permissions) Allows(userID string, userGroups []string) bool {
	if p.Public {
		return true
	}
	for _, u := range p.Users {
		if u == userID {
			return true
		}
	}
	groupSet := make(map[string]struct{}, len(p.Groups))
	for _, g := range p.Groups {
		groupSet[g] = struct{}{}
	}
	for _, g := range userGroups {
		if _, ok := groupSet[g]; ok {
			return true
		}
	}
	return false
}

// Document is the unit indexed by the core.
type Document struct {
	ID             string          `db:"id" json:"id"`
	SourceID       string          `db:"source_id" json:"source_id"`
	ExternalID     string          `db:"external_id" json:"external_id"`
	Title          string          `db:"title" json:"title"`
	ContentID      string          `db:"content_id" json:"content_id"`
	ContentType    string          `db:"content_type" json:"content_type"`
	FileSize       int64           `db:"file_size" json:"file_size"`
	FileExtension  string          `db:"file_extension" json:"file_extension"`
	URL            string          `db:"url" json:"url"`
	Metadata       json.RawMessage `db:"metadata" json:"metadata"`
	Permissions    Permissions     `db:"-" json:"permissions"`
	PermissionsRaw json.RawMessage `db:"permissions" json:"-"`
	Attributes     json.RawMessage `db:"attributes" json:"attributes"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
	LastIndexedAt  time.Time       `db:"last_indexed_at" json:"last_indexed_at"`
	EmbeddingStatus EmbeddingStatus `db:"embedding_status" json:"embedding_status"`
}

// Embedding is one chunk vector belonging to a Document.
type Embedding struct {
	ID               string    `db:"id" json:"id"`
	DocumentID       string    `db:"document_id" json:"document_id"`
	ChunkIndex       int       `db:"chunk_index" json:"chunk_index"`
	ChunkStartOffset int       `db:"chunk_start_offset" json:"chunk_start_offset"`
	ChunkEndOffset   int       `db:"chunk_end_offset" json:"chunk_end_offset"`
	Vector           []float32 `db:"-" json:"vector"`
	ModelName        string    `db:"model_name" json:"model_name"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}

// QueueStatus is the lifecycle state of a QueueItem.
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusDeadLetter QueueStatus = "dead_letter"
)

// QueueItem is a row in the event queue or embedding queue.
type QueueItem struct {
	ID                   string      `db:"id" json:"id"`
	SourceID             *string     `db:"source_id" json:"source_id,omitempty"`
	Payload              []byte      `db:"payload" json:"payload"`
	Status               QueueStatus `db:"status" json:"status"`
	RetryCount           int         `db:"retry_count" json:"retry_count"`
	MaxRetries           int         `db:"max_retries" json:"max_retries"`
	ProcessingStartedAt  *time.Time  `db:"processing_started_at" json:"processing_started_at,omitempty"`
	CompletedAt          *time.Time  `db:"completed_at" json:"completed_at,omitempty"`
	NextRetryAt          *time.Time  `db:"next_retry_at" json:"next_retry_at,omitempty"`
	LastError            *string     `db:"last_error" json:"last_error,omitempty"`
	CreatedAt            time.Time   `db:"created_at" json:"created_at"`
}

// ConnectorEventType tags the ConnectorEvent union.
type ConnectorEventType string

const (
	EventDocumentCreated ConnectorEventType = "DocumentCreated"
	EventDocumentUpdated ConnectorEventType = "DocumentUpdated"
	EventDocumentDeleted ConnectorEventType = "DocumentDeleted"
)

// ConnectorEvent is the externally-tagged payload carried by the event
// queue: {"DocumentCreated": {...}}. Only one of the *Payload fields is
// set, matching Type.
type ConnectorEvent struct {
	Type ConnectorEventType `json:"-"`

	DocumentCreated *DocumentChangePayload `json:"DocumentCreated,omitempty"`
	DocumentUpdated *DocumentChangePayload `json:"DocumentUpdated,omitempty"`
	DocumentDeleted *DocumentDeletedPayload `json:"DocumentDeleted,omitempty"`
}

// DocumentChangePayload backs DocumentCreated/DocumentUpdated. Shape
// matches spec.md §3's literal ConnectorEvent exactly: connectors never
// send title/url/content_type as top-level fields, nor a separate
// external_id distinct from document_id — the original's
// handle_document_created (services/indexer/src/queue_processor.rs)
// clones document_id into the stored row's external_id and derives
// title/content_type/url from metadata (DocumentMetadataFields below).
type DocumentChangePayload struct {
	SyncRunID   string          `json:"sync_run_id"`
	SourceID    string          `json:"source_id"`
	DocumentID  string          `json:"document_id"`
	ContentID   string          `json:"content_id"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Permissions Permissions     `json:"permissions"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

// DocumentMetadataFields holds the well-known metadata keys the Event
// Processor reads document attributes from — mirrors the original's
// DocumentMetadata struct (title, mime_type, url among others); any
// other keys in Metadata stay opaque and are stored as-is.
type DocumentMetadataFields struct {
	Title    string `json:"title"`
	MimeType string `json:"mime_type"`
	URL      string `json:"url"`
}

// DocumentDeletedPayload backs DocumentDeleted.
type DocumentDeletedPayload struct {
	SyncRunID  string `json:"sync_run_id"`
	SourceID   string `json:"source_id"`
	DocumentID string `json:"document_id"`
}

// MarshalJSON writes the externally-tagged shape {"DocumentCreated": {...}}.
func (e ConnectorEvent) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventDocumentCreated:
		return json.Marshal(map[string]*DocumentChangePayload{"DocumentCreated": e.DocumentCreated})
	case EventDocumentUpdated:
		return json.Marshal(map[string]*DocumentChangePayload{"DocumentUpdated": e.DocumentUpdated})
	case EventDocumentDeleted:
		return json.Marshal(map[string]*DocumentDeletedPayload{"DocumentDeleted": e.DocumentDeleted})
	default:
		return nil, errUnknownEventType
	}
}

// UnmarshalJSON parses the externally-tagged shape back into the union.
func (e *ConnectorEvent) UnmarshalJSON(data []byte) error {
	var probe struct {
		DocumentCreated *DocumentChangePayload  `json:"DocumentCreated"`
		DocumentUpdated *DocumentChangePayload  `json:"DocumentUpdated"`
		DocumentDeleted *DocumentDeletedPayload `json:"DocumentDeleted"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return err
	}
	switch {
	case probe.DocumentCreated != nil:
		e.Type = EventDocumentCreated
		e.DocumentCreated = probe.DocumentCreated
	case probe.DocumentUpdated != nil:
		e.Type = EventDocumentUpdated
		e.DocumentUpdated = probe.DocumentUpdated
	case probe.DocumentDeleted != nil:
		e.Type = EventDocumentDeleted
		e.DocumentDeleted = probe.DocumentDeleted
	default:
		return errUnknownEventType
	}
	return nil
}

// DocumentID returns the document this event refers to, regardless of
// variant.
func (e ConnectorEvent) DocumentID() string {
	switch e.Type {
	case EventDocumentCreated:
		return e.DocumentCreated.DocumentID
	case EventDocumentUpdated:
		return e.DocumentUpdated.DocumentID
	case EventDocumentDeleted:
		return e.DocumentDeleted.DocumentID
	default:
		return ""
	}
}

// SourceID returns the source this event refers to, regardless of
// variant.
func (e ConnectorEvent) SourceID() string {
	switch e.Type {
	case EventDocumentCreated:
		return e.DocumentCreated.SourceID
	case EventDocumentUpdated:
		return e.DocumentUpdated.SourceID
	case EventDocumentDeleted:
		return e.DocumentDeleted.SourceID
	default:
		return ""
	}
}

// ConnectorState is the opaque per-source JSON a connector owns (e.g.
// Slack channel high-water timestamps, Confluence page versions),
// written back atomically on sync completion.
type ConnectorState struct {
	SourceID  string          `db:"source_id" json:"source_id"`
	State     json.RawMessage `db:"state" json:"state"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Credentials is the opaque, already-encrypted-at-rest credential blob
// for a Source. The core never decrypts or interprets it; that is the
// responsibility of the external credential service (spec §1).
type Credentials struct {
	SourceID  string    `db:"source_id" json:"source_id"`
	Data      []byte    `db:"data" json:"data"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

var errUnknownEventType = jsonError("connector event: unknown or empty variant")

type jsonError string

func (e jsonError) Error() string { return string(e) }
