package processor

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

func newTestEventProcessor(t *testing.T) (*EventProcessor, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	database := db.New(sqlxDB, nil)

	cfg := config.QueueConfig{
		EventBatchSize:       10,
		MaxRetries:           3,
		BackoffBaseSeconds:   30,
		BackoffMaxSeconds:    1800,
		EmbeddingBatchSize:   10,
	}

	eventQueue := queue.NewEventQueue(database, cfg, nil)
	embeddingQueue := queue.NewEmbeddingQueue(database, cfg, nil)
	docsRepo := documents.New(database)

	p := NewEventProcessor(eventQueue, embeddingQueue, docsRepo, database, cfg, nil, nil, nil, nil)
	return p, mock, func() { _ = mockDB.Close() }
}

// createdEvent builds a DocumentCreated event using the spec's actual
// wire shape: no top-level external_id/title fields, title carried in
// metadata the way a real connector sends it.
func createdEvent(sourceID, documentID string) models.ConnectorEvent {
	return models.ConnectorEvent{
		Type: models.EventDocumentCreated,
		DocumentCreated: &models.DocumentChangePayload{
			SourceID:   sourceID,
			DocumentID: documentID,
			Metadata:   []byte(`{"title":"Doc Title"}`),
		},
	}
}

func mustMarshal(t *testing.T, event models.ConnectorEvent) []byte {
	t.Helper()
	data, err := event.MarshalJSON()
	require.NoError(t, err)
	return data
}

func TestProcessBatch_UpsertEnqueueAndRefresh(t *testing.T) {
	p, mock, closeFn := newTestEventProcessor(t)
	defer closeFn()

	item := models.QueueItem{
		ID:        "qitem-1",
		Payload:   mustMarshal(t, createdEvent("src-1", "doc-1")),
		CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO documents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectCommit()

	mock.ExpectExec("INSERT INTO embedding_queue").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("NOTIFY embedding_queue").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET tsvector").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE event_queue SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatch_DedupKeepsLatestBySourceAndDocument(t *testing.T) {
	p, mock, closeFn := newTestEventProcessor(t)
	defer closeFn()

	now := time.Now()
	older := models.QueueItem{
		ID:        "qitem-older",
		Payload:   mustMarshal(t, createdEvent("src-1", "doc-1")),
		CreatedAt: now,
	}
	newer := models.QueueItem{
		ID:        "qitem-newer",
		Payload:   mustMarshal(t, createdEvent("src-1", "doc-1")),
		CreatedAt: now.Add(time.Second),
	}

	// Only the newer event is applied: one upsert, one enqueue.
	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO documents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("doc-1"))
	mock.ExpectCommit()

	mock.ExpectExec("INSERT INTO embedding_queue").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("NOTIFY embedding_queue").WillReturnResult(sqlmock.NewResult(0, 0))

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE documents SET tsvector").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// Both queue items (the superseded older one and the applied newer
	// one) are marked completed together.
	mock.ExpectExec("UPDATE event_queue SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 2))

	p.processBatch(context.Background(), []models.QueueItem{older, newer})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatch_MalformedPayloadMarksFailed(t *testing.T) {
	p, mock, closeFn := newTestEventProcessor(t)
	defer closeFn()

	item := models.QueueItem{
		ID:        "qitem-bad",
		Payload:   []byte(`not json`),
		CreatedAt: time.Now(),
		RetryCount: 0,
		MaxRetries: 3,
	}

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(0, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM event_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE event_queue SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessBatch_DeleteEventSkipsTSVectorRefresh(t *testing.T) {
	p, mock, closeFn := newTestEventProcessor(t)
	defer closeFn()

	event := models.ConnectorEvent{
		Type: models.EventDocumentDeleted,
		DocumentDeleted: &models.DocumentDeletedPayload{
			SourceID:   "src-1",
			DocumentID: "doc-1",
		},
	}
	item := models.QueueItem{
		ID:        "qitem-del",
		Payload:   mustMarshal(t, event),
		CreatedAt: time.Now(),
	}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM documents WHERE id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// No tsvector refresh: a delete touches no document id.
	mock.ExpectExec("UPDATE event_queue SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}
