package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/chunking"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/documents"
	"github.com/developer-mesh/hybrid-indexer/internal/embedder"
	"github.com/developer-mesh/hybrid-indexer/internal/embedstore"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/queue"
)

// fakeEmbedder returns one deterministic chunk vector per input text,
// covering the whole text as a single span, unless the text is listed
// in failOnTexts, in which case it returns a chunkless result.
type fakeEmbedder struct {
	failOnTexts map[string]bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, req embedder.Request) ([]embedder.DocumentEmbedding, error) {
	out := make([]embedder.DocumentEmbedding, len(req.Texts))
	for i, text := range req.Texts {
		if f.failOnTexts != nil && f.failOnTexts[text] {
			out[i] = embedder.DocumentEmbedding{ModelName: "fake-model"}
			continue
		}
		out[i] = embedder.DocumentEmbedding{
			ModelName: "fake-model",
			Chunks: []embedder.ChunkVector{
				{Vector: []float32{0.1, 0.2}, Span: embedder.Span{Start: 0, End: len(text)}},
			},
		}
	}
	return out, nil
}

func newTestEmbeddingProcessor(t *testing.T, emb embedder.Embedder) (*EmbeddingProcessor, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	database := db.New(sqlxDB, nil)

	cfg := config.QueueConfig{
		MaxRetries:            3,
		BackoffBaseSeconds:    30,
		BackoffMaxSeconds:     1800,
		MaxEmbeddingBatchSize: 32,
	}

	embeddingQueue := queue.NewEmbeddingQueue(database, cfg, nil)
	docsRepo := documents.New(database)
	embeddingsStore := embedstore.New(database)

	p := NewEmbeddingProcessor(embeddingQueue, docsRepo, embeddingsStore, emb, chunking.DefaultSplitterConfig(), cfg, nil, nil)
	return p, mock, func() { _ = mockDB.Close() }
}

func TestEmbeddingProcessor_ReplacesEmbeddingsOnSuccess(t *testing.T) {
	p, mock, closeFn := newTestEmbeddingProcessor(t, &fakeEmbedder{})
	defer closeFn()

	item := models.QueueItem{ID: "qitem-1", Payload: []byte("doc-1")}

	mock.ExpectQuery("SELECT coalesce\\(content_text").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("hello world"))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM embeddings WHERE document_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO embeddings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE embedding_queue SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingProcessor_EmptyContentMarksFailed(t *testing.T) {
	p, mock, closeFn := newTestEmbeddingProcessor(t, &fakeEmbedder{})
	defer closeFn()

	item := models.QueueItem{ID: "qitem-empty", Payload: []byte("doc-empty")}

	mock.ExpectQuery("SELECT coalesce\\(content_text").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(""))

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(0, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM embedding_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE embedding_queue SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingProcessor_ContentLoadFailureMarksFailed(t *testing.T) {
	p, mock, closeFn := newTestEmbeddingProcessor(t, &fakeEmbedder{})
	defer closeFn()

	item := models.QueueItem{ID: "qitem-missing", Payload: []byte("doc-missing")}

	mock.ExpectQuery("SELECT coalesce\\(content_text").WillReturnError(errors.New("connection reset"))

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(0, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM embedding_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE embedding_queue SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingProcessor_BatchCoversMultipleDocumentsInOneSubBatch(t *testing.T) {
	// Two documents whose windows both fit under MaxEmbeddingBatchSize,
	// so they flatten into one sub-batch and one embedder call, then
	// resolve to two independent Replace transactions.
	p, mock, closeFn := newTestEmbeddingProcessor(t, &fakeEmbedder{})
	defer closeFn()

	items := []models.QueueItem{
		{ID: "qitem-a", Payload: []byte("doc-a")},
		{ID: "qitem-b", Payload: []byte("doc-b")},
	}

	mock.ExpectQuery("SELECT coalesce\\(content_text").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("content a"))
	mock.ExpectQuery("SELECT coalesce\\(content_text").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("content b"))

	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectExec("DELETE FROM embeddings WHERE document_id").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO embeddings").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
		mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectExec("UPDATE embedding_queue SET status = 'completed'").WillReturnResult(sqlmock.NewResult(0, 2))

	p.processBatch(context.Background(), items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEmbeddingProcessor_ChunklessEmbedderResultMarksDocumentFailed(t *testing.T) {
	p, mock, closeFn := newTestEmbeddingProcessor(t, &fakeEmbedder{failOnTexts: map[string]bool{"hello world": true}})
	defer closeFn()

	item := models.QueueItem{ID: "qitem-1", Payload: []byte("doc-1")}

	mock.ExpectQuery("SELECT coalesce\\(content_text").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow("hello world"))

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(0, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM embedding_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE embedding_queue SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))

	p.processBatch(context.Background(), []models.QueueItem{item})
	assert.NoError(t, mock.ExpectationsWereMet())
}
