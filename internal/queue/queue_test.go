package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/db"
)

func newTestQueue(t *testing.T) (*Queue, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	database := db.New(sqlxDB, nil)

	cfg := config.QueueConfig{MaxRetries: 3, BackoffBaseSeconds: 30, BackoffMaxSeconds: 1800}
	q := NewEventQueue(database, cfg, nil)

	return q, mock, func() { _ = mockDB.Close() }
}

func TestEnqueue_FiresNotify(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO event_queue").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("NOTIFY indexer_queue").WillReturnResult(sqlmock.NewResult(0, 0))

	id, err := q.Enqueue(context.Background(), "source-1", []byte(`{"DocumentCreated":{}}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnqueue_DuplicateReturnsAlreadyQueued(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	mock.ExpectExec("INSERT INTO event_queue").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value violates unique constraint"})

	_, err := q.Enqueue(context.Background(), "", []byte("doc-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyQueued)
}

func TestMarkFailed_TransitionsToDeadLetterAtMaxRetries(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(2, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM event_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE event_queue SET status = 'dead_letter'").WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.MarkFailed(context.Background(), "item-1", errors.New("boom"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkFailed_TransitionsToFailedBelowMaxRetries(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"retry_count", "max_retries"}).AddRow(0, 3)
	mock.ExpectQuery("SELECT retry_count, max_retries FROM event_queue").WillReturnRows(rows)
	mock.ExpectExec("UPDATE event_queue SET status = 'failed'").WillReturnResult(sqlmock.NewResult(0, 1))

	err := q.MarkFailed(context.Background(), "item-1", errors.New("transient"))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDequeueBatch_EmptyResultCommitsCleanly(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	cols := []string{"id", "source_id", "payload", "status", "retry_count", "max_retries",
		"processing_started_at", "completed_at", "next_retry_at", "last_error", "created_at"}

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, source_id, payload").
		WillReturnRows(sqlmock.NewRows(cols))
	mock.ExpectCommit()

	items, err := q.DequeueBatch(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecoverStaleProcessingItems(t *testing.T) {
	q, mock, closeFn := newTestQueue(t)
	defer closeFn()

	mock.ExpectExec("UPDATE event_queue SET status = 'pending'").WillReturnResult(sqlmock.NewResult(0, 2))

	n, err := q.RecoverStaleProcessingItems(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
