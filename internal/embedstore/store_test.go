package embedstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/db"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	database := db.New(sqlxDB, nil)
	return New(database), mock, func() { _ = mockDB.Close() }
}

func TestReplace_RejectsInvalidOffsets(t *testing.T) {
	store, _, closeFn := newTestStore(t)
	defer closeFn()

	err := store.Replace(context.Background(), "doc-1", 100, []Chunk{
		{Index: 0, StartOffset: 50, EndOffset: 40, Vector: []float32{0.1}},
	})
	require.Error(t, err)
}

func TestReplace_RejectsOutOfRangeOffsets(t *testing.T) {
	store, _, closeFn := newTestStore(t)
	defer closeFn()

	err := store.Replace(context.Background(), "doc-1", 100, []Chunk{
		{Index: 0, StartOffset: 0, EndOffset: 200, Vector: []float32{0.1}},
	})
	require.Error(t, err)
}

func TestReplace_DeletesThenInsertsInOneTransaction(t *testing.T) {
	store, mock, closeFn := newTestStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM embeddings WHERE document_id").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("INSERT INTO embeddings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO embeddings").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Replace(context.Background(), "doc-1", 100, []Chunk{
		{Index: 0, StartOffset: 0, EndOffset: 50, Vector: []float32{0.1, 0.2}, ModelName: "m1"},
		{Index: 1, StartOffset: 40, EndOffset: 100, Vector: []float32{0.3, 0.4}, ModelName: "m1"},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplace_RollsBackOnInsertFailure(t *testing.T) {
	store, mock, closeFn := newTestStore(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM embeddings WHERE document_id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO embeddings").WillReturnError(assertErr{})
	mock.ExpectRollback()

	err := store.Replace(context.Background(), "doc-1", 100, []Chunk{
		{Index: 0, StartOffset: 0, EndOffset: 50, Vector: []float32{0.1}},
	})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type assertErr struct{}

func (assertErr) Error() string { return "insert failed" }

func TestAllVectors_DecodesEveryRow(t *testing.T) {
	store, mock, closeFn := newTestStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"document_id", "vector"}).
		AddRow("doc-1", "[0.1,0.2]").
		AddRow("doc-2", "[0.3,0.4]")
	mock.ExpectQuery("SELECT document_id, vector FROM embeddings").WillReturnRows(rows)

	vectors, err := store.AllVectors(context.Background())
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, "doc-1", vectors[0].DocumentID)
	assert.InDelta(t, float32(0.1), vectors[0].Vector[0], 1e-6)
}

func TestAllVectors_InvalidLiteralFails(t *testing.T) {
	store, mock, closeFn := newTestStore(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"document_id", "vector"}).AddRow("doc-1", "not-a-vector")
	mock.ExpectQuery("SELECT document_id, vector FROM embeddings").WillReturnRows(rows)

	_, err := store.AllVectors(context.Background())
	require.Error(t, err)
}
