package documents

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
)

func newTestRepo(t *testing.T) (*Repository, *sqlx.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	sqlxDB := sqlx.NewDb(mockDB, "sqlmock")
	database := db.New(sqlxDB, nil)
	return New(database), sqlxDB, mock, func() { _ = mockDB.Close() }
}

func TestFileExtension_FromURL(t *testing.T) {
	assert.Equal(t, "pdf", FileExtension("https://example.com/doc.pdf?x=1", "application/octet-stream"))
}

func TestFileExtension_FromContentType(t *testing.T) {
	assert.Equal(t, "json", FileExtension("", "application/json"))
}

func TestFileExtension_Unknown(t *testing.T) {
	assert.Equal(t, "", FileExtension("", ""))
}

func TestUpsert_ReturnsIDOnInsert(t *testing.T) {
	repo, sqlxDB, mock, closeFn := newTestRepo(t)
	defer closeFn()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO documents").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("01HZX"))
	mock.ExpectCommit()

	tx, err := sqlxDB.Beginx()
	require.NoError(t, err)

	id, err := repo.Upsert(context.Background(), tx, UpsertInput{
		SourceID:   "src-1",
		ExternalID: "ext-1",
		Title:      "Doc",
		Permissions: models.Permissions{Public: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "01HZX", id)

	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEmbeddingStatus(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	mock.ExpectExec("UPDATE documents SET embedding_status").WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.MarkEmbeddingStatus(context.Background(), "doc-1", models.EmbeddingCompleted)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchFullText_ReturnsNormalizedScores(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"id", "source_id", "external_id", "title", "permissions", "score"}).
		AddRow("doc-1", "src-1", "ext-1", "Doc One", []byte(`{"public":true}`), 0.5)
	mock.ExpectQuery("SELECT d\\.\\*, ts_rank").WillReturnRows(rows)

	hits, err := repo.SearchFullText(context.Background(), "hello", FullTextFilter{}, 20, 0)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1", hits[0].Document.ID)
	assert.True(t, hits[0].Score > 0 && hits[0].Score < 1)
	assert.True(t, hits[0].Document.Permissions.Public)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchFullText_AppliesContentAndSourceFilters(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"id", "score"})
	mock.ExpectQuery("SELECT d\\.\\*, ts_rank").WillReturnRows(rows)

	_, err := repo.SearchFullText(context.Background(), "hello", FullTextFilter{
		ContentTypes: []string{"text/plain"},
		SourceTypes:  []string{"src-1"},
	}, 20, 0)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDistinctLexemes_ReturnsWords(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"word"}).AddRow("hello").AddRow("world")
	mock.ExpectQuery("SELECT word FROM ts_stat").WillReturnRows(rows)

	words, err := repo.DistinctLexemes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, words)
}

func TestGetMany_EmptyIDsReturnsNil(t *testing.T) {
	repo, _, _, closeFn := newTestRepo(t)
	defer closeFn()

	docs, err := repo.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, docs)
}

func TestGetMany_DecodesPermissions(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"id", "permissions"}).
		AddRow("doc-1", []byte(`{"public":false,"users":["u1"]}`))
	mock.ExpectQuery("SELECT \\* FROM documents WHERE id = ANY").WillReturnRows(rows)

	docs, err := repo.GetMany(context.Background(), []string{"doc-1"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []string{"u1"}, docs[0].Permissions.Users)
}

func TestReferencedContentIDs_ReturnsSet(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"content_id"}).AddRow("blob-1").AddRow("blob-2")
	mock.ExpectQuery("SELECT DISTINCT content_id FROM documents").WillReturnRows(rows)

	ids, err := repo.ReferencedContentIDs(context.Background())
	require.NoError(t, err)
	assert.Len(t, ids, 2)
	_, ok := ids["blob-1"]
	assert.True(t, ok)
}

func TestSuggestTitles_PrefixMatch(t *testing.T) {
	repo, _, mock, closeFn := newTestRepo(t)
	defer closeFn()

	rows := sqlmock.NewRows([]string{"title"}).AddRow("Hello World")
	mock.ExpectQuery("SELECT title FROM documents WHERE title ILIKE").WillReturnRows(rows)

	titles, err := repo.SuggestTitles(context.Background(), "Hel", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello World"}, titles)
}
