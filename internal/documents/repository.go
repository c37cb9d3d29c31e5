// Package documents implements the Document store: upsert keyed by
// (source_id, external_id), tsvector refresh, hard delete cascading to
// embeddings, and embedding_status transitions (spec §3, §4.3).
package documents

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/oklog/ulid/v2"

	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
)

// Repository is the Postgres-backed Document store.
type Repository struct {
	db *db.DB
}

// New builds a Repository over database.
func New(database *db.DB) *Repository {
	return &Repository{db: database}
}

// UpsertInput is the set of fields an Event Processor batch derives
// from a DocumentCreated/DocumentUpdated event.
type UpsertInput struct {
	SourceID    string
	ExternalID  string
	Title       string
	ContentID   string
	ContentText string
	ContentType string
	URL         string
	FileSize    int64
	Metadata    json.RawMessage
	Permissions models.Permissions
	Attributes  json.RawMessage
}

// FileExtension derives a document's file extension from its URL
// suffix, falling back to a guess from its MIME content type.
func FileExtension(url, contentType string) string {
	if url != "" {
		ext := path.Ext(strings.SplitN(url, "?", 2)[0])
		if ext != "" {
			return strings.TrimPrefix(ext, ".")
		}
	}
	if idx := strings.Index(contentType, "/"); idx != -1 {
		return contentType[idx+1:]
	}
	return ""
}

// Upsert inserts or updates the document keyed by (source_id,
// external_id), setting last_indexed_at = now() and embedding_status =
// Pending. Returns the document id (generated as a fresh ULID on
// insert, preserved on update).
func (r *Repository) Upsert(ctx context.Context, tx *sqlx.Tx, in UpsertInput) (string, error) {
	permissionsJSON, err := json.Marshal(in.Permissions)
	if err != nil {
		return "", errors.Wrap(err, "DOCUMENT_PERMISSIONS_MARSHAL_FAILED", errors.ClassPermanentPayload)
	}

	fileExtension := FileExtension(in.URL, in.ContentType)
	now := time.Now().UTC()

	var id string
	query := `
		INSERT INTO documents
			(id, source_id, external_id, title, content_id, content_text, content_type, file_size, file_extension,
			 url, metadata, permissions, attributes, created_at, updated_at, last_indexed_at, embedding_status)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14, $14, 'pending')
		ON CONFLICT (source_id, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			content_id = EXCLUDED.content_id,
			content_text = EXCLUDED.content_text,
			content_type = EXCLUDED.content_type,
			file_size = EXCLUDED.file_size,
			file_extension = EXCLUDED.file_extension,
			url = EXCLUDED.url,
			metadata = EXCLUDED.metadata,
			permissions = EXCLUDED.permissions,
			attributes = EXCLUDED.attributes,
			updated_at = EXCLUDED.updated_at,
			last_indexed_at = EXCLUDED.last_indexed_at,
			embedding_status = 'pending'
		RETURNING id`

	newID := ulid.Make().String()
	row := tx.QueryRowxContext(ctx, query,
		newID, in.SourceID, in.ExternalID, in.Title, in.ContentID, in.ContentText, in.ContentType, in.FileSize,
		fileExtension, in.URL, in.Metadata, permissionsJSON, in.Attributes, now)
	if err := row.Scan(&id); err != nil {
		return "", fmt.Errorf("documents: upsert: %w", err)
	}

	return id, nil
}

// GetContentText returns a document's stored content text, used by
// the embedding processor to avoid a second round trip to the blob
// store when the text was already cached at upsert time.
func (r *Repository) GetContentText(ctx context.Context, documentID string) (string, error) {
	var text string
	err := r.db.Conn().GetContext(ctx, &text, `SELECT coalesce(content_text, '') FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return "", errors.Wrap(err, "DOCUMENT_NOT_FOUND", errors.ClassNotFound)
	}
	return text, nil
}

// Delete hard-deletes the document and (via FK cascade, see
// migrations) its embeddings. The content blob becomes an orphan the
// GC will reclaim.
func (r *Repository) Delete(ctx context.Context, tx *sqlx.Tx, sourceID, externalID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE source_id = $1 AND external_id = $2`, sourceID, externalID)
	if err != nil {
		return fmt.Errorf("documents: delete: %w", err)
	}
	return nil
}

// DeleteByID hard-deletes the document identified by its internal id,
// used for DocumentDeleted events which carry document_id rather than
// external_id.
func (r *Repository) DeleteByID(ctx context.Context, tx *sqlx.Tx, documentID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("documents: delete by id: %w", err)
	}
	return nil
}

// Get fetches one document by id.
func (r *Repository) Get(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := r.db.Conn().GetContext(ctx, &doc, `SELECT * FROM documents WHERE id = $1`, id)
	if err != nil {
		return nil, errors.Wrap(err, "DOCUMENT_NOT_FOUND", errors.ClassNotFound)
	}
	if err := json.Unmarshal(doc.PermissionsRaw, &doc.Permissions); err != nil {
		return nil, errors.Wrap(err, "DOCUMENT_PERMISSIONS_DECODE_FAILED", errors.ClassPermanentPayload)
	}
	return &doc, nil
}

// RefreshTSVector recomputes the lexical index for the given document
// ids, weighting title above content (spec §4.3 step 4).
func (r *Repository) RefreshTSVector(ctx context.Context, tx *sqlx.Tx, documentIDs []string) error {
	if len(documentIDs) == 0 {
		return nil
	}
	query := `
		UPDATE documents SET tsvector =
			setweight(to_tsvector('english', coalesce(title, '')), 'A') ||
			setweight(to_tsvector('english', coalesce(content_text, '')), 'B')
		WHERE id = ANY($1)`
	_, err := tx.ExecContext(ctx, query, pqStringArray(documentIDs))
	if err != nil {
		return fmt.Errorf("documents: refresh tsvector: %w", err)
	}
	return nil
}

// MarkEmbeddingStatus transitions a document's embedding_status.
func (r *Repository) MarkEmbeddingStatus(ctx context.Context, documentID string, status models.EmbeddingStatus) error {
	_, err := r.db.Conn().ExecContext(ctx, `UPDATE documents SET embedding_status = $1 WHERE id = $2`, status, documentID)
	if err != nil {
		return fmt.Errorf("documents: mark embedding status: %w", err)
	}
	return nil
}

// FullTextFilter narrows a full-text search to a subset of documents.
type FullTextFilter struct {
	SourceTypes  []string
	ContentTypes []string
}

// FullTextHit is one row of a tsquery match, carrying the document and
// its normalized lexical rank.
type FullTextHit struct {
	Document models.Document `db:"document"`
	Score    float64         `db:"score"`
}

// fullTextRow is the raw scan target: sqlx can't nest a struct under
// db:"document" without explicit column aliases, so Search flattens
// into this shape and assembles FullTextHit itself.
type fullTextRow struct {
	models.Document
	Score float64 `db:"score"`
}

// SearchFullText ranks documents whose tsvector matches
// to_tsquery('english', tsQuery), where tsQuery is the token string the
// caller built, returning up to limit hits starting at offset. Score is
// ts_rank squashed into [0,1) by normalizeRank.
func (r *Repository) SearchFullText(ctx context.Context, tsQuery string, filter FullTextFilter, limit, offset int) ([]FullTextHit, error) {
	query := `
		SELECT d.*, ts_rank(d.tsvector, query) AS score
		FROM documents d, to_tsquery('english', $1) query
		WHERE d.tsvector @@ query`
	args := []interface{}{tsQuery}
	argN := 2

	if len(filter.ContentTypes) > 0 {
		query += fmt.Sprintf(" AND d.content_type = ANY($%d)", argN)
		args = append(args, pqStringArray(filter.ContentTypes))
		argN++
	}
	if len(filter.SourceTypes) > 0 {
		query += fmt.Sprintf(" AND d.source_id = ANY($%d)", argN)
		args = append(args, pqStringArray(filter.SourceTypes))
		argN++
	}

	query += fmt.Sprintf(" ORDER BY score DESC, d.last_indexed_at DESC LIMIT $%d OFFSET $%d", argN, argN+1)
	args = append(args, limit, offset)

	var rows []fullTextRow
	if err := r.db.Conn().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("documents: full text search: %w", err)
	}

	hits := make([]FullTextHit, len(rows))
	for i, row := range rows {
		doc := row.Document
		if len(doc.PermissionsRaw) > 0 {
			_ = json.Unmarshal(doc.PermissionsRaw, &doc.Permissions)
		}
		hits[i] = FullTextHit{Document: doc, Score: normalizeRank(row.Score)}
	}
	return hits, nil
}

// normalizeRank squashes ts_rank's unbounded output into [0,1] with a
// saturating curve, since ts_rank has no fixed upper bound.
func normalizeRank(rank float64) float64 {
	if rank <= 0 {
		return 0
	}
	n := rank / (rank + 1)
	if n > 1 {
		return 1
	}
	return n
}

// DistinctLexemes returns every distinct word indexed in the
// documents tsvector column, for typo-tolerant fuzzy matching against
// query tokens that return zero exact hits.
func (r *Repository) DistinctLexemes(ctx context.Context) ([]string, error) {
	var words []string
	err := r.db.Conn().SelectContext(ctx, &words,
		`SELECT word FROM ts_stat('SELECT tsvector FROM documents')`)
	if err != nil {
		return nil, fmt.Errorf("documents: distinct lexemes: %w", err)
	}
	return words, nil
}

// GetMany fetches documents by id, used to hydrate semantic-path
// scores into full Document rows.
func (r *Repository) GetMany(ctx context.Context, ids []string) ([]models.Document, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var docs []models.Document
	err := r.db.Conn().SelectContext(ctx, &docs, `SELECT * FROM documents WHERE id = ANY($1)`, pqStringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("documents: get many: %w", err)
	}
	for i := range docs {
		if len(docs[i].PermissionsRaw) > 0 {
			_ = json.Unmarshal(docs[i].PermissionsRaw, &docs[i].Permissions)
		}
	}
	return docs, nil
}

// SuggestTitles returns up to limit document titles whose prefix
// case-insensitively matches prefix, ordered by last_indexed_at desc.
func (r *Repository) SuggestTitles(ctx context.Context, prefix string, limit int) ([]string, error) {
	var titles []string
	err := r.db.Conn().SelectContext(ctx, &titles,
		`SELECT title FROM documents WHERE title ILIKE $1 ORDER BY last_indexed_at DESC LIMIT $2`,
		prefix+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("documents: suggest titles: %w", err)
	}
	return titles, nil
}

// ReferencedContentIDs returns the distinct set of content_id values
// currently referenced by a document, for the GC worker's orphan scan
// (spec §4.7): any blob not in this set is unreachable.
func (r *Repository) ReferencedContentIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := r.db.Conn().SelectContext(ctx, &ids,
		`SELECT DISTINCT content_id FROM documents WHERE content_id != ''`)
	if err != nil {
		return nil, fmt.Errorf("documents: referenced content ids: %w", err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// pqStringArray renders a Go string slice as a Postgres text[] array
// literal for use with ANY($1).
func pqStringArray(values []string) string {
	escaped := make([]string, len(values))
	for i, v := range values {
		escaped[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return "{" + strings.Join(escaped, ",") + "}"
}
