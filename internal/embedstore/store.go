// Package embedstore is the per-chunk vector store: atomic
// delete-then-insert replacement of a document's embeddings, grounded
// on the delete-then-insert transaction pattern used for context
// embeddings in the teacher's vector repository (spec §4.4).
package embedstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/developer-mesh/hybrid-indexer/internal/db"
	"github.com/developer-mesh/hybrid-indexer/internal/errors"
	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/vectorutil"
)

// Store is the Postgres-backed embedding repository.
type Store struct {
	db *db.DB
}

// New builds a Store over database.
func New(database *db.DB) *Store {
	return &Store{db: database}
}

// Chunk is one vector to persist for a document, expressed in the
// offsets of the document's original content (already adjusted for
// chunk position via internal/chunking.Adjust).
type Chunk struct {
	Index        int
	StartOffset  int
	EndOffset    int
	Vector       []float32
	ModelName    string
}

// Replace atomically replaces every embedding belonging to documentID
// with the given chunks, inside a single transaction: delete-then-
// insert, so a reader never observes a partially replaced set.
func (s *Store) Replace(ctx context.Context, documentID string, contentLen int, chunks []Chunk) error {
	for _, c := range chunks {
		if !(0 <= c.StartOffset && c.StartOffset < c.EndOffset && c.EndOffset <= contentLen) {
			return errors.New("EMBEDDING_OFFSET_INVALID",
				fmt.Sprintf("chunk %d offsets [%d,%d) invalid for content length %d", c.Index, c.StartOffset, c.EndOffset, contentLen),
				errors.ClassPermanentPayload)
		}
	}

	return s.db.Transaction(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("embedstore: delete existing: %w", err)
		}

		for _, c := range chunks {
			id := uuid.New().String()
			_, err := tx.ExecContext(ctx, `
				INSERT INTO embeddings
					(id, document_id, chunk_index, chunk_start_offset, chunk_end_offset, vector, model_name, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
				id, documentID, c.Index, c.StartOffset, c.EndOffset, vectorutil.Encode(c.Vector), c.ModelName)
			if err != nil {
				return fmt.Errorf("embedstore: insert chunk %d: %w", c.Index, err)
			}
		}
		return nil
	})
}

// DeleteByDocument removes every embedding for documentID, used when a
// document is hard-deleted outside of a replacement flow.
func (s *Store) DeleteByDocument(ctx context.Context, documentID string) error {
	_, err := s.db.Conn().ExecContext(ctx, `DELETE FROM embeddings WHERE document_id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("embedstore: delete by document: %w", err)
	}
	return nil
}

// VectorRow is one decoded chunk vector, scoped to its document, for
// brute-force semantic scoring.
type VectorRow struct {
	DocumentID string
	Vector     []float32
}

// AllVectors loads every chunk embedding in the store, decoded from
// its pgvector literal, for the semantic search path's per-document
// max-similarity scan (spec §4.5). Callers are expected to bound how
// often this runs via the query embedding cache and the semantic
// search timeout.
func (s *Store) AllVectors(ctx context.Context) ([]VectorRow, error) {
	var rows []struct {
		DocumentID string `db:"document_id"`
		Vector     string `db:"vector"`
	}
	err := s.db.Conn().SelectContext(ctx, &rows, `SELECT document_id, vector FROM embeddings`)
	if err != nil {
		return nil, fmt.Errorf("embedstore: list all vectors: %w", err)
	}

	out := make([]VectorRow, 0, len(rows))
	for _, r := range rows {
		vec, err := vectorutil.Decode(r.Vector)
		if err != nil {
			return nil, fmt.Errorf("embedstore: decode vector for document %s: %w", r.DocumentID, err)
		}
		out = append(out, VectorRow{DocumentID: r.DocumentID, Vector: vec})
	}
	return out, nil
}

// ListByDocument returns every embedding chunk for documentID, ordered
// by chunk_index, for reindex diffing and debugging.
func (s *Store) ListByDocument(ctx context.Context, documentID string) ([]models.Embedding, error) {
	var rows []models.Embedding
	err := s.db.Conn().SelectContext(ctx, &rows, `
		SELECT id, document_id, chunk_index, chunk_start_offset, chunk_end_offset, model_name, created_at
		FROM embeddings WHERE document_id = $1 ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("embedstore: list by document: %w", err)
	}
	return rows, nil
}
