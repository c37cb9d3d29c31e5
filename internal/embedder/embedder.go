// Package embedder calls the external embedding endpoint described in
// spec §6, wraps it with circuit-breaking, retry and per-principal
// rate limiting, and exposes the chunk span each returned vector
// covers so the embedding processor can reconstruct document offsets.
package embedder

import (
	"context"
)

// TaskType selects the embedding task, matching the wire format in
// spec §6.
type TaskType string

const (
	TaskRetrievalPassage TaskType = "retrieval.passage"
	TaskRetrievalQuery   TaskType = "retrieval.query"
)

// Span is a [start,end) byte range local to the text a chunk embedding
// was computed from.
type Span struct {
	Start int
	End   int
}

// ChunkVector is one embedded chunk of one input text.
type ChunkVector struct {
	Vector []float32
	Span   Span
}

// DocumentEmbedding groups the chunk vectors produced for one input
// text, in request order.
type DocumentEmbedding struct {
	Chunks    []ChunkVector
	ModelName string
}

// Request is one call to the embedder.
type Request struct {
	Texts        []string
	Task         TaskType
	ChunkLength  int
	Strategy     string
	Principal    string // rate-limiter key, e.g. per-user for Gmail sources
}

// Embedder produces chunked embeddings for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, req Request) ([]DocumentEmbedding, error)
}

// DefaultStrategy is the chunking strategy named in spec §4.4.
const DefaultStrategy = "sentence"
