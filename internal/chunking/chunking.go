// Package chunking splits document content into overlapping input
// windows ahead of embedding, and maps the embedder's per-window chunk
// offsets back to the original document's coordinate system.
package chunking

import (
	"unicode/utf8"
)

// SplitterConfig configures the overlapping-window splitter (spec
// §4.4: MAX_DOCUMENT_CHARS / CHUNK_OVERLAP).
type SplitterConfig struct {
	MaxDocumentChars int
	ChunkOverlap     int
}

// DefaultSplitterConfig matches the spec's documented defaults.
func DefaultSplitterConfig() SplitterConfig {
	return SplitterConfig{MaxDocumentChars: 24576, ChunkOverlap: 300}
}

func (c SplitterConfig) withDefaults() SplitterConfig {
	if c.MaxDocumentChars <= 0 {
		c.MaxDocumentChars = 24576
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.MaxDocumentChars {
		c.ChunkOverlap = 300
	}
	return c
}

// stride is the number of bytes between the starts of two consecutive
// windows: MAX_DOCUMENT_CHARS − CHUNK_OVERLAP.
func (c SplitterConfig) stride() int {
	return c.MaxDocumentChars - c.ChunkOverlap
}

// Window is one overlapping input window of a document's content,
// still expressed in the original document's byte-offset coordinate
// system.
type Window struct {
	Index int
	Start int
	End   int
	Text  string
}

// Split breaks content into overlapping windows starting every
// MaxDocumentChars − ChunkOverlap bytes, each MaxDocumentChars bytes
// long before snapping. Both a window's start and its end are moved
// forward onto the next valid UTF-8 codepoint boundary, so a window
// can be up to 3 bytes longer or shorter than MaxDocumentChars.
// Content at or under MaxDocumentChars returns a single window
// covering the whole document.
func Split(content string, cfg SplitterConfig) []Window {
	cfg = cfg.withDefaults()

	if len(content) <= cfg.MaxDocumentChars {
		if content == "" {
			return nil
		}
		return []Window{{Index: 0, Start: 0, End: len(content), Text: content}}
	}

	var windows []Window
	stride := cfg.stride()
	index := 0
	for start := 0; start < len(content); start += stride {
		end := start + cfg.MaxDocumentChars
		if end > len(content) {
			end = len(content)
		}
		end = snapForward(content, end)
		wStart := snapForward(content, start)

		windows = append(windows, Window{Index: index, Start: wStart, End: end, Text: content[wStart:end]})
		index++

		if end == len(content) {
			break
		}
	}
	return windows
}

// snapForward advances pos to the next valid UTF-8 codepoint boundary,
// never past len(s). Embedder chunk offsets must never split a
// multi-byte rune.
func snapForward(s string, pos int) int {
	if pos >= len(s) {
		return len(s)
	}
	for pos < len(s) && !utf8.RuneStart(s[pos]) {
		pos++
	}
	return pos
}

// Adjust translates a chunk offset local to input window
// inputChunkIndex back into the original document's coordinate system:
// adjust(offset, idx) = offset + idx*(MAX_DOCUMENT_CHARS − CHUNK_OVERLAP).
// It uses the window's unsnapped start, so for a window whose Start was
// moved forward onto a codepoint boundary the result is up to 3 bytes
// lower than Window.Start+offset.
func Adjust(offset, inputChunkIndex int, cfg SplitterConfig) int {
	cfg = cfg.withDefaults()
	return offset + inputChunkIndex*cfg.stride()
}
