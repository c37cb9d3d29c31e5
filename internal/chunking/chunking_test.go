package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit_ShortContentSingleWindow(t *testing.T) {
	cfg := DefaultSplitterConfig()
	content := "short document"
	windows := Split(content, cfg)

	require.Len(t, windows, 1)
	assert.Equal(t, 0, windows[0].Start)
	assert.Equal(t, len(content), windows[0].End)
	assert.Equal(t, content, windows[0].Text)
}

func TestSplit_EmptyContent(t *testing.T) {
	assert.Empty(t, Split("", DefaultSplitterConfig()))
}

func TestSplit_CoversWholeRangeWithOverlap(t *testing.T) {
	cfg := SplitterConfig{MaxDocumentChars: 100, ChunkOverlap: 20}
	content := strings.Repeat("a", 550)

	windows := Split(content, cfg)
	require.NotEmpty(t, windows)

	coverage := make([]int, len(content))
	for _, w := range windows {
		for i := w.Start; i < w.End; i++ {
			coverage[i]++
		}
	}

	for i, count := range coverage {
		require.GreaterOrEqualf(t, count, 1, "byte %d not covered by any window", i)
	}

	// Every interior byte (not in the very first or very last window)
	// must be present in at least 2 windows — the overlap invariant.
	for i := cfg.MaxDocumentChars; i < len(content)-cfg.MaxDocumentChars; i++ {
		assert.GreaterOrEqualf(t, coverage[i], 2, "interior byte %d should overlap", i)
	}

	assert.Equal(t, len(content), windows[len(windows)-1].End)
}

func TestSplit_SnapsToCodepointBoundaries(t *testing.T) {
	cfg := SplitterConfig{MaxDocumentChars: 10, ChunkOverlap: 2}
	// Multi-byte runes near the window boundary.
	content := strings.Repeat("a", 8) + "日本語テキスト" + strings.Repeat("b", 20)

	windows := Split(content, cfg)
	for _, w := range windows {
		assert.True(t, isValidUTF8Boundary(content, w.Start))
		assert.True(t, isValidUTF8Boundary(content, w.End))
	}
}

func isValidUTF8Boundary(s string, pos int) bool {
	if pos == 0 || pos == len(s) {
		return true
	}
	return (s[pos] & 0xC0) != 0x80
}

func TestAdjust(t *testing.T) {
	cfg := SplitterConfig{MaxDocumentChars: 1000, ChunkOverlap: 100}
	// stride = 900
	assert.Equal(t, 50, Adjust(50, 0, cfg))
	assert.Equal(t, 950, Adjust(50, 1, cfg))
	assert.Equal(t, 1850, Adjust(50, 2, cfg))
}
