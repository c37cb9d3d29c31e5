package search

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/developer-mesh/hybrid-indexer/internal/cache"
	"github.com/developer-mesh/hybrid-indexer/internal/config"
	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

func TestFuseScores_Fulltext_PassesThrough(t *testing.T) {
	fts := map[string]float64{"a": 0.5, "b": 0.2}
	fused := fuseScores(ModeFulltext, fts, map[string]float64{"a": 0.9}, 0.3, 1.0)
	assert.Equal(t, 0.5, fused["a"])
	assert.Equal(t, 0.2, fused["b"])
}

func TestFuseScores_Semantic_PassesThrough(t *testing.T) {
	sem := map[string]float64{"a": 0.8}
	fused := fuseScores(ModeSemantic, map[string]float64{"a": 0.9}, sem, 0.3, 1.0)
	assert.Equal(t, 0.8, fused["a"])
}

func TestFuseScores_Hybrid_LinearCombination(t *testing.T) {
	fts := map[string]float64{"a": 1.0, "b": 1.0}
	sem := map[string]float64{"a": 1.0, "c": 1.0}
	fused := fuseScores(ModeHybrid, fts, sem, 0.3, 1.0)

	assert.InDelta(t, 1.3, fused["a"], 1e-9, "document in both paths sums weighted contributions")
	assert.InDelta(t, 0.3, fused["b"], 1e-9, "document only in FTS path: missing semantic term = 0")
	assert.InDelta(t, 1.0, fused["c"], 1e-9, "document only in semantic path: missing FTS term = 0")
}

func TestFuseScores_Hybrid_EqualWithinTolerance(t *testing.T) {
	// Two documents with identical underlying per-path scores must fuse
	// to identical scores (spec §8 hybrid score equality within 1e-6).
	fts := map[string]float64{"a": 0.42, "b": 0.42}
	sem := map[string]float64{"a": 0.77, "b": 0.77}
	fused := fuseScores(ModeHybrid, fts, sem, 0.3, 1.0)
	assert.InDelta(t, fused["a"], fused["b"], 1e-6)
}

func TestToTSQuery_JoinsTokensWithAnd(t *testing.T) {
	assert.Equal(t, "hello & world", toTSQuery("hello world"))
}

func TestToTSQuery_EmptyQueryReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", toTSQuery("   "))
}

func TestToTSQuery_StripsTsqueryOperators(t *testing.T) {
	assert.Equal(t, "foobar", toTSQuery("foo&bar"))
}

func TestExtractHighlights_FindsSurroundingWindow(t *testing.T) {
	text := "the quick brown fox jumps over the lazy dog in the meadow"
	highlights := extractHighlights(text, []string{"fox"}, 3)
	assert.Len(t, highlights, 1)
	assert.Contains(t, highlights[0], "fox")
}

func TestExtractHighlights_NoMatchReturnsEmpty(t *testing.T) {
	highlights := extractHighlights("nothing relevant here", []string{"zzz"}, 3)
	assert.Empty(t, highlights)
}

func TestExtractHighlights_RespectsMaxHighlights(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	highlights := extractHighlights(text, []string{"alpha", "beta", "gamma", "delta"}, 2)
	assert.Len(t, highlights, 2)
}

func TestQueryTerms_SplitsOnWhitespace(t *testing.T) {
	assert.Equal(t, []string{"hello", "world"}, queryTerms("hello   world"))
}

type fakeQueryCache struct {
	data map[string][]byte
}

func newFakeQueryCache() *fakeQueryCache {
	return &fakeQueryCache{data: make(map[string][]byte)}
}

func (f *fakeQueryCache) GetJSON(ctx context.Context, key string, dest interface{}) error {
	data, ok := f.data[key]
	if !ok {
		return cache.ErrMiss
	}
	return json.Unmarshal(data, dest)
}

func (f *fakeQueryCache) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = data
	return nil
}

type fakeGenerator struct {
	calls     int
	questions []string
}

func (g *fakeGenerator) Generate(ctx context.Context, query string, count int) ([]string, error) {
	g.calls++
	return g.questions, nil
}

func newTestEngine(c queryCache) *Engine {
	return &Engine{
		cache:   c,
		logger:  observability.NewNoopLogger(),
		metrics: observability.NewNoopMetricsClient(),
		cfg:     config.SearchConfig{SuggestedQuestionsTTLSeconds: 1800},
	}
}

func TestSuggestedQuestions_CacheHitSkipsGeneration(t *testing.T) {
	fc := newFakeQueryCache()
	e := newTestEngine(fc)

	require := assert.New(t)
	require.NoError(fc.SetJSON(context.Background(), "sugq:user-1:hello", []string{"cached question"}, time.Minute))

	gen := &fakeGenerator{questions: []string{"new question"}}
	result, err := e.SuggestedQuestions(context.Background(), "user-1", "hello", gen, nil, 3)
	require.NoError(err)
	require.Equal([]string{"cached question"}, result)
	require.Equal(0, gen.calls)
}

func TestSuggestedQuestions_MissGeneratesAndCaches(t *testing.T) {
	fc := newFakeQueryCache()
	e := newTestEngine(fc)

	gen := &fakeGenerator{questions: []string{"q1", "q2"}}
	result, err := e.SuggestedQuestions(context.Background(), "user-1", "hello", gen, nil, 2)
	a := assert.New(t)
	a.NoError(err)
	a.Equal([]string{"q1", "q2"}, result)
	a.Equal(1, gen.calls)

	var cached []string
	a.NoError(fc.GetJSON(context.Background(), "sugq:user-1:hello", &cached))
	a.Equal([]string{"q1", "q2"}, cached)
}

func TestSuggestedQuestions_ConcurrentCallersDedupToOneGeneration(t *testing.T) {
	fc := newFakeQueryCache()
	e := newTestEngine(fc)
	inFlight := cache.NewInFlightSet()

	gen := &fakeGenerator{questions: []string{"q1"}}

	const n = 8
	results := make([][]string, n)
	errs := make([]error, n)
	done := make(chan int, n)

	for i := 0; i < n; i++ {
		go func(idx int) {
			r, err := e.SuggestedQuestions(context.Background(), "user-1", "hello", gen, inFlight, 1)
			results[idx] = r
			errs[idx] = err
			done <- idx
		}(i)
	}

	for i := 0; i < n; i++ {
		<-done
	}

	a := assert.New(t)
	for i := 0; i < n; i++ {
		a.NoError(errs[i])
		a.Equal([]string{"q1"}, results[i])
	}
	a.Equal(1, gen.calls, "concurrent callers for the same key must trigger exactly one generation")
}
