package eval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/developer-mesh/hybrid-indexer/internal/models"
	"github.com/developer-mesh/hybrid-indexer/internal/search"
)

type fakeSearcher struct {
	resultsByQuery map[string][]string
	delay          time.Duration
	failQueries    map[string]bool
}

func (f *fakeSearcher) Search(ctx context.Context, req search.Request) (*search.Response, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failQueries[req.Query] {
		return nil, errors.New("search failed")
	}

	ids := f.resultsByQuery[req.Query]
	results := make([]search.Result, len(ids))
	for i, id := range ids {
		results[i] = search.Result{Document: models.Document{ID: id}}
	}
	return &search.Response{Results: results}, nil
}

func TestRun_EmptyDatasetReturnsError(t *testing.T) {
	e := New(&fakeSearcher{}, nil)
	_, err := e.Run(context.Background(), nil, RunOptions{})
	assert.Equal(t, ErrEmptyDataset, err)
}

func TestRun_BurstModeScoresEachQuery(t *testing.T) {
	fs := &fakeSearcher{resultsByQuery: map[string][]string{
		"q1": {"a", "b"},
		"q2": {"x"},
	}}
	e := New(fs, nil)

	report, err := e.Run(context.Background(), []QueryCase{
		{Query: "q1", RelevantDocs: gold("a", "b")},
		{Query: "q2", RelevantDocs: gold("a")},
	}, RunOptions{Mode: ModeBurst, Concurrency: 4, K: 5})
	require.NoError(t, err)

	require.Len(t, report.Queries, 2)
	assert.Equal(t, 0, report.ErrorCount)
	assert.True(t, report.MeanNDCG > 0)
}

func TestRun_BurstModeRecordsErrors(t *testing.T) {
	fs := &fakeSearcher{
		resultsByQuery: map[string][]string{"q1": {"a"}},
		failQueries:    map[string]bool{"q2": true},
	}
	e := New(fs, nil)

	report, err := e.Run(context.Background(), []QueryCase{
		{Query: "q1", RelevantDocs: gold("a")},
		{Query: "q2", RelevantDocs: gold("a")},
	}, RunOptions{Mode: ModeBurst, Concurrency: 2, K: 5})
	require.NoError(t, err)

	assert.Equal(t, 1, report.ErrorCount)
}

func TestRun_RateLimitedModePacesRequests(t *testing.T) {
	fs := &fakeSearcher{resultsByQuery: map[string][]string{
		"q1": {"a"}, "q2": {"a"}, "q3": {"a"},
	}}
	e := New(fs, nil)

	start := time.Now()
	report, err := e.Run(context.Background(), []QueryCase{
		{Query: "q1", RelevantDocs: gold("a")},
		{Query: "q2", RelevantDocs: gold("a")},
		{Query: "q3", RelevantDocs: gold("a")},
	}, RunOptions{Mode: ModeRateLimited, TargetQPS: 20, K: 5})
	elapsed := time.Since(start)
	require.NoError(t, err)

	require.Len(t, report.Queries, 3)
	// 3 requests at 20 qps (burst 1) take at least ~2/20s to drain.
	assert.True(t, elapsed >= 90*time.Millisecond, "elapsed=%s", elapsed)
}

func TestRun_WarmupDiscardsLeadingLatencySamples(t *testing.T) {
	fs := &fakeSearcher{resultsByQuery: map[string][]string{"q1": {"a"}, "q2": {"a"}}}
	e := New(fs, nil)

	report, err := e.Run(context.Background(), []QueryCase{
		{Query: "q1", RelevantDocs: gold("a")},
		{Query: "q2", RelevantDocs: gold("a")},
	}, RunOptions{Mode: ModeBurst, Concurrency: 1, K: 5, Warmup: 1})
	require.NoError(t, err)

	// Only one sample remains after discarding the warmup query; mean
	// and max must coincide.
	assert.Equal(t, report.Latency.Mean, report.Latency.Max)
}

func TestBuildReport_AllQueriesErrorLeavesMetricsZero(t *testing.T) {
	results := []QueryResult{
		{Query: "q1", Err: errors.New("boom")},
		{Query: "q2", Err: errors.New("boom")},
	}
	report := buildReport(results, 0)
	assert.Equal(t, 2, report.ErrorCount)
	assert.Equal(t, 0.0, report.MeanNDCG)
}
