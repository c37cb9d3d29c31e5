package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func gold(ids ...string) []RelevantDoc {
	docs := make([]RelevantDoc, len(ids))
	for i, id := range ids {
		docs[i] = RelevantDoc{DocumentID: id, RelevanceScore: 1}
	}
	return docs
}

func TestNDCGAtK_PerfectRankingIsOne(t *testing.T) {
	ranked := []string{"a", "b", "c"}
	score := NDCGAtK(ranked, gold("a", "b", "c"), 3)
	assert.InDelta(t, 1.0, score, 1e-9)
}

func TestNDCGAtK_ReversedRankingIsLessThanOne(t *testing.T) {
	ranked := []string{"c", "b", "a"}
	graded := []RelevantDoc{{DocumentID: "a", RelevanceScore: 3}, {DocumentID: "b", RelevanceScore: 2}, {DocumentID: "c", RelevanceScore: 1}}
	score := NDCGAtK(ranked, graded, 3)
	assert.True(t, score < 1.0)
	assert.True(t, score > 0)
}

func TestNDCGAtK_ZeroRelevantDocsReturnsZero(t *testing.T) {
	score := NDCGAtK([]string{"a", "b"}, nil, 3)
	assert.Equal(t, 0.0, score)
}

func TestNDCGAtK_KGreaterThanResultSetUsesAvailableResults(t *testing.T) {
	score := NDCGAtK([]string{"a"}, gold("a", "b"), 10)
	assert.True(t, score > 0 && score < 1.0)
}

func TestMRR_FirstResultRelevantReturnsOne(t *testing.T) {
	assert.Equal(t, 1.0, MRR([]string{"a", "b"}, gold("a")))
}

func TestMRR_SecondResultRelevantReturnsHalf(t *testing.T) {
	assert.Equal(t, 0.5, MRR([]string{"x", "a"}, gold("a")))
}

func TestMRR_NoRelevantResultReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, MRR([]string{"x", "y"}, gold("a")))
}

func TestMAPAtK_PerfectRankingIsOne(t *testing.T) {
	assert.InDelta(t, 1.0, MAPAtK([]string{"a", "b"}, gold("a", "b"), 2), 1e-9)
}

func TestMAPAtK_NoRelevantFoundReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, MAPAtK([]string{"x", "y"}, gold("a"), 2))
}

func TestMAPAtK_PartialMatchBelowOne(t *testing.T) {
	score := MAPAtK([]string{"x", "a"}, gold("a"), 2)
	assert.InDelta(t, 0.5, score, 1e-9)
}

func TestPrecisionAtK_AllRelevant(t *testing.T) {
	assert.InDelta(t, 1.0, PrecisionAtK([]string{"a", "b"}, gold("a", "b"), 2), 1e-9)
}

func TestPrecisionAtK_NoneRelevant(t *testing.T) {
	assert.Equal(t, 0.0, PrecisionAtK([]string{"x", "y"}, gold("a"), 2))
}

func TestPrecisionAtK_DenominatorIsKEvenWithFewerResults(t *testing.T) {
	// Only one result returned but k=4: precision is relevant/k, not
	// relevant/len(results).
	score := PrecisionAtK([]string{"a"}, gold("a"), 4)
	assert.InDelta(t, 0.25, score, 1e-9)
}

func TestRecallAtK_AllRelevantFound(t *testing.T) {
	assert.InDelta(t, 1.0, RecallAtK([]string{"a", "b"}, gold("a", "b"), 2), 1e-9)
}

func TestRecallAtK_ZeroRelevantDocsReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, RecallAtK([]string{"a"}, nil, 2))
}

func TestRecallAtK_PartialMatch(t *testing.T) {
	score := RecallAtK([]string{"a"}, gold("a", "b"), 1)
	assert.InDelta(t, 0.5, score, 1e-9)
}
