package eval

import "math"

// RelevantDoc is one gold judgment: how relevant documentID is to a
// QueryCase's query, used to compute ranking metrics.
type RelevantDoc struct {
	DocumentID     string
	RelevanceScore float64
}

// QueryCase is one (query, relevant_docs) pair from the evaluation
// dataset (spec §4.6).
type QueryCase struct {
	Query        string
	RelevantDocs []RelevantDoc
}

// relevanceOf builds a lookup from document id to gold relevance
// score, 0 for any id not in the gold set.
func relevanceOf(gold []RelevantDoc) map[string]float64 {
	m := make(map[string]float64, len(gold))
	for _, g := range gold {
		m[g.DocumentID] = g.RelevanceScore
	}
	return m
}

// dcg computes Σᵢ relᵢ / log₂(i+2) over the first k ranked ids (0
// indexed i), using relByID for each id's graded relevance, 0 for an
// id absent from relByID.
func dcg(rankedIDs []string, relByID map[string]float64, k int) float64 {
	var sum float64
	n := k
	if n > len(rankedIDs) {
		n = len(rankedIDs)
	}
	for i := 0; i < n; i++ {
		rel := relByID[rankedIDs[i]]
		sum += rel / math.Log2(float64(i)+2)
	}
	return sum
}

// NDCGAtK computes nDCG@k for one query's ranked result ids against
// its gold relevant docs. Returns 0 when the ideal ranking has no
// positive relevance (spec §8 boundary: zero relevant docs).
func NDCGAtK(rankedIDs []string, gold []RelevantDoc, k int) float64 {
	relByID := relevanceOf(gold)
	actual := dcg(rankedIDs, relByID, k)

	idealRels := make([]float64, len(gold))
	for i, g := range gold {
		idealRels[i] = g.RelevanceScore
	}
	sortDescending(idealRels)

	idealN := k
	if idealN > len(idealRels) {
		idealN = len(idealRels)
	}
	var ideal float64
	for i := 0; i < idealN; i++ {
		ideal += idealRels[i] / math.Log2(float64(i)+2)
	}

	if ideal == 0 {
		return 0
	}
	return actual / ideal
}

func sortDescending(values []float64) {
	for i := 1; i < len(values); i++ {
		for j := i; j > 0 && values[j] > values[j-1]; j-- {
			values[j], values[j-1] = values[j-1], values[j]
		}
	}
}

// MRR returns the reciprocal rank (1-indexed) of the first result
// with positive gold relevance, 0 if none of the ranked ids are
// relevant.
func MRR(rankedIDs []string, gold []RelevantDoc) float64 {
	relByID := relevanceOf(gold)
	for i, id := range rankedIDs {
		if relByID[id] > 0 {
			return 1.0 / float64(i+1)
		}
	}
	return 0
}

// MAPAtK computes (1/R_found) Σᵢ 1[relᵢ>0]·Pᵢ over the top k ranked
// ids, where R_found is the count of relevant ids found within the
// top k and Pᵢ is precision at cutoff i (1-indexed). Returns 0 if no
// relevant id is found in the top k.
func MAPAtK(rankedIDs []string, gold []RelevantDoc, k int) float64 {
	relByID := relevanceOf(gold)
	n := k
	if n > len(rankedIDs) {
		n = len(rankedIDs)
	}

	var sumPrecision float64
	var relevantSoFar int
	var foundRelevant int
	for i := 0; i < n; i++ {
		if relByID[rankedIDs[i]] > 0 {
			relevantSoFar++
			foundRelevant++
			sumPrecision += float64(relevantSoFar) / float64(i+1)
		}
	}

	if foundRelevant == 0 {
		return 0
	}
	return sumPrecision / float64(foundRelevant)
}

// PrecisionAtK returns relevant-in-top-k / k.
func PrecisionAtK(rankedIDs []string, gold []RelevantDoc, k int) float64 {
	if k <= 0 {
		return 0
	}
	relByID := relevanceOf(gold)
	n := k
	if n > len(rankedIDs) {
		n = len(rankedIDs)
	}
	var relevant int
	for i := 0; i < n; i++ {
		if relByID[rankedIDs[i]] > 0 {
			relevant++
		}
	}
	return float64(relevant) / float64(k)
}

// RecallAtK returns relevant-in-top-k / total-relevant. Returns 0 when
// the gold set has no positively relevant document (spec §8 boundary:
// zero relevant docs).
func RecallAtK(rankedIDs []string, gold []RelevantDoc, k int) float64 {
	relByID := relevanceOf(gold)
	totalRelevant := 0
	for _, g := range gold {
		if g.RelevanceScore > 0 {
			totalRelevant++
		}
	}
	if totalRelevant == 0 {
		return 0
	}

	n := k
	if n > len(rankedIDs) {
		n = len(rankedIDs)
	}
	var relevant int
	for i := 0; i < n; i++ {
		if relByID[rankedIDs[i]] > 0 {
			relevant++
		}
	}
	return float64(relevant) / float64(totalRelevant)
}
