package eval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeLatencyStats_EmptySamplesReturnsZeroValue(t *testing.T) {
	stats := computeLatencyStats(nil, 0)
	assert.Equal(t, LatencyStats{}, stats)
}

func TestComputeLatencyStats_MeanAndMax(t *testing.T) {
	samples := []time.Duration{
		10 * time.Millisecond,
		20 * time.Millisecond,
		30 * time.Millisecond,
	}
	stats := computeLatencyStats(samples, 0)
	assert.Equal(t, 20*time.Millisecond, stats.Mean)
	assert.Equal(t, 30*time.Millisecond, stats.Max)
}

func TestComputeLatencyStats_WarmupDiscardsLeadingSamples(t *testing.T) {
	samples := []time.Duration{
		1 * time.Second, // warmup, discarded
		10 * time.Millisecond,
		10 * time.Millisecond,
	}
	stats := computeLatencyStats(samples, 1)
	assert.Equal(t, 10*time.Millisecond, stats.Mean)
	assert.Equal(t, 10*time.Millisecond, stats.Max)
}

func TestComputeLatencyStats_WarmupGreaterThanLenReturnsZeroValue(t *testing.T) {
	stats := computeLatencyStats([]time.Duration{1, 2}, 5)
	assert.Equal(t, LatencyStats{}, stats)
}

func TestPercentile_P99OfTenSamples(t *testing.T) {
	sorted := make([]time.Duration, 10)
	for i := range sorted {
		sorted[i] = time.Duration(i+1) * time.Millisecond
	}
	assert.Equal(t, 10*time.Millisecond, percentile(sorted, 0.99))
}
