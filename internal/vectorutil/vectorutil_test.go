package vectorutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_RoundTrips(t *testing.T) {
	vector := []float32{0.1, -0.25, 3.5}
	decoded, err := Decode(Encode(vector))
	require.NoError(t, err)
	require.Len(t, decoded, len(vector))
	for i := range vector {
		assert.InDelta(t, vector[i], decoded[i], 1e-5)
	}
}

func TestDecode_EmptyVector(t *testing.T) {
	decoded, err := Decode("[]")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestDecode_ArrayBraceForm(t *testing.T) {
	decoded, err := Decode("{0.5,0.5}")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, decoded)
}

func TestCosineSimilarity_IdenticalNormalizedVectorsEqualOne(t *testing.T) {
	v := NormalizeL2([]float32{3, 4})
	sim, err := CosineSimilarity(v, v)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-6)
}

func TestCosineSimilarity_OrthogonalVectorsEqualZero(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0}, []float32{0, 1})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-6)
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity([]float32{1, 2}, []float32{1})
	require.Error(t, err)
}

func TestNormalizeL2_ZeroVectorUnchanged(t *testing.T) {
	zero := []float32{0, 0, 0}
	assert.Equal(t, zero, NormalizeL2(zero))
}
