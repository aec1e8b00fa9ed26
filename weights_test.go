package cellbalance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightsDefaultUniform(t *testing.T) {
	w, err := NewWeights(4)
	require.NoError(t, err)
	require.NoError(t, w.Normalize(ZeroSumReject))
	for _, v := range w.Values() {
		assert.Equal(t, 0.25, v)
	}
}

func TestWeightsInvalidSize(t *testing.T) {
	_, err := NewWeights(0)
	require.ErrorIs(t, err, ErrInvalidGroupSize)
}

func TestWeightsSetRange(t *testing.T) {
	w, err := NewWeights(3)
	require.NoError(t, err)
	require.NoError(t, w.Set(0, 0, 1))
	require.NoError(t, w.Set(1, 2, 0))
	require.NoError(t, w.Normalize(ZeroSumReject))
	assert.Equal(t, []float64{1, 0, 0}, w.Values())
}

func TestWeightsUnsetRanksKeepUniformShare(t *testing.T) {
	w, err := NewWeights(4)
	require.NoError(t, err)
	require.NoError(t, w.Set(0, 1, 0.75))
	require.NoError(t, w.Normalize(ZeroSumReject))

	// Raw weights are [0.75, 0.75, 0.25, 0.25].
	assert.InDeltaSlice(t, []float64{0.375, 0.375, 0.125, 0.125}, w.Values(), 1e-12)
}

func TestWeightsSetInvalid(t *testing.T) {
	w, err := NewWeights(3)
	require.NoError(t, err)

	for _, r := range [][2]int{{-1, 0}, {2, 1}, {0, 3}} {
		err := w.Set(r[0], r[1], 1)
		require.ErrorIs(t, err, ErrInvalidRankRange, "range %v", r)
	}
	for _, v := range []float64{-1, math.NaN(), math.Inf(1)} {
		err := w.Set(0, 0, v)
		require.ErrorIs(t, err, ErrInvalidWeight, "weight %v", v)
	}
}

func TestWeightsNormalizeIdempotent(t *testing.T) {
	w, err := NewWeights(3)
	require.NoError(t, err)
	require.NoError(t, w.Set(0, 0, 0.1))
	require.NoError(t, w.Set(1, 1, 0.7))
	require.NoError(t, w.Set(2, 2, 0.3))

	require.NoError(t, w.Normalize(ZeroSumReject))
	first := w.Values()
	require.NoError(t, w.Normalize(ZeroSumReject))
	assert.Equal(t, first, w.Values())

	var sum float64
	for _, v := range first {
		sum += v
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestWeightsZeroSum(t *testing.T) {
	w, err := NewWeights(2)
	require.NoError(t, err)
	require.NoError(t, w.Set(0, 1, 0))

	require.ErrorIs(t, w.Normalize(ZeroSumReject), ErrZeroWeightSum)
	assert.Equal(t, []float64{0, 0}, w.Values())

	require.NoError(t, w.Normalize(ZeroSumUniform))
	assert.Equal(t, []float64{0.5, 0.5}, w.Values())
}
