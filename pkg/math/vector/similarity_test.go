package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity(t *testing.T) {
	t.Run("identical vectors", func(t *testing.T) {
		a := []float32{1, 2, 3}
		assert.InDelta(t, 1.0, CosineSimilarity(a, a), 1e-6)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		a := []float32{1, 0, 0}
		b := []float32{0, 1, 0}
		assert.InDelta(t, 0.0, CosineSimilarity(a, b), 1e-6)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{-1, -2, -3}
		assert.InDelta(t, -1.0, CosineSimilarity(a, b), 1e-6)
	})

	t.Run("known value", func(t *testing.T) {
		a := []float32{1, 2, 3}
		b := []float32{4, 5, 6}
		assert.InDelta(t, 0.974631846, CosineSimilarity(a, b), 1e-5)
	})

	t.Run("mismatched lengths return zero", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity([]float32{1, 2}, []float32{1}))
	})

	t.Run("empty vectors return zero", func(t *testing.T) {
		assert.Equal(t, 0.0, CosineSimilarity(nil, nil))
	})

	t.Run("agrees with float64 reference", func(t *testing.T) {
		a32 := []float32{0.1, -0.4, 0.7, 0.2}
		b32 := []float32{0.3, 0.9, -0.2, 0.5}
		a64 := []float64{0.1, -0.4, 0.7, 0.2}
		b64 := []float64{0.3, 0.9, -0.2, 0.5}
		assert.InDelta(t, CosineSimilarityFloat64(a64, b64), CosineSimilarity(a32, b32), 1e-4)
	})
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 32.0, DotProduct(a, b), 1e-6)
	assert.Equal(t, 0.0, DotProduct(a, []float32{1}))
}

func TestNormalize(t *testing.T) {
	t.Run("unit length result", func(t *testing.T) {
		v := Normalize([]float32{3, 4})
		require.Len(t, v, 2)
		assert.InDelta(t, 0.6, float64(v[0]), 1e-6)
		assert.InDelta(t, 0.8, float64(v[1]), 1e-6)
		assert.InDelta(t, 1.0, Norm(v), 1e-6)
	})

	t.Run("input unchanged", func(t *testing.T) {
		original := []float32{3, 4}
		Normalize(original)
		assert.Equal(t, []float32{3, 4}, original)
	})

	t.Run("zero vector stays zero", func(t *testing.T) {
		v := Normalize([]float32{0, 0, 0})
		assert.Equal(t, []float32{0, 0, 0}, v)
	})
}

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(1.5))
	assert.Equal(t, 0.42, Clamp01(0.42))
}
