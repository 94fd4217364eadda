// Package vector provides the vector math primitives used by MuninDB.
//
// All similarity and distance calculations in the engine go through this
// package. Use these functions instead of implementing your own to ensure
// consistency and correctness.
//
// The float32 kernels delegate to the viterin/vek SIMD library, which picks
// AVX2/NEON implementations at runtime and falls back to pure Go elsewhere.
package vector

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// CosineSimilarity calculates cosine similarity between two float32 vectors.
// Returns a value in [-1, 1] where 1 = identical direction, 0 = orthogonal.
//
// Mismatched or empty inputs return 0 rather than an error: similarity
// against a malformed vector is treated as "no signal".
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	return float64(vek32.CosineSimilarity(a, b))
}

// CosineSimilarityFloat64 calculates cosine similarity between two float64
// vectors with full float64 accumulation. Used where precision matters more
// than throughput (e.g. test oracles, generalization thresholds).
func CosineSimilarityFloat64(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// DotProduct calculates the dot product of two float32 vectors.
// For normalized vectors, the dot product equals cosine similarity.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	return float64(vek32.Dot(a, b))
}

// Norm returns the Euclidean (L2) norm of the vector.
func Norm(v []float32) float64 {
	if len(v) == 0 {
		return 0
	}
	return float64(vek32.Norm(v))
}

// Normalize returns a normalized copy of the vector.
// The input vector is not modified. A zero vector normalizes to a zero vector.
func Normalize(vec []float32) []float32 {
	normalized := make([]float32, len(vec))
	n := Norm(vec)
	if n == 0 {
		return normalized
	}

	invNorm := float32(1.0 / n)
	for i, v := range vec {
		normalized[i] = v * invNorm
	}
	return normalized
}

// Clamp01 clamps a score to the [0, 1] interval.
// Edge weights and confidences are invariantly inside this range; every
// arithmetic path that could leave it must pass through here.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
