package index

import (
	"math"

	"github.com/bdougie/framesearch/internal/models"
)

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when either is empty, zero or the lengths differ.
//
// Formula: cos(θ) = (A · B) / (||A|| × ||B||)
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// DotProduct returns Σ aᵢbᵢ. For unit vectors this equals CosineSimilarity.
func DotProduct(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}

// scoreFunc returns the similarity function for metric. Higher is closer.
func scoreFunc(metric models.Metric) func(a, b []float32) float32 {
	if metric == models.MetricDot {
		return DotProduct
	}
	return CosineSimilarity
}
