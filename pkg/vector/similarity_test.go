package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
		epsilon  float64
	}{
		{"identical vectors", []float32{1, 0, 0}, []float32{1, 0, 0}, 1.0, 0.001},
		{"orthogonal vectors", []float32{1, 0, 0}, []float32{0, 1, 0}, 0.0, 0.001},
		{"opposite vectors", []float32{1, 0, 0}, []float32{-1, 0, 0}, -1.0, 0.001},
		{"similar vectors", []float32{1, 2, 3}, []float32{4, 5, 6}, 0.9746318461970762, 0.001},
		{"empty vectors", []float32{}, []float32{}, 0, 0.001},
		{"mismatched dimensions", []float32{1, 2}, []float32{1, 2, 3}, 0, 0.001},
		{"zero vector", []float32{0, 0, 0}, []float32{1, 2, 3}, 0, 0.001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			assert.InDelta(t, tt.expected, got, tt.epsilon)
		})
	}
}

func TestCosineDistanceIsOneMinusSimilarity(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	assert.InDelta(t, 1-CosineSimilarity(a, b), CosineDistance(a, b), 1e-9)
}

func TestCosineDistanceZeroVectorIsInfinite(t *testing.T) {
	assert.True(t, math.IsInf(CosineDistance([]float32{0, 0}, []float32{1, 2}), 1))
}

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name     string
		a        []float32
		b        []float32
		expected float64
	}{
		{"identical", []float32{1, 1}, []float32{1, 1}, 0},
		{"3-4-5 triangle", []float32{0, 0}, []float32{3, 4}, 5},
		{"mismatched dims", []float32{1}, []float32{1, 2}, math.Inf(1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, EuclideanDistance(tt.a, tt.b), 1e-9)
		})
	}
}

func TestManhattanDistance(t *testing.T) {
	assert.InDelta(t, 7.0, ManhattanDistance([]float32{0, 0}, []float32{3, 4}), 1e-9)
	assert.InDelta(t, 0.0, ManhattanDistance([]float32{2, 2}, []float32{2, 2}), 1e-9)
}

func TestDotDistanceOrdersLargerDotAsCloser(t *testing.T) {
	q := []float32{1, 0}
	near := []float32{2, 0}
	far := []float32{0.1, 0}
	assert.Less(t, DotDistance(q, near), DotDistance(q, far))
}

func TestByNameDefaultsToEuclidean(t *testing.T) {
	k := ByName("")
	assert.InDelta(t, EuclideanDistance([]float32{0}, []float32{1}), k([]float32{0}, []float32{1}), 1e-9)
}

func TestByNameResolvesAllFour(t *testing.T) {
	for _, n := range []Name{Euclidean, Cosine, Manhattan, DotProd} {
		k := ByName(n)
		assert.NotNil(t, k)
	}
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	n := Normalize(v)
	assert.InDelta(t, 0.6, n[0], 0.001)
	assert.InDelta(t, 0.8, n[1], 0.001)
	// original untouched
	assert.Equal(t, float32(3), v[0])
}

func TestNormalizeInPlace(t *testing.T) {
	v := []float32{3, 4}
	NormalizeInPlace(v)
	assert.InDelta(t, 0.6, v[0], 0.001)
	assert.InDelta(t, 0.8, v[1], 0.001)
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	n := Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, n)
}
