package clustering

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodialabs/armorytrace/pkg/models"
)

func TestComputeBoundsAndNormalize(t *testing.T) {
	vectors := [][]float64{
		{0, 10, 5},
		{2, 20, 5},
		{4, 30, 5},
	}
	bounds := ComputeBounds(vectors)
	require.Len(t, bounds.Min, 3)

	norm := Normalize(vectors[1], bounds)
	assert.InDelta(t, 0.5, norm[0], 1e-9)
	assert.InDelta(t, 0.5, norm[1], 1e-9)
	// Zero-variance dimension normalizes to 0.
	assert.Equal(t, 0.0, norm[2])

	back := Denormalize(norm, bounds)
	assert.InDelta(t, vectors[1][0], back[0], 1e-9)
	assert.InDelta(t, vectors[1][1], back[1], 1e-9)
	assert.InDelta(t, vectors[1][2], back[2], 1e-9)
}

func TestNormalizeClampsOutOfRange(t *testing.T) {
	bounds := ComputeBounds([][]float64{{0}, {10}})
	assert.Equal(t, 1.0, Normalize([]float64{25}, bounds)[0])
	assert.Equal(t, 0.0, Normalize([]float64{-5}, bounds)[0])
}

func TestTrainRejectsTooFewSamples(t *testing.T) {
	vectors := [][]float64{{1, 1}, {2, 2}, {3, 3}}
	_, err := Train(vectors, TrainOptions{K: 2, MaxIterations: 10, FallbackThreshold: 0.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInsufficientTrainingData)
}

func TestTrainSeparatesClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	var vectors [][]float64
	for i := 0; i < 100; i++ {
		vectors = append(vectors, []float64{rng.Float64() * 0.1, rng.Float64() * 0.1})
	}
	for i := 0; i < 100; i++ {
		vectors = append(vectors, []float64{10 + rng.Float64()*0.1, 10 + rng.Float64()*0.1})
	}

	artifact, err := Train(vectors, TrainOptions{K: 2, MaxIterations: 50, FallbackThreshold: 0.5})
	require.NoError(t, err)
	assert.Equal(t, 2, artifact.K)
	assert.Len(t, artifact.Centroids, 2)
	assert.Equal(t, 200, artifact.Samples)
	assert.Greater(t, artifact.OutlierThreshold, 0.0)
	// Two equal-sized blobs should train a perfectly balanced model.
	assert.InDelta(t, 1.0, artifact.BalanceScore, 0.05)
}

func TestBalanceScoreBounds(t *testing.T) {
	assert.Equal(t, 1.0, balanceScore([]int{50, 50}))
	assert.InDelta(t, 0.02, balanceScore([]int{1, 99}), 1e-9)
	assert.Equal(t, 0.0, balanceScore([]int{0, 100}))
}

func TestPercentile(t *testing.T) {
	values := make([]float64, 100)
	for i := range values {
		values[i] = float64(i + 1)
	}
	p95 := percentile(values, 0.95)
	assert.InDelta(t, 95, p95, 1.0)
}

func TestPredictScoresAreBoundedAndMonotonic(t *testing.T) {
	model := artifactModel(t, &Artifact{
		K:         2,
		Centroids: [][]float64{{0.1, 0.1}, {0.9, 0.9}},
		Bounds: &models.NormalizationBounds{
			Min: []float64{0, 0},
			Max: []float64{10, 10},
		},
		OutlierThreshold: 0.2,
		Samples:          100,
	})

	center, err := Predict(model, []float64{1, 1})
	require.NoError(t, err)
	assert.Equal(t, 0, center.Cluster)
	assert.False(t, center.IsAnomaly)
	assert.InDelta(t, 0.0, center.Score, 1e-9)

	edge, err := Predict(model, []float64{2, 2})
	require.NoError(t, err)
	assert.False(t, edge.IsAnomaly)
	assert.Greater(t, edge.Score, center.Score)
	assert.Less(t, edge.Score, 1.0)

	far, err := Predict(model, []float64{5, 5})
	require.NoError(t, err)
	assert.True(t, far.IsAnomaly)
	assert.Equal(t, 1.0, far.Score)
	assert.Greater(t, far.Distance, edge.Distance)
}

func TestPredictRejectsDimensionMismatch(t *testing.T) {
	model := artifactModel(t, &Artifact{
		K:         2,
		Centroids: [][]float64{{0.1, 0.1}, {0.9, 0.9}},
		Bounds: &models.NormalizationBounds{
			Min: []float64{0, 0},
			Max: []float64{1, 1},
		},
		OutlierThreshold: 0.2,
	})
	_, err := Predict(model, []float64{1, 2, 3})
	assert.Error(t, err)
}

func artifactModel(t *testing.T, artifact *Artifact) *models.AnomalyModel {
	t.Helper()
	model := &models.AnomalyModel{
		ID:               uuid.New(),
		ModelType:        "kmeans",
		Version:          1,
		K:                artifact.K,
		OutlierThreshold: artifact.OutlierThreshold,
		BalanceScore:     artifact.BalanceScore,
		TrainingSamples:  artifact.Samples,
	}
	require.NoError(t, model.SetCentroids(artifact.Centroids))
	require.NoError(t, model.SetBounds(artifact.Bounds))
	return model
}
