// Package clustering trains and applies the k-means outlier model.
// Feature vectors are min-max normalized with bounds captured at
// training time, and the anomaly signal is the Euclidean distance to
// the nearest centroid relative to the trained outlier threshold.
package clustering

import (
	"github.com/custodialabs/armorytrace/pkg/models"
)

// ComputeBounds captures per-dimension min and max over a training set.
func ComputeBounds(vectors [][]float64) *models.NormalizationBounds {
	if len(vectors) == 0 {
		return &models.NormalizationBounds{}
	}
	dims := len(vectors[0])
	bounds := &models.NormalizationBounds{
		Min: make([]float64, dims),
		Max: make([]float64, dims),
	}
	copy(bounds.Min, vectors[0])
	copy(bounds.Max, vectors[0])
	for _, v := range vectors[1:] {
		for d := 0; d < dims && d < len(v); d++ {
			if v[d] < bounds.Min[d] {
				bounds.Min[d] = v[d]
			}
			if v[d] > bounds.Max[d] {
				bounds.Max[d] = v[d]
			}
		}
	}
	return bounds
}

// Normalize maps a raw vector into [0,1] per dimension using stored
// bounds. A zero-range dimension contributes 0, never a division by
// zero. Values outside the bounds are clamped.
func Normalize(v []float64, bounds *models.NormalizationBounds) []float64 {
	out := make([]float64, len(v))
	for d := range v {
		if d >= len(bounds.Min) || d >= len(bounds.Max) {
			continue
		}
		r := bounds.Max[d] - bounds.Min[d]
		if r == 0 {
			out[d] = 0
			continue
		}
		x := (v[d] - bounds.Min[d]) / r
		if x < 0 {
			x = 0
		} else if x > 1 {
			x = 1
		}
		out[d] = x
	}
	return out
}

// Denormalize inverts Normalize for values inside the training bounds.
// Zero-range dimensions map back to their single training value.
func Denormalize(v []float64, bounds *models.NormalizationBounds) []float64 {
	out := make([]float64, len(v))
	for d := range v {
		if d >= len(bounds.Min) || d >= len(bounds.Max) {
			continue
		}
		r := bounds.Max[d] - bounds.Min[d]
		if r == 0 {
			out[d] = bounds.Min[d]
			continue
		}
		out[d] = bounds.Min[d] + v[d]*r
	}
	return out
}
