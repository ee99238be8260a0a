package clustering

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/custodialabs/armorytrace/pkg/models"
)

// ErrInsufficientTrainingData is returned when the training set is too
// small for the requested cluster count.
var ErrInsufficientTrainingData = errors.New("insufficient training data")

// TrainOptions govern one training run.
type TrainOptions struct {
	K                 int
	MaxIterations     int
	FallbackThreshold float64
}

// Artifact is the trained output: centroids in normalized space plus
// everything needed to apply the model to new raw vectors.
type Artifact struct {
	K                int
	Centroids        [][]float64
	Bounds           *models.NormalizationBounds
	BalanceScore     float64
	OutlierThreshold float64
	Samples          int
}

// Train fits K clusters to the raw training vectors. It rejects sets
// smaller than 2K, normalizes per dimension, seeds centroids with a
// farthest-point heuristic and iterates to convergence or the cap.
// The outlier threshold is the 95th percentile of training distances.
func Train(vectors [][]float64, opts TrainOptions) (*Artifact, error) {
	if opts.K < 2 {
		return nil, fmt.Errorf("cluster count must be at least 2, got %d", opts.K)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = 100
	}
	if len(vectors) < 2*opts.K {
		return nil, fmt.Errorf("%w: have %d samples, need at least %d for k=%d",
			ErrInsufficientTrainingData, len(vectors), 2*opts.K, opts.K)
	}

	bounds := ComputeBounds(vectors)
	points := make([][]float64, len(vectors))
	for i, v := range vectors {
		points[i] = Normalize(v, bounds)
	}

	centroids := seedCentroids(points, opts.K)
	assignments := make([]int, len(points))
	for i := range assignments {
		assignments[i] = -1
	}

	for iter := 0; iter < opts.MaxIterations; iter++ {
		changed := false
		for i, p := range points {
			best := nearestCentroid(p, centroids)
			if best != assignments[i] {
				assignments[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		recomputeCentroids(points, assignments, centroids)
	}

	distances := make([]float64, len(points))
	sizes := make([]int, opts.K)
	for i, p := range points {
		distances[i] = euclidean(p, centroids[assignments[i]])
		sizes[assignments[i]]++
	}

	threshold := percentile(distances, 0.95)
	if threshold == 0 {
		threshold = opts.FallbackThreshold
		if threshold == 0 {
			threshold = 0.5
		}
	}

	return &Artifact{
		K:                opts.K,
		Centroids:        centroids,
		Bounds:           bounds,
		BalanceScore:     balanceScore(sizes),
		OutlierThreshold: threshold,
		Samples:          len(vectors),
	}, nil
}

// seedCentroids picks K spread-out starting centroids: the first point,
// then repeatedly the point farthest from all chosen so far.
func seedCentroids(points [][]float64, k int) [][]float64 {
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(points[0]))
	for len(centroids) < k {
		bestIdx, bestDist := 0, -1.0
		for i, p := range points {
			d := math.MaxFloat64
			for _, c := range centroids {
				if e := euclidean(p, c); e < d {
					d = e
				}
			}
			if d > bestDist {
				bestDist = d
				bestIdx = i
			}
		}
		centroids = append(centroids, clone(points[bestIdx]))
	}
	return centroids
}

func nearestCentroid(p []float64, centroids [][]float64) int {
	best, bestDist := 0, math.MaxFloat64
	for i, c := range centroids {
		if d := euclidean(p, c); d < bestDist {
			best = i
			bestDist = d
		}
	}
	return best
}

func recomputeCentroids(points [][]float64, assignments []int, centroids [][]float64) {
	dims := len(points[0])
	sums := make([][]float64, len(centroids))
	counts := make([]int, len(centroids))
	for i := range sums {
		sums[i] = make([]float64, dims)
	}
	for i, p := range points {
		c := assignments[i]
		counts[c]++
		for d := range p {
			sums[c][d] += p[d]
		}
	}
	for i := range centroids {
		if counts[i] == 0 {
			continue // empty cluster keeps its previous centroid
		}
		for d := 0; d < dims; d++ {
			centroids[i][d] = sums[i][d] / float64(counts[i])
		}
	}
}

// balanceScore is the simplified clustering-quality proxy: smallest
// cluster size over average cluster size, clamped to [0,1].
func balanceScore(sizes []int) float64 {
	if len(sizes) == 0 {
		return 0
	}
	total, smallest := 0, math.MaxInt
	for _, s := range sizes {
		total += s
		if s < smallest {
			smallest = s
		}
	}
	avg := float64(total) / float64(len(sizes))
	if avg == 0 {
		return 0
	}
	score := float64(smallest) / avg
	if score > 1 {
		score = 1
	}
	return score
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func euclidean(a, b []float64) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

func clone(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	return out
}
