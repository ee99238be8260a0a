package clustering

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/custodialabs/armorytrace/pkg/models"
)

// Result is the clustering sub-signal for one event.
type Result struct {
	ModelID   uuid.UUID `json:"model_id"`
	Version   int       `json:"model_version"`
	Cluster   int       `json:"cluster"`
	Distance  float64   `json:"distance"`
	Threshold float64   `json:"threshold"`
	Score     float64   `json:"score"`
	IsAnomaly bool      `json:"is_anomaly"`
}

// Predict scores a raw feature vector against a stored model artifact:
// normalize with the model's bounds, take the distance to the nearest
// centroid, and scale by the outlier threshold. Score is capped at 1,
// so it is monotonically non-decreasing in distance.
func Predict(model *models.AnomalyModel, raw []float64) (*Result, error) {
	centroids, err := model.Centroids()
	if err != nil {
		return nil, fmt.Errorf("failed to decode centroids of model %s: %w", model.ID, err)
	}
	if len(centroids) == 0 {
		return nil, fmt.Errorf("model %s has no centroids", model.ID)
	}
	bounds, err := model.Bounds()
	if err != nil {
		return nil, fmt.Errorf("failed to decode bounds of model %s: %w", model.ID, err)
	}
	if len(raw) != len(centroids[0]) {
		return nil, fmt.Errorf("feature vector has %d dimensions, model %s expects %d",
			len(raw), model.ID, len(centroids[0]))
	}

	point := Normalize(raw, bounds)
	cluster := nearestCentroid(point, centroids)
	distance := euclidean(point, centroids[cluster])

	threshold := model.OutlierThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	score := distance / threshold
	if score > 1 {
		score = 1
	}

	return &Result{
		ModelID:   model.ID,
		Version:   model.Version,
		Cluster:   cluster,
		Distance:  distance,
		Threshold: threshold,
		Score:     score,
		IsAnomaly: distance > threshold,
	}, nil
}
