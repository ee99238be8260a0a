package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/anomaly/clustering"
	"github.com/custodialabs/armorytrace/internal/anomaly/features"
	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/pkg/metrics"
	"github.com/custodialabs/armorytrace/pkg/models"
)

const modelType = "kmeans"

// TrainingHistory is the slice of the history store the trainer reads.
type TrainingHistory interface {
	FeatureRecordsSince(ctx context.Context, since time.Time) ([]models.FeatureRecord, error)
	CountFeatureRecordsSince(ctx context.Context, since time.Time) (int64, error)
	VerdictStatsForModel(ctx context.Context, modelID uuid.UUID, since time.Time) (store.VerdictStats, error)
}

// ModelRepository persists and activates trained model artifacts.
type ModelRepository interface {
	ActiveModel(ctx context.Context, modelType string) (*models.AnomalyModel, error)
	SaveAndActivate(ctx context.Context, model *models.AnomalyModel) error
}

// RetrainDecision is the outcome of one scheduled retraining check.
type RetrainDecision struct {
	Needed bool   `json:"needed"`
	Reason string `json:"reason"`
}

// Trainer owns the model lifecycle: deciding when the active clustering
// model has gone stale and producing a new versioned artifact.
type Trainer struct {
	history    TrainingHistory
	modelsRepo ModelRepository
	clusterCfg config.ClusteringConfig
	retrainCfg config.RetrainConfig
	logger     *zap.Logger
	now        func() time.Time
}

// NewTrainer constructs a trainer with the given persistence backends.
func NewTrainer(history TrainingHistory, modelsRepo ModelRepository, cfg config.AnomalyConfig, logger *zap.Logger) *Trainer {
	return &Trainer{
		history:    history,
		modelsRepo: modelsRepo,
		clusterCfg: cfg.Clustering,
		retrainCfg: cfg.Retrain,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock overrides the trainer clock. Test hook.
func (t *Trainer) WithClock(now func() time.Time) *Trainer {
	t.now = now
	return t
}

// NeedsRetrain evaluates the retraining triggers against the active
// model: missing model, model age, volume of new samples, and the
// reviewed false-positive rate over the last week.
func (t *Trainer) NeedsRetrain(ctx context.Context) (*RetrainDecision, error) {
	model, err := t.modelsRepo.ActiveModel(ctx, modelType)
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	if model == nil {
		return &RetrainDecision{Needed: true, Reason: "no trained model available"}, nil
	}

	now := t.now()
	maxAge := time.Duration(t.retrainCfg.MaxAgeDays) * 24 * time.Hour
	if age := now.Sub(model.TrainedAt); age > maxAge {
		return &RetrainDecision{
			Needed: true,
			Reason: fmt.Sprintf("model version %d is %.0f days old", model.Version, age.Hours()/24),
		}, nil
	}

	newSamples, err := t.history.CountFeatureRecordsSince(ctx, model.TrainedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to count new samples: %w", err)
	}
	if newSamples > t.retrainCfg.NewSampleThreshold {
		return &RetrainDecision{
			Needed: true,
			Reason: fmt.Sprintf("%d new samples since training", newSamples),
		}, nil
	}

	stats, err := t.history.VerdictStatsForModel(ctx, model.ID, now.Add(-7*24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to load verdict stats: %w", err)
	}
	if stats.Reviewed >= t.retrainCfg.MinDecisions && stats.FalsePositiveRate() > t.retrainCfg.FalsePositiveRate {
		return &RetrainDecision{
			Needed: true,
			Reason: fmt.Sprintf("false positive rate %.2f over %d reviewed verdicts", stats.FalsePositiveRate(), stats.Reviewed),
		}, nil
	}

	return &RetrainDecision{Needed: false, Reason: "model is healthy"}, nil
}

// Train fits a new clustering model on the feature records inside the
// training window, persists it, and atomically makes it the active
// model. Returns clustering.ErrInsufficientTrainingData (wrapped) when
// the window holds too few samples.
func (t *Trainer) Train(ctx context.Context) (*models.AnomalyModel, error) {
	since := t.now().AddDate(0, 0, -t.clusterCfg.WindowDays)
	records, err := t.history.FeatureRecordsSince(ctx, since)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to load training samples: %w", err)
	}

	if len(records) < t.clusterCfg.MinSamples {
		metrics.TrainingRuns.WithLabelValues("insufficient_data").Inc()
		return nil, fmt.Errorf("%w: %d samples in window, need %d",
			clustering.ErrInsufficientTrainingData, len(records), t.clusterCfg.MinSamples)
	}

	vectors := make([][]float64, len(records))
	for i := range records {
		vectors[i] = features.Vector(&records[i])
	}

	artifact, err := clustering.Train(vectors, clustering.TrainOptions{
		K:                 t.clusterCfg.K,
		MaxIterations:     t.clusterCfg.MaxIterations,
		FallbackThreshold: t.clusterCfg.FallbackThreshold,
	})
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("clustering training failed: %w", err)
	}

	model, err := t.buildModel(artifact)
	if err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return nil, err
	}

	if err := t.modelsRepo.SaveAndActivate(ctx, model); err != nil {
		metrics.TrainingRuns.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to activate model: %w", err)
	}

	metrics.TrainingRuns.WithLabelValues("success").Inc()
	t.logger.Info("clustering model trained and activated",
		zap.String("model_id", model.ID.String()),
		zap.Int("version", model.Version),
		zap.Int("samples", model.TrainingSamples),
		zap.Float64("balance_score", model.BalanceScore),
		zap.Float64("outlier_threshold", model.OutlierThreshold))

	return model, nil
}

func (t *Trainer) buildModel(artifact *clustering.Artifact) (*models.AnomalyModel, error) {
	names, err := json.Marshal(features.VectorNames())
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature names: %w", err)
	}

	model := &models.AnomalyModel{
		ID:               uuid.New(),
		ModelType:        modelType,
		K:                artifact.K,
		FeatureNames:     string(names),
		BalanceScore:     artifact.BalanceScore,
		OutlierThreshold: artifact.OutlierThreshold,
		TrainingSamples:  artifact.Samples,
		TrainedAt:        t.now(),
	}
	if err := model.SetCentroids(artifact.Centroids); err != nil {
		return nil, fmt.Errorf("failed to encode centroids: %w", err)
	}
	if err := model.SetBounds(artifact.Bounds); err != nil {
		return nil, fmt.Errorf("failed to encode bounds: %w", err)
	}
	return model, nil
}

// Performance summarizes review outcomes for one model.
type Performance struct {
	ModelID           uuid.UUID `json:"model_id"`
	Version           int       `json:"version"`
	Total             int64     `json:"total_verdicts"`
	Anomalies         int64     `json:"anomalies"`
	Reviewed          int64     `json:"reviewed"`
	FalsePositives    int64     `json:"false_positives"`
	FalsePositiveRate float64   `json:"false_positive_rate"`
	ResolutionRate    float64   `json:"resolution_rate"`
	AvgScore          float64   `json:"avg_score"`
	AvgConfidence     float64   `json:"avg_confidence"`
	BalanceScore      float64   `json:"balance_score"`

	SeverityCounts map[models.Severity]int64 `json:"severity_counts"`
}

// ActivePerformance reports review-based quality for the active model
// over the given lookback window.
func (t *Trainer) ActivePerformance(ctx context.Context, since time.Time) (*Performance, error) {
	model, err := t.modelsRepo.ActiveModel(ctx, modelType)
	if err != nil {
		return nil, fmt.Errorf("failed to load active model: %w", err)
	}
	if model == nil {
		return nil, fmt.Errorf("no active model")
	}

	stats, err := t.history.VerdictStatsForModel(ctx, model.ID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to load verdict stats: %w", err)
	}

	return &Performance{
		ModelID:           model.ID,
		Version:           model.Version,
		Total:             stats.Total,
		Anomalies:         stats.Anomalies,
		Reviewed:          stats.Reviewed,
		FalsePositives:    stats.FalsePositives,
		FalsePositiveRate: stats.FalsePositiveRate(),
		ResolutionRate:    stats.ResolutionRate(),
		AvgScore:          stats.AvgScore,
		AvgConfidence:     stats.AvgConfidence,
		BalanceScore:      model.BalanceScore,
		SeverityCounts:    stats.SeverityCounts,
	}, nil
}
