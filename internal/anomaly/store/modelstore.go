package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/custodialabs/armorytrace/pkg/models"
)

const activeModelCacheKey = "armorytrace:anomaly:active_model"

// ModelStore manages versioned clustering model artifacts. Artifacts are
// never mutated after creation; SaveAndActivate flips the active flag of
// exactly one row inside a transaction, so a prediction in flight keeps
// whichever model it resolved when it began.
type ModelStore struct {
	db     *gorm.DB
	cache  *redis.Client
	logger *zap.Logger
}

// NewModelStore creates a model store. The redis client is optional; a
// nil client disables caching and every read goes to the database.
func NewModelStore(db *gorm.DB, cache *redis.Client, logger *zap.Logger) *ModelStore {
	return &ModelStore{db: db, cache: cache, logger: logger}
}

// ActiveModel resolves the single active model of the given type, or nil
// without error when none has been trained yet.
func (s *ModelStore) ActiveModel(ctx context.Context, modelType string) (*models.AnomalyModel, error) {
	if cached := s.fromCache(ctx); cached != nil && cached.ModelType == modelType {
		return cached, nil
	}

	var model models.AnomalyModel
	err := s.db.WithContext(ctx).
		Where("model_type = ? AND is_active = ?", modelType, true).
		Order("version DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve active %s model: %w", modelType, err)
	}

	s.toCache(ctx, &model)
	return &model, nil
}

// ModelByID loads one model artifact.
func (s *ModelStore) ModelByID(ctx context.Context, id uuid.UUID) (*models.AnomalyModel, error) {
	var model models.AnomalyModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load model %s: %w", id, err)
	}
	return &model, nil
}

// SaveAndActivate persists a new artifact and makes it the single active
// model of its type. Deactivation of prior models and activation of the
// new one commit together or not at all.
func (s *ModelStore) SaveAndActivate(ctx context.Context, model *models.AnomalyModel) error {
	if model.ID == uuid.Nil {
		model.ID = uuid.New()
	}
	now := time.Now().UTC()
	if model.CreatedAt.IsZero() {
		model.CreatedAt = now
	}
	if model.TrainedAt.IsZero() {
		model.TrainedAt = now
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxVersion int
		row := tx.Model(&models.AnomalyModel{}).
			Where("model_type = ?", model.ModelType).
			Select("COALESCE(MAX(version), 0)").
			Row()
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("failed to read model version: %w", err)
		}
		model.Version = maxVersion + 1
		model.IsActive = true

		if err := tx.Model(&models.AnomalyModel{}).
			Where("model_type = ? AND is_active = ?", model.ModelType, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to deactivate prior models: %w", err)
		}
		if err := tx.Create(model).Error; err != nil {
			return fmt.Errorf("failed to persist model artifact: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.invalidateCache(ctx)
	s.logger.Info("clustering model activated",
		zap.String("model_id", model.ID.String()),
		zap.Int("version", model.Version),
		zap.Int("k", model.K),
		zap.Float64("balance_score", model.BalanceScore),
		zap.Float64("outlier_threshold", model.OutlierThreshold))
	return nil
}

// cachedModel carries the full artifact through the cache, including
// the serialized columns json-marshalling would otherwise skip.
type cachedModel struct {
	Model     models.AnomalyModel `json:"model"`
	Centroids string              `json:"centroids"`
	Bounds    string              `json:"bounds"`
}

func (s *ModelStore) fromCache(ctx context.Context) *models.AnomalyModel {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, activeModelCacheKey).Bytes()
	if err != nil {
		return nil
	}
	var c cachedModel
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil
	}
	c.Model.CentroidsJSON = c.Centroids
	c.Model.BoundsJSON = c.Bounds
	return &c.Model
}

func (s *ModelStore) toCache(ctx context.Context, model *models.AnomalyModel) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(cachedModel{Model: *model, Centroids: model.CentroidsJSON, Bounds: model.BoundsJSON})
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, activeModelCacheKey, raw, time.Hour).Err(); err != nil {
		s.logger.Warn("failed to cache active model", zap.Error(err))
	}
}

func (s *ModelStore) invalidateCache(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, activeModelCacheKey).Err(); err != nil {
		s.logger.Warn("failed to invalidate active model cache", zap.Error(err))
	}
}
