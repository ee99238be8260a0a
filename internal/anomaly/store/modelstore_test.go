package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/custodialabs/armorytrace/pkg/models"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Unit{}, &models.Officer{}, &models.Firearm{},
		&models.CustodyEvent{}, &models.BallisticProfile{},
		&models.BallisticAccessLog{}, &models.FeatureRecord{},
		&models.AnomalyModel{}, &models.AnomalyVerdict{},
	))
	return db
}

func newModel(t *testing.T) *models.AnomalyModel {
	t.Helper()
	model := &models.AnomalyModel{
		ID:               uuid.New(),
		ModelType:        "kmeans",
		K:                2,
		OutlierThreshold: 0.4,
		TrainingSamples:  200,
	}
	require.NoError(t, model.SetCentroids([][]float64{{0.1, 0.1}, {0.9, 0.9}}))
	require.NoError(t, model.SetBounds(&models.NormalizationBounds{
		Min: []float64{0, 0}, Max: []float64{1, 1},
	}))
	return model
}

func TestActiveModelEmptyStore(t *testing.T) {
	s := NewModelStore(setupTestDB(t), nil, zap.NewNop())
	model, err := s.ActiveModel(context.Background(), "kmeans")
	require.NoError(t, err)
	assert.Nil(t, model)
}

func TestSaveAndActivateAssignsVersions(t *testing.T) {
	ctx := context.Background()
	s := NewModelStore(setupTestDB(t), nil, zap.NewNop())

	first := newModel(t)
	require.NoError(t, s.SaveAndActivate(ctx, first))
	assert.Equal(t, 1, first.Version)
	assert.True(t, first.IsActive)

	second := newModel(t)
	require.NoError(t, s.SaveAndActivate(ctx, second))
	assert.Equal(t, 2, second.Version)
}

func TestSaveAndActivateKeepsExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	s := NewModelStore(db, nil, zap.NewNop())

	first := newModel(t)
	require.NoError(t, s.SaveAndActivate(ctx, first))
	second := newModel(t)
	require.NoError(t, s.SaveAndActivate(ctx, second))

	var active []models.AnomalyModel
	require.NoError(t, db.Where("is_active = ?", true).Find(&active).Error)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	// The deactivated artifact itself stays intact.
	stored, err := s.ModelByID(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	centroids, err := stored.Centroids()
	require.NoError(t, err)
	assert.Len(t, centroids, 2)
}

func TestActiveModelRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewModelStore(setupTestDB(t), nil, zap.NewNop())

	saved := newModel(t)
	require.NoError(t, s.SaveAndActivate(ctx, saved))

	loaded, err := s.ActiveModel(ctx, "kmeans")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, saved.ID, loaded.ID)

	bounds, err := loaded.Bounds()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0}, bounds.Min)
}

func TestActiveModelIgnoresOtherTypes(t *testing.T) {
	ctx := context.Background()
	s := NewModelStore(setupTestDB(t), nil, zap.NewNop())
	require.NoError(t, s.SaveAndActivate(ctx, newModel(t)))

	model, err := s.ActiveModel(ctx, "dbscan")
	require.NoError(t, err)
	assert.Nil(t, model)
}
