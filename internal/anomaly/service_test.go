package anomaly

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/custodialabs/armorytrace/internal/anomaly/notify"
	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/internal/anomaly/trainer"
	"github.com/custodialabs/armorytrace/internal/config"
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

func testServiceConfig() config.AnomalyConfig {
	return config.AnomalyConfig{
		Weights: config.EnsembleWeights{
			Clustering:      0.35,
			Statistical:     0.25,
			Rule:            0.25,
			BallisticTiming: 0.15,
		},
		RuleWeights: config.RuleWeights{
			CrossUnitTransfer: 0.9,
			RapidExchange:     0.8,
			BallisticBefore:   0.85,
			BallisticAfter:    0.8,
			OffHours:          0.3,
			CrossUnitHistory:  0.5,
			HighExchangeRate:  0.6,
			HighBallisticFreq: 0.7,
			RepeatedCrossUnit: 0.75,
		},
		ScoreThreshold: 0.35,
		CrossUnitFloor: 0.4,
		Clustering: config.ClusteringConfig{
			K: 2, MinSamples: 10, MaxIterations: 50, WindowDays: 180, FallbackThreshold: 0.5,
		},
		Retrain: config.RetrainConfig{
			MaxAgeDays: 30, NewSampleThreshold: 1000, FalsePositiveRate: 0.30, MinDecisions: 20,
		},
		QueueSize: 8,
		Workers:   2,
	}
}

func setupService(t *testing.T, db *gorm.DB) Service {
	t.Helper()
	log := zap.NewNop()
	history := store.NewHistoryStore(db, log)
	modelsRepo := store.NewModelStore(db, nil, log)
	cfg := testServiceConfig()
	tr := trainer.NewTrainer(history, modelsRepo, cfg, log)
	notifier := notify.NewNotifier(config.KafkaConfig{Enabled: false}, models.SeverityHigh, log)
	return NewService(history, modelsRepo, tr, notifier, cfg, log)
}

func seedCustodyEvent(t *testing.T, db *gorm.DB, unitID uuid.UUID, issuedAt time.Time) *models.CustodyEvent {
	t.Helper()
	officer := &models.Officer{ID: uuid.New(), UnitID: unitID, BadgeNo: uuid.NewString()[:8], Active: true}
	firearm := &models.Firearm{ID: uuid.New(), UnitID: unitID, SerialNumber: uuid.NewString()[:12], Status: "issued"}
	require.NoError(t, db.Create(officer).Error)
	require.NoError(t, db.Create(firearm).Error)

	event := &models.CustodyEvent{
		ID: uuid.New(), FirearmID: firearm.ID, OfficerID: officer.ID,
		UnitID: unitID, IssuedAt: issuedAt,
	}
	require.NoError(t, db.Create(event).Error)
	return event
}

func TestScoreEventWithoutTrainedModel(t *testing.T) {
	db := setupTestDB(t)
	svc := setupService(t, db)
	// A Tuesday morning issue with no history.
	event := seedCustodyEvent(t, db, uuid.New(), time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))

	verdict, err := svc.ScoreEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.False(t, verdict.IsAnomaly)
	assert.Equal(t, models.SeverityLow, verdict.Severity)
	assert.Nil(t, verdict.ModelID)
	assert.Empty(t, verdict.ScoringError)

	var stored models.AnomalyVerdict
	require.NoError(t, db.First(&stored, "event_id = ?", event.ID).Error)
	assert.Equal(t, verdict.ID, stored.ID)
}

func TestScoreEventCrossUnitTransfer(t *testing.T) {
	db := setupTestDB(t)
	svc := setupService(t, db)
	issuedAt := time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC)
	event := seedCustodyEvent(t, db, uuid.New(), issuedAt)

	// Prior custody of the same firearm under another unit.
	returned := issuedAt.Add(-12 * time.Hour)
	prior := &models.CustodyEvent{
		ID: uuid.New(), FirearmID: event.FirearmID, OfficerID: uuid.New(),
		UnitID: uuid.New(), IssuedAt: issuedAt.Add(-48 * time.Hour), ReturnedAt: &returned,
	}
	require.NoError(t, db.Create(prior).Error)

	verdict, err := svc.ScoreEvent(context.Background(), event.ID)
	require.NoError(t, err)
	assert.True(t, verdict.IsAnomaly)
	assert.True(t, verdict.MandatoryReview)
	assert.Equal(t, models.AnomalyTypeCrossUnitTransfer, verdict.AnomalyType)
	assert.Equal(t, models.SeverityMedium, verdict.Severity)
	assert.GreaterOrEqual(t, verdict.AnomalyScore, 0.4)

	factors, err := verdict.ContributingFactors()
	require.NoError(t, err)
	assert.Contains(t, factors, "is_cross_unit_transfer")
}

func TestScoreEventUnknownEvent(t *testing.T) {
	db := setupTestDB(t)
	svc := setupService(t, db)

	_, err := svc.ScoreEvent(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestScoreEventWithActiveModel(t *testing.T) {
	db := setupTestDB(t)
	log := zap.NewNop()
	history := store.NewHistoryStore(db, log)
	modelsRepo := store.NewModelStore(db, nil, log)
	svc := setupService(t, db)
	ctx := context.Background()

	// Train on a seeded population first.
	for i := 0; i < 30; i++ {
		require.NoError(t, history.SaveFeatureRecord(ctx, &models.FeatureRecord{
			EventID:                  uuid.New(),
			HourOfDay:                9 + i%3,
			OfficerIssueFrequency30d: float64(i % 4),
			OfficerAvgCustodyHours:   float64(6 + i%3),
			CreatedAt:                time.Now().UTC().Add(-time.Hour),
		}))
	}
	_, err := svc.RunTraining(ctx)
	require.NoError(t, err)

	event := seedCustodyEvent(t, db, uuid.New(), time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))
	verdict, err := svc.ScoreEvent(ctx, event.ID)
	require.NoError(t, err)
	require.NotNil(t, verdict.ModelID)

	active, err := modelsRepo.ActiveModel(ctx, "kmeans")
	require.NoError(t, err)
	assert.Equal(t, active.ID, *verdict.ModelID)
}

func TestBackgroundScoringDrainsQueue(t *testing.T) {
	db := setupTestDB(t)
	svc := setupService(t, db)
	event := seedCustodyEvent(t, db, uuid.New(), time.Date(2025, 6, 10, 9, 0, 0, 0, time.UTC))

	require.True(t, svc.Enqueue(event.ID))
	svc.Start()
	svc.Stop()

	var stored models.AnomalyVerdict
	require.NoError(t, db.First(&stored, "event_id = ?", event.ID).Error)
	assert.False(t, stored.IsAnomaly)
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	db := setupTestDB(t)
	log := zap.NewNop()
	history := store.NewHistoryStore(db, log)
	modelsRepo := store.NewModelStore(db, nil, log)
	cfg := testServiceConfig()
	cfg.QueueSize = 1
	tr := trainer.NewTrainer(history, modelsRepo, cfg, log)
	notifier := notify.NewNotifier(config.KafkaConfig{Enabled: false}, models.SeverityHigh, log)
	svc := NewService(history, modelsRepo, tr, notifier, cfg, log)

	assert.True(t, svc.Enqueue(uuid.New()))
	assert.False(t, svc.Enqueue(uuid.New()))
}

func TestCheckRetrainRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	svc := setupService(t, db)

	decision, err := svc.CheckRetrain(context.Background())
	require.NoError(t, err)
	assert.True(t, decision.Needed)
}
