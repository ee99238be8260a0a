package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/custodialabs/armorytrace/internal/anomaly"
	"github.com/custodialabs/armorytrace/internal/anomaly/notify"
	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/internal/anomaly/trainer"
	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/internal/custody"
	"github.com/custodialabs/armorytrace/pkg/models"
)

type serverFixture struct {
	db      *gorm.DB
	router  *gin.Engine
	officer *models.Officer
	firearm *models.Firearm
}

func setupServer(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

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

	log := zap.NewNop()
	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	history := store.NewHistoryStore(db, log)
	modelsRepo := store.NewModelStore(db, nil, log)
	tr := trainer.NewTrainer(history, modelsRepo, cfg.Anomaly, log)
	notifier := notify.NewNotifier(config.KafkaConfig{Enabled: false}, models.SeverityHigh, log)
	anomalySvc := anomaly.NewService(history, modelsRepo, tr, notifier, cfg.Anomaly, log)
	custodySvc := custody.NewService(db, anomalySvc, log)

	unitID := uuid.New()
	officer := &models.Officer{ID: uuid.New(), UnitID: unitID, BadgeNo: "B-4004", Active: true}
	firearm := &models.Firearm{ID: uuid.New(), UnitID: unitID, SerialNumber: "SN-4004", Status: "stored"}
	require.NoError(t, db.Create(officer).Error)
	require.NoError(t, db.Create(firearm).Error)

	return &serverFixture{
		db:      db,
		router:  NewServer(log, custodySvc, anomalySvc).Router(),
		officer: officer,
		firearm: firearm,
	}
}

func (f *serverFixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "armorytrace_")
}

func TestIssueAndReturnFlow(t *testing.T) {
	f := setupServer(t)

	rec := f.request(t, http.MethodPost, "/api/v1/custody/issue", custody.IssueRequest{
		FirearmID: f.firearm.ID,
		OfficerID: f.officer.ID,
		Purpose:   "patrol",
		IssuedAt:  time.Now().UTC().Add(-4 * time.Hour),
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var event models.CustodyEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, f.firearm.ID, event.FirearmID)

	rec = f.request(t, http.MethodPost, "/api/v1/custody/"+event.ID.String()+"/return", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var returned models.CustodyEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &returned))
	assert.NotNil(t, returned.ReturnedAt)

	// A second return conflicts.
	rec = f.request(t, http.MethodPost, "/api/v1/custody/"+event.ID.String()+"/return", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIssueValidation(t *testing.T) {
	f := setupServer(t)

	rec := f.request(t, http.MethodPost, "/api/v1/custody/issue", map[string]any{
		"officer_id": f.officer.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScoreEndpoint(t *testing.T) {
	f := setupServer(t)

	rec := f.request(t, http.MethodPost, "/api/v1/custody/issue", custody.IssueRequest{
		FirearmID: f.firearm.ID,
		OfficerID: f.officer.ID,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var event models.CustodyEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))

	rec = f.request(t, http.MethodPost, "/api/v1/anomaly/score/"+event.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var verdict models.AnomalyVerdict
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verdict))
	assert.Equal(t, event.ID, verdict.EventID)
}

func TestScoreEndpointRejectsBadID(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodPost, "/api/v1/anomaly/score/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerdictListEndpoint(t *testing.T) {
	f := setupServer(t)
	history := store.NewHistoryStore(f.db, zap.NewNop())
	require.NoError(t, history.SaveVerdict(t.Context(), &models.AnomalyVerdict{
		EventID: uuid.New(), IsAnomaly: true, Severity: models.SeverityHigh,
	}))

	rec := f.request(t, http.MethodGet, "/api/v1/anomaly/verdicts?severity=high", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Total    int64                   `json:"total"`
		Verdicts []models.AnomalyVerdict `json:"verdicts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	require.Len(t, resp.Verdicts, 1)
}

func TestRetrainCheckEndpoint(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodGet, "/api/v1/anomaly/retrain-check", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "no trained model")
}

func TestTrainEndpointWithoutData(t *testing.T) {
	f := setupServer(t)
	rec := f.request(t, http.MethodPost, "/api/v1/anomaly/train", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
