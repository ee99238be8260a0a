package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 1.0, cfg.Anomaly.Weights.Sum(), 1e-9)
	assert.Equal(t, 0.35, cfg.Anomaly.ScoreThreshold)
	assert.Equal(t, 0.4, cfg.Anomaly.CrossUnitFloor)
	assert.Equal(t, 6, cfg.Anomaly.Clustering.K)
	assert.Equal(t, 100, cfg.Anomaly.Clustering.MinSamples)
	assert.Equal(t, 30, cfg.Anomaly.Retrain.MaxAgeDays)
	assert.Equal(t, int64(1000), cfg.Anomaly.Retrain.NewSampleThreshold)
	assert.Equal(t, 1024, cfg.Anomaly.QueueSize)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("ARMORYTRACE_SERVER_PORT", "9090")
	t.Setenv("ARMORYTRACE_ENVIRONMENT", "production")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsBadWeights(t *testing.T) {
	t.Setenv("ARMORYTRACE_ANOMALY_WEIGHTS_CLUSTERING", "0.9")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "weights")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/armorytrace.yaml")
	assert.Error(t, err)
}
