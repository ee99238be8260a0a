package statistical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodialabs/armorytrace/pkg/models"
)

func TestDetectCleanRecord(t *testing.T) {
	d := NewDetector()
	result := d.Detect(&models.FeatureRecord{
		DurationZScore:        0.5,
		FrequencyZScore:       -1.2,
		FirearmExchangeRate7d: 0.3,
		BallisticAccess24h:    1,
	})
	assert.False(t, result.IsOutlier)
	assert.Empty(t, result.Findings)
	assert.Equal(t, 0.0, result.Score)
}

func TestDetectZScoreThresholds(t *testing.T) {
	d := NewDetector()

	// At the threshold nothing fires.
	result := d.Detect(&models.FeatureRecord{DurationZScore: 2.5})
	assert.False(t, result.IsOutlier)

	// Past 2.5 a medium finding fires.
	result = d.Detect(&models.FeatureRecord{DurationZScore: 2.6})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "duration_z_score", result.Findings[0].Feature)
	assert.Equal(t, models.SeverityMedium, result.Findings[0].Severity)

	// Past 3.0 it escalates to high, and negative deviations count too.
	result = d.Detect(&models.FeatureRecord{FrequencyZScore: -3.4})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "frequency_z_score", result.Findings[0].Feature)
	assert.Equal(t, models.SeverityHigh, result.Findings[0].Severity)
	assert.InDelta(t, 3.4, result.Findings[0].Deviation, 1e-9)
}

func TestDetectExchangeRate(t *testing.T) {
	d := NewDetector()
	result := d.Detect(&models.FeatureRecord{FirearmExchangeRate7d: 2.0})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "firearm_exchange_rate_7d", result.Findings[0].Feature)
	assert.InDelta(t, 2.0, result.MaxDeviation, 1e-9)
	assert.InDelta(t, 0.5, result.Score, 1e-9)
}

func TestDetectBallisticAccessFrequency(t *testing.T) {
	d := NewDetector()

	result := d.Detect(&models.FeatureRecord{BallisticAccess24h: 3})
	assert.False(t, result.IsOutlier)

	result = d.Detect(&models.FeatureRecord{BallisticAccess24h: 5})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, models.SeverityHigh, result.Findings[0].Severity)
}

func TestDetectNearAccessWindows(t *testing.T) {
	d := NewDetector()

	result := d.Detect(&models.FeatureRecord{
		AccessBeforeCustody:      true,
		AccessBeforeCustodyHours: 2.0,
	})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "access_before_custody_hours", result.Findings[0].Feature)
	assert.Equal(t, models.SeverityHigh, result.Findings[0].Severity)
	assert.Contains(t, result.Findings[0].Description, "2.0 hours before")

	// Outside the 6h window no finding fires.
	result = d.Detect(&models.FeatureRecord{
		AccessAfterCustody:      true,
		AccessAfterCustodyHours: 8.0,
	})
	assert.False(t, result.IsOutlier)

	// An absent access never fires even with zero hours recorded.
	result = d.Detect(&models.FeatureRecord{
		AccessBeforeCustody:      false,
		AccessBeforeCustodyHours: 0,
	})
	assert.False(t, result.IsOutlier)
}

func TestDetectCrossUnitTransfers(t *testing.T) {
	d := NewDetector()

	result := d.Detect(&models.FeatureRecord{CrossUnitTransfers30d: 2})
	assert.False(t, result.IsOutlier)

	result = d.Detect(&models.FeatureRecord{CrossUnitTransfers30d: 4})
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "cross_unit_transfers_30d", result.Findings[0].Feature)
	assert.InDelta(t, 2.0, result.Findings[0].Deviation, 1e-9)
}

func TestDetectScoreIsBounded(t *testing.T) {
	d := NewDetector()
	result := d.Detect(&models.FeatureRecord{
		DurationZScore:           9.0,
		FrequencyZScore:          -7.0,
		FirearmExchangeRate7d:    5.0,
		BallisticAccess24h:       20,
		AccessBeforeCustody:      true,
		AccessBeforeCustodyHours: 0.1,
		CrossUnitTransfers30d:    10,
	})
	assert.True(t, result.IsOutlier)
	assert.Equal(t, 1.0, result.Score)
	assert.GreaterOrEqual(t, result.MaxDeviation, 4.0)
}
