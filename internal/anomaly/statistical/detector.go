// Package statistical flags univariate outliers in a feature record
// with fixed thresholds. It needs no trained model and behaves the same
// whether or not one exists.
package statistical

import (
	"fmt"
	"math"

	"github.com/custodialabs/armorytrace/pkg/models"
)

const (
	zScoreThreshold     = 2.5
	zScoreHighThreshold = 3.0
	exchangeRateLimit   = 1.0 // issues per day
	access24hLimit      = 3
	nearAccessHours     = 6.0
	crossUnitLimit      = 2
	deviationScale      = 4.0
)

// Finding is one univariate outlier observation.
type Finding struct {
	Feature     string          `json:"feature"`
	Deviation   float64         `json:"deviation"`
	Severity    models.Severity `json:"severity"`
	Description string          `json:"description"`
}

// Result is the statistical sub-signal for one event.
type Result struct {
	Findings     []Finding `json:"findings"`
	MaxDeviation float64   `json:"max_deviation"`
	Score        float64   `json:"score"`
	IsOutlier    bool      `json:"is_outlier"`
}

// Detector evaluates the fixed-threshold rules.
type Detector struct{}

// NewDetector creates a statistical detector.
func NewDetector() *Detector {
	return &Detector{}
}

// Detect evaluates every univariate rule against the record. The
// aggregate score is min(maxDeviation/4, 1).
func (d *Detector) Detect(record *models.FeatureRecord) *Result {
	result := &Result{}

	d.checkZScore(result, "duration_z_score", record.DurationZScore,
		"custody duration deviates %.1f standard deviations from the population")
	d.checkZScore(result, "frequency_z_score", record.FrequencyZScore,
		"issue frequency deviates %.1f standard deviations from the population")

	if record.FirearmExchangeRate7d > exchangeRateLimit {
		d.add(result, Finding{
			Feature:   "firearm_exchange_rate_7d",
			Deviation: record.FirearmExchangeRate7d / exchangeRateLimit,
			Severity:  models.SeverityMedium,
			Description: fmt.Sprintf("firearm changed hands %.1f times per day over the last week",
				record.FirearmExchangeRate7d),
		})
	}

	if record.BallisticAccess24h > access24hLimit {
		d.add(result, Finding{
			Feature:   "ballistic_access_24h",
			Deviation: float64(record.BallisticAccess24h) / float64(access24hLimit),
			Severity:  models.SeverityHigh,
			Description: fmt.Sprintf("ballistic profile accessed %d times in 24 hours",
				record.BallisticAccess24h),
		})
	}

	if record.AccessBeforeCustody && record.AccessBeforeCustodyHours <= nearAccessHours {
		d.add(result, Finding{
			Feature:   "access_before_custody_hours",
			Deviation: nearAccessHours / math.Max(record.AccessBeforeCustodyHours, 0.1),
			Severity:  models.SeverityHigh,
			Description: fmt.Sprintf("ballistic profile accessed %.1f hours before custody change",
				record.AccessBeforeCustodyHours),
		})
	}
	if record.AccessAfterCustody && record.AccessAfterCustodyHours <= nearAccessHours {
		d.add(result, Finding{
			Feature:   "access_after_custody_hours",
			Deviation: nearAccessHours / math.Max(record.AccessAfterCustodyHours, 0.1),
			Severity:  models.SeverityHigh,
			Description: fmt.Sprintf("ballistic profile accessed %.1f hours after custody change",
				record.AccessAfterCustodyHours),
		})
	}

	if record.CrossUnitTransfers30d > crossUnitLimit {
		d.add(result, Finding{
			Feature:   "cross_unit_transfers_30d",
			Deviation: float64(record.CrossUnitTransfers30d) / float64(crossUnitLimit),
			Severity:  models.SeverityMedium,
			Description: fmt.Sprintf("firearm crossed unit boundaries %d times in 30 days",
				record.CrossUnitTransfers30d),
		})
	}

	result.Score = math.Min(result.MaxDeviation/deviationScale, 1.0)
	result.IsOutlier = len(result.Findings) > 0
	return result
}

func (d *Detector) checkZScore(result *Result, feature string, z float64, format string) {
	abs := math.Abs(z)
	if abs <= zScoreThreshold {
		return
	}
	severity := models.SeverityMedium
	if abs > zScoreHighThreshold {
		severity = models.SeverityHigh
	}
	d.add(result, Finding{
		Feature:     feature,
		Deviation:   abs,
		Severity:    severity,
		Description: fmt.Sprintf(format, abs),
	})
}

func (d *Detector) add(result *Result, finding Finding) {
	result.Findings = append(result.Findings, finding)
	if finding.Deviation > result.MaxDeviation {
		result.MaxDeviation = finding.Deviation
	}
}
