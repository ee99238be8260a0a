package ensemble

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/anomaly/clustering"
	"github.com/custodialabs/armorytrace/internal/anomaly/statistical"
	"github.com/custodialabs/armorytrace/internal/config"
	"github.com/custodialabs/armorytrace/pkg/models"
)

// signalCount is the number of boolean sub-signal votes that feed the
// confidence calculation.
const signalCount = 5

// Outcome is the fused decision for one custody event.
type Outcome struct {
	IsAnomaly       bool               `json:"is_anomaly"`
	Score           float64            `json:"score"`
	Confidence      float64            `json:"confidence"`
	Severity        models.Severity    `json:"severity"`
	AnomalyType     string             `json:"anomaly_type"`
	MandatoryReview bool               `json:"mandatory_review"`

	ClusteringScore  float64 `json:"clustering_score"`
	StatisticalScore float64 `json:"statistical_score"`
	RuleScore        float64 `json:"rule_score"`
	TimingScore      float64 `json:"timing_score"`

	FeatureImportance   map[string]float64 `json:"feature_importance"`
	ContributingFactors map[string]string  `json:"contributing_factors"`
}

// Scorer fuses clustering, statistical, rule-based and ballistic-timing
// signals into one verdict. It is stateless; all policy comes from
// configuration.
type Scorer struct {
	weights        config.EnsembleWeights
	ruleWeights    config.RuleWeights
	scoreThreshold float64
	crossUnitFloor float64
	logger         *zap.Logger
}

// NewScorer builds a scorer from the anomaly pipeline configuration.
func NewScorer(cfg config.AnomalyConfig, logger *zap.Logger) *Scorer {
	return &Scorer{
		weights:        cfg.Weights,
		ruleWeights:    cfg.RuleWeights,
		scoreThreshold: cfg.ScoreThreshold,
		crossUnitFloor: cfg.CrossUnitFloor,
		logger:         logger,
	}
}

// Score fuses the sub-signals for one event. clusterRes may be nil when
// no trained model is available; the remaining weights are renormalized
// so the fused score stays in [0, 1].
func (s *Scorer) Score(record *models.FeatureRecord, clusterRes *clustering.Result, statRes *statistical.Result) *Outcome {
	ruleScore, triggered := s.ruleSignal(record)
	timingScore := clamp01(record.BallisticTimingScore)

	var clusterScore, statScore float64
	if clusterRes != nil {
		clusterScore = clamp01(clusterRes.Score)
	}
	if statRes != nil {
		statScore = clamp01(statRes.Score)
	}

	fused := s.weights.Statistical*statScore +
		s.weights.Rule*ruleScore +
		s.weights.BallisticTiming*timingScore
	if clusterRes != nil {
		fused += s.weights.Clustering * clusterScore
	} else if rest := s.weights.Sum() - s.weights.Clustering; rest > 0 {
		fused /= rest
	}
	fused = clamp01(fused)

	mandatoryReview := false
	if record.IsCrossUnitTransfer {
		if fused < s.crossUnitFloor {
			fused = s.crossUnitFloor
		}
		mandatoryReview = true
	}

	isAnomaly := fused > s.scoreThreshold || record.IsCrossUnitTransfer

	positives := 0
	if clusterRes != nil && clusterRes.IsAnomaly {
		positives++
	}
	if statRes != nil && statRes.IsOutlier {
		positives++
	}
	if ruleScore > 0.5 {
		positives++
	}
	if timingScore > 0.5 {
		positives++
	}
	if record.IsCrossUnitTransfer {
		positives++
	}
	confidence := float64(positives) / signalCount
	if !isAnomaly {
		confidence = float64(signalCount-positives) / signalCount
	}

	ctx := decisionContext{
		record:      record,
		clusterRes:  clusterRes,
		statRes:     statRes,
		fusedScore:  fused,
		confidence:  confidence,
		ruleScore:   ruleScore,
		timingScore: timingScore,
	}

	out := &Outcome{
		IsAnomaly:        isAnomaly,
		Score:            fused,
		Confidence:       confidence,
		MandatoryReview:  mandatoryReview,
		ClusteringScore:  clusterScore,
		StatisticalScore: statScore,
		RuleScore:        ruleScore,
		TimingScore:      timingScore,
	}
	if isAnomaly {
		out.Severity = resolveSeverity(ctx)
		out.AnomalyType = resolveType(ctx)
	} else {
		out.Severity = models.SeverityLow
	}
	out.FeatureImportance, out.ContributingFactors = s.explain(record, clusterRes, statRes, triggered)

	return out
}

// ruleSignal computes the weighted mean of the triggered rule flags and
// returns the names of the flags that fired.
func (s *Scorer) ruleSignal(record *models.FeatureRecord) (float64, []string) {
	w := s.ruleWeights
	checks := []struct {
		name   string
		weight float64
		fired  bool
	}{
		{"cross_unit_transfer", w.CrossUnitTransfer, record.IsCrossUnitTransfer},
		{"rapid_exchange", w.RapidExchange, record.RapidExchange},
		{"ballistic_before", w.BallisticBefore, record.AccessBeforeCustody && record.AccessBeforeCustodyHours < 6},
		{"ballistic_after", w.BallisticAfter, record.AccessAfterCustody && record.AccessAfterCustodyHours < 6},
		{"off_hours", w.OffHours, record.IsNight || record.IsWeekend},
		{"cross_unit_history", w.CrossUnitHistory, record.CrossUnitHistory},
		{"high_exchange_rate", w.HighExchangeRate, record.FirearmExchangeRate7d > 1.0},
		{"high_ballistic_freq", w.HighBallisticFreq, record.BallisticAccess24h > 3},
		{"repeated_cross_unit", w.RepeatedCrossUnit, record.CrossUnitTransfers30d > 2},
	}

	var sum float64
	var fired []string
	for _, c := range checks {
		if c.fired {
			sum += c.weight
			fired = append(fired, c.name)
		}
	}
	if len(fired) == 0 {
		return 0, nil
	}
	return clamp01(sum / float64(len(fired))), fired
}

// explain builds the per-feature importance weights and the human
// readable factor descriptions attached to the verdict.
func (s *Scorer) explain(record *models.FeatureRecord, clusterRes *clustering.Result, statRes *statistical.Result, triggered []string) (map[string]float64, map[string]string) {
	importance := make(map[string]float64)
	factors := make(map[string]string)

	if record.IsCrossUnitTransfer {
		importance["is_cross_unit_transfer"] = s.ruleWeights.CrossUnitTransfer
		if record.PreviousUnitID != nil {
			factors["is_cross_unit_transfer"] = fmt.Sprintf("firearm transferred across units from unit %s", record.PreviousUnitID)
		} else {
			factors["is_cross_unit_transfer"] = "firearm transferred across units"
		}
	}
	if record.RapidExchange {
		importance["rapid_exchange"] = s.ruleWeights.RapidExchange
		factors["rapid_exchange"] = "firearm returned and reissued within one hour"
	}
	if record.AccessBeforeCustody && record.AccessBeforeCustodyHours < 6 {
		importance["access_before_custody"] = s.ruleWeights.BallisticBefore
		factors["access_before_custody"] = fmt.Sprintf("ballistic profile accessed %.1f hours before custody", record.AccessBeforeCustodyHours)
	}
	if record.AccessAfterCustody && record.AccessAfterCustodyHours < 6 {
		importance["access_after_custody"] = s.ruleWeights.BallisticAfter
		factors["access_after_custody"] = fmt.Sprintf("ballistic profile accessed %.1f hours after custody ended", record.AccessAfterCustodyHours)
	}
	if record.AccessDuringCustody {
		importance["access_during_custody"] = 0.6
		factors["access_during_custody"] = "ballistic profile accessed during the custody window"
	}
	if record.BallisticAccess24h > 3 {
		importance["ballistic_access_24h"] = s.ruleWeights.HighBallisticFreq
		factors["ballistic_access_24h"] = fmt.Sprintf("%d ballistic profile accesses in the last 24 hours", record.BallisticAccess24h)
	}
	if z := math.Abs(record.DurationZScore); z > 2.5 {
		importance["duration_z_score"] = clamp01(z / 4.0)
		factors["duration_z_score"] = fmt.Sprintf("custody duration %.1f standard deviations from the population mean", z)
	}
	if z := math.Abs(record.FrequencyZScore); z > 2.5 {
		importance["frequency_z_score"] = clamp01(z / 4.0)
		factors["frequency_z_score"] = fmt.Sprintf("issue frequency %.1f standard deviations from the population mean", z)
	}
	if record.FirearmExchangeRate7d > 1.0 {
		importance["firearm_exchange_rate_7d"] = s.ruleWeights.HighExchangeRate
		factors["firearm_exchange_rate_7d"] = fmt.Sprintf("firearm changed hands %.1f times per day over the last week", record.FirearmExchangeRate7d)
	}
	if record.CrossUnitTransfers30d > 2 {
		importance["cross_unit_transfers_30d"] = s.ruleWeights.RepeatedCrossUnit
		factors["cross_unit_transfers_30d"] = fmt.Sprintf("%d cross-unit transfers in the last 30 days", record.CrossUnitTransfers30d)
	}
	if record.CrossUnitHistory {
		importance["cross_unit_history"] = s.ruleWeights.CrossUnitHistory
		factors["cross_unit_history"] = "officer has prior custody outside their home unit"
	}
	if record.IsNight {
		importance["is_night"] = s.ruleWeights.OffHours
		factors["is_night"] = fmt.Sprintf("issued at %02d:00, outside regular hours", record.HourOfDay)
	}
	if record.IsWeekend {
		importance["is_weekend"] = s.ruleWeights.OffHours
		factors["is_weekend"] = "issued on a weekend"
	}
	if clusterRes != nil && clusterRes.IsAnomaly {
		importance["cluster_distance"] = clamp01(clusterRes.Score)
		factors["cluster_distance"] = fmt.Sprintf("distance %.3f from nearest behavioral cluster exceeds threshold %.3f", clusterRes.Distance, clusterRes.Threshold)
	}
	if statRes != nil {
		for _, f := range statRes.Findings {
			if _, ok := factors[f.Feature]; !ok {
				importance[f.Feature] = clamp01(f.Deviation / 4.0)
				factors[f.Feature] = f.Description
			}
		}
	}

	if len(importance) == 0 {
		return nil, nil
	}
	s.logger.Debug("verdict explanation assembled",
		zap.Int("factors", len(factors)),
		zap.Strings("rule_flags", triggered))
	return importance, factors
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
