package ensemble

import (
	"github.com/custodialabs/armorytrace/internal/anomaly/clustering"
	"github.com/custodialabs/armorytrace/internal/anomaly/statistical"
	"github.com/custodialabs/armorytrace/pkg/models"
)

// decisionContext carries everything the severity and type tables look
// at, so each rule is a pure predicate over one value.
type decisionContext struct {
	record      *models.FeatureRecord
	clusterRes  *clustering.Result
	statRes     *statistical.Result
	fusedScore  float64
	confidence  float64
	ruleScore   float64
	timingScore float64
}

// severityRule maps one matched predicate to a severity. Rules are
// evaluated in order, first match wins; the table below is the severity
// decision table of the review policy.
type severityRule struct {
	name    string
	match   func(c decisionContext) bool
	outcome models.Severity
}

var severityRules = []severityRule{
	{
		name: "critical_score_with_agreement",
		match: func(c decisionContext) bool {
			return c.fusedScore >= 0.85 && c.confidence >= 0.6
		},
		outcome: models.SeverityCritical,
	},
	{
		name: "high_score_or_cross_unit_with_timing",
		match: func(c decisionContext) bool {
			return c.fusedScore >= 0.70 ||
				(c.record.IsCrossUnitTransfer && c.timingScore > 0.6)
		},
		outcome: models.SeverityHigh,
	},
	{
		name: "medium_score_or_cross_unit",
		match: func(c decisionContext) bool {
			return c.fusedScore >= 0.50 || c.record.IsCrossUnitTransfer
		},
		outcome: models.SeverityMedium,
	},
	{
		name:    "low_default",
		match:   func(c decisionContext) bool { return true },
		outcome: models.SeverityLow,
	},
}

func resolveSeverity(c decisionContext) models.Severity {
	for _, rule := range severityRules {
		if rule.match(c) {
			return rule.outcome
		}
	}
	return models.SeverityLow
}

// typeRule maps one matched predicate to an anomaly type label. Rules
// are evaluated in priority order, first match wins.
type typeRule struct {
	match   func(c decisionContext) bool
	outcome func(c decisionContext) string
}

var typeRules = []typeRule{
	{
		match:   func(c decisionContext) bool { return c.record.IsCrossUnitTransfer },
		outcome: constType(models.AnomalyTypeCrossUnitTransfer),
	},
	{
		match:   func(c decisionContext) bool { return c.record.RapidExchange },
		outcome: constType(models.AnomalyTypeRapidExchange),
	},
	{
		match: func(c decisionContext) bool {
			return c.record.AccessBeforeCustody && c.record.AccessBeforeCustodyHours < 6
		},
		outcome: constType(models.AnomalyTypeBallisticBeforeCustody),
	},
	{
		match: func(c decisionContext) bool {
			return c.record.AccessAfterCustody && c.record.AccessAfterCustodyHours < 6
		},
		outcome: constType(models.AnomalyTypeBallisticAfterCustody),
	},
	{
		match:   func(c decisionContext) bool { return c.timingScore > 0.6 },
		outcome: constType(models.AnomalyTypeBallisticTiming),
	},
	{
		match: func(c decisionContext) bool {
			return c.statRes != nil && len(c.statRes.Findings) > 0
		},
		outcome: func(c decisionContext) string {
			return statisticalType(c.statRes.Findings[0].Feature)
		},
	},
	{
		match:   func(c decisionContext) bool { return c.record.CrossUnitHistory },
		outcome: constType(models.AnomalyTypeCrossUnitHistory),
	},
	{
		match: func(c decisionContext) bool {
			return c.record.IsNight && c.record.IsWeekend
		},
		outcome: constType(models.AnomalyTypeOffHours),
	},
	{
		match: func(c decisionContext) bool {
			return c.clusterRes != nil && c.clusterRes.IsAnomaly
		},
		outcome: constType(models.AnomalyTypeClusterOutlier),
	},
	{
		match: func(c decisionContext) bool {
			return c.record.FirearmExchangeRate7d > 1.0
		},
		outcome: constType(models.AnomalyTypeHighExchangeRate),
	},
	{
		match:   func(c decisionContext) bool { return true },
		outcome: constType(models.AnomalyTypeBehavioralDeviation),
	},
}

func resolveType(c decisionContext) string {
	for _, rule := range typeRules {
		if rule.match(c) {
			return rule.outcome(c)
		}
	}
	return models.AnomalyTypeBehavioralDeviation
}

func constType(t string) func(decisionContext) string {
	return func(decisionContext) string { return t }
}

// statisticalType names the anomaly after the leading statistical
// finding.
func statisticalType(feature string) string {
	switch feature {
	case "duration_z_score":
		return "custody_duration_outlier"
	case "frequency_z_score":
		return "issue_frequency_outlier"
	case "firearm_exchange_rate_7d":
		return models.AnomalyTypeHighExchangeRate
	case "ballistic_access_24h":
		return models.AnomalyTypeBallisticTiming
	case "cross_unit_transfers_30d":
		return models.AnomalyTypeCrossUnitHistory
	default:
		return "statistical_outlier"
	}
}
