package features

import (
	"github.com/custodialabs/armorytrace/pkg/models"
)

// vectorNames fixes the dimension order of the numeric vector fed to
// the clustering model. Training bounds and centroids are only valid
// against this exact order.
var vectorNames = []string{
	"hour_of_day",
	"day_of_week",
	"is_night",
	"is_weekend",
	"officer_issue_frequency_30d",
	"officer_avg_custody_hours",
	"firearm_exchange_rate_7d",
	"firearm_distinct_officers_7d",
	"consecutive_same_firearm",
	"is_cross_unit_transfer",
	"cross_unit_transfers_30d",
	"is_first_custody",
	"rapid_exchange",
	"cross_unit_history",
	"duration_z_score",
	"frequency_z_score",
	"ballistic_access_24h",
	"ballistic_access_7d",
	"access_during_custody",
	"access_before_custody_hours",
	"access_after_custody_hours",
	"ballistic_timing_score",
}

// VectorNames returns the ordered feature names of the model vector.
func VectorNames() []string {
	out := make([]string, len(vectorNames))
	copy(out, vectorNames)
	return out
}

// Vector flattens a feature record into the fixed-order numeric vector.
// Booleans become 0/1; the before/after gap dimensions carry 0 when no
// such access exists (the paired flag dimension disambiguates).
func Vector(r *models.FeatureRecord) []float64 {
	return []float64{
		float64(r.HourOfDay),
		float64(r.DayOfWeek),
		boolToFloat(r.IsNight),
		boolToFloat(r.IsWeekend),
		r.OfficerIssueFrequency30d,
		r.OfficerAvgCustodyHours,
		r.FirearmExchangeRate7d,
		float64(r.FirearmDistinctOfficers7d),
		float64(r.ConsecutiveSameFirearm),
		boolToFloat(r.IsCrossUnitTransfer),
		float64(r.CrossUnitTransfers30d),
		boolToFloat(r.IsFirstCustody),
		boolToFloat(r.RapidExchange),
		boolToFloat(r.CrossUnitHistory),
		r.DurationZScore,
		r.FrequencyZScore,
		float64(r.BallisticAccess24h),
		float64(r.BallisticAccess7d),
		boolToFloat(r.AccessDuringCustody),
		beforeAfterHours(r.AccessBeforeCustody, r.AccessBeforeCustodyHours),
		beforeAfterHours(r.AccessAfterCustody, r.AccessAfterCustodyHours),
		r.BallisticTimingScore,
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func beforeAfterHours(present bool, hours float64) float64 {
	if !present {
		return 0
	}
	return hours
}
