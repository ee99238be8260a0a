package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Severity is the ordinal review-urgency label attached to a verdict.
// It ranks how quickly a human should look at the event, nothing more.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, low first.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Anomaly type labels, in resolution priority order.
const (
	AnomalyTypeCrossUnitTransfer      = "cross_unit_transfer"
	AnomalyTypeRapidExchange          = "rapid_exchange_pattern"
	AnomalyTypeBallisticBeforeCustody = "ballistic_access_before_custody"
	AnomalyTypeBallisticAfterCustody  = "ballistic_access_after_custody"
	AnomalyTypeBallisticTiming        = "ballistic_timing_pattern"
	AnomalyTypeCrossUnitHistory       = "cross_unit_history"
	AnomalyTypeOffHours               = "off_hours_activity"
	AnomalyTypeClusterOutlier         = "cluster_outlier"
	AnomalyTypeHighExchangeRate       = "high_exchange_rate"
	AnomalyTypeBehavioralDeviation    = "behavioral_deviation"
)

// FeatureRecord is the per-event feature snapshot used for scoring and,
// later, for model training. Computed once, never updated in place.
type FeatureRecord struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	EventID   uuid.UUID `json:"event_id" gorm:"type:uuid;uniqueIndex"`
	FirearmID uuid.UUID `json:"firearm_id" gorm:"type:uuid;index"`
	OfficerID uuid.UUID `json:"officer_id" gorm:"type:uuid;index"`
	UnitID    uuid.UUID `json:"unit_id" gorm:"type:uuid;index"`

	// Temporal
	HourOfDay int  `json:"hour_of_day"`
	DayOfWeek int  `json:"day_of_week"`
	IsNight   bool `json:"is_night"`
	IsWeekend bool `json:"is_weekend"`

	// Behavioral
	OfficerIssueFrequency30d  float64 `json:"officer_issue_frequency_30d"`
	OfficerAvgCustodyHours    float64 `json:"officer_avg_custody_hours"`
	FirearmExchangeRate7d     float64 `json:"firearm_exchange_rate_7d"`
	FirearmDistinctOfficers7d int     `json:"firearm_distinct_officers_7d"`
	ConsecutiveSameFirearm    int     `json:"consecutive_same_firearm"`

	// Cross-unit transfer context
	IsCrossUnitTransfer   bool       `json:"is_cross_unit_transfer"`
	PreviousUnitID        *uuid.UUID `json:"previous_unit_id" gorm:"type:uuid"`
	CrossUnitTransfers30d int        `json:"cross_unit_transfers_30d"`
	IsFirstCustody        bool       `json:"is_first_custody"`

	// Pattern flags
	RapidExchange    bool `json:"rapid_exchange"`
	CrossUnitHistory bool `json:"cross_unit_history"`

	// Statistical
	DurationZScore  float64 `json:"duration_z_score"`
	FrequencyZScore float64 `json:"frequency_z_score"`

	// Ballistic-access timing
	HasBallisticProfile      bool    `json:"has_ballistic_profile"`
	BallisticAccess24h       int     `json:"ballistic_access_24h"`
	BallisticAccess7d        int     `json:"ballistic_access_7d"`
	AccessDuringCustody      bool    `json:"access_during_custody"`
	AccessBeforeCustody      bool    `json:"access_before_custody"`
	AccessBeforeCustodyHours float64 `json:"access_before_custody_hours"`
	AccessAfterCustody       bool    `json:"access_after_custody"`
	AccessAfterCustodyHours  float64 `json:"access_after_custody_hours"`
	BallisticTimingScore     float64 `json:"ballistic_timing_score"`

	CreatedAt time.Time `json:"created_at"`
}

// AnomalyModel is one versioned clustering model artifact. Artifacts are
// immutable after creation; activation flips exactly one row's flag.
type AnomalyModel struct {
	ID               uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ModelType        string    `json:"model_type" gorm:"index;default:kmeans"`
	Version          int       `json:"version" gorm:"index"`
	K                int       `json:"k"`
	CentroidsJSON    string    `json:"-" gorm:"column:centroids;type:text"`
	BoundsJSON       string    `json:"-" gorm:"column:bounds;type:text"`
	FeatureNames     string    `json:"feature_names" gorm:"type:text"`
	BalanceScore     float64   `json:"balance_score"`
	OutlierThreshold float64   `json:"outlier_threshold"`
	TrainingSamples  int       `json:"training_samples"`
	IsActive         bool      `json:"is_active" gorm:"index"`
	TrainedAt        time.Time `json:"trained_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// NormalizationBounds holds per-feature min/max from training.
type NormalizationBounds struct {
	Min []float64 `json:"min"`
	Max []float64 `json:"max"`
}

// Centroids decodes the stored centroid vectors.
func (m *AnomalyModel) Centroids() ([][]float64, error) {
	var c [][]float64
	if err := json.Unmarshal([]byte(m.CentroidsJSON), &c); err != nil {
		return nil, err
	}
	return c, nil
}

// SetCentroids encodes centroid vectors into the stored column.
func (m *AnomalyModel) SetCentroids(c [][]float64) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	m.CentroidsJSON = string(b)
	return nil
}

// Bounds decodes the stored normalization bounds.
func (m *AnomalyModel) Bounds() (*NormalizationBounds, error) {
	var b NormalizationBounds
	if err := json.Unmarshal([]byte(m.BoundsJSON), &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// SetBounds encodes normalization bounds into the stored column.
func (m *AnomalyModel) SetBounds(b *NormalizationBounds) error {
	raw, err := json.Marshal(b)
	if err != nil {
		return err
	}
	m.BoundsJSON = string(raw)
	return nil
}

// AnomalyVerdict is the persisted output of scoring one custody event.
// Created once per event; a reviewer may later annotate the review
// fields, the scoring fields are never rewritten.
type AnomalyVerdict struct {
	ID        uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	EventID   uuid.UUID  `json:"event_id" gorm:"type:uuid;uniqueIndex"`
	FirearmID uuid.UUID  `json:"firearm_id" gorm:"type:uuid;index"`
	OfficerID uuid.UUID  `json:"officer_id" gorm:"type:uuid;index"`
	UnitID    uuid.UUID  `json:"unit_id" gorm:"type:uuid;index"`
	ModelID   *uuid.UUID `json:"model_id" gorm:"type:uuid;index"`

	IsAnomaly       bool     `json:"is_anomaly" gorm:"index"`
	AnomalyScore    float64  `json:"anomaly_score"`
	Confidence      float64  `json:"confidence"`
	Severity        Severity `json:"severity" gorm:"index"`
	AnomalyType     string   `json:"anomaly_type" gorm:"index"`
	MandatoryReview bool     `json:"mandatory_review"`

	FeatureImportanceJSON   string `json:"-" gorm:"column:feature_importance;type:text"`
	ContributingFactorsJSON string `json:"-" gorm:"column:contributing_factors;type:text"`
	ClusteringJSON          string `json:"-" gorm:"column:clustering_result;type:text"`
	StatisticalJSON         string `json:"-" gorm:"column:statistical_result;type:text"`
	ScoringError            string `json:"scoring_error,omitempty"`

	Reviewed      bool       `json:"reviewed" gorm:"index"`
	FalsePositive bool       `json:"false_positive"`
	ReviewNotes   string     `json:"review_notes"`
	ReviewedBy    *uuid.UUID `json:"reviewed_by" gorm:"type:uuid"`
	ReviewedAt    *time.Time `json:"reviewed_at"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// FeatureImportance decodes the stored importance map.
func (v *AnomalyVerdict) FeatureImportance() (map[string]float64, error) {
	out := map[string]float64{}
	if v.FeatureImportanceJSON == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(v.FeatureImportanceJSON), &out)
	return out, err
}

// ContributingFactors decodes the stored factor map.
func (v *AnomalyVerdict) ContributingFactors() (map[string]string, error) {
	out := map[string]string{}
	if v.ContributingFactorsJSON == "" {
		return out, nil
	}
	err := json.Unmarshal([]byte(v.ContributingFactorsJSON), &out)
	return out, err
}
