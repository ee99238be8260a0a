// Package store implements the persistence contracts of the anomaly
// pipeline on gorm: window-bounded reads over custody history and
// ballistic access logs, append-only feature/verdict writes, and the
// versioned model artifact store.
package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/custodialabs/armorytrace/pkg/models"
)

// HistoryStore provides read access to custody history and append-only
// writes for derived artifacts. All historical queries are bounded by a
// trailing time window.
type HistoryStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewHistoryStore creates a history store on the given database.
func NewHistoryStore(db *gorm.DB, logger *zap.Logger) *HistoryStore {
	return &HistoryStore{db: db, logger: logger}
}

// EventByID loads one custody event.
func (s *HistoryStore) EventByID(ctx context.Context, id uuid.UUID) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load custody event %s: %w", id, err)
	}
	return &event, nil
}

// Officer loads one officer record.
func (s *HistoryStore) Officer(ctx context.Context, id uuid.UUID) (*models.Officer, error) {
	var officer models.Officer
	if err := s.db.WithContext(ctx).First(&officer, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("failed to load officer %s: %w", id, err)
	}
	return &officer, nil
}

// CountOfficerIssues counts custody events issued to an officer since
// the given time.
func (s *HistoryStore) CountOfficerIssues(ctx context.Context, officerID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("officer_id = ? AND issued_at >= ?", officerID, since).
		Count(&n).Error
	return n, err
}

// OfficerAvgCustodyHours averages the recorded custody duration of an
// officer's returned events since the given time. Returns 0 with no
// history.
func (s *HistoryStore) OfficerAvgCustodyHours(ctx context.Context, officerID uuid.UUID, since time.Time) (float64, error) {
	var durations []float64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("officer_id = ? AND issued_at >= ? AND returned_at IS NOT NULL", officerID, since).
		Pluck("duration_hours", &durations).Error
	if err != nil || len(durations) == 0 {
		return 0, err
	}
	var sum float64
	for _, d := range durations {
		sum += d
	}
	return sum / float64(len(durations)), nil
}

// CountFirearmIssues counts custody events of a firearm since the given time.
func (s *HistoryStore) CountFirearmIssues(ctx context.Context, firearmID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("firearm_id = ? AND issued_at >= ?", firearmID, since).
		Count(&n).Error
	return n, err
}

// DistinctOfficersForFirearm counts distinct officers who held a firearm
// since the given time.
func (s *HistoryStore) DistinctOfficersForFirearm(ctx context.Context, firearmID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("firearm_id = ? AND issued_at >= ?", firearmID, since).
		Distinct("officer_id").
		Count(&n).Error
	return n, err
}

// PreviousCustody returns the custody event of the firearm immediately
// preceding the given issue time, excluding the current event. Returns
// nil without error when no prior custody exists.
func (s *HistoryStore) PreviousCustody(ctx context.Context, firearmID uuid.UUID, before time.Time, excludeID uuid.UUID) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	err := s.db.WithContext(ctx).
		Where("firearm_id = ? AND issued_at < ? AND id <> ?", firearmID, before, excludeID).
		Order("issued_at DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load previous custody for firearm %s: %w", firearmID, err)
	}
	return &event, nil
}

// EventsForFirearm returns the firearm's custody events since the given
// time, ordered by issue time ascending.
func (s *HistoryStore) EventsForFirearm(ctx context.Context, firearmID uuid.UUID, since time.Time) ([]models.CustodyEvent, error) {
	var events []models.CustodyEvent
	err := s.db.WithContext(ctx).
		Where("firearm_id = ? AND issued_at >= ?", firearmID, since).
		Order("issued_at ASC").
		Find(&events).Error
	return events, err
}

// OfficerRecentEvents returns the officer's latest custody events,
// newest first, capped at limit.
func (s *HistoryStore) OfficerRecentEvents(ctx context.Context, officerID uuid.UUID, limit int) ([]models.CustodyEvent, error) {
	var events []models.CustodyEvent
	err := s.db.WithContext(ctx).
		Where("officer_id = ?", officerID).
		Order("issued_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}

// OfficerHasCrossUnitHistory reports whether the officer ever held
// custody under a unit other than their own.
func (s *HistoryStore) OfficerHasCrossUnitHistory(ctx context.Context, officerID, homeUnitID uuid.UUID) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("officer_id = ? AND unit_id <> ?", officerID, homeUnitID).
		Count(&n).Error
	return n > 0, err
}

// PopulationStats holds mean and standard deviation of one population
// metric.
type PopulationStats struct {
	Mean   float64
	StdDev float64
	N      int
}

// DurationStats computes population mean/stddev of custody duration
// hours over returned events in the trailing window.
func (s *HistoryStore) DurationStats(ctx context.Context, since time.Time) (PopulationStats, error) {
	var durations []float64
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Where("issued_at >= ? AND returned_at IS NOT NULL", since).
		Limit(10000).
		Pluck("duration_hours", &durations).Error
	if err != nil {
		return PopulationStats{}, err
	}
	return computeStats(durations), nil
}

// FrequencyStats computes population mean/stddev of per-officer issue
// counts in the trailing window.
func (s *HistoryStore) FrequencyStats(ctx context.Context, since time.Time) (PopulationStats, error) {
	type row struct {
		OfficerID uuid.UUID
		C         int64
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.CustodyEvent{}).
		Select("officer_id, count(*) as c").
		Where("issued_at >= ?", since).
		Group("officer_id").
		Scan(&rows).Error
	if err != nil {
		return PopulationStats{}, err
	}
	counts := make([]float64, len(rows))
	for i, r := range rows {
		counts[i] = float64(r.C)
	}
	return computeStats(counts), nil
}

func computeStats(values []float64) PopulationStats {
	if len(values) == 0 {
		return PopulationStats{}
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return PopulationStats{Mean: mean, StdDev: math.Sqrt(variance), N: len(values)}
}

// BallisticProfileForFirearm returns the firearm's ballistic profile, or
// nil without error when no profile was ever captured.
func (s *HistoryStore) BallisticProfileForFirearm(ctx context.Context, firearmID uuid.UUID) (*models.BallisticProfile, error) {
	var profile models.BallisticProfile
	err := s.db.WithContext(ctx).First(&profile, "firearm_id = ?", firearmID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ballistic profile for firearm %s: %w", firearmID, err)
	}
	return &profile, nil
}

// BallisticAccesses returns access log entries for a profile inside the
// given window, ordered by access time.
func (s *HistoryStore) BallisticAccesses(ctx context.Context, profileID uuid.UUID, from, to time.Time) ([]models.BallisticAccessLog, error) {
	var accesses []models.BallisticAccessLog
	err := s.db.WithContext(ctx).
		Where("profile_id = ? AND accessed_at >= ? AND accessed_at <= ?", profileID, from, to).
		Order("accessed_at ASC").
		Find(&accesses).Error
	return accesses, err
}

// CountBallisticAccesses counts accesses of a profile since the given time.
func (s *HistoryStore) CountBallisticAccesses(ctx context.Context, profileID uuid.UUID, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.BallisticAccessLog{}).
		Where("profile_id = ? AND accessed_at >= ?", profileID, since).
		Count(&n).Error
	return n, err
}

// SaveFeatureRecord appends one extracted feature record.
func (s *HistoryStore) SaveFeatureRecord(ctx context.Context, record *models.FeatureRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save feature record for event %s: %w", record.EventID, err)
	}
	return nil
}

// FeatureRecordsSince returns feature records created since the given
// time, oldest first.
func (s *HistoryStore) FeatureRecordsSince(ctx context.Context, since time.Time) ([]models.FeatureRecord, error) {
	var records []models.FeatureRecord
	err := s.db.WithContext(ctx).
		Where("created_at >= ?", since).
		Order("created_at ASC").
		Find(&records).Error
	return records, err
}

// CountFeatureRecordsSince counts feature records created since the
// given time.
func (s *HistoryStore) CountFeatureRecordsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.FeatureRecord{}).
		Where("created_at >= ?", since).
		Count(&n).Error
	return n, err
}

// SaveVerdict persists one anomaly verdict per custody event.
func (s *HistoryStore) SaveVerdict(ctx context.Context, verdict *models.AnomalyVerdict) error {
	if verdict.ID == uuid.Nil {
		verdict.ID = uuid.New()
	}
	if verdict.CreatedAt.IsZero() {
		verdict.CreatedAt = time.Now().UTC()
	}
	// One verdict per custody event; re-scoring replaces it.
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "event_id"}},
			UpdateAll: true,
		}).
		Create(verdict).Error
	if err != nil {
		return fmt.Errorf("failed to save verdict for event %s: %w", verdict.EventID, err)
	}
	return nil
}

// ListVerdicts returns verdicts newest first, with optional severity
// filter and paging.
func (s *HistoryStore) ListVerdicts(ctx context.Context, severity models.Severity, limit, offset int) ([]models.AnomalyVerdict, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AnomalyVerdict{})
	if severity != "" {
		query = query.Where("severity = ?", severity)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var verdicts []models.AnomalyVerdict
	err := query.Order("created_at DESC").Limit(limit).Offset(offset).Find(&verdicts).Error
	return verdicts, total, err
}

// VerdictStats aggregates verdicts attributed to one model since the
// given time. Used for the retraining decision and performance reports.
type VerdictStats struct {
	Total          int64                     `json:"total"`
	Anomalies      int64                     `json:"anomalies"`
	Reviewed       int64                     `json:"reviewed"`
	FalsePositives int64                     `json:"false_positives"`
	AvgScore       float64                   `json:"avg_score"`
	AvgConfidence  float64                   `json:"avg_confidence"`
	SeverityCounts map[models.Severity]int64 `json:"severity_counts"`
}

// FalsePositiveRate returns reviewed-false-positives over reviewed
// anomalies, 0 when nothing was reviewed.
func (v VerdictStats) FalsePositiveRate() float64 {
	if v.Reviewed == 0 {
		return 0
	}
	return float64(v.FalsePositives) / float64(v.Reviewed)
}

// ResolutionRate returns reviewed over total anomalies, 0 when none.
func (v VerdictStats) ResolutionRate() float64 {
	if v.Anomalies == 0 {
		return 0
	}
	return float64(v.Reviewed) / float64(v.Anomalies)
}

// VerdictStatsForModel aggregates verdict outcomes for one model id.
func (s *HistoryStore) VerdictStatsForModel(ctx context.Context, modelID uuid.UUID, since time.Time) (VerdictStats, error) {
	var verdicts []models.AnomalyVerdict
	err := s.db.WithContext(ctx).
		Where("model_id = ? AND created_at >= ?", modelID, since).
		Find(&verdicts).Error
	if err != nil {
		return VerdictStats{}, err
	}

	stats := VerdictStats{SeverityCounts: map[models.Severity]int64{}}
	var scoreSum, confSum float64
	for _, v := range verdicts {
		stats.Total++
		scoreSum += v.AnomalyScore
		confSum += v.Confidence
		stats.SeverityCounts[v.Severity]++
		if v.IsAnomaly {
			stats.Anomalies++
			if v.Reviewed {
				stats.Reviewed++
				if v.FalsePositive {
					stats.FalsePositives++
				}
			}
		}
	}
	if stats.Total > 0 {
		stats.AvgScore = scoreSum / float64(stats.Total)
		stats.AvgConfidence = confSum / float64(stats.Total)
	}
	return stats, nil
}
