// Package features derives the per-event feature record the detectors
// score. Every sub-computation degrades to a zero/false default when
// history is missing or a lookup fails; extraction itself only fails on
// a nil event.
package features

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/custodialabs/armorytrace/internal/anomaly/store"
	"github.com/custodialabs/armorytrace/pkg/models"
)

const (
	behavioralWindow   = 30 * 24 * time.Hour
	exchangeWindow     = 7 * 24 * time.Hour
	populationWindow   = 180 * 24 * time.Hour
	ballisticLookback  = 48 * time.Hour
	rapidExchangeLimit = time.Hour
	nearAccessLimit    = 6.0 // hours
	recentEventsLimit  = 50
)

// History is the read/write surface the extractor needs. The gorm
// HistoryStore satisfies it; tests may substitute their own.
type History interface {
	Officer(ctx context.Context, id uuid.UUID) (*models.Officer, error)
	CountOfficerIssues(ctx context.Context, officerID uuid.UUID, since time.Time) (int64, error)
	OfficerAvgCustodyHours(ctx context.Context, officerID uuid.UUID, since time.Time) (float64, error)
	CountFirearmIssues(ctx context.Context, firearmID uuid.UUID, since time.Time) (int64, error)
	DistinctOfficersForFirearm(ctx context.Context, firearmID uuid.UUID, since time.Time) (int64, error)
	PreviousCustody(ctx context.Context, firearmID uuid.UUID, before time.Time, excludeID uuid.UUID) (*models.CustodyEvent, error)
	EventsForFirearm(ctx context.Context, firearmID uuid.UUID, since time.Time) ([]models.CustodyEvent, error)
	OfficerRecentEvents(ctx context.Context, officerID uuid.UUID, limit int) ([]models.CustodyEvent, error)
	OfficerHasCrossUnitHistory(ctx context.Context, officerID, homeUnitID uuid.UUID) (bool, error)
	DurationStats(ctx context.Context, since time.Time) (store.PopulationStats, error)
	FrequencyStats(ctx context.Context, since time.Time) (store.PopulationStats, error)
	BallisticProfileForFirearm(ctx context.Context, firearmID uuid.UUID) (*models.BallisticProfile, error)
	BallisticAccesses(ctx context.Context, profileID uuid.UUID, from, to time.Time) ([]models.BallisticAccessLog, error)
	CountBallisticAccesses(ctx context.Context, profileID uuid.UUID, since time.Time) (int64, error)
	SaveFeatureRecord(ctx context.Context, record *models.FeatureRecord) error
}

// Extractor turns a custody event plus stored history into a feature
// record.
type Extractor struct {
	history History
	logger  *zap.Logger
	now     func() time.Time
}

// NewExtractor creates a feature extractor.
func NewExtractor(history History, logger *zap.Logger) *Extractor {
	return &Extractor{history: history, logger: logger, now: time.Now}
}

// WithClock overrides the extractor's clock. Intended for tests.
func (e *Extractor) WithClock(now func() time.Time) *Extractor {
	e.now = now
	return e
}

// Extract computes the full feature record for one custody event and
// appends it to the feature store. A failed append is logged and does
// not fail extraction.
func (e *Extractor) Extract(ctx context.Context, event *models.CustodyEvent) (*models.FeatureRecord, error) {
	if event == nil {
		return nil, fmt.Errorf("cannot extract features from nil event")
	}

	record := &models.FeatureRecord{
		ID:        uuid.New(),
		EventID:   event.ID,
		FirearmID: event.FirearmID,
		OfficerID: event.OfficerID,
		UnitID:    event.UnitID,
		CreatedAt: e.now().UTC(),
	}

	e.temporalFeatures(event, record)
	e.behavioralFeatures(ctx, event, record)
	e.crossUnitFeatures(ctx, event, record)
	e.patternFlags(ctx, event, record)
	e.statisticalFeatures(ctx, event, record)
	e.ballisticFeatures(ctx, event, record)

	if err := e.history.SaveFeatureRecord(ctx, record); err != nil {
		e.logger.Warn("failed to persist feature record, continuing",
			zap.String("event_id", event.ID.String()),
			zap.Error(err))
	}
	return record, nil
}

func (e *Extractor) temporalFeatures(event *models.CustodyEvent, record *models.FeatureRecord) {
	issued := event.IssuedAt
	record.HourOfDay = issued.Hour()
	record.DayOfWeek = int(issued.Weekday())
	record.IsNight = issued.Hour() >= 20 || issued.Hour() < 6
	record.IsWeekend = issued.Weekday() == time.Saturday || issued.Weekday() == time.Sunday
}

func (e *Extractor) behavioralFeatures(ctx context.Context, event *models.CustodyEvent, record *models.FeatureRecord) {
	since := event.IssuedAt.Add(-behavioralWindow)

	if n, err := e.history.CountOfficerIssues(ctx, event.OfficerID, since); err != nil {
		e.degrade(event, "officer_issue_frequency", err)
	} else {
		record.OfficerIssueFrequency30d = float64(n)
	}

	if avg, err := e.history.OfficerAvgCustodyHours(ctx, event.OfficerID, since); err != nil {
		e.degrade(event, "officer_avg_custody_hours", err)
	} else {
		record.OfficerAvgCustodyHours = avg
	}

	weekAgo := event.IssuedAt.Add(-exchangeWindow)
	if n, err := e.history.CountFirearmIssues(ctx, event.FirearmID, weekAgo); err != nil {
		e.degrade(event, "firearm_exchange_rate", err)
	} else {
		record.FirearmExchangeRate7d = float64(n) / 7.0
	}

	if n, err := e.history.DistinctOfficersForFirearm(ctx, event.FirearmID, weekAgo); err != nil {
		e.degrade(event, "firearm_distinct_officers", err)
	} else {
		record.FirearmDistinctOfficers7d = int(n)
	}

	record.ConsecutiveSameFirearm = e.consecutiveSameFirearm(ctx, event)
}

// consecutiveSameFirearm counts how many of the officer's most recent
// custody events, walking backwards from this one, involved the same
// firearm.
func (e *Extractor) consecutiveSameFirearm(ctx context.Context, event *models.CustodyEvent) int {
	events, err := e.history.OfficerRecentEvents(ctx, event.OfficerID, recentEventsLimit)
	if err != nil {
		e.degrade(event, "consecutive_same_firearm", err)
		return 0
	}
	count := 0
	for _, past := range events {
		if past.ID == event.ID {
			continue
		}
		if !past.IssuedAt.Before(event.IssuedAt) {
			continue
		}
		if past.FirearmID != event.FirearmID {
			break
		}
		count++
	}
	return count
}

func (e *Extractor) crossUnitFeatures(ctx context.Context, event *models.CustodyEvent, record *models.FeatureRecord) {
	prev, err := e.history.PreviousCustody(ctx, event.FirearmID, event.IssuedAt, event.ID)
	if err != nil {
		e.degrade(event, "cross_unit_transfer", err)
		return
	}
	if prev == nil {
		record.IsFirstCustody = true
		return
	}
	if prev.UnitID != event.UnitID {
		record.IsCrossUnitTransfer = true
		prevUnit := prev.UnitID
		record.PreviousUnitID = &prevUnit
	}

	record.CrossUnitTransfers30d = e.crossUnitTransfers30d(ctx, event)
}

// crossUnitTransfers30d scans the firearm's trailing-30-day custody
// chain in issue order and counts transitions where the unit changed.
func (e *Extractor) crossUnitTransfers30d(ctx context.Context, event *models.CustodyEvent) int {
	since := event.IssuedAt.Add(-behavioralWindow)
	events, err := e.history.EventsForFirearm(ctx, event.FirearmID, since)
	if err != nil {
		e.degrade(event, "cross_unit_transfers_30d", err)
		return 0
	}
	count := 0
	var prevUnit *uuid.UUID
	for i := range events {
		ev := &events[i]
		if ev.IssuedAt.After(event.IssuedAt) {
			break
		}
		if prevUnit != nil && *prevUnit != ev.UnitID {
			count++
		}
		u := ev.UnitID
		prevUnit = &u
	}
	return count
}

func (e *Extractor) patternFlags(ctx context.Context, event *models.CustodyEvent, record *models.FeatureRecord) {
	prev, err := e.history.PreviousCustody(ctx, event.FirearmID, event.IssuedAt, event.ID)
	if err != nil {
		e.degrade(event, "rapid_exchange", err)
	} else if prev != nil && prev.ReturnedAt != nil {
		gap := event.IssuedAt.Sub(*prev.ReturnedAt)
		if gap >= 0 && gap <= rapidExchangeLimit {
			record.RapidExchange = true
		}
	}

	officer, err := e.history.Officer(ctx, event.OfficerID)
	if err != nil {
		e.degrade(event, "cross_unit_history", err)
		return
	}
	crossUnit, err := e.history.OfficerHasCrossUnitHistory(ctx, event.OfficerID, officer.UnitID)
	if err != nil {
		e.degrade(event, "cross_unit_history", err)
		return
	}
	record.CrossUnitHistory = crossUnit
}

func (e *Extractor) statisticalFeatures(ctx context.Context, event *models.CustodyEvent, record *models.FeatureRecord) {
	if stats, err := e.history.DurationStats(ctx, event.IssuedAt.Add(-populationWindow)); err != nil {
		e.degrade(event, "duration_z_score", err)
	} else {
		record.DurationZScore = zScore(record.OfficerAvgCustodyHours, stats)
	}

	// Population counts must cover the same 30-day window the officer's
	// own issue count is taken over.
	if stats, err := e.history.FrequencyStats(ctx, event.IssuedAt.Add(-behavioralWindow)); err != nil {
		e.degrade(event, "frequency_z_score", err)
	} else {
		record.FrequencyZScore = zScore(record.OfficerIssueFrequency30d, stats)
	}
}

// zScore guards the zero-stddev population: a feature with no variance
// deviates by definition 0.
func zScore(value float64, stats store.PopulationStats) float64 {
	if stats.StdDev == 0 {
		return 0
	}
	return (value - stats.Mean) / stats.StdDev
}

func (e *Extractor) ballisticFeatures(ctx context.Context, event *models.CustodyEvent, record *models.FeatureRecord) {
	profile, err := e.history.BallisticProfileForFirearm(ctx, event.FirearmID)
	if err != nil {
		e.degrade(event, "ballistic_profile", err)
		return
	}
	if profile == nil {
		return // no profile, all ballistic features stay zero/false
	}
	record.HasBallisticProfile = true

	now := e.now().UTC()
	if n, err := e.history.CountBallisticAccesses(ctx, profile.ID, now.Add(-24*time.Hour)); err != nil {
		e.degrade(event, "ballistic_access_24h", err)
	} else {
		record.BallisticAccess24h = int(n)
	}
	if n, err := e.history.CountBallisticAccesses(ctx, profile.ID, now.Add(-exchangeWindow)); err != nil {
		e.degrade(event, "ballistic_access_7d", err)
	} else {
		record.BallisticAccess7d = int(n)
	}

	custodyEnd := event.CustodyEnd(now)
	accesses, err := e.history.BallisticAccesses(ctx, profile.ID,
		event.IssuedAt.Add(-ballisticLookback), custodyEnd.Add(ballisticLookback))
	if err != nil {
		e.degrade(event, "ballistic_access_timing", err)
		return
	}

	for _, access := range accesses {
		at := access.AccessedAt
		switch {
		case at.Before(event.IssuedAt):
			gap := event.IssuedAt.Sub(at).Hours()
			if !record.AccessBeforeCustody || gap < record.AccessBeforeCustodyHours {
				record.AccessBeforeCustody = true
				record.AccessBeforeCustodyHours = gap
			}
		case at.After(custodyEnd):
			gap := at.Sub(custodyEnd).Hours()
			if !record.AccessAfterCustody || gap < record.AccessAfterCustodyHours {
				record.AccessAfterCustody = true
				record.AccessAfterCustodyHours = gap
			}
		default:
			record.AccessDuringCustody = true
		}
	}

	record.BallisticTimingScore = timingConcern(record)
}

// timingConcern is the bounded additive timing score: during-custody
// access +0.3, access within 6h before custody +0.5, within 6h after
// +0.5, more than 3 accesses in 24h +0.4, capped at 1.0.
func timingConcern(record *models.FeatureRecord) float64 {
	score := 0.0
	if record.AccessDuringCustody {
		score += 0.3
	}
	if record.AccessBeforeCustody && record.AccessBeforeCustodyHours <= nearAccessLimit {
		score += 0.5
	}
	if record.AccessAfterCustody && record.AccessAfterCustodyHours <= nearAccessLimit {
		score += 0.5
	}
	if record.BallisticAccess24h > 3 {
		score += 0.4
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

func (e *Extractor) degrade(event *models.CustodyEvent, feature string, err error) {
	e.logger.Warn("feature degraded to default",
		zap.String("event_id", event.ID.String()),
		zap.String("feature", feature),
		zap.Error(err))
}
