package custody

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/custodialabs/armorytrace/pkg/models"
)

var (
	// ErrFirearmUnavailable is returned when the firearm is already out
	// or not in an issuable state.
	ErrFirearmUnavailable = errors.New("firearm is not available for issue")
	// ErrAlreadyReturned is returned when a return targets a closed
	// custody event.
	ErrAlreadyReturned = errors.New("custody event is already closed")
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("record not found")
)

// IssueRequest describes one firearm issue.
type IssueRequest struct {
	FirearmID uuid.UUID `json:"firearm_id" validate:"required"`
	OfficerID uuid.UUID `json:"officer_id" validate:"required"`
	Purpose   string    `json:"purpose" validate:"max=256"`
	IssuedAt  time.Time `json:"issued_at"`
}

// Scorer receives custody event IDs for asynchronous anomaly scoring.
type Scorer interface {
	Enqueue(eventID uuid.UUID) bool
}

// Service records custody changes. Every issue and return lands in the
// append-only custody log and is handed to the scorer after commit.
type Service interface {
	// IssueFirearm opens a custody event for an available firearm.
	IssueFirearm(ctx context.Context, req IssueRequest) (*models.CustodyEvent, error)
	// ReturnFirearm closes an open custody event, fixing its duration.
	ReturnFirearm(ctx context.Context, eventID uuid.UUID) (*models.CustodyEvent, error)
	// EventByID loads one custody event.
	EventByID(ctx context.Context, id uuid.UUID) (*models.CustodyEvent, error)
	// OpenCustody returns the open custody event for a firearm, or nil.
	OpenCustody(ctx context.Context, firearmID uuid.UUID) (*models.CustodyEvent, error)
}

type service struct {
	db     *gorm.DB
	scorer Scorer
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates the custody service. scorer may be nil, which
// disables post-commit scoring.
func NewService(db *gorm.DB, scorer Scorer, logger *zap.Logger) Service {
	return &service{db: db, scorer: scorer, logger: logger, now: time.Now}
}

func (s *service) IssueFirearm(ctx context.Context, req IssueRequest) (*models.CustodyEvent, error) {
	issuedAt := req.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = s.now()
	}

	var event *models.CustodyEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var officer models.Officer
		if err := tx.First(&officer, "id = ?", req.OfficerID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: officer %s", ErrNotFound, req.OfficerID)
			}
			return fmt.Errorf("failed to load officer: %w", err)
		}
		if !officer.Active {
			return fmt.Errorf("officer %s is not active", officer.BadgeNo)
		}

		var firearm models.Firearm
		if err := tx.First(&firearm, "id = ?", req.FirearmID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: firearm %s", ErrNotFound, req.FirearmID)
			}
			return fmt.Errorf("failed to load firearm: %w", err)
		}
		if firearm.Status != "stored" {
			return fmt.Errorf("%w: status %s", ErrFirearmUnavailable, firearm.Status)
		}

		var open int64
		if err := tx.Model(&models.CustodyEvent{}).
			Where("firearm_id = ? AND returned_at IS NULL", req.FirearmID).
			Count(&open).Error; err != nil {
			return fmt.Errorf("failed to check open custody: %w", err)
		}
		if open > 0 {
			return fmt.Errorf("%w: open custody exists", ErrFirearmUnavailable)
		}

		event = &models.CustodyEvent{
			ID:        uuid.New(),
			FirearmID: firearm.ID,
			OfficerID: officer.ID,
			UnitID:    firearm.UnitID,
			IssuedAt:  issuedAt,
			Purpose:   req.Purpose,
		}
		if err := tx.Create(event).Error; err != nil {
			return fmt.Errorf("failed to create custody event: %w", err)
		}

		if err := tx.Model(&models.Firearm{}).
			Where("id = ?", firearm.ID).
			Update("status", "issued").Error; err != nil {
			return fmt.Errorf("failed to update firearm status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("firearm issued",
		zap.String("event_id", event.ID.String()),
		zap.String("firearm_id", event.FirearmID.String()),
		zap.String("officer_id", event.OfficerID.String()))

	// Scoring happens after commit so the event is visible to the
	// pipeline's own reads.
	if s.scorer != nil {
		s.scorer.Enqueue(event.ID)
	}
	return event, nil
}

func (s *service) ReturnFirearm(ctx context.Context, eventID uuid.UUID) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&event, "id = ?", eventID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: custody event %s", ErrNotFound, eventID)
			}
			return fmt.Errorf("failed to load custody event: %w", err)
		}
		if !event.Open() {
			return ErrAlreadyReturned
		}

		returnedAt := s.now()
		duration := returnedAt.Sub(event.IssuedAt).Hours()
		if duration < 0 {
			duration = 0
		}
		if err := tx.Model(&event).Updates(map[string]any{
			"returned_at":    returnedAt,
			"duration_hours": duration,
		}).Error; err != nil {
			return fmt.Errorf("failed to close custody event: %w", err)
		}
		event.ReturnedAt = &returnedAt
		event.DurationHours = duration

		if err := tx.Model(&models.Firearm{}).
			Where("id = ?", event.FirearmID).
			Update("status", "stored").Error; err != nil {
			return fmt.Errorf("failed to update firearm status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("firearm returned",
		zap.String("event_id", event.ID.String()),
		zap.String("firearm_id", event.FirearmID.String()),
		zap.Float64("duration_hours", event.DurationHours))

	return &event, nil
}

func (s *service) EventByID(ctx context.Context, id uuid.UUID) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	if err := s.db.WithContext(ctx).First(&event, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: custody event %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to load custody event: %w", err)
	}
	return &event, nil
}

func (s *service) OpenCustody(ctx context.Context, firearmID uuid.UUID) (*models.CustodyEvent, error) {
	var event models.CustodyEvent
	err := s.db.WithContext(ctx).
		Where("firearm_id = ? AND returned_at IS NULL", firearmID).
		Order("issued_at DESC").
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load open custody: %w", err)
	}
	return &event, nil
}
