package models

import (
	"time"

	"github.com/google/uuid"
)

// Unit represents an organizational unit holding firearms.
type Unit struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name      string    `json:"name" gorm:"uniqueIndex"`
	Code      string    `json:"code" gorm:"uniqueIndex"`
	CreatedAt time.Time `json:"created_at"`
}

// Officer represents a sworn officer who can take custody of a firearm.
type Officer struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UnitID    uuid.UUID `json:"unit_id" gorm:"type:uuid;index"`
	BadgeNo   string    `json:"badge_no" gorm:"uniqueIndex"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Active    bool      `json:"active" gorm:"default:true"`
	CreatedAt time.Time `json:"created_at"`
}

// Firearm represents a single tracked weapon.
type Firearm struct {
	ID           uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	UnitID       uuid.UUID `json:"unit_id" gorm:"type:uuid;index"`
	SerialNumber string    `json:"serial_number" gorm:"uniqueIndex"`
	Model        string    `json:"model"`
	Caliber      string    `json:"caliber"`
	Status       string    `json:"status" gorm:"default:stored"` // stored, issued, maintenance, retired
	CreatedAt    time.Time `json:"created_at"`
}

// CustodyEvent records one assignment of a firearm to an officer.
//
// Rows are append-only: a record is created at issue time and the only
// later write is the one-time population of ReturnedAt and DurationHours
// by the return operation. History is never edited, so any feature
// derived from it is reproducible.
type CustodyEvent struct {
	ID            uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	FirearmID     uuid.UUID  `json:"firearm_id" gorm:"type:uuid;index"`
	OfficerID     uuid.UUID  `json:"officer_id" gorm:"type:uuid;index"`
	UnitID        uuid.UUID  `json:"unit_id" gorm:"type:uuid;index"`
	IssuedAt      time.Time  `json:"issued_at" gorm:"index"`
	ReturnedAt    *time.Time `json:"returned_at"`
	DurationHours float64    `json:"duration_hours"`
	Purpose       string     `json:"purpose"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Open reports whether the firearm is still out on this event.
func (e *CustodyEvent) Open() bool {
	return e.ReturnedAt == nil
}

// CustodyEnd returns the end of the custody window, or now when the
// event is still open.
func (e *CustodyEvent) CustodyEnd(now time.Time) time.Time {
	if e.ReturnedAt != nil {
		return *e.ReturnedAt
	}
	return now
}

// BallisticProfile holds forensic test data captured once per firearm.
type BallisticProfile struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	FirearmID   uuid.UUID `json:"firearm_id" gorm:"type:uuid;uniqueIndex"`
	Rifling     string    `json:"rifling"`
	FiringPin   string    `json:"firing_pin"`
	BreechFace  string    `json:"breech_face"`
	CapturedAt  time.Time `json:"captured_at"`
	LabRef      string    `json:"lab_ref"`
	CreatedAt   time.Time `json:"created_at"`
}

// BallisticAccessLog records one read of a ballistic profile.
type BallisticAccessLog struct {
	ID         uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	ProfileID  uuid.UUID `json:"profile_id" gorm:"type:uuid;index"`
	FirearmID  uuid.UUID `json:"firearm_id" gorm:"type:uuid;index"`
	AccessedBy uuid.UUID `json:"accessed_by" gorm:"type:uuid;index"`
	AccessedAt time.Time `json:"accessed_at" gorm:"index"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}
