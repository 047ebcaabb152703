package models

import (
	"time"

	"github.com/google/uuid"
)

// ReservationStatus represents the resolution state of a credit reservation
type ReservationStatus string

const (
	ReservationStatusOpen     ReservationStatus = "open"
	ReservationStatusCharged  ReservationStatus = "charged"
	ReservationStatusReleased ReservationStatus = "released"
)

// CreditReservation holds centicredits against an organization's balance for
// the duration of an in-progress bot session. Resolved exactly once, by
// charge or release.
type CreditReservation struct {
	ID             uuid.UUID         `json:"id" db:"id"`
	OrganizationID uuid.UUID         `json:"organization_id" db:"organization_id"`
	BotID          uuid.UUID         `json:"bot_id" db:"bot_id"`
	Amount         int64             `json:"amount_centicredits" db:"amount_centicredits"`
	Status         ReservationStatus `json:"status" db:"status"`
	CreatedAt      time.Time         `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time        `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Credit audit reasons
const (
	CreditReasonTopUp       = "admin_top_up"
	CreditReasonDeduct      = "admin_deduct"
	CreditReasonMeeting     = "meeting_charge"
	CreditReasonReclamation = "stale_bot_reclamation"
	CreditReasonSignup      = "signup_grant"
)

// CreditEntry is one row of the append-only credit audit trail. Entries are
// never updated or deleted after insertion.
type CreditEntry struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ObjectID       string     `json:"object_id" db:"object_id"`
	OrganizationID uuid.UUID  `json:"organization_id" db:"organization_id"`
	BotID          *uuid.UUID `json:"bot_id,omitempty" db:"bot_id"`
	Delta          int64      `json:"delta_centicredits" db:"delta_centicredits"`
	BalanceAfter   int64      `json:"balance_after" db:"balance_after"`
	Reason         string     `json:"reason" db:"reason"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
}
