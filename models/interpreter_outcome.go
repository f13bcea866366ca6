package models

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// InvitationOutcome is one event in an interpreter's history with an order.
type InvitationOutcome string

const (
	OutcomeInvited  InvitationOutcome = "invited"
	OutcomeAccepted InvitationOutcome = "accepted"
	OutcomeRejected InvitationOutcome = "rejected"
	OutcomeExpired  InvitationOutcome = "expired"  // order closed before a response
	OutcomeReleased InvitationOutcome = "released" // a confirmed match rolled back by a group re-open
)

// ErrOutcomeImmutable is returned by the hooks guarding the append-only ledger.
var ErrOutcomeImmutable = errors.New("interpreter outcomes are append-only")

// InterpreterOutcome is an append-only ledger row. Matched and rejected sets of an
// order or group are derived from these rows, never stored as arrays.
type InterpreterOutcome struct {
	ID            uint              `gorm:"primarykey" json:"id"`
	OrderID       uint              `gorm:"not null;index:idx_outcome_order_interpreter" json:"order_id"`
	GroupID       *uint             `gorm:"index" json:"group_id,omitempty"`
	CycleNumber   int               `gorm:"not null;default:0" json:"cycle_number"`
	InterpreterID uint              `gorm:"not null;index:idx_outcome_order_interpreter;index" json:"interpreter_id"`
	Outcome       InvitationOutcome `gorm:"type:varchar(20);not null;index" json:"outcome"`
	Wave          int               `gorm:"not null;default:0" json:"wave"`
	ExpiresAt     *time.Time        `json:"expires_at,omitempty"`
	ActorID       *uint             `json:"actor_id,omitempty"` // set for administrator overrides
	RecordedAt    time.Time         `gorm:"not null;index" json:"recorded_at"`
}

// BeforeUpdate refuses in-place edits.
func (o *InterpreterOutcome) BeforeUpdate(tx *gorm.DB) error {
	return ErrOutcomeImmutable
}

// BeforeDelete refuses deletion.
func (o *InterpreterOutcome) BeforeDelete(tx *gorm.DB) error {
	return ErrOutcomeImmutable
}
