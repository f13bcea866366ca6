package services

import (
	"time"

	"tercuman.link/models"
)

// EngineError is the error type of the matching engine.
type EngineError string

// Error implements error.
func (e EngineError) Error() string { return string(e) }

// Errors returned by the engine and its services.
const (
	ErrInvalidOrderRequest EngineError = "invalid appointment order request"
	ErrSlotInPast          EngineError = "appointment slot has already started"
	ErrUnknownPolicy       EngineError = "unknown engine policy"
	ErrLockBusy            EngineError = "entity is locked by another worker"
	ErrInvariantViolation  EngineError = "engine invariant violated"
)

// OutcomeKind is the business result of a public operation. Only infrastructure
// failures are returned as errors.
type OutcomeKind string

const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeConflict          OutcomeKind = "conflict"
	OutcomeNotFound          OutcomeKind = "not_found"
	OutcomeInvalidState      OutcomeKind = "invalid_state"
	OutcomeOrderClosed       OutcomeKind = "order_closed"
	OutcomeInvitationExpired OutcomeKind = "invitation_expired"
	OutcomeNotInvited        OutcomeKind = "not_invited"
)

// Conflict is an existing commitment overlapping a requested window.
type Conflict struct {
	Party         Party     `json:"party"`
	AppointmentID uint      `json:"appointment_id"`
	OrderID       *uint     `json:"order_id,omitempty"`
	GroupID       *uint     `json:"group_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
}

func conflictFromWindow(party Party, w models.BookedWindow) Conflict {
	return Conflict{
		Party:         party,
		AppointmentID: w.AppointmentID,
		OrderID:       w.OrderID,
		GroupID:       w.GroupID,
		StartTime:     w.StartTime,
		EndTime:       w.EndTime,
	}
}

// MatchResult is returned by operations acting on an existing order.
type MatchResult struct {
	Outcome   OutcomeKind              `json:"outcome"`
	Message   string                   `json:"message,omitempty"`
	Order     *models.AppointmentOrder `json:"order,omitempty"`
	Conflicts []Conflict               `json:"conflicts,omitempty"`
	// Reopened lists sibling orders that could not keep the matched interpreter.
	Reopened []uint `json:"reopened,omitempty"`
}

func outcome(kind OutcomeKind, msg string) *MatchResult {
	return &MatchResult{Outcome: kind, Message: msg}
}

// CreateResult is returned by CreateOrder.
type CreateResult struct {
	Outcome   OutcomeKind                   `json:"outcome"`
	Message   string                        `json:"message,omitempty"`
	Group     *models.AppointmentOrderGroup `json:"group,omitempty"`
	Orders    []models.AppointmentOrder     `json:"orders,omitempty"`
	Conflicts []Conflict                    `json:"conflicts,omitempty"`
}

// GroupResult is returned by group-level operations.
type GroupResult struct {
	Outcome OutcomeKind                   `json:"outcome"`
	Message string                        `json:"message,omitempty"`
	Group   *models.AppointmentOrderGroup `json:"group,omitempty"`
}

// OrderView is an order together with its derived invitation state.
type OrderView struct {
	Order               *models.AppointmentOrder `json:"order"`
	Invitations         []models.Invitation      `json:"invitations"`
	RemainingCandidates int                      `json:"remaining_candidates"`
}
