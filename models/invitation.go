package models

import (
	"sort"
	"time"
)

// InvitationState is the derived state of one (order, interpreter) pair.
type InvitationState string

const (
	InvitationNone     InvitationState = "none"
	InvitationPending  InvitationState = "pending"
	InvitationLapsed   InvitationState = "lapsed" // wave ended without a response
	InvitationAccepted InvitationState = "accepted"
	InvitationRejected InvitationState = "rejected"
	InvitationExpired  InvitationState = "expired"
	InvitationReleased InvitationState = "released"
)

// Invitation is a read model folded from InterpreterOutcome rows.
type Invitation struct {
	InterpreterID uint            `json:"interpreter_id"`
	State         InvitationState `json:"state"`
	Wave          int             `json:"wave"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
	InvitedAt     time.Time       `json:"invited_at"`
	RespondedAt   *time.Time      `json:"responded_at,omitempty"`
}

// DeriveInvitations folds ledger rows into one invitation per interpreter.
// Rejection is sticky: no later row can move an interpreter out of it.
func DeriveInvitations(rows []InterpreterOutcome, now time.Time) map[uint]*Invitation {
	sorted := make([]InterpreterOutcome, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	out := make(map[uint]*Invitation)
	for _, row := range sorted {
		inv, ok := out[row.InterpreterID]
		if !ok {
			inv = &Invitation{InterpreterID: row.InterpreterID, State: InvitationNone}
			out[row.InterpreterID] = inv
		}
		if inv.State == InvitationRejected {
			continue
		}
		recorded := row.RecordedAt
		switch row.Outcome {
		case OutcomeInvited:
			if inv.State == InvitationAccepted {
				continue
			}
			inv.State = InvitationPending
			inv.Wave = row.Wave
			inv.ExpiresAt = row.ExpiresAt
			inv.InvitedAt = row.RecordedAt
			inv.RespondedAt = nil
		case OutcomeAccepted:
			inv.State = InvitationAccepted
			inv.RespondedAt = &recorded
		case OutcomeRejected:
			inv.State = InvitationRejected
			inv.RespondedAt = &recorded
		case OutcomeExpired:
			if inv.State == InvitationPending {
				inv.State = InvitationExpired
			}
		case OutcomeReleased:
			if inv.State == InvitationAccepted {
				inv.State = InvitationReleased
			}
		}
	}

	for id, inv := range out {
		if inv.State == InvitationNone {
			// a release or expiry row without a prior invitation
			delete(out, id)
			continue
		}
		if inv.State == InvitationPending && inv.ExpiresAt != nil && !inv.ExpiresAt.After(now) {
			inv.State = InvitationLapsed
		}
	}
	return out
}
