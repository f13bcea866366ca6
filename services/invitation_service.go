package services

import (
	"context"
	"sort"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/repositories"

	"go.uber.org/zap"
)

// RepeatHistoryPolicy decides whether a new repeat cycle sees the rejections of
// earlier cycles of its group.
type RepeatHistoryPolicy string

const (
	RepeatHistoryInherit RepeatHistoryPolicy = "inherit"
	RepeatHistoryReset   RepeatHistoryPolicy = "reset"
)

// ResponseDecision is what the tracker made of an interpreter response.
type ResponseDecision struct {
	Outcome   OutcomeKind
	Conflicts []Conflict
	// Recorded is false when the response changed nothing, e.g. a repeated decline.
	Recorded bool
}

// IInvitationService tracks invitations through the append-only outcome ledger.
type IInvitationService interface {
	Snapshot(ctx context.Context, order *models.AppointmentOrder, now time.Time) (map[uint]*models.Invitation, error)
	ExclusionSet(ctx context.Context, order *models.AppointmentOrder, now time.Time) ([]uint, error)
	RecordInvitation(ctx context.Context, order *models.AppointmentOrder, interpreterIDs []uint, wave int, expiresAt time.Time, now time.Time) ([]uint, error)
	RecordResponse(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, accepted bool, now time.Time) (*ResponseDecision, error)
	RecordAssignment(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, actorID *uint, now time.Time) (*ResponseDecision, error)
	RemainingCandidateCount(ctx context.Context, order *models.AppointmentOrder, now time.Time) (int, error)
	ExpirePending(ctx context.Context, order *models.AppointmentOrder, keep uint, now time.Time) ([]uint, error)
	Release(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, now time.Time) error
}

// InvitationService implements IInvitationService.
type InvitationService struct {
	outcomes   repositories.IOutcomeRepository
	conflicts  IConflictService
	candidates ICandidateService
	history    RepeatHistoryPolicy
}

// NewInvitationService returns an InvitationService over the outcome log.
func NewInvitationService(outcomes repositories.IOutcomeRepository, conflicts IConflictService, candidates ICandidateService, history RepeatHistoryPolicy) *InvitationService {
	return &InvitationService{outcomes: outcomes, conflicts: conflicts, candidates: candidates, history: history}
}

func newOutcomeRow(order *models.AppointmentOrder, interpreterID uint, outcome models.InvitationOutcome, now time.Time) models.InterpreterOutcome {
	return models.InterpreterOutcome{
		OrderID:       order.ID,
		GroupID:       order.GroupID,
		CycleNumber:   order.CycleNumber,
		InterpreterID: interpreterID,
		Outcome:       outcome,
		RecordedAt:    now,
	}
}

// Snapshot derives the order's current invitations from its outcome rows.
func (s *InvitationService) Snapshot(ctx context.Context, order *models.AppointmentOrder, now time.Time) (map[uint]*models.Invitation, error) {
	rows, err := s.outcomes.FindByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return models.DeriveInvitations(rows, now), nil
}

// ExclusionSet lists interpreters that must not be invited to the order: anyone
// with a pending invitation, a match, a rejection or a released match on it.
// Across the group, rejections count in every cycle when history is inherited
// (otherwise only in the order's cycle); releases count in the order's cycle.
func (s *InvitationService) ExclusionSet(ctx context.Context, order *models.AppointmentOrder, now time.Time) ([]uint, error) {
	snapshot, err := s.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	excluded := make(map[uint]bool)
	for id, inv := range snapshot {
		switch inv.State {
		case models.InvitationPending, models.InvitationAccepted, models.InvitationRejected, models.InvitationReleased:
			excluded[id] = true
		}
	}

	if order.IsGrouped() {
		var cycle *int
		if s.history != RepeatHistoryInherit {
			c := order.CycleNumber
			cycle = &c
		}
		rows, err := s.outcomes.FindByGroup(ctx, *order.GroupID, cycle)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			switch {
			case row.Outcome == models.OutcomeRejected:
				excluded[row.InterpreterID] = true
			case row.Outcome == models.OutcomeReleased && row.CycleNumber == order.CycleNumber:
				excluded[row.InterpreterID] = true
			}
		}
	}

	ids := make([]uint, 0, len(excluded))
	for id := range excluded {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// RecordInvitation appends invited rows and returns the interpreters actually
// invited. Pending invitations are left alone; lapsed and expired ones are renewed. An
// interpreter that already answered is refused and logged.
func (s *InvitationService) RecordInvitation(ctx context.Context, order *models.AppointmentOrder, interpreterIDs []uint, wave int, expiresAt time.Time, now time.Time) ([]uint, error) {
	snapshot, err := s.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}

	var rows []models.InterpreterOutcome
	var invited []uint
	seen := make(map[uint]bool, len(interpreterIDs))
	for _, id := range interpreterIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		state := models.InvitationNone
		if inv, ok := snapshot[id]; ok {
			state = inv.State
		}
		switch state {
		case models.InvitationNone, models.InvitationLapsed, models.InvitationExpired:
			row := newOutcomeRow(order, id, models.OutcomeInvited, now)
			row.Wave = wave
			exp := expiresAt
			row.ExpiresAt = &exp
			rows = append(rows, row)
			invited = append(invited, id)
		case models.InvitationPending:
			// already waiting for an answer
		default:
			configslog.Log.Error("refusing to re-invite interpreter",
				zap.String("invariant", "no re-invite after answer"),
				zap.Uint("order_id", order.ID), zap.Uint("interpreter_id", id), zap.String("state", string(state)))
		}
	}
	if err := s.outcomes.Append(ctx, rows...); err != nil {
		return nil, err
	}
	return invited, nil
}

// RecordResponse validates the response against the derived invitation state
// and appends it. An acceptance that would double book the interpreter is
// refused and the invitation stays pending.
func (s *InvitationService) RecordResponse(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, accepted bool, now time.Time) (*ResponseDecision, error) {
	snapshot, err := s.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	inv, ok := snapshot[interpreterID]
	if !ok {
		return &ResponseDecision{Outcome: OutcomeNotInvited}, nil
	}

	switch inv.State {
	case models.InvitationPending:
	case models.InvitationLapsed:
		return &ResponseDecision{Outcome: OutcomeInvitationExpired}, nil
	case models.InvitationExpired:
		return &ResponseDecision{Outcome: OutcomeOrderClosed}, nil
	case models.InvitationRejected:
		if !accepted {
			return &ResponseDecision{Outcome: OutcomeSuccess}, nil
		}
		configslog.Log.Error("rejected interpreter tried to accept",
			zap.String("invariant", "rejection is terminal"),
			zap.Uint("order_id", order.ID), zap.Uint("interpreter_id", interpreterID))
		return &ResponseDecision{Outcome: OutcomeInvalidState}, nil
	case models.InvitationAccepted:
		if accepted {
			return &ResponseDecision{Outcome: OutcomeSuccess}, nil
		}
		return &ResponseDecision{Outcome: OutcomeInvalidState}, nil
	default:
		return &ResponseDecision{Outcome: OutcomeInvalidState}, nil
	}

	if !accepted {
		if err := s.outcomes.Append(ctx, newOutcomeRow(order, interpreterID, models.OutcomeRejected, now)); err != nil {
			return nil, err
		}
		return &ResponseDecision{Outcome: OutcomeSuccess, Recorded: true}, nil
	}
	return s.accept(ctx, order, interpreterID, nil, now)
}

// RecordAssignment matches without an invitation: an administrator override
// (actorID set) or a same-interpreter sibling following its lead (actorID nil).
// A rejected interpreter or a conflicting schedule is still refused.
func (s *InvitationService) RecordAssignment(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, actorID *uint, now time.Time) (*ResponseDecision, error) {
	snapshot, err := s.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	if inv, ok := snapshot[interpreterID]; ok {
		switch inv.State {
		case models.InvitationRejected:
			configslog.Log.Error("assignment of rejected interpreter refused",
				zap.String("invariant", "rejection is terminal"),
				zap.Uint("order_id", order.ID), zap.Uint("interpreter_id", interpreterID))
			return &ResponseDecision{Outcome: OutcomeInvalidState}, nil
		case models.InvitationAccepted:
			return &ResponseDecision{Outcome: OutcomeSuccess}, nil
		}
	}
	return s.accept(ctx, order, interpreterID, actorID, now)
}

func (s *InvitationService) accept(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, actorID *uint, now time.Time) (*ResponseDecision, error) {
	// a hit on a committed same-interpreter series reports the whole series
	window := TimeWindow{Start: order.StartTime, End: order.EndTime}
	conflicts, err := s.conflicts.ListGroupConflicts(ctx, InterpreterParty(interpreterID), []TimeWindow{window}, ConflictScope{ExcludeOrderID: order.ID})
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		return &ResponseDecision{Outcome: OutcomeConflict, Conflicts: conflicts}, nil
	}
	row := newOutcomeRow(order, interpreterID, models.OutcomeAccepted, now)
	row.ActorID = actorID
	if err := s.outcomes.Append(ctx, row); err != nil {
		return nil, err
	}
	return &ResponseDecision{Outcome: OutcomeSuccess, Recorded: true}, nil
}

// RemainingCandidateCount is how many eligible interpreters are neither
// matched, rejected nor pending under the current wave's criteria, whatever the
// wave size.
func (s *InvitationService) RemainingCandidateCount(ctx context.Context, order *models.AppointmentOrder, now time.Time) (int, error) {
	wave := order.Phase.Wave()
	if wave == 0 || !order.Phase.IsActive() {
		return 0, nil
	}
	exclude, err := s.ExclusionSet(ctx, order, now)
	if err != nil {
		return 0, err
	}
	return s.candidates.CountCandidates(ctx, order, wave, exclude)
}

// ExpirePending closes every pending or lapsed invitation except keep's and
// returns the interpreters affected.
func (s *InvitationService) ExpirePending(ctx context.Context, order *models.AppointmentOrder, keep uint, now time.Time) ([]uint, error) {
	snapshot, err := s.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	var rows []models.InterpreterOutcome
	var ids []uint
	for id, inv := range snapshot {
		if id == keep {
			continue
		}
		if inv.State == models.InvitationPending || inv.State == models.InvitationLapsed {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rows = append(rows, newOutcomeRow(order, id, models.OutcomeExpired, now))
	}
	if err := s.outcomes.Append(ctx, rows...); err != nil {
		return nil, err
	}
	return ids, nil
}

// Release rolls back a confirmed match. The interpreter cannot be invited to the
// order again in this cycle.
func (s *InvitationService) Release(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, now time.Time) error {
	return s.outcomes.Append(ctx, newOutcomeRow(order, interpreterID, models.OutcomeReleased, now))
}

var _ IInvitationService = (*InvitationService)(nil)
