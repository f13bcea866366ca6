package services

import (
	"context"
	"fmt"
	"time"

	"tercuman.link/models"
)

const (
	// IndividualConflictLimit bounds a single-window conflict listing.
	IndividualConflictLimit = 10
	// GroupConflictLimit bounds a multi-window or group-aware listing.
	GroupConflictLimit = 200
)

// activeStatuses lists, per party role, the appointment statuses that occupy time.
// A client is busy while an appointment is still being searched for; an
// interpreter only once it is confirmed.
var activeStatuses = map[models.PartyRole][]models.AppointmentStatus{
	models.PartyClient:      {models.AppointmentSearching, models.AppointmentConfirmed},
	models.PartyInterpreter: {models.AppointmentConfirmed},
}

// TimeWindow is a closed interval [Start, End].
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps is the closed-interval rule: touching windows overlap.
func Overlaps(a, b TimeWindow) bool {
	return !a.Start.After(b.End) && !a.End.Before(b.Start)
}

// ConflictScope leaves the caller's own order or group out of the result.
type ConflictScope struct {
	ExcludeOrderID uint
	ExcludeGroupID uint
}

func (s ConflictScope) excludes(w models.BookedWindow) bool {
	if s.ExcludeOrderID != 0 && w.OrderID != nil && *w.OrderID == s.ExcludeOrderID {
		return true
	}
	return s.ExcludeGroupID != 0 && w.GroupID != nil && *w.GroupID == s.ExcludeGroupID
}

// IConflictService detects double bookings. It only reads.
type IConflictService interface {
	HasConflict(ctx context.Context, party Party, window TimeWindow, scope ConflictScope) (bool, error)
	ListConflicts(ctx context.Context, party Party, window TimeWindow, scope ConflictScope) ([]Conflict, error)
	ListGroupConflicts(ctx context.Context, party Party, windows []TimeWindow, scope ConflictScope) ([]Conflict, error)
}

// ConflictService implements IConflictService on top of the lifecycle schedules.
type ConflictService struct {
	lifecycle AppointmentLifecycle
}

// NewConflictService returns a ConflictService reading schedules from lifecycle.
func NewConflictService(lifecycle AppointmentLifecycle) *ConflictService {
	return &ConflictService{lifecycle: lifecycle}
}

func statusesFor(role models.PartyRole) ([]models.AppointmentStatus, error) {
	statuses, ok := activeStatuses[role]
	if !ok {
		return nil, fmt.Errorf("%w: no status set for party role %q", ErrInvariantViolation, role)
	}
	return statuses, nil
}

// HasConflict reports whether the party has any booking overlapping window.
func (s *ConflictService) HasConflict(ctx context.Context, party Party, window TimeWindow, scope ConflictScope) (bool, error) {
	conflicts, err := s.ListConflicts(ctx, party, window, scope)
	if err != nil {
		return false, err
	}
	return len(conflicts) > 0, nil
}

// ListConflicts returns at most IndividualConflictLimit conflicts for one window.
func (s *ConflictService) ListConflicts(ctx context.Context, party Party, window TimeWindow, scope ConflictScope) ([]Conflict, error) {
	statuses, err := statusesFor(party.Role)
	if err != nil {
		return nil, err
	}
	// one extra row so an excluded hit does not hide a real one at the cap
	windows, err := s.lifecycle.GetSchedule(ctx, party, window.Start, window.End, statuses, IndividualConflictLimit+1)
	if err != nil {
		return nil, err
	}
	var conflicts []Conflict
	for _, w := range windows {
		if scope.excludes(w) || !Overlaps(window, TimeWindow{Start: w.StartTime, End: w.EndTime}) {
			continue
		}
		conflicts = append(conflicts, conflictFromWindow(party, w))
		if len(conflicts) == IndividualConflictLimit {
			break
		}
	}
	return conflicts, nil
}

// ListGroupConflicts checks several windows at once, capped at GroupConflictLimit.
// For interpreters a hit on a same-interpreter group is reported against every
// active slot of that group, since the group cannot be split between interpreters.
func (s *ConflictService) ListGroupConflicts(ctx context.Context, party Party, windows []TimeWindow, scope ConflictScope) ([]Conflict, error) {
	statuses, err := statusesFor(party.Role)
	if err != nil {
		return nil, err
	}
	seen := make(map[uint]bool)
	expanded := make(map[uint]bool)
	var conflicts []Conflict

	add := func(w models.BookedWindow) bool {
		if seen[w.AppointmentID] || scope.excludes(w) {
			return len(conflicts) < GroupConflictLimit
		}
		seen[w.AppointmentID] = true
		conflicts = append(conflicts, conflictFromWindow(party, w))
		return len(conflicts) < GroupConflictLimit
	}

	for _, window := range windows {
		hits, err := s.lifecycle.GetSchedule(ctx, party, window.Start, window.End, statuses, GroupConflictLimit)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			if scope.excludes(hit) || !Overlaps(window, TimeWindow{Start: hit.StartTime, End: hit.EndTime}) {
				continue
			}
			if !add(hit) {
				return conflicts, nil
			}
			if party.Role != models.PartyInterpreter || !hit.SameInterpreter || hit.GroupID == nil || expanded[*hit.GroupID] {
				continue
			}
			expanded[*hit.GroupID] = true
			siblings, err := s.lifecycle.GetGroupSchedule(ctx, *hit.GroupID, statuses, GroupConflictLimit)
			if err != nil {
				return nil, err
			}
			for _, sibling := range siblings {
				if !add(sibling) {
					return conflicts, nil
				}
			}
		}
	}
	return conflicts, nil
}

var _ IConflictService = (*ConflictService)(nil)
