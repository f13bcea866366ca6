package services

import (
	"context"
	"fmt"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/repositories"

	"go.uber.org/zap"
)

// NextOccurrence adds one interval to t using calendar arithmetic in loc, so a
// weekly 09:00 slot stays at 09:00 local time across DST changes. A monthly
// repeat from the 31st lands on the last day of shorter months. The result is
// in UTC.
func NextOccurrence(t time.Time, interval models.RepeatInterval, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	var next time.Time
	switch interval {
	case models.RepeatDaily:
		next = local.AddDate(0, 0, 1)
	case models.RepeatWeekly:
		next = local.AddDate(0, 0, 7)
	case models.RepeatBiweekly:
		next = local.AddDate(0, 0, 14)
	case models.RepeatMonthly:
		next = addMonthClamped(local)
	default:
		return time.Time{}, fmt.Errorf("%w: interval %q does not repeat", ErrInvalidOrderRequest, interval)
	}
	return next.UTC(), nil
}

func addMonthClamped(t time.Time) time.Time {
	year, month, day := t.Date()
	firstOfNext := time.Date(year, month+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	lastDay := firstOfNext.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}
	return time.Date(firstOfNext.Year(), firstOfNext.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// IRepeatService re-arms recurring groups.
type IRepeatService interface {
	SettledPhases() []models.SearchPhase
	ReArm(ctx context.Context, group *models.AppointmentOrderGroup, now time.Time) ([]models.AppointmentOrder, error)
}

// RepeatService implements IRepeatService.
type RepeatService struct {
	orders         repositories.IOrderRepository
	lifecycle      AppointmentLifecycle
	phases         ISearchPhaseService
	repeatOnExpiry bool
}

// NewRepeatService returns a RepeatService. repeatOnExpiry also repeats cycles that ended expired.
func NewRepeatService(orders repositories.IOrderRepository, lifecycle AppointmentLifecycle, phases ISearchPhaseService, repeatOnExpiry bool) *RepeatService {
	return &RepeatService{orders: orders, lifecycle: lifecycle, phases: phases, repeatOnExpiry: repeatOnExpiry}
}

// SettledPhases are the group phases after which the next cycle is armed.
func (s *RepeatService) SettledPhases() []models.SearchPhase {
	if s.repeatOnExpiry {
		return []models.SearchPhase{models.PhaseResolved, models.PhaseExpired}
	}
	return []models.SearchPhase{models.PhaseResolved}
}

func (s *RepeatService) settled(phase models.SearchPhase) bool {
	for _, p := range s.SettledPhases() {
		if p == phase {
			return true
		}
	}
	return false
}

// ReArm creates the next cycle of group: one new appointment and order per
// non-cancelled slot of the current cycle, each shifted by the repeat interval.
// Occurrences already in the past are skipped without using up a repeat. The
// new orders are returned in NOT_STARTED; starting their search is up to the
// caller. The group is updated in memory and must be saved by the caller,
// also when no order was created.
func (s *RepeatService) ReArm(ctx context.Context, group *models.AppointmentOrderGroup, now time.Time) ([]models.AppointmentOrder, error) {
	if !group.CanRepeat() || !s.settled(group.Phase) {
		return nil, nil
	}
	previous, err := s.orders.FindByGroupCycle(ctx, group.ID, group.CycleNumber)
	if err != nil {
		return nil, err
	}
	var slots []models.AppointmentOrder
	for _, o := range previous {
		if o.Phase != models.PhaseCancelled {
			slots = append(slots, o)
		}
	}
	if len(slots) == 0 {
		group.RemainingRepeats = 0
		configslog.Log.Warn("repeat series stopped, every slot of the cycle was cancelled",
			zap.Uint("group_id", group.ID), zap.Int("cycle", group.CycleNumber))
		return nil, nil
	}

	loc := group.Location()
	nextCycle := group.CycleNumber + 1
	created := make([]models.AppointmentOrder, 0, len(slots))
	var earliest time.Time
	for _, prev := range slots {
		start := prev.StartTime
		for {
			start, err = NextOccurrence(start, group.RepeatInterval, loc)
			if err != nil {
				return nil, err
			}
			if prev.IsOnDemand || start.After(now) {
				break
			}
		}
		end := start.Add(prev.Duration())

		endSearch, err := s.phases.EndSearchTime(start, prev.IsOnDemand, now)
		if err != nil {
			return nil, err
		}
		groupID := group.ID
		appointment, err := s.lifecycle.CreateAppointment(ctx, NewAppointment{
			ClientID:          group.ClientID,
			GroupID:           &groupID,
			StartTime:         start,
			EndTime:           end,
			CommunicationType: prev.Requirements.CommunicationType,
		})
		if err != nil {
			return nil, err
		}
		order := models.AppointmentOrder{
			AppointmentID:  appointment.ID,
			ClientID:       group.ClientID,
			GroupID:        &groupID,
			CycleNumber:    nextCycle,
			StartTime:      start,
			EndTime:        end,
			IsOnDemand:     prev.IsOnDemand,
			Requirements:   prev.Requirements,
			Phase:          models.PhaseNotStarted,
			PhaseStartedAt: now,
			EndSearchTime:  endSearch,
		}
		if err := s.orders.Create(ctx, &order); err != nil {
			return nil, err
		}
		created = append(created, order)
		if earliest.IsZero() || start.Before(earliest) {
			earliest = start
		}
	}

	group.CycleNumber = nextCycle
	group.RemainingRepeats--
	group.NextRepeatTime = &earliest
	group.NotifyAdmin = nil
	group.TimeToRestart = nil
	group.Phase = models.PhaseNotStarted
	configslog.Log.Info("repeat cycle armed",
		zap.Uint("group_id", group.ID),
		zap.Int("cycle", group.CycleNumber),
		zap.Int("remaining_repeats", group.RemainingRepeats),
		zap.Int("orders", len(created)))
	return created, nil
}

var _ IRepeatService = (*RepeatService)(nil)
