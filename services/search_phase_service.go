package services

import (
	"context"
	"fmt"
	"time"

	"tercuman.link/configs/configsengine"
	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
)

// PhaseStep reports what one pass of the state machine did to an order.
type PhaseStep struct {
	From      models.SearchPhase
	To        models.SearchPhase
	Invited   []uint
	Escalated bool
}

// Changed reports whether the phase moved.
func (p PhaseStep) Changed() bool { return p.From != p.To }

// ISearchPhaseService drives the two-wave search of a single order.
type ISearchPhaseService interface {
	EndSearchTime(start time.Time, onDemand bool, now time.Time) (time.Time, error)
	StartFirstSearch(ctx context.Context, order *models.AppointmentOrder, now time.Time) (*PhaseStep, error)
	Advance(ctx context.Context, order *models.AppointmentOrder, now time.Time) (*PhaseStep, error)
}

// SearchPhaseService implements ISearchPhaseService.
type SearchPhaseService struct {
	cfg         configsengine.EngineConfig
	invitations IInvitationService
	candidates  ICandidateService
}

// NewSearchPhaseService returns a SearchPhaseService using the wave windows and sizes of cfg.
func NewSearchPhaseService(cfg configsengine.EngineConfig, invitations IInvitationService, candidates ICandidateService) *SearchPhaseService {
	return &SearchPhaseService{cfg: cfg, invitations: invitations, candidates: candidates}
}

// EndSearchTime is the instant an unmatched order expires. On-demand orders get a
// short fixed deadline. Scheduled orders stop searching SearchCutoff before the
// slot, but never sooner than MinSearchWindow from now and never after the slot
// starts.
func (s *SearchPhaseService) EndSearchTime(start time.Time, onDemand bool, now time.Time) (time.Time, error) {
	if onDemand {
		return now.Add(s.cfg.OnDemandSearchDeadline), nil
	}
	if !start.After(now) {
		return time.Time{}, fmt.Errorf("%w: slot %s is not after %s", ErrSlotInPast, start.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	end := start.Add(-s.cfg.SearchCutoff)
	if floor := now.Add(s.cfg.MinSearchWindow); end.Before(floor) {
		end = floor
	}
	if end.After(start) {
		end = start
	}
	return end, nil
}

func (s *SearchPhaseService) waveWindow(order *models.AppointmentOrder, wave int) time.Duration {
	switch {
	case wave == 1 && order.IsOnDemand:
		return s.cfg.OnDemandFirstWaveWindow
	case wave == 1:
		return s.cfg.FirstWaveWindow
	case order.IsOnDemand:
		return s.cfg.OnDemandSecondWaveWindow
	default:
		return s.cfg.SecondWaveWindow
	}
}

func (s *SearchPhaseService) enterPhase(order *models.AppointmentOrder, phase models.SearchPhase, now time.Time) {
	order.Phase = phase
	order.PhaseStartedAt = now
	order.PhaseDeadline = nil
	if wave := phase.Wave(); wave > 0 && phase != models.PhaseAwaitingAdmin {
		deadline := now.Add(s.waveWindow(order, wave))
		if deadline.After(order.EndSearchTime) {
			deadline = order.EndSearchTime
		}
		order.PhaseDeadline = &deadline
	}
}

// invitationExpiry: wave 1 invitations lapse with the wave, later ones stay
// valid until the search ends.
func invitationExpiry(order *models.AppointmentOrder) time.Time {
	if order.Phase == models.PhaseFirstSearch && order.PhaseDeadline != nil {
		return *order.PhaseDeadline
	}
	return order.EndSearchTime
}

// StartFirstSearch (re)starts the order at wave 1 and sends the first invitations.
func (s *SearchPhaseService) StartFirstSearch(ctx context.Context, order *models.AppointmentOrder, now time.Time) (*PhaseStep, error) {
	step := &PhaseStep{From: order.Phase}
	s.enterPhase(order, models.PhaseFirstSearch, now)
	order.TimeToRestart = nil
	invited, err := s.topUp(ctx, order, now)
	if err != nil {
		return nil, err
	}
	step.To = order.Phase
	step.Invited = invited
	return step, nil
}

// Advance tops up the current wave and moves to the next phase once the wave is
// complete. It never expires the order; that is the expiration service's job.
func (s *SearchPhaseService) Advance(ctx context.Context, order *models.AppointmentOrder, now time.Time) (*PhaseStep, error) {
	step := &PhaseStep{From: order.Phase, To: order.Phase}
	switch order.Phase {
	case models.PhaseFirstSearch, models.PhaseSecondSearch, models.PhaseAwaitingAdmin:
	case models.PhaseNotStarted:
		return s.StartFirstSearch(ctx, order, now)
	default:
		return step, nil
	}

	if order.Phase == models.PhaseAwaitingAdmin {
		invited, err := s.topUp(ctx, order, now)
		if err != nil {
			return nil, err
		}
		step.Invited = invited
		return step, nil
	}

	if !s.deadlinePassed(order, now) {
		invited, err := s.topUp(ctx, order, now)
		if err != nil {
			return nil, err
		}
		step.Invited = invited
		done, err := s.allDeclined(ctx, order, len(invited), now)
		if err != nil || !done {
			return step, err
		}
	}

	switch order.Phase {
	case models.PhaseFirstSearch:
		s.enterPhase(order, models.PhaseSecondSearch, now)
		more, err := s.topUp(ctx, order, now)
		if err != nil {
			return nil, err
		}
		step.Invited = append(step.Invited, more...)
	case models.PhaseSecondSearch:
		s.enterPhase(order, models.PhaseAwaitingAdmin, now)
		if order.NotifyAdmin == nil {
			at := now
			order.NotifyAdmin = &at
			step.Escalated = true
		}
	}
	step.To = order.Phase
	configslog.Log.Info("search phase advanced",
		zap.Uint("order_id", order.ID),
		zap.String("from", string(step.From)),
		zap.String("to", string(step.To)),
		zap.Int("invited", len(step.Invited)))
	return step, nil
}

func (s *SearchPhaseService) deadlinePassed(order *models.AppointmentOrder, now time.Time) bool {
	return order.PhaseDeadline != nil && !order.PhaseDeadline.After(now)
}

// allDeclined completes a wave early: nobody is left pending, someone invited in
// this wave declined and the top-up found no one new. A wave with no candidates at all waits for
// its deadline.
func (s *SearchPhaseService) allDeclined(ctx context.Context, order *models.AppointmentOrder, justInvited int, now time.Time) (bool, error) {
	if justInvited > 0 {
		return false, nil
	}
	snapshot, err := s.invitations.Snapshot(ctx, order, now)
	if err != nil {
		return false, err
	}
	wave := order.Phase.Wave()
	rejected := 0
	for _, inv := range snapshot {
		switch {
		case inv.State == models.InvitationPending:
			return false, nil
		case inv.State == models.InvitationRejected && inv.Wave == wave:
			rejected++
		}
	}
	return rejected > 0, nil
}

// topUp invites candidates of the current wave that are not yet excluded.
func (s *SearchPhaseService) topUp(ctx context.Context, order *models.AppointmentOrder, now time.Time) ([]uint, error) {
	wave := order.Phase.Wave()
	if wave == 0 {
		return nil, nil
	}
	exclude, err := s.invitations.ExclusionSet(ctx, order, now)
	if err != nil {
		return nil, err
	}
	pending := 0
	snapshot, err := s.invitations.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	for _, inv := range snapshot {
		if inv.State == models.InvitationPending {
			pending++
		}
	}
	capacity := s.cfg.FirstWaveSize
	if wave == 2 {
		capacity = s.cfg.SecondWaveSize
	}
	if pending >= capacity {
		return nil, nil
	}

	ids, err := s.candidates.FindCandidates(ctx, order, wave, exclude)
	if err != nil {
		return nil, err
	}
	if room := capacity - pending; len(ids) > room {
		ids = ids[:room]
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return s.invitations.RecordInvitation(ctx, order, ids, wave, invitationExpiry(order), now)
}

var _ ISearchPhaseService = (*SearchPhaseService)(nil)
