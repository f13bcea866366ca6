package services

import (
	"context"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/repositories"

	"go.uber.org/zap"
)

// Reasons recorded on ended orders and their notices.
const (
	ReasonSearchExpired   = "search_expired"
	ReasonSiblingExpired  = "same_interpreter_sibling_expired"
	ReasonGroupCancelled  = "group_cancelled"
	ReasonClientCancelled = "client_cancelled"
)

// IExpirationService ends orders, either because their search ran out of time
// or because someone cancelled them. Both are idempotent.
type IExpirationService interface {
	ExpireDue(ctx context.Context, order *models.AppointmentOrder, group *models.AppointmentOrderGroup, now time.Time) ([]CancellationNotice, error)
	Cancel(ctx context.Context, order *models.AppointmentOrder, reason string, now time.Time) (*CancellationNotice, error)
}

// ExpirationService implements IExpirationService.
type ExpirationService struct {
	orders      repositories.IOrderRepository
	invitations IInvitationService
	lifecycle   AppointmentLifecycle
	cascade     ExpiryCascadePolicy
}

// NewExpirationService returns an ExpirationService applying the given cascade policy.
func NewExpirationService(orders repositories.IOrderRepository, invitations IInvitationService, lifecycle AppointmentLifecycle, cascade ExpiryCascadePolicy) *ExpirationService {
	return &ExpirationService{orders: orders, invitations: invitations, lifecycle: lifecycle, cascade: cascade}
}

// ExpireDue expires order if it still searches and its EndSearchTime has passed.
// Under the cascade policy an expired slot of a same-interpreter group also
// cancels the resolved siblings of its cycle and expires the unresolved ones.
// Calling it again on an expired order returns no notices.
func (s *ExpirationService) ExpireDue(ctx context.Context, order *models.AppointmentOrder, group *models.AppointmentOrderGroup, now time.Time) ([]CancellationNotice, error) {
	if !order.Phase.IsActive() || order.EndSearchTime.After(now) {
		return nil, nil
	}
	notice, err := s.expire(ctx, order, ReasonSearchExpired, now)
	if err != nil {
		return nil, err
	}
	notices := []CancellationNotice{*notice}

	if group == nil || !group.SameInterpreter || s.cascade != ExpiryCascade {
		return notices, nil
	}
	siblings, err := s.orders.FindByGroupCycle(ctx, group.ID, order.CycleNumber)
	if err != nil {
		return nil, err
	}
	for i := range siblings {
		sibling := &siblings[i]
		if sibling.ID == order.ID {
			continue
		}
		var n *CancellationNotice
		switch {
		case sibling.Phase == models.PhaseResolved:
			n, err = s.Cancel(ctx, sibling, ReasonSiblingExpired, now)
		case sibling.Phase.IsActive():
			n, err = s.expire(ctx, sibling, ReasonSiblingExpired, now)
		default:
			continue
		}
		if err != nil {
			return nil, err
		}
		if n != nil {
			notices = append(notices, *n)
		}
	}
	return notices, nil
}

func (s *ExpirationService) expire(ctx context.Context, order *models.AppointmentOrder, reason string, now time.Time) (*CancellationNotice, error) {
	invited, err := s.invitations.ExpirePending(ctx, order, 0, now)
	if err != nil {
		return nil, err
	}
	if err := s.lifecycle.CancelAppointment(ctx, order.AppointmentID, reason); err != nil {
		return nil, err
	}
	at := now
	order.Phase = models.PhaseExpired
	order.PhaseStartedAt = now
	order.PhaseDeadline = nil
	order.ExpiredAt = &at
	order.TimeToRestart = nil
	order.CancelReason = reason
	if err := s.orders.Save(ctx, order); err != nil {
		return nil, err
	}
	configslog.Log.Info("order expired",
		zap.Uint("order_id", order.ID), zap.String("reason", reason), zap.Int("invalidated_invitations", len(invited)))
	return &CancellationNotice{
		OrderID:        order.ID,
		AppointmentID:  order.AppointmentID,
		ClientID:       order.ClientID,
		InterpreterIDs: invited,
		Reason:         reason,
	}, nil
}

// Cancel ends the order whatever its search state. A cancelled or expired order
// is left alone and nil is returned.
func (s *ExpirationService) Cancel(ctx context.Context, order *models.AppointmentOrder, reason string, now time.Time) (*CancellationNotice, error) {
	if order.Phase == models.PhaseCancelled || order.Phase == models.PhaseExpired {
		return nil, nil
	}
	invited, err := s.invitations.ExpirePending(ctx, order, 0, now)
	if err != nil {
		return nil, err
	}
	if order.MatchedInterpreterID != nil {
		invited = append(invited, *order.MatchedInterpreterID)
	}
	if err := s.lifecycle.CancelAppointment(ctx, order.AppointmentID, reason); err != nil {
		return nil, err
	}
	at := now
	order.Phase = models.PhaseCancelled
	order.PhaseStartedAt = now
	order.PhaseDeadline = nil
	order.CancelledAt = &at
	order.TimeToRestart = nil
	order.CancelReason = reason
	if err := s.orders.Save(ctx, order); err != nil {
		return nil, err
	}
	configslog.Log.Info("order cancelled", zap.Uint("order_id", order.ID), zap.String("reason", reason))
	return &CancellationNotice{
		OrderID:        order.ID,
		AppointmentID:  order.AppointmentID,
		ClientID:       order.ClientID,
		InterpreterIDs: invited,
		Reason:         reason,
	}, nil
}

var _ IExpirationService = (*ExpirationService)(nil)
