package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"tercuman.link/models"
	"tercuman.link/pkg/queryparams"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOnDemandWithoutOnlineInterpretersEscalatesOnce(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(101, offline)
	f.addInterpreter(102, offline)

	created := f.createOrder(CreateOrderRequest{
		ClientID:   1,
		IsOnDemand: true,
		Slots:      []SlotRequest{slot(t0.Add(15*time.Minute), time.Hour)},
	})
	require.Len(t, created.Orders, 1)
	order := created.Orders[0]
	assert.Nil(t, created.Group)
	assert.Equal(t, models.PhaseFirstSearch, order.Phase)
	assert.WithinDuration(t, t0.Add(10*time.Minute), order.EndSearchTime, time.Second)
	assert.Empty(t, f.notifier.invitedTo(order.ID))

	f.clock.Set(t0.Add(2 * time.Minute))
	f.tick()
	assert.Equal(t, models.PhaseSecondSearch, f.order(order.ID).Phase)

	f.clock.Set(t0.Add(5 * time.Minute))
	f.tick()
	escalated := f.order(order.ID)
	assert.Equal(t, models.PhaseAwaitingAdmin, escalated.Phase)
	require.NotNil(t, escalated.NotifyAdmin)
	assert.WithinDuration(t, t0.Add(5*time.Minute), *escalated.NotifyAdmin, time.Second)

	f.clock.Set(t0.Add(7 * time.Minute))
	f.tick()
	again := f.order(order.ID)
	assert.Equal(t, models.PhaseAwaitingAdmin, again.Phase)
	assert.WithinDuration(t, *escalated.NotifyAdmin, *again.NotifyAdmin, 0)
	assert.Equal(t, []EntityRef{{Kind: EntityOrder, ID: order.ID}}, f.notifier.escalations)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Escalations))

	page, err := f.engine.ListEscalations(f.ctx, queryparams.ListParams{})
	require.NoError(t, err)
	assert.EqualValues(t, 1, page.Meta.TotalItems)

	f.clock.Set(t0.Add(10 * time.Minute))
	f.tick()
	assert.Equal(t, models.PhaseExpired, f.order(order.ID).Phase)
	assert.Equal(t, 1, f.notifier.noticeCount())
}

func TestOverlappingOrdersCannotShareAnInterpreter(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(201)

	first := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]
	second := f.createOrder(CreateOrderRequest{ClientID: 2, Slots: []SlotRequest{slot(at(1, 10, 30), time.Hour)}}).Orders[0]
	assert.Contains(t, f.notifier.invitedTo(first.ID), uint(201))
	assert.Contains(t, f.notifier.invitedTo(second.ID), uint(201))

	accepted := f.respond(first.ID, 201, true)
	require.Equal(t, OutcomeSuccess, accepted.Outcome)
	assert.Equal(t, models.PhaseResolved, accepted.Order.Phase)
	confirmed := f.appointment(first.AppointmentID)
	assert.Equal(t, models.AppointmentConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.InterpreterID)
	assert.EqualValues(t, 201, *confirmed.InterpreterID)

	refused := f.respond(second.ID, 201, true)
	assert.Equal(t, OutcomeConflict, refused.Outcome)
	require.Len(t, refused.Conflicts, 1)
	assert.Equal(t, first.AppointmentID, refused.Conflicts[0].AppointmentID)
	require.NotNil(t, refused.Conflicts[0].OrderID)
	assert.Equal(t, first.ID, *refused.Conflicts[0].OrderID)

	assert.Equal(t, models.PhaseFirstSearch, f.order(second.ID).Phase)
	assert.Equal(t, models.InvitationPending, f.invitations(second.ID)[201])
}

func TestAcceptConflictListsCommittedSeries(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(701)
	series := f.createOrder(CreateOrderRequest{
		ClientID:        1,
		SameInterpreter: true,
		Slots:           []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(8, 10, 0), time.Hour)},
	})
	require.Equal(t, OutcomeSuccess, f.respond(series.Orders[0].ID, 701, true).Outcome)
	require.Equal(t, models.PhaseResolved, f.group(series.Group.ID).Phase)

	// overlaps only the second slot of the series
	other := f.createOrder(CreateOrderRequest{ClientID: 2, Slots: []SlotRequest{slot(at(8, 10, 30), time.Hour)}}).Orders[0]
	require.Contains(t, f.notifier.invitedTo(other.ID), uint(701))

	want := []uint{series.Orders[0].AppointmentID, series.Orders[1].AppointmentID}
	appointments := func(conflicts []Conflict) []uint {
		ids := make([]uint, len(conflicts))
		for i, c := range conflicts {
			ids[i] = c.AppointmentID
		}
		return ids
	}

	refused := f.respond(other.ID, 701, true)
	assert.Equal(t, OutcomeConflict, refused.Outcome)
	assert.ElementsMatch(t, want, appointments(refused.Conflicts))
	assert.Equal(t, models.InvitationPending, f.invitations(other.ID)[701])

	assigned, err := f.engine.AssignInterpreter(f.ctx, other.ID, 701, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, assigned.Outcome)
	assert.ElementsMatch(t, want, appointments(assigned.Conflicts))
}

func TestClientCannotBookOverlappingOrders(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}})

	for name, start := range map[string]time.Time{
		"overlapping": at(1, 10, 30),
		"touching":    at(1, 11, 0),
	} {
		t.Run(name, func(t *testing.T) {
			result, err := f.engine.CreateOrder(f.ctx, CreateOrderRequest{
				ClientID:     1,
				Requirements: videoRequirements(),
				Slots:        []SlotRequest{slot(start, time.Hour)},
			})
			require.NoError(t, err)
			assert.Equal(t, OutcomeConflict, result.Outcome)
			assert.Len(t, result.Conflicts, 1)
		})
	}

	other := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 11, 1), time.Hour)}})
	assert.Len(t, other.Orders, 1)
}

func TestCreateOrderRejectsInvalidRequests(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	company := uint(7)
	companyOnly := videoRequirements()
	companyOnly.CompanyOnly = true
	withCompany := videoRequirements()
	withCompany.CompanyID = &company

	cases := map[string]CreateOrderRequest{
		"no slots":          {ClientID: 1, Requirements: videoRequirements()},
		"end before start":  {ClientID: 1, Requirements: videoRequirements(), Slots: []SlotRequest{{StartTime: at(1, 11, 0), EndTime: at(1, 10, 0)}}},
		"repeats no period": {ClientID: 1, Requirements: videoRequirements(), Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}, RemainingRepeats: 2},
		"on-demand group":   {ClientID: 1, Requirements: videoRequirements(), IsOnDemand: true, Slots: []SlotRequest{slot(at(0, 9, 0), time.Hour), slot(at(0, 11, 0), time.Hour)}},
		"company only":      {ClientID: 1, Requirements: companyOnly, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}},
		"overlapping slots": {ClientID: 1, Requirements: withCompany, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(1, 10, 30), time.Hour)}},
		"same language":     {ClientID: 1, Requirements: models.ServiceRequirements{LanguageFrom: "tr", LanguageTo: "tr", InterpreterType: models.InterpreterGeneral, CommunicationType: models.CommunicationVideo}, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.engine.CreateOrder(f.ctx, req)
			assert.ErrorIs(t, err, ErrInvalidOrderRequest)
		})
	}

	_, err := f.engine.CreateOrder(f.ctx, CreateOrderRequest{
		ClientID:     1,
		Requirements: videoRequirements(),
		Slots:        []SlotRequest{slot(t0.Add(-time.Hour), time.Hour)},
	})
	assert.ErrorIs(t, err, ErrSlotInPast)
}

// sameInterpreterGroup books three weekly one-hour slots for client 1.
func sameInterpreterGroup(f *engineFixture) *CreateResult {
	f.t.Helper()
	return f.createOrder(CreateOrderRequest{
		ClientID:        1,
		SameInterpreter: true,
		Slots: []SlotRequest{
			slot(at(1, 10, 0), time.Hour),
			slot(at(8, 10, 0), time.Hour),
			slot(at(15, 10, 0), time.Hour),
		},
	})
}

func TestSameInterpreterGroupResolvesEverySlot(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(301)
	f.addInterpreter(302)

	created := sameInterpreterGroup(f)
	require.NotNil(t, created.Group)
	require.Len(t, created.Orders, 3)
	lead := created.Orders[0]
	assert.Equal(t, models.PhaseFirstSearch, lead.Phase)
	assert.Equal(t, models.PhaseNotStarted, created.Orders[1].Phase)
	assert.Equal(t, models.PhaseNotStarted, created.Orders[2].Phase)
	assert.ElementsMatch(t, []uint{301, 302}, f.notifier.invitedTo(lead.ID))
	assert.Empty(t, f.notifier.invitedTo(created.Orders[1].ID))

	result := f.respond(lead.ID, 301, true)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Empty(t, result.Reopened)

	for _, o := range f.cycle(created.Group.ID, 0) {
		assert.Equal(t, models.PhaseResolved, o.Phase)
		require.NotNil(t, o.MatchedInterpreterID)
		assert.EqualValues(t, 301, *o.MatchedInterpreterID)
		assert.Equal(t, models.AppointmentConfirmed, f.appointment(o.AppointmentID).Status)
	}
	assert.Equal(t, models.PhaseResolved, f.group(created.Group.ID).Phase)
	assert.Equal(t, models.InvitationExpired, f.invitations(lead.ID)[302])
}

func TestSameInterpreterConflictReopensOnlyThatSlot(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(301)
	f.addInterpreter(302)
	created := sameInterpreterGroup(f)
	f.bookElsewhere(301, at(15, 10, 30), time.Hour)
	third := created.Orders[2]

	result := f.respond(created.Orders[0].ID, 301, true)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, []uint{third.ID}, result.Reopened)

	orders := f.cycle(created.Group.ID, 0)
	assert.Equal(t, models.PhaseResolved, orders[0].Phase)
	assert.Equal(t, models.PhaseResolved, orders[1].Phase)
	assert.Equal(t, models.PhaseFirstSearch, orders[2].Phase)
	assert.True(t, orders[2].Detached)
	assert.Equal(t, []uint{302}, f.notifier.invitedTo(third.ID))
	assert.Equal(t, models.PhaseFirstSearch, f.group(created.Group.ID).Phase)

	// the detached slot is free to resolve with someone else
	other := f.respond(third.ID, 302, true)
	require.Equal(t, OutcomeSuccess, other.Outcome)
	assert.Empty(t, other.Reopened)
	assert.EqualValues(t, 302, *f.order(third.ID).MatchedInterpreterID)
	assert.EqualValues(t, 301, *f.order(orders[1].ID).MatchedInterpreterID)
	assert.Equal(t, models.PhaseResolved, f.group(created.Group.ID).Phase)
}

func TestSameInterpreterConflictCanReopenTheGroup(t *testing.T) {
	policies := DefaultPolicies()
	policies.SameInterpreterConflict = ReopenGroup
	f := newEngineFixture(t, policies)
	f.addInterpreter(301)
	f.addInterpreter(302)
	created := sameInterpreterGroup(f)
	f.bookElsewhere(301, at(15, 10, 30), time.Hour)
	first, second := created.Orders[0], created.Orders[1]

	result := f.respond(first.ID, 301, true)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.ElementsMatch(t, []uint{first.ID, second.ID}, result.Reopened)
	assert.Equal(t, models.PhaseFirstSearch, result.Order.Phase)

	orders := f.cycle(created.Group.ID, 0)
	assert.Equal(t, models.PhaseFirstSearch, orders[0].Phase)
	assert.Equal(t, models.PhaseNotStarted, orders[1].Phase)
	assert.Equal(t, models.PhaseNotStarted, orders[2].Phase)
	for _, o := range orders {
		assert.Nil(t, o.MatchedInterpreterID)
		assert.False(t, o.Detached)
	}

	released := f.appointment(first.AppointmentID)
	assert.Equal(t, models.AppointmentSearching, released.Status)
	assert.Nil(t, released.InterpreterID)

	states := f.invitations(first.ID)
	assert.Equal(t, models.InvitationReleased, states[301])
	assert.Equal(t, models.InvitationPending, states[302])
	assert.Equal(t, models.PhaseFirstSearch, f.group(created.Group.ID).Phase)
}

func TestRepeatGroupStopsAfterRemainingRepeats(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(401)

	created := f.createOrder(CreateOrderRequest{
		ClientID:         1,
		Slots:            []SlotRequest{slot(at(1, 10, 0), time.Hour)},
		RepeatInterval:   models.RepeatWeekly,
		RemainingRepeats: 2,
	})
	require.NotNil(t, created.Group)
	groupID := created.Group.ID
	current := created.Orders[0]

	for cycle := 1; cycle <= 2; cycle++ {
		require.Equal(t, OutcomeSuccess, f.respond(current.ID, 401, true).Outcome)
		assert.Equal(t, models.PhaseResolved, f.group(groupID).Phase)

		f.clock.Advance(time.Minute)
		f.tick()

		next := f.cycle(groupID, cycle)
		require.Len(t, next, 1, "cycle %d", cycle)
		assert.WithinDuration(t, current.StartTime.AddDate(0, 0, 7), next[0].StartTime, 0)
		assert.Equal(t, models.PhaseFirstSearch, next[0].Phase)
		assert.Contains(t, f.notifier.invitedTo(next[0].ID), uint(401))

		group := f.group(groupID)
		assert.Equal(t, cycle, group.CycleNumber)
		assert.Equal(t, 2-cycle, group.RemainingRepeats)
		current = next[0]
	}

	require.Equal(t, OutcomeSuccess, f.respond(current.ID, 401, true).Outcome)
	f.clock.Advance(time.Minute)
	report := f.tick()
	assert.Zero(t, report.Processed)

	var total int64
	require.NoError(t, f.db.Model(&models.AppointmentOrder{}).Where("group_id = ?", groupID).Count(&total).Error)
	assert.EqualValues(t, 3, total)
	group := f.group(groupID)
	assert.Zero(t, group.RemainingRepeats)
	assert.False(t, group.CanRepeat())
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.RepeatCycles))
}

func TestRepeatCycleRejectionHistory(t *testing.T) {
	cases := map[RepeatHistoryPolicy][]uint{
		RepeatHistoryInherit: {501},
		RepeatHistoryReset:   {501, 502},
	}
	for policy, want := range cases {
		t.Run(string(policy), func(t *testing.T) {
			policies := DefaultPolicies()
			policies.RepeatHistory = policy
			f := newEngineFixture(t, policies)
			f.addInterpreter(501)
			f.addInterpreter(502)

			created := f.createOrder(CreateOrderRequest{
				ClientID:         1,
				Slots:            []SlotRequest{slot(at(1, 10, 0), time.Hour)},
				RepeatInterval:   models.RepeatWeekly,
				RemainingRepeats: 1,
			})
			first := created.Orders[0]
			require.Equal(t, OutcomeSuccess, f.respond(first.ID, 502, false).Outcome)
			require.Equal(t, OutcomeSuccess, f.respond(first.ID, 501, true).Outcome)

			f.clock.Advance(time.Minute)
			f.tick()

			next := f.cycle(created.Group.ID, 1)
			require.Len(t, next, 1)
			assert.ElementsMatch(t, want, f.notifier.invitedTo(next[0].ID))
		})
	}
}

func TestExpiryClosesPendingInvitations(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(601)

	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(0, 11, 0), time.Hour)}}).Orders[0]
	assert.WithinDuration(t, at(0, 9, 0), order.EndSearchTime, 0)
	assert.Equal(t, models.InvitationPending, f.invitations(order.ID)[601])

	f.clock.Set(at(0, 9, 0))
	f.tick()

	expired := f.order(order.ID)
	assert.Equal(t, models.PhaseExpired, expired.Phase)
	assert.Equal(t, ReasonSearchExpired, expired.CancelReason)
	assert.Equal(t, models.InvitationExpired, f.invitations(order.ID)[601])
	assert.Equal(t, models.AppointmentCancelled, f.appointment(order.AppointmentID).Status)
	require.Equal(t, 1, f.notifier.noticeCount())
	assert.Equal(t, []uint{601}, f.notifier.notices[0].InterpreterIDs)

	late := f.respond(order.ID, 601, true)
	assert.Equal(t, OutcomeOrderClosed, late.Outcome)

	// expiring again changes nothing
	f.tick()
	notices, err := f.engine.expiry.ExpireDue(f.ctx, f.order(order.ID), nil, f.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, notices)
	assert.Equal(t, 1, f.notifier.noticeCount())
}

func TestExpiryCascadePolicy(t *testing.T) {
	cases := map[ExpiryCascadePolicy]models.SearchPhase{
		ExpiryIsolate: models.PhaseResolved,
		ExpiryCascade: models.PhaseCancelled,
	}
	for policy, firstPhase := range cases {
		t.Run(string(policy), func(t *testing.T) {
			policies := DefaultPolicies()
			policies.ExpiryCascade = policy
			f := newEngineFixture(t, policies)
			f.addInterpreter(701)

			created := f.createOrder(CreateOrderRequest{
				ClientID:        1,
				SameInterpreter: true,
				Slots:           []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(8, 10, 0), time.Hour)},
			})
			f.bookElsewhere(701, at(8, 10, 0), time.Hour)
			first, second := created.Orders[0], created.Orders[1]

			result := f.respond(first.ID, 701, true)
			require.Equal(t, OutcomeSuccess, result.Outcome)
			require.Equal(t, []uint{second.ID}, result.Reopened)
			assert.Empty(t, f.notifier.invitedTo(second.ID))

			f.clock.Set(at(8, 8, 0))
			f.tick()

			assert.Equal(t, models.PhaseExpired, f.order(second.ID).Phase)
			assert.Equal(t, firstPhase, f.order(first.ID).Phase)
			assert.Equal(t, models.PhaseExpired, f.group(created.Group.ID).Phase)
			if policy == ExpiryCascade {
				assert.Equal(t, 2, f.notifier.noticeCount())
				assert.Equal(t, models.AppointmentCancelled, f.appointment(first.AppointmentID).Status)
				assert.Equal(t, ReasonSiblingExpired, f.order(first.ID).CancelReason)
			} else {
				assert.Equal(t, 1, f.notifier.noticeCount())
				assert.Equal(t, models.AppointmentConfirmed, f.appointment(first.AppointmentID).Status)
			}
		})
	}
}

func TestDeferredSearchResumesWithFreshWave(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(801)
	f.addInterpreter(802)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	past, err := f.engine.DeferSearch(f.ctx, order.ID, t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, past.Outcome)

	deferred, err := f.engine.DeferSearch(f.ctx, order.ID, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, deferred.Outcome)

	f.clock.Set(t0.Add(30 * time.Minute))
	report := f.tick()
	assert.Zero(t, report.Processed)
	paused := f.order(order.ID)
	assert.Equal(t, models.PhaseFirstSearch, paused.Phase)
	require.NotNil(t, paused.TimeToRestart)

	f.clock.Set(t0.Add(time.Hour))
	f.tick()
	resumed := f.order(order.ID)
	assert.Equal(t, models.PhaseFirstSearch, resumed.Phase)
	assert.Nil(t, resumed.TimeToRestart)
	require.NotNil(t, resumed.PhaseDeadline)
	assert.WithinDuration(t, t0.Add(75*time.Minute), *resumed.PhaseDeadline, 0)
	assert.Len(t, f.notifier.invitedTo(order.ID), 4)
	states := f.invitations(order.ID)
	assert.Equal(t, models.InvitationPending, states[801])
	assert.Equal(t, models.InvitationPending, states[802])

	require.Equal(t, OutcomeSuccess, f.respond(order.ID, 801, true).Outcome)
	closed, err := f.engine.DeferSearch(f.ctx, order.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderClosed, closed.Outcome)
}

func TestDeferGroupSearch(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	created := f.createOrder(CreateOrderRequest{
		ClientID: 1,
		Slots:    []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(2, 10, 0), time.Hour)},
	})
	until := t0.Add(2 * time.Hour)

	result, err := f.engine.DeferGroupSearch(f.ctx, created.Group.ID, until)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	group := f.group(created.Group.ID)
	require.NotNil(t, group.TimeToRestart)
	assert.WithinDuration(t, until, *group.TimeToRestart, 0)
	for _, o := range f.cycle(created.Group.ID, 0) {
		require.NotNil(t, o.TimeToRestart)
		assert.False(t, o.SearchNeeded(f.clock.Now()))
	}

	missing, err := f.engine.DeferGroupSearch(f.ctx, 9999, until)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, missing.Outcome)
}

func TestDeferralCannotOutliveSearchDeadline(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(0, 11, 0), time.Hour)}}).Orders[0]
	require.WithinDuration(t, at(0, 9, 0), order.EndSearchTime, 0)

	for _, until := range []time.Time{at(0, 9, 0), at(0, 13, 0)} {
		result, err := f.engine.DeferSearch(f.ctx, order.ID, until)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalidState, result.Outcome, until)
	}
	assert.Nil(t, f.order(order.ID).TimeToRestart)

	// a restart stored beyond the deadline still loses to expiry
	restart := at(0, 13, 0)
	require.NoError(t, f.db.Model(&models.AppointmentOrder{}).Where("id = ?", order.ID).
		Update("time_to_restart", restart).Error)

	f.clock.Set(at(0, 12, 30))
	f.tick()
	expired := f.order(order.ID)
	assert.Equal(t, models.PhaseExpired, expired.Phase)
	assert.Equal(t, ReasonSearchExpired, expired.CancelReason)
	assert.Equal(t, models.AppointmentCancelled, f.appointment(order.AppointmentID).Status)
	assert.Equal(t, 1, f.notifier.noticeCount())
}

func TestDeferredOrderExpiresAtDeadline(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(0, 11, 0), time.Hour)}}).Orders[0]

	result, err := f.engine.DeferSearch(f.ctx, order.ID, at(0, 8, 50))
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	f.clock.Set(at(0, 9, 0))
	f.tick()
	assert.Equal(t, models.PhaseExpired, f.order(order.ID).Phase, "expiry wins over a due restart")
}

func TestDeferGroupSearchBeyondSlotDeadline(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	created := f.createOrder(CreateOrderRequest{
		ClientID: 1,
		Slots:    []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(2, 10, 0), time.Hour)},
	})

	result, err := f.engine.DeferGroupSearch(f.ctx, created.Group.ID, at(1, 9, 0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, result.Outcome)
	assert.Nil(t, f.group(created.Group.ID).TimeToRestart)
	for _, o := range f.cycle(created.Group.ID, 0) {
		assert.Nil(t, o.TimeToRestart)
	}
}

func TestCancelOrder(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(901)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	result, err := f.engine.CancelOrder(f.ctx, order.ID, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, models.PhaseCancelled, result.Order.Phase)
	assert.Equal(t, ReasonClientCancelled, result.Order.CancelReason)
	assert.Equal(t, models.AppointmentCancelled, f.appointment(order.AppointmentID).Status)
	require.Equal(t, 1, f.notifier.noticeCount())
	assert.Equal(t, []uint{901}, f.notifier.notices[0].InterpreterIDs)

	again, err := f.engine.CancelOrder(f.ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, again.Outcome)
	assert.Equal(t, 1, f.notifier.noticeCount())

	late := f.respond(order.ID, 901, true)
	assert.Equal(t, OutcomeOrderClosed, late.Outcome)

	missing, err := f.engine.CancelOrder(f.ctx, 9999, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, missing.Outcome)
}

func TestCancelExpiredOrderIsClosed(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(0, 11, 0), time.Hour)}}).Orders[0]
	f.clock.Set(order.EndSearchTime)
	f.tick()

	result, err := f.engine.CancelOrder(f.ctx, order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderClosed, result.Outcome)
	assert.Equal(t, models.PhaseExpired, f.order(order.ID).Phase)
}

func TestCancelGroupStopsRepeats(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	created := f.createOrder(CreateOrderRequest{
		ClientID:         1,
		Slots:            []SlotRequest{slot(at(1, 10, 0), time.Hour), slot(at(2, 10, 0), time.Hour)},
		RepeatInterval:   models.RepeatWeekly,
		RemainingRepeats: 3,
	})

	result, err := f.engine.CancelGroup(f.ctx, created.Group.ID, "")
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, models.PhaseCancelled, result.Group.Phase)
	assert.Zero(t, result.Group.RemainingRepeats)
	for _, o := range f.cycle(created.Group.ID, 0) {
		assert.Equal(t, models.PhaseCancelled, o.Phase)
		assert.Equal(t, ReasonGroupCancelled, o.CancelReason)
	}

	f.clock.Advance(time.Minute)
	report := f.tick()
	assert.Zero(t, report.Processed)
	assert.Empty(t, f.cycle(created.Group.ID, 1))
}

func TestAdministratorAssignment(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	result, err := f.engine.AssignInterpreter(f.ctx, order.ID, 1001, 77)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, models.PhaseResolved, result.Order.Phase)
	appointment := f.appointment(order.AppointmentID)
	assert.Equal(t, models.AppointmentConfirmed, appointment.Status)
	assert.EqualValues(t, 1001, *appointment.InterpreterID)

	var rows []models.InterpreterOutcome
	require.NoError(t, f.db.Where("order_id = ?", order.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, models.OutcomeAccepted, rows[0].Outcome)
	require.NotNil(t, rows[0].ActorID)
	assert.EqualValues(t, 77, *rows[0].ActorID)

	same, err := f.engine.AssignInterpreter(f.ctx, order.ID, 1001, 77)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, same.Outcome)
	other, err := f.engine.AssignInterpreter(f.ctx, order.ID, 1002, 77)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOrderClosed, other.Outcome)
}

func TestAdministratorCannotOverrideRejectionOrConflict(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(1101)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]
	require.Equal(t, OutcomeSuccess, f.respond(order.ID, 1101, false).Outcome)

	rejected, err := f.engine.AssignInterpreter(f.ctx, order.ID, 1101, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalidState, rejected.Outcome)

	f.bookElsewhere(1102, at(1, 9, 30), time.Hour)
	busy, err := f.engine.AssignInterpreter(f.ctx, order.ID, 1102, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeConflict, busy.Outcome)
	assert.Len(t, busy.Conflicts, 1)
	assert.True(t, f.order(order.ID).Phase.IsActive())
}

func TestResponsesOutsideAnOpenInvitation(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(1201)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	assert.Equal(t, OutcomeNotInvited, f.respond(order.ID, 4242, true).Outcome)
	assert.Equal(t, OutcomeNotFound, f.respond(9999, 1201, true).Outcome)

	// the wave window passed but no tick ran yet
	f.clock.Set(t0.Add(16 * time.Minute))
	assert.Equal(t, OutcomeInvitationExpired, f.respond(order.ID, 1201, true).Outcome)
	assert.Equal(t, models.PhaseFirstSearch, f.order(order.ID).Phase)
}

func TestDeclineByEveryoneCompletesTheWave(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(1301)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	result := f.respond(order.ID, 1301, false)
	require.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, models.PhaseSecondSearch, result.Order.Phase)

	// a repeated decline is accepted and changes nothing
	assert.Equal(t, OutcomeSuccess, f.respond(order.ID, 1301, false).Outcome)
	assert.Equal(t, OutcomeInvalidState, f.respond(order.ID, 1301, true).Outcome)
	assert.Equal(t, models.PhaseSecondSearch, f.order(order.ID).Phase)
}

func TestConcurrentAcceptancesMatchOnce(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(1401)
	f.addInterpreter(1402)
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	var wg sync.WaitGroup
	outcomes := make([]OutcomeKind, 2)
	errs := make([]error, 2)
	for i, id := range []uint{1401, 1402} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.engine.RespondToInvitation(f.ctx, order.ID, id, true)
			errs[i] = err
			if result != nil {
				outcomes[i] = result.Outcome
			}
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.ElementsMatch(t, []OutcomeKind{OutcomeSuccess, OutcomeOrderClosed}, outcomes)

	var accepted int64
	require.NoError(t, f.db.Model(&models.InterpreterOutcome{}).
		Where("order_id = ? AND outcome = ?", order.ID, models.OutcomeAccepted).Count(&accepted).Error)
	assert.EqualValues(t, 1, accepted)
}

func TestTickSkipsLockedEntities(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	unlock, err := f.engine.locker.Lock(f.ctx, OrderLockKey(&order))
	require.NoError(t, err)
	report := f.tick()
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Processed)
	unlock()

	report = f.tick()
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.TickEntities.WithLabelValues(TickSkipped)))
}

func TestGetOrderShowsInvitationsAndCandidates(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	for id := uint(1501); id <= 1505; id++ {
		f.addInterpreter(id, rated(float64(id-1500)))
	}
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	view, err := f.engine.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, view.Invitations, 3)
	// highest rated first, listed by interpreter id
	assert.EqualValues(t, 1503, view.Invitations[0].InterpreterID)
	assert.EqualValues(t, 1505, view.Invitations[2].InterpreterID)
	assert.Equal(t, 2, view.RemainingCandidates)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.OrdersCreated))

	_, err = f.engine.GetOrder(f.ctx, 9999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestRemainingCandidatesIgnoreWaveSize(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	for id := uint(1601); id <= 1610; id++ {
		f.addInterpreter(id)
	}
	order := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]

	view, err := f.engine.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, view.Invitations, 3)
	assert.Equal(t, 7, view.RemainingCandidates)

	declined := view.Invitations[0].InterpreterID
	require.Equal(t, OutcomeSuccess, f.respond(order.ID, declined, false).Outcome)
	view, err = f.engine.GetOrder(f.ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvitationRejected, f.invitations(order.ID)[declined])
	// the wave was topped up to three pending again
	assert.Equal(t, 6, view.RemainingCandidates)
}

// lockCheckingNotifier records every lock key still held while a notification
// is delivered.
type lockCheckingNotifier struct {
	*recordingNotifier
	locker EntityLocker

	mu         sync.Mutex
	keys       []string
	held       []string
	deliveries int
}

func (n *lockCheckingNotifier) watch(keys ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.keys = append(n.keys, keys...)
}

func (n *lockCheckingNotifier) check(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries++
	for _, key := range n.keys {
		unlock, ok, err := n.locker.TryLock(ctx, key)
		if err != nil || !ok {
			n.held = append(n.held, key)
			continue
		}
		unlock()
	}
}

func (n *lockCheckingNotifier) InterpretersInvited(ctx context.Context, orderID uint, ids []uint) error {
	n.check(ctx)
	return n.recordingNotifier.InterpretersInvited(ctx, orderID, ids)
}

func (n *lockCheckingNotifier) AdminSearchEscalated(ctx context.Context, ref EntityRef) error {
	n.check(ctx)
	return n.recordingNotifier.AdminSearchEscalated(ctx, ref)
}

func (n *lockCheckingNotifier) Cancellation(ctx context.Context, notice CancellationNotice) error {
	n.check(ctx)
	return n.recordingNotifier.Cancellation(ctx, notice)
}

func TestNotificationsSentAfterLocksRelease(t *testing.T) {
	f := newEngineFixture(t, DefaultPolicies())
	f.addInterpreter(1701)
	checker := &lockCheckingNotifier{recordingNotifier: f.notifier, locker: f.engine.locker}
	f.engine.notifier = checker
	checker.watch(ClientLockKey(1), InterpreterLockKey(1701))

	cancelled := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(1, 10, 0), time.Hour)}}).Orders[0]
	expiring := f.createOrder(CreateOrderRequest{ClientID: 1, Slots: []SlotRequest{slot(at(0, 11, 0), time.Hour)}}).Orders[0]
	checker.watch(OrderLockKey(&cancelled), OrderLockKey(&expiring))

	result, err := f.engine.CancelOrder(f.ctx, cancelled.ID, ReasonClientCancelled)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuccess, result.Outcome)

	f.clock.Set(at(0, 9, 0))
	f.tick()
	assert.Equal(t, models.PhaseExpired, f.order(expiring.ID).Phase)

	assert.Equal(t, 2, f.notifier.noticeCount())
	assert.GreaterOrEqual(t, checker.deliveries, 4, "two invitation batches and two cancellations")
	assert.Empty(t, checker.held)
}

func TestGroupPhase(t *testing.T) {
	phases := func(ps ...models.SearchPhase) []models.AppointmentOrder {
		orders := make([]models.AppointmentOrder, len(ps))
		for i, p := range ps {
			orders[i].Phase = p
		}
		return orders
	}
	cases := []struct {
		name   string
		orders []models.AppointmentOrder
		want   models.SearchPhase
	}{
		{"furthest active phase", phases(models.PhaseResolved, models.PhaseFirstSearch, models.PhaseAwaitingAdmin), models.PhaseAwaitingAdmin},
		{"waiting slots", phases(models.PhaseResolved, models.PhaseNotStarted), models.PhaseNotStarted},
		{"all resolved", phases(models.PhaseResolved, models.PhaseResolved), models.PhaseResolved},
		{"any expired", phases(models.PhaseResolved, models.PhaseExpired, models.PhaseCancelled), models.PhaseExpired},
		{"resolved and cancelled", phases(models.PhaseCancelled, models.PhaseResolved), models.PhaseResolved},
		{"all cancelled", phases(models.PhaseCancelled), models.PhaseCancelled},
		{"empty", nil, models.PhaseCancelled},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, GroupPhase(tc.orders))
		})
	}
}
