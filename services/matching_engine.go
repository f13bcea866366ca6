package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"tercuman.link/configs/configsengine"
	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/pkg/queryparams"
	"tercuman.link/repositories"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Lookup errors of the engine.
const (
	ErrOrderNotFound EngineError = "appointment order not found"
	ErrGroupNotFound EngineError = "appointment order group not found"
)

// SlotRequest is one requested appointment window.
type SlotRequest struct {
	StartTime time.Time `json:"start_time" validate:"required"`
	EndTime   time.Time `json:"end_time" validate:"required,gtfield=StartTime"`
}

// CreateOrderRequest asks for one interpreter per slot. Several slots or a
// repeat interval make an order group.
type CreateOrderRequest struct {
	ClientID         uint                       `json:"client_id" validate:"required"`
	Requirements     models.ServiceRequirements `json:"requirements"`
	IsOnDemand       bool                       `json:"is_on_demand"`
	Slots            []SlotRequest              `json:"slots" validate:"required,min=1,max=52,dive"`
	SameInterpreter  bool                       `json:"same_interpreter"`
	RepeatInterval   models.RepeatInterval      `json:"repeat_interval" validate:"omitempty,oneof=none daily weekly biweekly monthly"`
	RemainingRepeats int                        `json:"remaining_repeats" validate:"min=0,max=104"`
	Timezone         string                     `json:"timezone" validate:"omitempty,timezone"`
}

// EngineDeps wires the engine to its storage and collaborators.
type EngineDeps struct {
	DB        *gorm.DB
	Config    configsengine.EngineConfig
	Policies  Policies
	Lifecycle AppointmentLifecycle
	Oracle    EligibilityOracle
	Notifier  Notifier
	Locker    EntityLocker
	Metrics   *Metrics
	// Clock defaults to time.Now in UTC.
	Clock func() time.Time
}

// IMatchingEngine is the public surface used by the HTTP adapter and the scheduler.
type IMatchingEngine interface {
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateResult, error)
	RespondToInvitation(ctx context.Context, orderID, interpreterID uint, accepted bool) (*MatchResult, error)
	AssignInterpreter(ctx context.Context, orderID, interpreterID, adminID uint) (*MatchResult, error)
	CancelOrder(ctx context.Context, orderID uint, reason string) (*MatchResult, error)
	CancelGroup(ctx context.Context, groupID uint, reason string) (*GroupResult, error)
	DeferSearch(ctx context.Context, orderID uint, until time.Time) (*MatchResult, error)
	DeferGroupSearch(ctx context.Context, groupID uint, until time.Time) (*GroupResult, error)
	GetOrder(ctx context.Context, orderID uint) (*OrderView, error)
	ListEscalations(ctx context.Context, params queryparams.ListParams) (*queryparams.PaginatedResult, error)
	Tick(ctx context.Context) (*TickReport, error)
}

// MatchingEngine coordinates the search of appointment orders.
type MatchingEngine struct {
	db          *gorm.DB
	cfg         configsengine.EngineConfig
	policies    Policies
	orders      repositories.IOrderRepository
	groups      repositories.IOrderGroupRepository
	conflicts   IConflictService
	invitations IInvitationService
	phases      ISearchPhaseService
	repeats     IRepeatService
	expiry      IExpirationService
	lifecycle   AppointmentLifecycle
	notifier    Notifier
	locker      EntityLocker
	metrics     *Metrics
	validate    *validator.Validate
	now         func() time.Time
}

// NewMatchingEngine builds the engine and its component services.
func NewMatchingEngine(deps EngineDeps) (*MatchingEngine, error) {
	if deps.DB == nil || deps.Lifecycle == nil || deps.Oracle == nil {
		return nil, errors.New("matching engine needs a database, a lifecycle and an eligibility oracle")
	}
	if deps.Notifier == nil {
		deps.Notifier = NopNotifier{}
	}
	if deps.Locker == nil {
		deps.Locker = NewLocalLocker()
	}
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Now().UTC() }
	}
	if deps.Policies == (Policies{}) {
		deps.Policies = DefaultPolicies()
	}

	orders := repositories.NewOrderRepository(deps.DB)
	groups := repositories.NewOrderGroupRepository(deps.DB)
	outcomes := repositories.NewOutcomeRepository(deps.DB)

	conflicts := NewConflictService(deps.Lifecycle)
	candidates := NewCandidateService(deps.Oracle, deps.Config.FirstWaveSize, deps.Config.SecondWaveSize)
	invitations := NewInvitationService(outcomes, conflicts, candidates, deps.Policies.RepeatHistory)
	phases := NewSearchPhaseService(deps.Config, invitations, candidates)

	return &MatchingEngine{
		db:          deps.DB,
		cfg:         deps.Config,
		policies:    deps.Policies,
		orders:      orders,
		groups:      groups,
		conflicts:   conflicts,
		invitations: invitations,
		phases:      phases,
		repeats:     NewRepeatService(orders, deps.Lifecycle, phases, deps.Policies.RepeatOnExpiry),
		expiry:      NewExpirationService(orders, invitations, deps.Lifecycle, deps.Policies.ExpiryCascade),
		lifecycle:   deps.Lifecycle,
		notifier:    deps.Notifier,
		locker:      deps.Locker,
		metrics:     deps.Metrics,
		validate:    validator.New(),
		now:         deps.Clock,
	}, nil
}

// --- Transaction and side-effect helpers ---

func (e *MatchingEngine) inTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(repositories.ContextWithTx(ctx, tx))
	})
}

type invitedBatch struct {
	orderID uint
	ids     []uint
}

// effects are notifications collected inside a transaction and sent after commit.
type effects struct {
	invited   []invitedBatch
	escalated []EntityRef
	notices   []CancellationNotice
}

func (fx *effects) step(order *models.AppointmentOrder, step *PhaseStep) {
	if step == nil {
		return
	}
	if len(step.Invited) > 0 {
		fx.invited = append(fx.invited, invitedBatch{orderID: order.ID, ids: step.Invited})
	}
	if step.Escalated && !order.IsGrouped() {
		fx.escalated = append(fx.escalated, EntityRef{Kind: EntityOrder, ID: order.ID})
	}
}

func (e *MatchingEngine) flush(ctx context.Context, fx *effects) {
	for _, b := range fx.invited {
		if err := e.notifier.InterpretersInvited(ctx, b.orderID, b.ids); err != nil {
			configslog.Log.Warn("invitation notification failed", zap.Uint("order_id", b.orderID), zap.Error(err))
		}
	}
	for _, ref := range fx.escalated {
		if err := e.notifier.AdminSearchEscalated(ctx, ref); err != nil {
			configslog.Log.Warn("escalation notification failed", zap.String("kind", ref.Kind), zap.Uint("id", ref.ID), zap.Error(err))
		}
	}
	for _, n := range fx.notices {
		if err := e.notifier.Cancellation(ctx, n); err != nil {
			configslog.Log.Warn("cancellation notification failed", zap.Uint("order_id", n.OrderID), zap.Error(err))
		}
	}
}

func (e *MatchingEngine) recordStep(order *models.AppointmentOrder, step *PhaseStep, fx *effects) {
	fx.step(order, step)
	e.metrics.phaseStep(step)
}

// lockWait bounds how long an interactive call queues behind a busy entity.
const lockWait = 10 * time.Second

// lockAll takes keys in the given order and returns one function releasing them
// in reverse. Releasing twice is a no-op, so callers defer it and still release
// early before notifying.
func (e *MatchingEngine) lockAll(ctx context.Context, keys ...string) (func(), error) {
	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	waitCtx, cancel := context.WithTimeout(ctx, lockWait)
	defer cancel()
	for _, key := range keys {
		unlock, err := e.locker.Lock(waitCtx, key)
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("%w: %s", ErrLockBusy, key)
		}
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// --- CreateOrder ---

func (e *MatchingEngine) validateRequest(req *CreateOrderRequest) error {
	if err := e.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOrderRequest, err)
	}
	if req.RepeatInterval == "" {
		req.RepeatInterval = models.RepeatNone
	}
	if req.RemainingRepeats > 0 && !req.RepeatInterval.IsRepeating() {
		return fmt.Errorf("%w: remaining_repeats needs a repeat interval", ErrInvalidOrderRequest)
	}
	if req.IsOnDemand && (len(req.Slots) > 1 || req.RepeatInterval.IsRepeating()) {
		return fmt.Errorf("%w: on-demand orders have a single, non-repeating slot", ErrInvalidOrderRequest)
	}
	if req.Requirements.CompanyOnly && req.Requirements.CompanyID == nil {
		return fmt.Errorf("%w: company_only needs company_id", ErrInvalidOrderRequest)
	}
	if _, ok := req.Requirements.CommunicationType.Rule(); !ok {
		return fmt.Errorf("%w: communication type %q", ErrInvalidOrderRequest, req.Requirements.CommunicationType)
	}
	for i := range req.Slots {
		req.Slots[i].StartTime = req.Slots[i].StartTime.UTC()
		req.Slots[i].EndTime = req.Slots[i].EndTime.UTC()
	}
	sort.SliceStable(req.Slots, func(i, j int) bool { return req.Slots[i].StartTime.Before(req.Slots[j].StartTime) })
	for i := 1; i < len(req.Slots); i++ {
		prev, cur := req.Slots[i-1], req.Slots[i]
		if Overlaps(TimeWindow{Start: prev.StartTime, End: prev.EndTime}, TimeWindow{Start: cur.StartTime, End: cur.EndTime}) {
			return fmt.Errorf("%w: slots %d and %d overlap", ErrInvalidOrderRequest, i-1, i)
		}
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	return nil
}

// CreateOrder validates the request, refuses it when the client is already busy
// in any slot, then books the appointments and starts the first search wave.
func (e *MatchingEngine) CreateOrder(ctx context.Context, req CreateOrderRequest) (*CreateResult, error) {
	if err := e.validateRequest(&req); err != nil {
		return nil, err
	}
	now := e.now()
	endSearch := make([]time.Time, len(req.Slots))
	windows := make([]TimeWindow, len(req.Slots))
	for i, slot := range req.Slots {
		end, err := e.phases.EndSearchTime(slot.StartTime, req.IsOnDemand, now)
		if err != nil {
			return nil, err
		}
		endSearch[i] = end
		windows[i] = TimeWindow{Start: slot.StartTime, End: slot.EndTime}
	}

	unlock, err := e.lockAll(ctx, ClientLockKey(req.ClientID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	fx := &effects{}
	var result *CreateResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		var conflicts []Conflict
		var err error
		if len(windows) == 1 {
			conflicts, err = e.conflicts.ListConflicts(ctx, ClientParty(req.ClientID), windows[0], ConflictScope{})
		} else {
			conflicts, err = e.conflicts.ListGroupConflicts(ctx, ClientParty(req.ClientID), windows, ConflictScope{})
		}
		if err != nil {
			return err
		}
		if len(conflicts) > 0 {
			result = &CreateResult{Outcome: OutcomeConflict, Message: "client already has a commitment in this window", Conflicts: conflicts}
			return nil
		}

		var group *models.AppointmentOrderGroup
		if len(req.Slots) > 1 || req.RepeatInterval.IsRepeating() {
			group = &models.AppointmentOrderGroup{
				ClientID:         req.ClientID,
				SameInterpreter:  req.SameInterpreter,
				RepeatInterval:   req.RepeatInterval,
				RemainingRepeats: req.RemainingRepeats,
				Timezone:         req.Timezone,
				Phase:            models.PhaseNotStarted,
				IsOnDemand:       req.IsOnDemand,
				Requirements:     req.Requirements,
			}
			if err := e.groups.Create(ctx, group); err != nil {
				return err
			}
		}

		orders := make([]models.AppointmentOrder, 0, len(req.Slots))
		for i, slot := range req.Slots {
			var groupID *uint
			if group != nil {
				id := group.ID
				groupID = &id
			}
			appointment, err := e.lifecycle.CreateAppointment(ctx, NewAppointment{
				ClientID:          req.ClientID,
				GroupID:           groupID,
				StartTime:         slot.StartTime,
				EndTime:           slot.EndTime,
				CommunicationType: req.Requirements.CommunicationType,
			})
			if err != nil {
				return err
			}
			order := models.AppointmentOrder{
				AppointmentID:  appointment.ID,
				ClientID:       req.ClientID,
				GroupID:        groupID,
				StartTime:      slot.StartTime,
				EndTime:        slot.EndTime,
				IsOnDemand:     req.IsOnDemand,
				Requirements:   req.Requirements,
				Phase:          models.PhaseNotStarted,
				PhaseStartedAt: now,
				EndSearchTime:  endSearch[i],
			}
			if err := e.orders.Create(ctx, &order); err != nil {
				return err
			}
			orders = append(orders, order)
		}

		if err := e.startCycle(ctx, group, orders, now, fx); err != nil {
			return err
		}
		if group != nil {
			if err := e.refreshGroup(ctx, group, orders); err != nil {
				return err
			}
		}
		result = &CreateResult{Outcome: OutcomeSuccess, Group: group, Orders: orders}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == OutcomeSuccess {
		e.metrics.orderCreated(len(result.Orders))
		unlock()
		e.flush(ctx, fx)
		configslog.Log.Info("appointment order created",
			zap.Uint("client_id", req.ClientID), zap.Int("orders", len(result.Orders)), zap.Bool("grouped", result.Group != nil))
	}
	return result, nil
}

// startCycle starts the first wave for fresh orders. A same-interpreter group
// searches only through its earliest slot; the others wait in NOT_STARTED.
func (e *MatchingEngine) startCycle(ctx context.Context, group *models.AppointmentOrderGroup, orders []models.AppointmentOrder, now time.Time, fx *effects) error {
	for i := range orders {
		if group != nil && group.SameInterpreter && i > 0 {
			break
		}
		step, err := e.phases.StartFirstSearch(ctx, &orders[i], now)
		if err != nil {
			return err
		}
		if err := e.orders.Save(ctx, &orders[i]); err != nil {
			return err
		}
		e.recordStep(&orders[i], step, fx)
	}
	return nil
}

// --- Group aggregate ---

var phaseRank = map[models.SearchPhase]int{
	models.PhaseNotStarted:    0,
	models.PhaseFirstSearch:   1,
	models.PhaseSecondSearch:  2,
	models.PhaseAwaitingAdmin: 3,
}

// GroupPhase folds the phases of one cycle. While any order searches the group
// reports the furthest search phase. A settled cycle is EXPIRED if any slot
// expired, RESOLVED if any slot resolved, otherwise CANCELLED.
func GroupPhase(orders []models.AppointmentOrder) models.SearchPhase {
	active := models.SearchPhase("")
	var expired, resolved bool
	for _, o := range orders {
		switch {
		case o.Phase.IsActive():
			if active == "" || phaseRank[o.Phase] > phaseRank[active] {
				active = o.Phase
			}
		case o.Phase == models.PhaseExpired:
			expired = true
		case o.Phase == models.PhaseResolved:
			resolved = true
		}
	}
	switch {
	case active != "":
		return active
	case expired:
		return models.PhaseExpired
	case resolved:
		return models.PhaseResolved
	default:
		return models.PhaseCancelled
	}
}

// refreshGroup recomputes the group aggregates from its current cycle and saves it.
// A nil orders slice is loaded.
func (e *MatchingEngine) refreshGroup(ctx context.Context, group *models.AppointmentOrderGroup, orders []models.AppointmentOrder) error {
	if orders == nil {
		var err error
		if orders, err = e.orders.FindByGroupCycle(ctx, group.ID, group.CycleNumber); err != nil {
			return err
		}
	}
	group.Phase = GroupPhase(orders)

	var endSearch *time.Time
	deferred := false
	for _, o := range orders {
		if o.NotifyAdmin != nil && (group.NotifyAdmin == nil || o.NotifyAdmin.Before(*group.NotifyAdmin)) {
			at := *o.NotifyAdmin
			group.NotifyAdmin = &at
		}
		if !o.Phase.IsActive() {
			continue
		}
		if endSearch == nil || o.EndSearchTime.Before(*endSearch) {
			at := o.EndSearchTime
			endSearch = &at
		}
		if o.TimeToRestart != nil {
			deferred = true
		}
	}
	group.EndSearchTime = endSearch
	if !deferred {
		group.TimeToRestart = nil
	}
	return e.groups.Save(ctx, group)
}

// --- Matching ---

// resolve closes the order with interpreterID and confirms its appointment.
func (e *MatchingEngine) resolve(ctx context.Context, order *models.AppointmentOrder, interpreterID uint, now time.Time) error {
	from := order.Phase
	if _, err := e.invitations.ExpirePending(ctx, order, interpreterID, now); err != nil {
		return err
	}
	if err := e.lifecycle.ConfirmAppointment(ctx, order.ID, interpreterID); err != nil {
		return err
	}
	at := now
	id := interpreterID
	order.Phase = models.PhaseResolved
	order.PhaseStartedAt = now
	order.PhaseDeadline = nil
	order.TimeToRestart = nil
	order.MatchedInterpreterID = &id
	order.ResolvedAt = &at
	if err := e.orders.Save(ctx, order); err != nil {
		return err
	}
	e.metrics.phaseStep(&PhaseStep{From: from, To: models.PhaseResolved})
	configslog.Log.Info("order resolved", zap.Uint("order_id", order.ID), zap.Uint("interpreter_id", interpreterID))
	return nil
}

// resolveSiblings gives the remaining slots of a same-interpreter cycle to the
// interpreter who took the lead slot. A slot the interpreter cannot take is
// handled by the conflict policy. It returns the ids of re-opened orders.
func (e *MatchingEngine) resolveSiblings(ctx context.Context, group *models.AppointmentOrderGroup, lead *models.AppointmentOrder, interpreterID uint, now time.Time, fx *effects) ([]uint, error) {
	siblings, err := e.orders.FindByGroupCycle(ctx, group.ID, lead.CycleNumber)
	if err != nil {
		return nil, err
	}
	var reopened []uint
	for i := range siblings {
		sibling := &siblings[i]
		if sibling.ID == lead.ID || sibling.Detached || !sibling.Phase.IsActive() {
			continue
		}
		decision, err := e.invitations.RecordAssignment(ctx, sibling, interpreterID, nil, now)
		if err != nil {
			return nil, err
		}
		if decision.Outcome == OutcomeSuccess {
			if err := e.resolve(ctx, sibling, interpreterID, now); err != nil {
				return nil, err
			}
			continue
		}

		configslog.Log.Info("same interpreter cannot take slot",
			zap.Uint("group_id", group.ID), zap.Uint("order_id", sibling.ID),
			zap.Uint("interpreter_id", interpreterID), zap.String("outcome", string(decision.Outcome)),
			zap.String("policy", string(e.policies.SameInterpreterConflict)))

		if e.policies.SameInterpreterConflict == ReopenGroup {
			return e.reopenGroup(ctx, group, lead.CycleNumber, interpreterID, now, fx)
		}
		// the group's match is released from this slot, which also keeps the
		// interpreter out of its candidate pool for the rest of the cycle
		if err := e.invitations.Release(ctx, sibling, interpreterID, now); err != nil {
			return nil, err
		}
		sibling.Detached = true
		step := &PhaseStep{From: sibling.Phase, To: sibling.Phase}
		if sibling.Phase == models.PhaseNotStarted {
			if step, err = e.phases.StartFirstSearch(ctx, sibling, now); err != nil {
				return nil, err
			}
		}
		if err := e.orders.Save(ctx, sibling); err != nil {
			return nil, err
		}
		e.recordStep(sibling, step, fx)
		reopened = append(reopened, sibling.ID)
	}
	return reopened, nil
}

// reopenGroup rolls every slot the interpreter resolved in this cycle back into
// search. The earliest open slot becomes the lead and starts a new first wave.
func (e *MatchingEngine) reopenGroup(ctx context.Context, group *models.AppointmentOrderGroup, cycle int, interpreterID uint, now time.Time, fx *effects) ([]uint, error) {
	orders, err := e.orders.FindByGroupCycle(ctx, group.ID, cycle)
	if err != nil {
		return nil, err
	}
	var reopened []uint
	var lead *models.AppointmentOrder
	for i := range orders {
		o := &orders[i]
		if o.Detached {
			continue
		}
		if o.Phase == models.PhaseResolved && o.MatchedInterpreterID != nil && *o.MatchedInterpreterID == interpreterID {
			if err := e.invitations.Release(ctx, o, interpreterID, now); err != nil {
				return nil, err
			}
			if err := e.lifecycle.ReleaseAppointment(ctx, o.AppointmentID); err != nil {
				return nil, err
			}
			e.metrics.phaseStep(&PhaseStep{From: models.PhaseResolved, To: models.PhaseNotStarted})
			o.Phase = models.PhaseNotStarted
			o.PhaseStartedAt = now
			o.MatchedInterpreterID = nil
			o.ResolvedAt = nil
			if err := e.orders.Save(ctx, o); err != nil {
				return nil, err
			}
			reopened = append(reopened, o.ID)
		}
		if o.Phase.IsActive() && lead == nil {
			lead = o
		}
	}
	if lead != nil && lead.Phase == models.PhaseNotStarted {
		step, err := e.phases.StartFirstSearch(ctx, lead, now)
		if err != nil {
			return nil, err
		}
		if err := e.orders.Save(ctx, lead); err != nil {
			return nil, err
		}
		e.recordStep(lead, step, fx)
	}
	configslog.Log.Info("same interpreter group re-opened",
		zap.Uint("group_id", group.ID), zap.Uint("released_interpreter_id", interpreterID), zap.Int("orders", len(reopened)))
	return reopened, nil
}

// match runs after a successful acceptance or assignment was recorded.
func (e *MatchingEngine) match(ctx context.Context, order *models.AppointmentOrder, group *models.AppointmentOrderGroup, interpreterID uint, now time.Time, fx *effects) (*MatchResult, error) {
	if err := e.resolve(ctx, order, interpreterID, now); err != nil {
		return nil, err
	}
	result := &MatchResult{Outcome: OutcomeSuccess, Order: order}
	if group == nil {
		return result, nil
	}
	if group.SameInterpreter && !order.Detached {
		reopened, err := e.resolveSiblings(ctx, group, order, interpreterID, now, fx)
		if err != nil {
			return nil, err
		}
		result.Reopened = reopened
		if e.policies.SameInterpreterConflict == ReopenGroup && len(reopened) > 0 {
			reloaded, err := e.orders.FindByID(ctx, order.ID)
			if err != nil {
				return nil, err
			}
			result.Order = reloaded
		}
	}
	if err := e.refreshGroup(ctx, group, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// loadForUpdate locks the order row and, for grouped orders, the group row.
func (e *MatchingEngine) loadForUpdate(ctx context.Context, orderID uint) (*models.AppointmentOrder, *models.AppointmentOrderGroup, error) {
	order, err := e.orders.FindByIDForUpdate(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	if !order.IsGrouped() {
		return order, nil, nil
	}
	group, err := e.groups.FindByIDForUpdate(ctx, *order.GroupID)
	if err != nil {
		return nil, nil, err
	}
	return order, group, nil
}

// entityLockKey finds the order's serialization key before any lock is held.
func (e *MatchingEngine) entityLockKey(ctx context.Context, orderID uint) (string, *MatchResult, error) {
	order, err := e.orders.FindByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", outcome(OutcomeNotFound, ErrOrderNotFound.Error()), nil
	}
	if err != nil {
		return "", nil, err
	}
	return OrderLockKey(order), nil, nil
}

func closedOutcome(order *models.AppointmentOrder, interpreterID uint) *MatchResult {
	if order.Phase == models.PhaseResolved && order.MatchedInterpreterID != nil && *order.MatchedInterpreterID == interpreterID {
		return &MatchResult{Outcome: OutcomeSuccess, Order: order}
	}
	return &MatchResult{Outcome: OutcomeOrderClosed, Message: "order no longer open", Order: order}
}

// RespondToInvitation records an interpreter's answer. An acceptance is
// re-checked for conflicts, resolves the order and, for same-interpreter groups,
// the sibling slots. A decline may complete the wave at once.
func (e *MatchingEngine) RespondToInvitation(ctx context.Context, orderID, interpreterID uint, accepted bool) (*MatchResult, error) {
	key, notFound, err := e.entityLockKey(ctx, orderID)
	if notFound != nil || err != nil {
		return notFound, err
	}
	keys := []string{key}
	if accepted {
		keys = append(keys, InterpreterLockKey(interpreterID))
	}
	unlock, err := e.lockAll(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	fx := &effects{}
	var result *MatchResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		order, group, err := e.loadForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Phase.IsClosed() {
			result = closedOutcome(order, interpreterID)
			return nil
		}

		decision, err := e.invitations.RecordResponse(ctx, order, interpreterID, accepted, now)
		if err != nil {
			return err
		}
		if decision.Outcome != OutcomeSuccess || !decision.Recorded {
			result = &MatchResult{Outcome: decision.Outcome, Order: order, Conflicts: decision.Conflicts}
			return nil
		}

		if accepted {
			result, err = e.match(ctx, order, group, interpreterID, now, fx)
			return err
		}

		step, err := e.phases.Advance(ctx, order, now)
		if err != nil {
			return err
		}
		if err := e.orders.Save(ctx, order); err != nil {
			return err
		}
		e.recordStep(order, step, fx)
		if group != nil {
			if err := e.escalateGroup(ctx, group, fx); err != nil {
				return err
			}
		}
		result = &MatchResult{Outcome: OutcomeSuccess, Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.metrics.response(result.Outcome)
	unlock()
	e.flush(ctx, fx)
	return result, nil
}

// escalateGroup refreshes the group and queues one admin notice the first time
// any of its slots escalates.
func (e *MatchingEngine) escalateGroup(ctx context.Context, group *models.AppointmentOrderGroup, fx *effects) error {
	before := group.NotifyAdmin
	if err := e.refreshGroup(ctx, group, nil); err != nil {
		return err
	}
	if before == nil && group.NotifyAdmin != nil {
		fx.escalated = append(fx.escalated, EntityRef{Kind: EntityGroup, ID: group.ID})
	}
	return nil
}

// AssignInterpreter is the administrator override. It needs no invitation but
// still refuses a rejected interpreter or a double booking.
func (e *MatchingEngine) AssignInterpreter(ctx context.Context, orderID, interpreterID, adminID uint) (*MatchResult, error) {
	key, notFound, err := e.entityLockKey(ctx, orderID)
	if notFound != nil || err != nil {
		return notFound, err
	}
	unlock, err := e.lockAll(ctx, key, InterpreterLockKey(interpreterID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	fx := &effects{}
	var result *MatchResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		order, group, err := e.loadForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Phase.IsClosed() {
			result = closedOutcome(order, interpreterID)
			return nil
		}
		actor := adminID
		decision, err := e.invitations.RecordAssignment(ctx, order, interpreterID, &actor, now)
		if err != nil {
			return err
		}
		if decision.Outcome != OutcomeSuccess {
			result = &MatchResult{Outcome: decision.Outcome, Order: order, Conflicts: decision.Conflicts}
			return nil
		}
		result, err = e.match(ctx, order, group, interpreterID, now, fx)
		return err
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == OutcomeSuccess {
		configslog.Log.Info("interpreter assigned by administrator",
			zap.Uint("order_id", orderID), zap.Uint("interpreter_id", interpreterID), zap.Uint("admin_id", adminID))
	}
	unlock()
	e.flush(ctx, fx)
	return result, nil
}

// --- Cancellation and deferral ---

// CancelOrder ends the order early. Cancelling twice is a no-op; an expired
// order cannot be cancelled.
func (e *MatchingEngine) CancelOrder(ctx context.Context, orderID uint, reason string) (*MatchResult, error) {
	key, notFound, err := e.entityLockKey(ctx, orderID)
	if notFound != nil || err != nil {
		return notFound, err
	}
	unlock, err := e.lockAll(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reason == "" {
		reason = ReasonClientCancelled
	}
	now := e.now()
	fx := &effects{}
	var result *MatchResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		order, group, err := e.loadForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		switch order.Phase {
		case models.PhaseCancelled:
			result = &MatchResult{Outcome: OutcomeSuccess, Order: order}
			return nil
		case models.PhaseExpired:
			result = &MatchResult{Outcome: OutcomeOrderClosed, Message: "order already expired", Order: order}
			return nil
		}
		from := order.Phase
		notice, err := e.expiry.Cancel(ctx, order, reason, now)
		if err != nil {
			return err
		}
		if notice != nil {
			fx.notices = append(fx.notices, *notice)
		}
		e.metrics.phaseStep(&PhaseStep{From: from, To: order.Phase})
		if group != nil {
			if err := e.refreshGroup(ctx, group, nil); err != nil {
				return err
			}
		}
		result = &MatchResult{Outcome: OutcomeSuccess, Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}
	unlock()
	e.flush(ctx, fx)
	return result, nil
}

// CancelGroup cancels every open slot of the current cycle and stops repeats.
func (e *MatchingEngine) CancelGroup(ctx context.Context, groupID uint, reason string) (*GroupResult, error) {
	unlock, err := e.lockAll(ctx, GroupLockKey(groupID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	if reason == "" {
		reason = ReasonGroupCancelled
	}
	now := e.now()
	fx := &effects{}
	var result *GroupResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		group, err := e.groups.FindByIDForUpdate(ctx, groupID)
		if errors.Is(err, repositories.ErrNotFound) {
			result = &GroupResult{Outcome: OutcomeNotFound, Message: ErrGroupNotFound.Error()}
			return nil
		}
		if err != nil {
			return err
		}
		if group.Phase == models.PhaseCancelled {
			result = &GroupResult{Outcome: OutcomeSuccess, Group: group}
			return nil
		}
		orders, err := e.orders.FindByGroupCycle(ctx, group.ID, group.CycleNumber)
		if err != nil {
			return err
		}
		for i := range orders {
			notice, err := e.expiry.Cancel(ctx, &orders[i], reason, now)
			if err != nil {
				return err
			}
			if notice != nil {
				fx.notices = append(fx.notices, *notice)
			}
		}
		group.RemainingRepeats = 0
		if err := e.refreshGroup(ctx, group, orders); err != nil {
			return err
		}
		result = &GroupResult{Outcome: OutcomeSuccess, Group: group}
		return nil
	})
	if err != nil {
		return nil, err
	}
	unlock()
	e.flush(ctx, fx)
	return result, nil
}

// DeferSearch pauses an unresolved order until the given instant, which must
// precede its EndSearchTime. The tick then restarts it with a fresh first wave;
// it is not a new repeat cycle. Expiry still applies while deferred.
func (e *MatchingEngine) DeferSearch(ctx context.Context, orderID uint, until time.Time) (*MatchResult, error) {
	key, notFound, err := e.entityLockKey(ctx, orderID)
	if notFound != nil || err != nil {
		return notFound, err
	}
	unlock, err := e.lockAll(ctx, key)
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	until = until.UTC()
	var result *MatchResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		order, group, err := e.loadForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Phase.IsActive() {
			result = &MatchResult{Outcome: OutcomeOrderClosed, Message: "order no longer searching", Order: order}
			return nil
		}
		if !until.After(now) {
			result = &MatchResult{Outcome: OutcomeInvalidState, Message: "restart time must be in the future", Order: order}
			return nil
		}
		if !until.Before(order.EndSearchTime) {
			result = &MatchResult{Outcome: OutcomeInvalidState, Message: "restart time must precede the search deadline", Order: order}
			return nil
		}
		order.TimeToRestart = &until
		if err := e.orders.Save(ctx, order); err != nil {
			return err
		}
		if group != nil {
			if err := e.refreshGroup(ctx, group, nil); err != nil {
				return err
			}
		}
		result = &MatchResult{Outcome: OutcomeSuccess, Order: order}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeferGroupSearch pauses every unresolved slot of the group's current cycle.
func (e *MatchingEngine) DeferGroupSearch(ctx context.Context, groupID uint, until time.Time) (*GroupResult, error) {
	unlock, err := e.lockAll(ctx, GroupLockKey(groupID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := e.now()
	until = until.UTC()
	var result *GroupResult
	err = e.inTx(ctx, func(ctx context.Context) error {
		group, err := e.groups.FindByIDForUpdate(ctx, groupID)
		if errors.Is(err, repositories.ErrNotFound) {
			result = &GroupResult{Outcome: OutcomeNotFound, Message: ErrGroupNotFound.Error()}
			return nil
		}
		if err != nil {
			return err
		}
		if !until.After(now) {
			result = &GroupResult{Outcome: OutcomeInvalidState, Message: "restart time must be in the future", Group: group}
			return nil
		}
		orders, err := e.orders.FindByGroupCycle(ctx, group.ID, group.CycleNumber)
		if err != nil {
			return err
		}
		for i := range orders {
			if orders[i].Phase.IsActive() && !until.Before(orders[i].EndSearchTime) {
				result = &GroupResult{Outcome: OutcomeInvalidState, Message: "restart time must precede the search deadline of every open slot", Group: group}
				return nil
			}
		}
		deferred := 0
		for i := range orders {
			if !orders[i].Phase.IsActive() {
				continue
			}
			orders[i].TimeToRestart = &until
			if err := e.orders.Save(ctx, &orders[i]); err != nil {
				return err
			}
			deferred++
		}
		if deferred == 0 {
			result = &GroupResult{Outcome: OutcomeOrderClosed, Message: "no slot of the group is searching", Group: group}
			return nil
		}
		group.TimeToRestart = &until
		if err := e.refreshGroup(ctx, group, orders); err != nil {
			return err
		}
		result = &GroupResult{Outcome: OutcomeSuccess, Group: group}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- Reads ---

// GetOrder returns the order with its derived invitations.
func (e *MatchingEngine) GetOrder(ctx context.Context, orderID uint) (*OrderView, error) {
	order, err := e.orders.FindByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	now := e.now()
	snapshot, err := e.invitations.Snapshot(ctx, order, now)
	if err != nil {
		return nil, err
	}
	view := &OrderView{Order: order, Invitations: make([]models.Invitation, 0, len(snapshot))}
	for _, inv := range snapshot {
		view.Invitations = append(view.Invitations, *inv)
	}
	sort.Slice(view.Invitations, func(i, j int) bool {
		return view.Invitations[i].InterpreterID < view.Invitations[j].InterpreterID
	})
	if view.RemainingCandidates, err = e.invitations.RemainingCandidateCount(ctx, order, now); err != nil {
		return nil, err
	}
	return view, nil
}

// ListEscalations pages the orders waiting for an administrator.
func (e *MatchingEngine) ListEscalations(ctx context.Context, params queryparams.ListParams) (*queryparams.PaginatedResult, error) {
	if params.SortBy == "" {
		params.SortBy = "notify_admin"
		params.OrderBy = "asc"
	}
	params.Validate()
	orders, total, err := e.orders.FindEscalatedPaginated(ctx, params)
	if err != nil {
		return nil, err
	}
	return &queryparams.PaginatedResult{
		Data: orders,
		Meta: queryparams.PaginationMeta{
			CurrentPage: params.Page,
			PerPage:     params.PerPage,
			TotalItems:  total,
			TotalPages:  queryparams.CalculateTotalPages(total, params.PerPage),
		},
	}, nil
}

var _ IMatchingEngine = (*MatchingEngine)(nil)
