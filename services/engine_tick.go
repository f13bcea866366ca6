package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/repositories"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTickBatch   = 200
	defaultTickWorkers = 4
)

// Tick results, also used as metric labels.
const (
	TickProcessed = "processed"
	TickSkipped   = "skipped"
	TickFailed    = "failed"
)

// TickReport summarizes one pass of the periodic tick.
type TickReport struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

func (r *TickReport) add(result string) {
	switch result {
	case TickProcessed:
		r.Processed++
	case TickSkipped:
		r.Skipped++
	default:
		r.Failed++
	}
}

// tickTarget is one serialization unit: a standalone order or an order group.
type tickTarget struct {
	key     string
	orderID uint
	groupID uint
}

// Tick expires, advances and repeats every due entity. Entities are processed
// concurrently but each under its own lock; one held elsewhere is skipped and
// picked up by the next tick. A failing entity never stops the others.
func (e *MatchingEngine) Tick(ctx context.Context) (*TickReport, error) {
	started := time.Now()
	defer e.metrics.tickDone(started)

	now := e.now()
	batch := e.cfg.TickBatch
	if batch <= 0 {
		batch = defaultTickBatch
	}
	workers := e.cfg.TickWorkers
	if workers <= 0 {
		workers = defaultTickWorkers
	}

	due, err := e.orders.FindDue(ctx, now, batch)
	if err != nil {
		return nil, err
	}
	repeatDue, err := e.groups.FindRepeatDue(ctx, e.repeats.SettledPhases(), batch)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(due)+len(repeatDue))
	targets := make([]tickTarget, 0, len(due)+len(repeatDue))
	addTarget := func(t tickTarget) {
		if !seen[t.key] {
			seen[t.key] = true
			targets = append(targets, t)
		}
	}
	ticked := make([]uint, 0, len(due))
	for i := range due {
		o := &due[i]
		ticked = append(ticked, o.ID)
		if o.IsGrouped() {
			addTarget(tickTarget{key: GroupLockKey(*o.GroupID), groupID: *o.GroupID})
		} else {
			addTarget(tickTarget{key: OrderLockKey(o), orderID: o.ID})
		}
	}
	for _, id := range repeatDue {
		addTarget(tickTarget{key: GroupLockKey(id), groupID: id})
	}

	report := &TickReport{}
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(workers)
	for _, t := range targets {
		g.Go(func() error {
			result := e.tickTarget(ctx, t, now)
			e.metrics.tickEntity(result)
			mu.Lock()
			report.add(result)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := e.orders.MarkTicked(ctx, ticked, now); err != nil {
		configslog.Log.Warn("tick: marking orders failed", zap.Error(err))
	}
	if len(targets) > 0 {
		configslog.Log.Debug("tick finished",
			zap.Int("processed", report.Processed), zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed), zap.Duration("took", time.Since(started)))
	}
	return report, nil
}

func (e *MatchingEngine) tickTarget(ctx context.Context, t tickTarget, now time.Time) string {
	unlock, ok, err := e.locker.TryLock(ctx, t.key)
	if err != nil {
		configslog.Log.Error("tick: lock failed", zap.String("key", t.key), zap.Error(err))
		return TickFailed
	}
	if !ok {
		return TickSkipped
	}

	fx := &effects{}
	err = e.inTx(ctx, func(ctx context.Context) error {
		if t.groupID != 0 {
			return e.tickGroup(ctx, t.groupID, now, fx)
		}
		return e.tickOrder(ctx, t.orderID, now, fx)
	})
	unlock()
	if err != nil {
		configslog.Log.Error("tick: entity failed", zap.String("key", t.key), zap.Error(err))
		return TickFailed
	}
	e.flush(ctx, fx)
	return TickProcessed
}

func (e *MatchingEngine) tickOrder(ctx context.Context, orderID uint, now time.Time, fx *effects) error {
	order, err := e.orders.FindByIDForUpdate(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return e.progress(ctx, order, nil, now, fx)
}

// progress runs one tick step for an order: expiry first, even while deferred,
// then a deferred restart or the regular wave advance.
func (e *MatchingEngine) progress(ctx context.Context, order *models.AppointmentOrder, group *models.AppointmentOrderGroup, now time.Time, fx *effects) error {
	if !order.Phase.IsActive() {
		return nil
	}
	notices, err := e.expiry.ExpireDue(ctx, order, group, now)
	if err != nil {
		return err
	}
	if len(notices) > 0 {
		fx.notices = append(fx.notices, notices...)
		e.metrics.expired(len(notices))
		return nil
	}
	if !order.SearchNeeded(now) {
		return nil
	}

	var step *PhaseStep
	if order.TimeToRestart != nil {
		step, err = e.phases.StartFirstSearch(ctx, order, now)
		if err == nil {
			configslog.Log.Info("deferred search resumed", zap.Uint("order_id", order.ID))
		}
	} else {
		step, err = e.phases.Advance(ctx, order, now)
	}
	if err != nil {
		return err
	}
	if err := e.orders.Save(ctx, order); err != nil {
		return err
	}
	e.recordStep(order, step, fx)
	return nil
}

// expireGroup expires the due orders of the cycle one by one, reloading after
// each since a cascade may have settled siblings too.
func (e *MatchingEngine) expireGroup(ctx context.Context, group *models.AppointmentOrderGroup, now time.Time, fx *effects) ([]models.AppointmentOrder, error) {
	for {
		orders, err := e.orders.FindByGroupCycle(ctx, group.ID, group.CycleNumber)
		if err != nil {
			return nil, err
		}
		var due *models.AppointmentOrder
		for i := range orders {
			if orders[i].Phase.IsActive() && !orders[i].EndSearchTime.After(now) {
				due = &orders[i]
				break
			}
		}
		if due == nil {
			return orders, nil
		}
		notices, err := e.expiry.ExpireDue(ctx, due, group, now)
		if err != nil {
			return nil, err
		}
		fx.notices = append(fx.notices, notices...)
		e.metrics.expired(len(notices))
	}
}

func (e *MatchingEngine) tickGroup(ctx context.Context, groupID uint, now time.Time, fx *effects) error {
	group, err := e.groups.FindByIDForUpdate(ctx, groupID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	orders, err := e.expireGroup(ctx, group, now, fx)
	if err != nil {
		return err
	}

	// A same-interpreter cycle searches through its earliest open slot only;
	// detached slots search on their own.
	var lead *models.AppointmentOrder
	for i := range orders {
		o := &orders[i]
		if !o.Phase.IsActive() {
			continue
		}
		if group.SameInterpreter && !o.Detached {
			if lead == nil {
				lead = o
				if err := e.progress(ctx, o, group, now, fx); err != nil {
					return err
				}
			} else if o.Phase != models.PhaseNotStarted {
				if err := e.progress(ctx, o, group, now, fx); err != nil {
					return err
				}
			}
			continue
		}
		if err := e.progress(ctx, o, group, now, fx); err != nil {
			return err
		}
	}

	if err := e.escalateGroup(ctx, group, fx); err != nil {
		return err
	}
	if !group.CanRepeat() {
		return nil
	}

	next, err := e.repeats.ReArm(ctx, group, now)
	if err != nil {
		return err
	}
	if len(next) == 0 {
		return e.groups.Save(ctx, group)
	}
	e.metrics.repeatArmed()
	e.metrics.orderCreated(len(next))
	if err := e.startCycle(ctx, group, next, now, fx); err != nil {
		return err
	}
	return e.refreshGroup(ctx, group, next)
}
