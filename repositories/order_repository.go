package repositories

import (
	"context"
	"errors"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/pkg/queryparams"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IOrderRepository is the storage contract for appointment orders.
type IOrderRepository interface {
	Create(ctx context.Context, order *models.AppointmentOrder) error
	FindByID(ctx context.Context, id uint) (*models.AppointmentOrder, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*models.AppointmentOrder, error)
	FindByGroupCycle(ctx context.Context, groupID uint, cycle int) ([]models.AppointmentOrder, error)
	Save(ctx context.Context, order *models.AppointmentOrder) error
	FindDue(ctx context.Context, now time.Time, limit int) ([]models.AppointmentOrder, error)
	MarkTicked(ctx context.Context, ids []uint, now time.Time) error
	FindEscalatedPaginated(ctx context.Context, params queryparams.ListParams) ([]models.AppointmentOrder, int64, error)
}

// OrderRepository implements IOrderRepository.
type OrderRepository struct {
	db   *gorm.DB
	base *BaseRepository[models.AppointmentOrder]
}

// NewOrderRepository binds the repository to db.
func NewOrderRepository(db *gorm.DB) IOrderRepository {
	base := NewBaseRepository[models.AppointmentOrder](db)
	base.SetAllowedSortColumns([]string{"id", "created_at", "start_time", "notify_admin", "end_search_time"})
	return &OrderRepository{db: db, base: base}
}

// NewOrderRepositoryTx runs every call on tx regardless of the context.
func NewOrderRepositoryTx(tx *gorm.DB) IOrderRepository {
	return NewOrderRepository(tx)
}

func (r *OrderRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFor(ctx, r.db)
}

// Create inserts the order and assigns its sequence id.
func (r *OrderRepository) Create(ctx context.Context, order *models.AppointmentOrder) error {
	if order == nil || order.AppointmentID == 0 {
		return errors.New("order without appointment cannot be created")
	}
	return r.getDB(ctx).Omit(clause.Associations).Create(order).Error
}

// FindByID returns ErrNotFound when no order has id.
func (r *OrderRepository) FindByID(ctx context.Context, id uint) (*models.AppointmentOrder, error) {
	order, err := r.base.FindByID(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		configslog.Log.Error("OrderRepository.FindByID: DB error", zap.Uint("order_id", id), zap.Error(err))
	}
	return order, err
}

// FindByIDForUpdate row-locks the order for the rest of the surrounding transaction.
func (r *OrderRepository) FindByIDForUpdate(ctx context.Context, id uint) (*models.AppointmentOrder, error) {
	var order models.AppointmentOrder
	err := r.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&order, id).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &order, nil
}

// FindByGroupCycle returns a group's orders of one cycle ordered by slot start.
func (r *OrderRepository) FindByGroupCycle(ctx context.Context, groupID uint, cycle int) ([]models.AppointmentOrder, error) {
	var orders []models.AppointmentOrder
	err := r.getDB(ctx).
		Where("group_id = ? AND cycle_number = ?", groupID, cycle).
		Order("start_time ASC").Order("id ASC").
		Find(&orders).Error
	if err != nil {
		configslog.Log.Error("OrderRepository.FindByGroupCycle: DB error",
			zap.Uint("group_id", groupID), zap.Int("cycle", cycle), zap.Error(err))
		return nil, err
	}
	return orders, nil
}

// Save writes the order without touching its associations.
func (r *OrderRepository) Save(ctx context.Context, order *models.AppointmentOrder) error {
	return r.getDB(ctx).Omit(clause.Associations).Save(order).Error
}

// FindDue returns orders the tick still has work for, least recently ticked first.
// A deferred order is due once its restart time or its search deadline passes.
// Only id and group_id are loaded.
func (r *OrderRepository) FindDue(ctx context.Context, now time.Time, limit int) ([]models.AppointmentOrder, error) {
	var orders []models.AppointmentOrder
	err := r.getDB(ctx).
		Select("id", "group_id").
		Where("phase IN ?", models.ActivePhases).
		Where("time_to_restart IS NULL OR time_to_restart <= ? OR end_search_time <= ?", now, now).
		Order("last_ticked_at IS NOT NULL").Order("last_ticked_at ASC").Order("id ASC").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		configslog.Log.Error("OrderRepository.FindDue: DB error", zap.Error(err))
		return nil, err
	}
	return orders, nil
}

// MarkTicked stamps last_ticked_at on the given orders.
func (r *OrderRepository) MarkTicked(ctx context.Context, ids []uint, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return r.getDB(ctx).Model(&models.AppointmentOrder{}).
		Where("id IN ?", ids).
		UpdateColumn("last_ticked_at", now).Error
}

// FindEscalatedPaginated pages the administrator queue of orders awaiting manual assignment.
func (r *OrderRepository) FindEscalatedPaginated(ctx context.Context, params queryparams.ListParams) ([]models.AppointmentOrder, int64, error) {
	query := r.getDB(ctx).Model(&models.AppointmentOrder{}).Where("phase = ?", models.PhaseAwaitingAdmin)
	orders, total, err := r.base.Paginate(ctx, query, params)
	if err != nil {
		configslog.Log.Error("OrderRepository.FindEscalatedPaginated: DB error", zap.Error(err))
		return nil, 0, err
	}
	return orders, total, nil
}

var _ IOrderRepository = (*OrderRepository)(nil)
