package repositories

import (
	"context"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// IOrderGroupRepository is the storage contract for order groups.
type IOrderGroupRepository interface {
	Create(ctx context.Context, group *models.AppointmentOrderGroup) error
	FindByID(ctx context.Context, id uint) (*models.AppointmentOrderGroup, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*models.AppointmentOrderGroup, error)
	Save(ctx context.Context, group *models.AppointmentOrderGroup) error
	FindRepeatDue(ctx context.Context, settled []models.SearchPhase, limit int) ([]uint, error)
}

// OrderGroupRepository implements IOrderGroupRepository.
type OrderGroupRepository struct {
	db *gorm.DB
}

// NewOrderGroupRepository returns an IOrderGroupRepository on db.
func NewOrderGroupRepository(db *gorm.DB) IOrderGroupRepository {
	return &OrderGroupRepository{db: db}
}

// NewOrderGroupRepositoryTx returns an IOrderGroupRepository bound to tx.
func NewOrderGroupRepositoryTx(tx *gorm.DB) IOrderGroupRepository {
	return &OrderGroupRepository{db: tx}
}

func (r *OrderGroupRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFor(ctx, r.db)
}

// Create inserts the group.
func (r *OrderGroupRepository) Create(ctx context.Context, group *models.AppointmentOrderGroup) error {
	return r.getDB(ctx).Omit(clause.Associations).Create(group).Error
}

// FindByID returns ErrNotFound when no group has id.
func (r *OrderGroupRepository) FindByID(ctx context.Context, id uint) (*models.AppointmentOrderGroup, error) {
	var group models.AppointmentOrderGroup
	if err := r.getDB(ctx).First(&group, id).Error; err != nil {
		err = translateNotFound(err)
		if err != ErrNotFound {
			configslog.Log.Error("OrderGroupRepository.FindByID: DB error", zap.Uint("group_id", id), zap.Error(err))
		}
		return nil, err
	}
	return &group, nil
}

// FindByIDForUpdate is FindByID holding a row lock until the transaction ends.
func (r *OrderGroupRepository) FindByIDForUpdate(ctx context.Context, id uint) (*models.AppointmentOrderGroup, error) {
	var group models.AppointmentOrderGroup
	err := r.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&group, id).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &group, nil
}

// Save writes the group without touching its associations.
func (r *OrderGroupRepository) Save(ctx context.Context, group *models.AppointmentOrderGroup) error {
	return r.getDB(ctx).Omit(clause.Associations).Save(group).Error
}

// FindRepeatDue lists groups whose current cycle settled in one of the given
// phases and that still owe repeat cycles.
func (r *OrderGroupRepository) FindRepeatDue(ctx context.Context, settled []models.SearchPhase, limit int) ([]uint, error) {
	var ids []uint
	err := r.getDB(ctx).Model(&models.AppointmentOrderGroup{}).
		Where("repeat_interval <> ? AND remaining_repeats > 0", models.RepeatNone).
		Where("phase IN ?", settled).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		configslog.Log.Error("OrderGroupRepository.FindRepeatDue: DB error", zap.Error(err))
		return nil, err
	}
	return ids, nil
}

var _ IOrderGroupRepository = (*OrderGroupRepository)(nil)
