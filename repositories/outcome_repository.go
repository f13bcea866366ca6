package repositories

import (
	"context"
	"errors"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// IOutcomeRepository is append-only: there is no update or delete.
type IOutcomeRepository interface {
	Append(ctx context.Context, rows ...models.InterpreterOutcome) error
	FindByOrder(ctx context.Context, orderID uint) ([]models.InterpreterOutcome, error)
	// FindByGroup returns rows of every cycle when cycle is nil.
	FindByGroup(ctx context.Context, groupID uint, cycle *int) ([]models.InterpreterOutcome, error)
}

// OutcomeRepository implements IOutcomeRepository.
type OutcomeRepository struct {
	db *gorm.DB
}

// NewOutcomeRepository returns an IOutcomeRepository on db.
func NewOutcomeRepository(db *gorm.DB) IOutcomeRepository {
	return &OutcomeRepository{db: db}
}

// NewOutcomeRepositoryTx returns an IOutcomeRepository bound to tx.
func NewOutcomeRepositoryTx(tx *gorm.DB) IOutcomeRepository {
	return &OutcomeRepository{db: tx}
}

func (r *OutcomeRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFor(ctx, r.db)
}

// Append inserts outcome rows. Existing rows are never changed.
func (r *OutcomeRepository) Append(ctx context.Context, rows ...models.InterpreterOutcome) error {
	if len(rows) == 0 {
		return nil
	}
	for _, row := range rows {
		if row.OrderID == 0 || row.InterpreterID == 0 || row.Outcome == "" {
			return errors.New("outcome row needs order, interpreter and outcome")
		}
	}
	if err := r.getDB(ctx).Create(&rows).Error; err != nil {
		configslog.Log.Error("OutcomeRepository.Append: DB error",
			zap.Uint("order_id", rows[0].OrderID), zap.Int("rows", len(rows)), zap.Error(err))
		return err
	}
	return nil
}

// FindByOrder returns the order's outcome rows oldest first.
func (r *OutcomeRepository) FindByOrder(ctx context.Context, orderID uint) ([]models.InterpreterOutcome, error) {
	var rows []models.InterpreterOutcome
	err := r.getDB(ctx).Where("order_id = ?", orderID).Order("id ASC").Find(&rows).Error
	if err != nil {
		configslog.Log.Error("OutcomeRepository.FindByOrder: DB error", zap.Uint("order_id", orderID), zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// FindByGroup returns the group's outcome rows, limited to one cycle when cycle is set.
func (r *OutcomeRepository) FindByGroup(ctx context.Context, groupID uint, cycle *int) ([]models.InterpreterOutcome, error) {
	var rows []models.InterpreterOutcome
	query := r.getDB(ctx).Where("group_id = ?", groupID)
	if cycle != nil {
		query = query.Where("cycle_number = ?", *cycle)
	}
	if err := query.Order("id ASC").Find(&rows).Error; err != nil {
		configslog.Log.Error("OutcomeRepository.FindByGroup: DB error", zap.Uint("group_id", groupID), zap.Error(err))
		return nil, err
	}
	return rows, nil
}

var _ IOutcomeRepository = (*OutcomeRepository)(nil)
