package repositories

import (
	"context"
	"errors"

	"tercuman.link/pkg/queryparams"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned instead of gorm.ErrRecordNotFound.
var ErrNotFound = errors.New("record not found")

type txContextKey struct{}

// ContextWithTx makes every repository called with the returned context run on tx.
func ContextWithTx(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TxFromContext returns the transaction stored by ContextWithTx, if any.
func TxFromContext(ctx context.Context) (*gorm.DB, bool) {
	tx, ok := ctx.Value(txContextKey{}).(*gorm.DB)
	return tx, ok && tx != nil
}

// dbFor picks the transaction from ctx or falls back to db bound to ctx.
func dbFor(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := TxFromContext(ctx); ok {
		return tx
	}
	return db.WithContext(ctx)
}

func translateNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// IBaseRepository covers the plain reads every model repository needs.
type IBaseRepository[T any] interface {
	FindByID(ctx context.Context, id uint) (*T, error)
	Create(ctx context.Context, entity *T) error
	Paginate(ctx context.Context, query *gorm.DB, params queryparams.ListParams) ([]T, int64, error)
	SetAllowedSortColumns(columns []string)
}

// BaseRepository implements IBaseRepository on top of gorm.
type BaseRepository[T any] struct {
	db                 *gorm.DB
	allowedSortColumns map[string]bool
}

// NewBaseRepository binds a generic repository to db.
func NewBaseRepository[T any](db *gorm.DB) *BaseRepository[T] {
	return &BaseRepository[T]{db: db, allowedSortColumns: map[string]bool{"id": true, "created_at": true}}
}

// SetAllowedSortColumns replaces the sort whitelist used by Paginate.
func (r *BaseRepository[T]) SetAllowedSortColumns(columns []string) {
	r.allowedSortColumns = make(map[string]bool, len(columns))
	for _, c := range columns {
		r.allowedSortColumns[c] = true
	}
}

// FindByID returns ErrNotFound when no row has id.
func (r *BaseRepository[T]) FindByID(ctx context.Context, id uint) (*T, error) {
	var entity T
	if err := dbFor(ctx, r.db).First(&entity, id).Error; err != nil {
		return nil, translateNotFound(err)
	}
	return &entity, nil
}

// Create inserts entity.
func (r *BaseRepository[T]) Create(ctx context.Context, entity *T) error {
	return dbFor(ctx, r.db).Create(entity).Error
}

// Paginate counts and pages query. A nil query pages the whole table.
// Sort columns outside the whitelist fall back to id.
func (r *BaseRepository[T]) Paginate(ctx context.Context, query *gorm.DB, params queryparams.ListParams) ([]T, int64, error) {
	params.Validate()
	if query == nil {
		query = dbFor(ctx, r.db).Model(new(T))
	}

	var total int64
	if err := query.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	sortBy := params.SortBy
	if !r.allowedSortColumns[sortBy] {
		sortBy = "id"
	}
	var items []T
	err := query.Session(&gorm.Session{}).
		Order(clause.OrderByColumn{Column: clause.Column{Name: sortBy}, Desc: params.OrderBy == "desc"}).
		Offset(params.CalculateOffset()).
		Limit(params.PerPage).
		Find(&items).Error
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}
