package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// partyColumns maps a party role onto the appointments column that identifies it.
var partyColumns = map[models.PartyRole]string{
	models.PartyClient:      "appointments.client_id",
	models.PartyInterpreter: "appointments.interpreter_id",
}

// IAppointmentRepository stores the appointments orders fulfil.
type IAppointmentRepository interface {
	Create(ctx context.Context, appointment *models.Appointment) error
	FindByID(ctx context.Context, id uint) (*models.Appointment, error)
	FindByIDForUpdate(ctx context.Context, id uint) (*models.Appointment, error)
	Update(ctx context.Context, appointment *models.Appointment) error
	FindWindows(ctx context.Context, role models.PartyRole, partyID uint, from, to time.Time, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error)
	FindGroupWindows(ctx context.Context, groupID uint, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error)
}

// AppointmentRepository implements IAppointmentRepository.
type AppointmentRepository struct {
	db   *gorm.DB
	base *BaseRepository[models.Appointment]
}

// NewAppointmentRepository returns an IAppointmentRepository on db.
func NewAppointmentRepository(db *gorm.DB) IAppointmentRepository {
	return &AppointmentRepository{db: db, base: NewBaseRepository[models.Appointment](db)}
}

// NewAppointmentRepositoryTx returns an IAppointmentRepository bound to tx.
func NewAppointmentRepositoryTx(tx *gorm.DB) IAppointmentRepository {
	return NewAppointmentRepository(tx)
}

func (r *AppointmentRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFor(ctx, r.db)
}

// Create inserts the appointment.
func (r *AppointmentRepository) Create(ctx context.Context, appointment *models.Appointment) error {
	if appointment == nil || appointment.ClientID == 0 {
		return errors.New("appointment without client cannot be created")
	}
	return r.base.Create(ctx, appointment)
}

// FindByID returns ErrNotFound when no appointment has id.
func (r *AppointmentRepository) FindByID(ctx context.Context, id uint) (*models.Appointment, error) {
	appointment, err := r.base.FindByID(ctx, id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		configslog.Log.Error("AppointmentRepository.FindByID: DB error", zap.Uint("appointment_id", id), zap.Error(err))
	}
	return appointment, err
}

// FindByIDForUpdate is FindByID holding a row lock until the transaction ends.
func (r *AppointmentRepository) FindByIDForUpdate(ctx context.Context, id uint) (*models.Appointment, error) {
	var appointment models.Appointment
	err := r.getDB(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&appointment, id).Error
	if err != nil {
		return nil, translateNotFound(err)
	}
	return &appointment, nil
}

// Update saves every column of the appointment.
func (r *AppointmentRepository) Update(ctx context.Context, appointment *models.Appointment) error {
	return r.getDB(ctx).Save(appointment).Error
}

// windowQuery joins the owning order and group so callers can tell which order a
// booked window belongs to and whether its group is bound to one interpreter.
func (r *AppointmentRepository) windowQuery(ctx context.Context) *gorm.DB {
	return r.getDB(ctx).Table("appointments").
		Select(`appointments.id AS appointment_id,
			appointment_orders.id AS order_id,
			appointments.group_id AS group_id,
			COALESCE(appointment_order_groups.same_interpreter, false) AS same_interpreter,
			appointments.start_time AS start_time,
			appointments.end_time AS end_time,
			appointments.status AS status`).
		Joins("LEFT JOIN appointment_orders ON appointment_orders.appointment_id = appointments.id AND appointment_orders.deleted_at IS NULL").
		Joins("LEFT JOIN appointment_order_groups ON appointment_order_groups.id = appointments.group_id AND appointment_order_groups.deleted_at IS NULL").
		Where("appointments.deleted_at IS NULL")
}

// FindWindows returns a party's booked windows touching [from, to]. Intervals are
// closed, so a window ending exactly at from is included. At most limit rows.
func (r *AppointmentRepository) FindWindows(ctx context.Context, role models.PartyRole, partyID uint, from, to time.Time, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error) {
	column, ok := partyColumns[role]
	if !ok {
		return nil, fmt.Errorf("unknown party role %q", role)
	}
	var windows []models.BookedWindow
	err := r.windowQuery(ctx).
		Where(column+" = ?", partyID).
		Where("appointments.status IN ?", statuses).
		Where("appointments.start_time <= ? AND appointments.end_time >= ?", to, from).
		Order("appointments.start_time ASC").Order("appointments.id ASC").
		Limit(limit).
		Scan(&windows).Error
	if err != nil {
		configslog.Log.Error("AppointmentRepository.FindWindows: DB error",
			zap.String("role", string(role)), zap.Uint("party_id", partyID), zap.Error(err))
		return nil, err
	}
	return windows, nil
}

// FindGroupWindows returns the windows of every appointment linked to the group.
func (r *AppointmentRepository) FindGroupWindows(ctx context.Context, groupID uint, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error) {
	var windows []models.BookedWindow
	err := r.windowQuery(ctx).
		Where("appointments.group_id = ?", groupID).
		Where("appointments.status IN ?", statuses).
		Order("appointments.start_time ASC").Order("appointments.id ASC").
		Limit(limit).
		Scan(&windows).Error
	if err != nil {
		configslog.Log.Error("AppointmentRepository.FindGroupWindows: DB error", zap.Uint("group_id", groupID), zap.Error(err))
		return nil, err
	}
	return windows, nil
}

var _ IAppointmentRepository = (*AppointmentRepository)(nil)
