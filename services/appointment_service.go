package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tercuman.link/configs/configslog"
	"tercuman.link/models"
	"tercuman.link/repositories"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AppointmentServiceError is returned by the gorm-backed appointment lifecycle.
type AppointmentServiceError string

// Error implements error.
func (e AppointmentServiceError) Error() string { return string(e) }

// Errors returned by AppointmentService.
const (
	ErrAppointmentNotFound       AppointmentServiceError = "appointment not found"
	ErrAppointmentCreationFailed AppointmentServiceError = "appointment could not be created"
	ErrAppointmentUpdateFailed   AppointmentServiceError = "appointment could not be updated"
	ErrAppointmentNotOpen        AppointmentServiceError = "appointment is cancelled or completed"
	ErrAppInvalidInput           AppointmentServiceError = "invalid appointment input"
)

// AppointmentService is the default AppointmentLifecycle. It keeps appointments
// in the same database as the engine so its writes join the engine transaction.
type AppointmentService struct {
	repo   repositories.IAppointmentRepository
	orders repositories.IOrderRepository
}

// NewAppointmentService returns an AppointmentService backed by db.
func NewAppointmentService(db *gorm.DB) *AppointmentService {
	return &AppointmentService{
		repo:   repositories.NewAppointmentRepository(db),
		orders: repositories.NewOrderRepository(db),
	}
}

// CreateAppointment stores a searching appointment for a new order slot.
func (s *AppointmentService) CreateAppointment(ctx context.Context, req NewAppointment) (*models.Appointment, error) {
	if req.ClientID == 0 {
		return nil, fmt.Errorf("%w: client id is required", ErrAppInvalidInput)
	}
	if !req.EndTime.After(req.StartTime) {
		return nil, fmt.Errorf("%w: end time must be after start time", ErrAppInvalidInput)
	}
	appointment := &models.Appointment{
		ClientID:          req.ClientID,
		GroupID:           req.GroupID,
		StartTime:         req.StartTime.UTC(),
		EndTime:           req.EndTime.UTC(),
		Status:            models.AppointmentSearching,
		CommunicationType: req.CommunicationType,
	}
	if err := s.repo.Create(ctx, appointment); err != nil {
		configslog.Log.Error("AppointmentService.CreateAppointment: DB error", zap.Uint("client_id", req.ClientID), zap.Error(err))
		return nil, ErrAppointmentCreationFailed
	}
	return appointment, nil
}

// lockOpen loads the appointment under a row lock and refuses closed ones.
func (s *AppointmentService) lockOpen(ctx context.Context, appointmentID uint) (*models.Appointment, error) {
	appointment, err := s.repo.FindByIDForUpdate(ctx, appointmentID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrAppointmentNotFound
	}
	if err != nil {
		return nil, err
	}
	if appointment.Status == models.AppointmentCancelled || appointment.Status == models.AppointmentCompleted {
		return appointment, ErrAppointmentNotOpen
	}
	return appointment, nil
}

func (s *AppointmentService) update(ctx context.Context, appointment *models.Appointment) error {
	if err := s.repo.Update(ctx, appointment); err != nil {
		configslog.Log.Error("AppointmentService: update failed", zap.Uint("appointment_id", appointment.ID), zap.Error(err))
		return ErrAppointmentUpdateFailed
	}
	return nil
}

// ConfirmAppointment books the interpreter on the appointment of the order.
func (s *AppointmentService) ConfirmAppointment(ctx context.Context, orderID, interpreterID uint) error {
	order, err := s.orders.FindByID(ctx, orderID)
	if errors.Is(err, repositories.ErrNotFound) {
		return fmt.Errorf("%w: order %d", ErrAppointmentNotFound, orderID)
	}
	if err != nil {
		return err
	}
	appointment, err := s.lockOpen(ctx, order.AppointmentID)
	if err != nil {
		return err
	}
	id := interpreterID
	appointment.InterpreterID = &id
	appointment.Status = models.AppointmentConfirmed
	return s.update(ctx, appointment)
}

// CancelAppointment is a no-op on an appointment that is already cancelled.
func (s *AppointmentService) CancelAppointment(ctx context.Context, appointmentID uint, reason string) error {
	appointment, err := s.lockOpen(ctx, appointmentID)
	if errors.Is(err, ErrAppointmentNotOpen) && appointment.Status == models.AppointmentCancelled {
		return nil
	}
	if err != nil {
		return err
	}
	appointment.Status = models.AppointmentCancelled
	appointment.CancelReason = reason
	return s.update(ctx, appointment)
}

// ReleaseAppointment drops the interpreter and puts the appointment back to searching.
func (s *AppointmentService) ReleaseAppointment(ctx context.Context, appointmentID uint) error {
	appointment, err := s.lockOpen(ctx, appointmentID)
	if err != nil {
		return err
	}
	appointment.InterpreterID = nil
	appointment.Status = models.AppointmentSearching
	return s.update(ctx, appointment)
}

// GetSchedule lists the party's appointments in the given statuses touching [from, to].
func (s *AppointmentService) GetSchedule(ctx context.Context, party Party, from, to time.Time, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error) {
	return s.repo.FindWindows(ctx, party.Role, party.ID, from.UTC(), to.UTC(), statuses, limit)
}

// GetGroupSchedule lists the appointments of one order group.
func (s *AppointmentService) GetGroupSchedule(ctx context.Context, groupID uint, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error) {
	return s.repo.FindGroupWindows(ctx, groupID, statuses, limit)
}

var _ AppointmentLifecycle = (*AppointmentService)(nil)
