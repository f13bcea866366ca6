package services

import (
	"context"
	"time"

	"tercuman.link/models"
)

// AppointmentLifecycle owns appointments. The engine only asks it to create,
// confirm, cancel or release them and to read schedules.
type AppointmentLifecycle interface {
	CreateAppointment(ctx context.Context, req NewAppointment) (*models.Appointment, error)
	ConfirmAppointment(ctx context.Context, orderID, interpreterID uint) error
	CancelAppointment(ctx context.Context, appointmentID uint, reason string) error
	// ReleaseAppointment drops the interpreter and puts the appointment back to searching.
	ReleaseAppointment(ctx context.Context, appointmentID uint) error
	GetSchedule(ctx context.Context, party Party, from, to time.Time, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error)
	GetGroupSchedule(ctx context.Context, groupID uint, statuses []models.AppointmentStatus, limit int) ([]models.BookedWindow, error)
}

// NewAppointment is what the lifecycle needs to book a slot.
type NewAppointment struct {
	ClientID          uint
	GroupID           *uint
	StartTime         time.Time
	EndTime           time.Time
	CommunicationType models.CommunicationType
}

// Party is one side of an appointment.
type Party struct {
	Role models.PartyRole
	ID   uint
}

// ClientParty is the client side of a schedule lookup.
func ClientParty(id uint) Party { return Party{Role: models.PartyClient, ID: id} }

// InterpreterParty is the interpreter side of a schedule lookup.
func InterpreterParty(id uint) Party { return Party{Role: models.PartyInterpreter, ID: id} }

// Notifier delivers engine events. Calls are fire and forget: the engine logs
// returned errors and never retries them.
type Notifier interface {
	InterpretersInvited(ctx context.Context, orderID uint, interpreterIDs []uint) error
	AdminSearchEscalated(ctx context.Context, ref EntityRef) error
	Cancellation(ctx context.Context, notice CancellationNotice) error
}

// CancellationNotice tells the affected parties an order will not go ahead.
type CancellationNotice struct {
	OrderID        uint   `json:"order_id"`
	AppointmentID  uint   `json:"appointment_id"`
	ClientID       uint   `json:"client_id"`
	InterpreterIDs []uint `json:"interpreter_ids"`
	Reason         string `json:"reason"`
}

// EntityRef names an order or an order group.
type EntityRef struct {
	Kind string `json:"kind"`
	ID   uint   `json:"id"`
}

// Kinds of EntityRef.
const (
	EntityOrder = "order"
	EntityGroup = "group"
)

// EligibilityOracle supplies interpreters that satisfy the hard criteria. Its
// ordering is not trusted; the candidate pool ranks the result itself.
type EligibilityOracle interface {
	EligibleInterpreters(ctx context.Context, criteria models.EligibilityCriteria) ([]models.CandidateProfile, error)
}

// NopNotifier drops every event.
type NopNotifier struct{}

// InterpretersInvited discards the notification.
func (NopNotifier) InterpretersInvited(context.Context, uint, []uint) error { return nil }

// AdminSearchEscalated discards the notification.
func (NopNotifier) AdminSearchEscalated(context.Context, EntityRef) error { return nil }

// Cancellation discards the notification.
func (NopNotifier) Cancellation(context.Context, CancellationNotice) error { return nil }
