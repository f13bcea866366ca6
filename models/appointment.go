package models

import "time"

// AppointmentStatus is owned by the appointment lifecycle, the engine only moves
// an appointment between searching, confirmed and cancelled.
type AppointmentStatus string

const (
	AppointmentSearching AppointmentStatus = "searching"
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentCompleted AppointmentStatus = "completed"
)

// Appointment is the booking an order fulfils. Billing, meeting rooms and admin
// flags live in their own subsystems and are not modelled here.
type Appointment struct {
	BaseModel
	ClientID          uint              `gorm:"index;not null" json:"client_id"`
	InterpreterID     *uint             `gorm:"index" json:"interpreter_id,omitempty"`
	GroupID           *uint             `gorm:"index" json:"group_id,omitempty"`
	StartTime         time.Time         `gorm:"index;not null" json:"start_time"`
	EndTime           time.Time         `gorm:"index;not null" json:"end_time"`
	Status            AppointmentStatus `gorm:"type:varchar(20);not null;default:'searching';index" json:"status"`
	CommunicationType CommunicationType `gorm:"type:varchar(20)" json:"communication_type"`
	CancelReason      string            `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`
}

// BookedWindow is one occupied slot of a party's schedule, joined with the order
// and group that own it when there is one.
type BookedWindow struct {
	AppointmentID   uint              `json:"appointment_id"`
	OrderID         *uint             `json:"order_id,omitempty"`
	GroupID         *uint             `json:"group_id,omitempty"`
	SameInterpreter bool              `json:"same_interpreter"`
	StartTime       time.Time         `json:"start_time"`
	EndTime         time.Time         `json:"end_time"`
	Status          AppointmentStatus `json:"status"`
}
