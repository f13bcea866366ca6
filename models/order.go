package models

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ServiceRequirements is what the client asks of an interpreter. It is embedded in
// orders and groups with the req_ column prefix.
type ServiceRequirements struct {
	LanguageFrom        string            `gorm:"type:varchar(10);not null" json:"language_from" validate:"required,min=2,max=10"`
	LanguageTo          string            `gorm:"type:varchar(10);not null" json:"language_to" validate:"required,min=2,max=10,nefield=LanguageFrom"`
	InterpreterType     InterpreterType   `gorm:"type:varchar(20);not null" json:"interpreter_type" validate:"required,oneof=general medical legal business sign"`
	CommunicationType   CommunicationType `gorm:"type:varchar(20);not null" json:"communication_type" validate:"required,oneof=audio video on_site"`
	InterpretingSubType string            `gorm:"type:varchar(30)" json:"interpreting_sub_type,omitempty" validate:"omitempty,oneof=consecutive simultaneous whispered sight"`
	GenderPreference    string            `gorm:"type:varchar(10)" json:"gender_preference,omitempty" validate:"omitempty,oneof=female male"`
	CompanyID           *uint             `gorm:"index" json:"company_id,omitempty"`
	CompanyOnly         bool              `json:"company_only,omitempty"`
}

// AppointmentOrder is one request for one interpreter for one appointment slot.
type AppointmentOrder struct {
	BaseModel
	SequenceID    string `gorm:"type:varchar(20);index" json:"sequence_id"`
	AppointmentID uint   `gorm:"index;not null" json:"appointment_id"`
	ClientID      uint   `gorm:"index;not null" json:"client_id"`
	GroupID       *uint  `gorm:"index" json:"group_id,omitempty"`
	CycleNumber   int    `gorm:"not null;default:0" json:"cycle_number"`

	StartTime    time.Time           `gorm:"not null" json:"start_time"`
	EndTime      time.Time           `gorm:"not null" json:"end_time"`
	IsOnDemand   bool                `json:"is_on_demand"`
	Requirements ServiceRequirements `gorm:"embedded;embeddedPrefix:req_" json:"requirements"`

	Phase          SearchPhase `gorm:"type:varchar(20);not null;index" json:"phase"`
	PhaseStartedAt time.Time   `json:"phase_started_at"`
	PhaseDeadline  *time.Time  `json:"phase_deadline,omitempty"`
	EndSearchTime  time.Time   `gorm:"index;not null" json:"end_search_time"`
	NotifyAdmin    *time.Time  `json:"notify_admin,omitempty"`
	TimeToRestart  *time.Time  `gorm:"index" json:"time_to_restart,omitempty"`

	MatchedInterpreterID *uint      `gorm:"index" json:"matched_interpreter_id,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
	ExpiredAt            *time.Time `json:"expired_at,omitempty"`
	CancelledAt          *time.Time `json:"cancelled_at,omitempty"`
	CancelReason         string     `gorm:"type:varchar(255)" json:"cancel_reason,omitempty"`

	// Detached marks a same-interpreter slot that re-opened and searches on its own.
	Detached     bool       `gorm:"not null;default:false" json:"detached"`
	LastTickedAt *time.Time `gorm:"index" json:"-"`
}

// AfterCreate assigns the platform-visible sequence id once the row id exists.
func (o *AppointmentOrder) AfterCreate(tx *gorm.DB) error {
	if o.SequenceID != "" {
		return nil
	}
	o.SequenceID = fmt.Sprintf("AO-%06d", o.ID)
	return tx.Model(o).UpdateColumn("sequence_id", o.SequenceID).Error
}

// SearchNeeded is false once the order is settled or while its search is deferred.
func (o *AppointmentOrder) SearchNeeded(now time.Time) bool {
	if !o.Phase.IsActive() {
		return false
	}
	return o.TimeToRestart == nil || !o.TimeToRestart.After(now)
}

// IsGrouped reports whether the order belongs to an order group.
func (o *AppointmentOrder) IsGrouped() bool {
	return o.GroupID != nil && *o.GroupID != 0
}

// Duration of the slot.
func (o *AppointmentOrder) Duration() time.Duration {
	return o.EndTime.Sub(o.StartTime)
}
