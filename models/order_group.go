package models

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// locations caches parsed group timezones.
var locations, _ = lru.New[string, *time.Location](128)

// AppointmentOrderGroup is a recurring or multi-slot booking series. Its orders
// cascade from it. Phase, NotifyAdmin and EndSearchTime are aggregates of the
// current cycle's orders and are refreshed after every order change.
type AppointmentOrderGroup struct {
	BaseModel
	ClientID         uint                `gorm:"index;not null" json:"client_id"`
	SameInterpreter  bool                `gorm:"not null;default:false" json:"same_interpreter"`
	RepeatInterval   RepeatInterval      `gorm:"type:varchar(20);not null;default:'none'" json:"repeat_interval"`
	RemainingRepeats int                 `gorm:"not null;default:0" json:"remaining_repeats"`
	NextRepeatTime   *time.Time          `json:"next_repeat_time,omitempty"`
	NotifyAdmin      *time.Time          `json:"notify_admin,omitempty"`
	EndSearchTime    *time.Time          `gorm:"index" json:"end_search_time,omitempty"`
	TimeToRestart    *time.Time          `json:"time_to_restart,omitempty"`
	Timezone         string              `gorm:"type:varchar(50);not null;default:'UTC'" json:"timezone"`
	CycleNumber      int                 `gorm:"not null;default:0" json:"cycle_number"`
	Phase            SearchPhase         `gorm:"type:varchar(20);not null;index" json:"phase"`
	IsOnDemand       bool                `json:"is_on_demand"`
	Requirements     ServiceRequirements `gorm:"embedded;embeddedPrefix:req_" json:"requirements"`

	Orders []AppointmentOrder `gorm:"foreignKey:GroupID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE;" json:"orders,omitempty"`
}

// CanRepeat reports whether another cycle may still be armed.
func (g *AppointmentOrderGroup) CanRepeat() bool {
	return g.RepeatInterval.IsRepeating() && g.RemainingRepeats > 0
}

// Location resolves the group timezone, falling back to UTC.
func (g *AppointmentOrderGroup) Location() *time.Location {
	if g.Timezone == "" {
		return time.UTC
	}
	if loc, ok := locations.Get(g.Timezone); ok {
		return loc
	}
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.UTC
	}
	locations.Add(g.Timezone, loc)
	return loc
}
