// Package notify delivers matching engine events to people and other systems.
package notify

import (
	"time"

	"tercuman.link/services"

	"github.com/google/uuid"
)

// Event types.
const (
	EventInterpretersInvited  = "interpreters_invited"
	EventAdminSearchEscalated = "admin_search_escalated"
	EventCancellation         = "cancellation"
)

// Event is the payload published for every engine notification.
type Event struct {
	ID             string                       `json:"id"`
	Type           string                       `json:"type"`
	OccurredAt     time.Time                    `json:"occurred_at"`
	OrderID        uint                         `json:"order_id,omitempty"`
	InterpreterIDs []uint                       `json:"interpreter_ids,omitempty"`
	Entity         *services.EntityRef          `json:"entity,omitempty"`
	Cancellation   *services.CancellationNotice `json:"cancellation,omitempty"`
}

func newEvent(kind string, now time.Time) Event {
	return Event{ID: uuid.NewString(), Type: kind, OccurredAt: now.UTC()}
}

// key groups the events of one order or group on the same partition.
func (e Event) key() string {
	switch {
	case e.Entity != nil:
		return e.Entity.Kind + ":" + uintString(e.Entity.ID)
	case e.Cancellation != nil:
		return services.EntityOrder + ":" + uintString(e.Cancellation.OrderID)
	default:
		return services.EntityOrder + ":" + uintString(e.OrderID)
	}
}
