package models

// SearchPhase is the single source of truth for where an order is in its search.
type SearchPhase string

const (
	PhaseNotStarted    SearchPhase = "NOT_STARTED"
	PhaseFirstSearch   SearchPhase = "FIRST_SEARCH"
	PhaseSecondSearch  SearchPhase = "SECOND_SEARCH"
	PhaseAwaitingAdmin SearchPhase = "AWAITING_ADMIN"
	PhaseResolved      SearchPhase = "RESOLVED"
	PhaseExpired       SearchPhase = "EXPIRED"
	PhaseCancelled     SearchPhase = "CANCELLED"
)

// ActivePhases are the phases the periodic tick still has work for.
var ActivePhases = []SearchPhase{
	PhaseNotStarted,
	PhaseFirstSearch,
	PhaseSecondSearch,
	PhaseAwaitingAdmin,
}

// IsActive reports whether an order in this phase still needs searching.
func (p SearchPhase) IsActive() bool {
	for _, a := range ActivePhases {
		if p == a {
			return true
		}
	}
	return false
}

// IsClosed reports whether the phase no longer accepts responses.
// RESOLVED counts as closed even though a same-interpreter group may re-open it.
func (p SearchPhase) IsClosed() bool {
	return p == PhaseResolved || p == PhaseExpired || p == PhaseCancelled
}

// Wave is the invitation wave that belongs to the phase, 0 when none.
func (p SearchPhase) Wave() int {
	switch p {
	case PhaseFirstSearch:
		return 1
	case PhaseSecondSearch, PhaseAwaitingAdmin:
		return 2
	default:
		return 0
	}
}

// RepeatInterval enumerates recurrence rules of an order group.
type RepeatInterval string

const (
	RepeatNone     RepeatInterval = "none"
	RepeatDaily    RepeatInterval = "daily"
	RepeatWeekly   RepeatInterval = "weekly"
	RepeatBiweekly RepeatInterval = "biweekly"
	RepeatMonthly  RepeatInterval = "monthly"
)

// IsRepeating is false for the empty value and RepeatNone.
func (r RepeatInterval) IsRepeating() bool {
	return r != "" && r != RepeatNone
}

// InterpreterType is the qualification an order asks for.
type InterpreterType string

const (
	InterpreterGeneral  InterpreterType = "general"
	InterpreterMedical  InterpreterType = "medical"
	InterpreterLegal    InterpreterType = "legal"
	InterpreterBusiness InterpreterType = "business"
	InterpreterSign     InterpreterType = "sign"
)

// CommunicationType is how the interpretation is delivered.
type CommunicationType string

const (
	CommunicationAudio  CommunicationType = "audio"
	CommunicationVideo  CommunicationType = "video"
	CommunicationOnSite CommunicationType = "on_site"
)

// CommunicationRule describes what a communication type requires from a candidate.
type CommunicationRule struct {
	Remote       bool   // delivered over a call; online status matters for on-demand orders
	OnlineColumn string // interpreter_profiles column holding the online flag, empty when none
}

var communicationRules = map[CommunicationType]CommunicationRule{
	CommunicationAudio:  {Remote: true, OnlineColumn: "online_audio"},
	CommunicationVideo:  {Remote: true, OnlineColumn: "online_video"},
	CommunicationOnSite: {Remote: false},
}

// Rule looks the communication type up; ok is false for unknown types.
func (c CommunicationType) Rule() (CommunicationRule, bool) {
	r, ok := communicationRules[c]
	return r, ok
}

// PartyRole distinguishes the two sides of an appointment.
type PartyRole string

const (
	PartyClient      PartyRole = "client"
	PartyInterpreter PartyRole = "interpreter"
)
