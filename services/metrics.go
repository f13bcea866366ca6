package services

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the engine's prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	OrdersCreated    prometheus.Counter
	PhaseTransitions *prometheus.CounterVec
	InvitationsSent  *prometheus.CounterVec
	Responses        *prometheus.CounterVec
	OrdersExpired    prometheus.Counter
	Escalations      prometheus.Counter
	RepeatCycles     prometheus.Counter
	TickEntities     *prometheus.CounterVec
	TickDuration     prometheus.Histogram
}

// NewMetrics registers the collectors on reg; pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OrdersCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "orders_created_total",
			Help:      "Appointment orders created",
		}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "phase_transitions_total",
			Help:      "Search phase transitions",
		}, []string{"from", "to"}),
		InvitationsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "invitations_sent_total",
			Help:      "Interpreter invitations recorded",
		}, []string{"wave"}),
		Responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "responses_total",
			Help:      "Interpreter responses by outcome",
		}, []string{"outcome"}),
		OrdersExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "orders_expired_total",
			Help:      "Orders whose search ran out of time",
		}),
		Escalations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "admin_escalations_total",
			Help:      "Orders handed to administrators",
		}),
		RepeatCycles: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "matching",
			Name:      "repeat_cycles_total",
			Help:      "Repeat cycles armed",
		}),
		TickEntities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tercuman",
			Subsystem: "scheduler",
			Name:      "tick_entities_total",
			Help:      "Entities visited by the tick by result",
		}, []string{"result"}),
		TickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "tercuman",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one tick",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) orderCreated(n int) {
	if m != nil {
		m.OrdersCreated.Add(float64(n))
	}
}

func (m *Metrics) phaseStep(step *PhaseStep) {
	if m == nil || step == nil {
		return
	}
	if step.Changed() {
		m.PhaseTransitions.WithLabelValues(string(step.From), string(step.To)).Inc()
	}
	if len(step.Invited) > 0 {
		m.InvitationsSent.WithLabelValues(strconv.Itoa(step.To.Wave())).Add(float64(len(step.Invited)))
	}
	if step.Escalated {
		m.Escalations.Inc()
	}
}

func (m *Metrics) response(kind OutcomeKind) {
	if m != nil {
		m.Responses.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) expired(n int) {
	if m != nil && n > 0 {
		m.OrdersExpired.Add(float64(n))
	}
}

func (m *Metrics) repeatArmed() {
	if m != nil {
		m.RepeatCycles.Inc()
	}
}

func (m *Metrics) tickEntity(result string) {
	if m != nil {
		m.TickEntities.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) tickDone(started time.Time) {
	if m != nil {
		m.TickDuration.Observe(time.Since(started).Seconds())
	}
}
