package notify

import (
	"context"
	"strconv"

	"tercuman.link/services"

	"go.uber.org/zap"
)

func uintString(v uint) string { return strconv.FormatUint(uint64(v), 10) }

// LogNotifier writes events to the structured log. It is the default when no
// broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

// NewLogNotifier returns a LogNotifier writing to log.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("notify")}
}

// InterpretersInvited logs the invited interpreters.
func (n *LogNotifier) InterpretersInvited(_ context.Context, orderID uint, interpreterIDs []uint) error {
	n.log.Info("interpreters invited", zap.Uint("order_id", orderID), zap.Uints("interpreter_ids", interpreterIDs))
	return nil
}

// AdminSearchEscalated logs the escalated entity.
func (n *LogNotifier) AdminSearchEscalated(_ context.Context, ref services.EntityRef) error {
	n.log.Warn("search escalated to administrators", zap.String("kind", ref.Kind), zap.Uint("id", ref.ID))
	return nil
}

// Cancellation logs the notice.
func (n *LogNotifier) Cancellation(_ context.Context, notice services.CancellationNotice) error {
	n.log.Info("order cancelled",
		zap.Uint("order_id", notice.OrderID),
		zap.Uint("appointment_id", notice.AppointmentID),
		zap.Uint("client_id", notice.ClientID),
		zap.Uints("interpreter_ids", notice.InterpreterIDs),
		zap.String("reason", notice.Reason))
	return nil
}

var _ services.Notifier = (*LogNotifier)(nil)
