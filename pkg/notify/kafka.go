package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tercuman.link/services"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the notifier uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes events as JSON, keyed by order or group so the events
// of one entity stay ordered.
type KafkaNotifier struct {
	writer MessageWriter
	now    func() time.Time
}

// NewKafkaWriter builds the synchronous writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
}

// NewKafkaNotifier returns a KafkaNotifier publishing through writer.
func NewKafkaNotifier(writer MessageWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, now: time.Now}
}

func (n *KafkaNotifier) publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Type, err)
	}
	msg := kafka.Message{
		Key:   []byte(event.key()),
		Value: data,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", event.Type, err)
	}
	return nil
}

// InterpretersInvited publishes an interpreters_invited event keyed by order.
func (n *KafkaNotifier) InterpretersInvited(ctx context.Context, orderID uint, interpreterIDs []uint) error {
	event := newEvent(EventInterpretersInvited, n.now())
	event.OrderID = orderID
	event.InterpreterIDs = interpreterIDs
	return n.publish(ctx, event)
}

// AdminSearchEscalated publishes an admin_search_escalated event keyed by the entity.
func (n *KafkaNotifier) AdminSearchEscalated(ctx context.Context, ref services.EntityRef) error {
	event := newEvent(EventAdminSearchEscalated, n.now())
	event.Entity = &ref
	if ref.Kind == services.EntityOrder {
		event.OrderID = ref.ID
	}
	return n.publish(ctx, event)
}

// Cancellation publishes a cancellation event keyed by order.
func (n *KafkaNotifier) Cancellation(ctx context.Context, notice services.CancellationNotice) error {
	event := newEvent(EventCancellation, n.now())
	event.OrderID = notice.OrderID
	event.Cancellation = &notice
	return n.publish(ctx, event)
}

// Close closes the underlying writer.
func (n *KafkaNotifier) Close() error { return n.writer.Close() }

var _ services.Notifier = (*KafkaNotifier)(nil)
