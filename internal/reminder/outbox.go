package reminder

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drfirst/go-careplan/internal/infrastructure/postgres"
	"github.com/drfirst/go-careplan/internal/infrastructure/redpanda"
)

// Outbox event types on the care.reminders topic.
const (
	EventScheduled = "reminder.scheduled"
	EventCancelled = "reminder.cancelled"
)

// Message is the care.reminders record value.
type Message struct {
	Type       string   `json:"type"`
	ReminderID string   `json:"reminder_id"`
	TimesOfDay []string `json:"times_of_day,omitempty"`
	Payload    *Payload `json:"payload,omitempty"`
}

// OutboxScheduler writes reminder requests to the transactional outbox; the
// relay publishes them to care.reminders for the notification service.
type OutboxScheduler struct {
	db    postgres.Querier
	topic string
}

// NewOutboxScheduler creates a scheduler over db, usually a *pgxpool.Pool.
func NewOutboxScheduler(db postgres.Querier) *OutboxScheduler {
	return &OutboxScheduler{db: db, topic: redpanda.TopicCareReminders}
}

// Schedule enqueues a reminder.scheduled message keyed by order.
func (s *OutboxScheduler) Schedule(ctx context.Context, reminderID string, timesOfDay []string, p Payload) (Handle, error) {
	entry, err := s.entry(Message{Type: EventScheduled, ReminderID: reminderID, TimesOfDay: timesOfDay, Payload: &p}, p.OrderID)
	if err != nil {
		return Handle{}, err
	}
	if err := postgres.Enqueue(ctx, s.db, entry); err != nil {
		return Handle{}, err
	}
	return Handle{ID: reminderID, Ref: p.OrderID + "/" + strconv.FormatInt(entry.ID, 10)}, nil
}

// Cancel enqueues a reminder.cancelled message.
func (s *OutboxScheduler) Cancel(ctx context.Context, h Handle) error {
	key := h.ID
	if i := strings.LastIndex(h.Ref, "/"); i > 0 {
		key = h.Ref[:i]
	}
	entry, err := s.entry(Message{Type: EventCancelled, ReminderID: h.ID}, key)
	if err != nil {
		return err
	}
	return postgres.Enqueue(ctx, s.db, entry)
}

func (s *OutboxScheduler) entry(m Message, key string) (*postgres.OutboxEntry, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode reminder message: %w", err)
	}
	return &postgres.OutboxEntry{
		AggregateID:   m.ReminderID,
		AggregateType: "dose_schedule",
		EventType:     m.Type,
		Payload:       body,
		Topic:         s.topic,
		Key:           key,
	}, nil
}

// LogScheduler only logs; it stands in for a notification service in development.
type LogScheduler struct {
	logger *zap.Logger
}

// NewLogScheduler creates a log-only scheduler.
func NewLogScheduler(logger *zap.Logger) *LogScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogScheduler{logger: logger}
}

func (s *LogScheduler) Schedule(_ context.Context, reminderID string, timesOfDay []string, p Payload) (Handle, error) {
	s.logger.Info("reminder scheduled",
		zap.String("reminder_id", reminderID),
		zap.String("order_id", p.OrderID),
		zap.String("drug", p.DrugName),
		zap.Strings("times", timesOfDay),
		zap.String("timezone", p.Timezone))
	return Handle{ID: reminderID}, nil
}

func (s *LogScheduler) Cancel(_ context.Context, h Handle) error {
	s.logger.Info("reminder cancelled", zap.String("reminder_id", h.ID))
	return nil
}
