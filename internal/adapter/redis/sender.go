package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/illuminautical/spyglass/internal/adapter/metrics"
	"github.com/illuminautical/spyglass/internal/domain"
	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
)

// StreamEventMessage is the envelope published for every stream status change.
type StreamEventMessage struct {
	ID                  string    `json:"id"`
	Type                string    `json:"type"`
	OccurredAt          time.Time `json:"occurred_at"`
	BroadcasterUserID   string    `json:"broadcaster_user_id"`
	BroadcasterUserName string    `json:"broadcaster_user_name"`
	SessionID           string    `json:"session_id,omitempty"`
}

// Channel is the pub/sub channel events of eventType are published on.
func Channel(prefix, eventType string) string {
	return prefix + ":" + eventType
}

// EventSender publishes stream events over Redis pub/sub.
type EventSender struct {
	rdb     *goredis.Client
	prefix  string
	clock   clockwork.Clock
	metrics *metrics.EventSubMetrics
}

var _ domain.EventSender = (*EventSender)(nil)

type SenderOption func(*EventSender)

func WithSenderClock(clock clockwork.Clock) SenderOption {
	return func(s *EventSender) { s.clock = clock }
}

func WithSenderMetrics(m *metrics.EventSubMetrics) SenderOption {
	return func(s *EventSender) { s.metrics = m }
}

func NewEventSender(rdb *goredis.Client, prefix string, opts ...SenderOption) *EventSender {
	s := &EventSender{
		rdb:    rdb,
		prefix: prefix,
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *EventSender) SendOnlineEvent(ctx context.Context, sessionID, broadcasterID, broadcasterName string) error {
	return s.publish(ctx, StreamEventMessage{
		Type:                domain.SubscriptionTypeStreamOnline,
		BroadcasterUserID:   broadcasterID,
		BroadcasterUserName: broadcasterName,
		SessionID:           sessionID,
	})
}

func (s *EventSender) SendOfflineEvent(ctx context.Context, broadcasterID, broadcasterName string) error {
	return s.publish(ctx, StreamEventMessage{
		Type:                domain.SubscriptionTypeStreamOffline,
		BroadcasterUserID:   broadcasterID,
		BroadcasterUserName: broadcasterName,
	})
}

func (s *EventSender) publish(ctx context.Context, msg StreamEventMessage) error {
	msg.ID = uuid.NewString()
	msg.OccurredAt = s.clock.Now().UTC()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", msg.Type, err)
	}

	channel := Channel(s.prefix, msg.Type)
	receivers, err := s.rdb.Publish(ctx, channel, data).Result()
	s.observe(msg.Type, err)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", msg.Type, err)
	}

	slog.DebugContext(ctx, "Published stream event", "channel", channel, "event_id", msg.ID, "broadcaster_user_id", msg.BroadcasterUserID, "receivers", receivers)
	return nil
}

func (s *EventSender) observe(eventType string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.EventsPublished.WithLabelValues(eventType, result).Inc()
}
