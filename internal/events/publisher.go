package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"twofactor-service/internal/client"
	"twofactor-service/internal/config"
	"twofactor-service/internal/model"
	"twofactor-service/internal/util"
)

// KafkaPublisher emits security events keyed by user ID so per-user ordering
// survives partitioning.
type KafkaPublisher struct {
	producer *client.KafkaProducer
	topic    string
}

func NewKafkaPublisher(producer *client.KafkaProducer, cfg *config.Config) *KafkaPublisher {
	return &KafkaPublisher{
		producer: producer,
		topic:    cfg.Kafka.EventsTopic,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *model.SecurityEvent) error {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal security event: %w", err)
	}

	if err := p.producer.ProduceMessage(ctx, p.topic, []byte(event.UserID), payload, map[string]string{
		"event_type": event.EventType,
	}); err != nil {
		return fmt.Errorf("failed to publish security event: %w", err)
	}

	util.Debug("Security event published",
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID))
	return nil
}

// NopPublisher stands in when Kafka is unavailable; events are logged instead
// of dropped silently.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, event *model.SecurityEvent) error {
	util.Info("Security event (no broker)",
		zap.String("event_type", event.EventType),
		zap.String("user_id", event.UserID))
	return nil
}
