// Package jobs publishes domain events to Cloud Pub/Sub.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/impimediavillage/marketplace/internal/services"
)

// PubSubShipmentPublisher publishes shipment lifecycle events. Messages for one shipment share an
// ordering key so subscribers observe status changes in the order they were applied.
type PubSubShipmentPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.ShipmentEventPublisher = (*PubSubShipmentPublisher)(nil)

type shipmentEventPayload struct {
	Type       string    `json:"type"`
	ShipmentID string    `json:"shipmentId"`
	OrderID    string    `json:"orderId"`
	Mode       string    `json:"mode"`
	From       string    `json:"from,omitempty"`
	To         string    `json:"to"`
	ActorID    string    `json:"actorId,omitempty"`
	Source     string    `json:"source"`
	OccurredAt time.Time `json:"occurredAt"`
}

// NewPubSubShipmentPublisher enables message ordering on topic.
func NewPubSubShipmentPublisher(topic *pubsub.Topic) (*PubSubShipmentPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub shipment publisher: topic is required")
	}
	topic.EnableMessageOrdering = true
	return &PubSubShipmentPublisher{topic: topic, marshal: json.Marshal}, nil
}

// PublishShipmentEvent blocks until the server acknowledges the message.
func (p *PubSubShipmentPublisher) PublishShipmentEvent(ctx context.Context, event services.ShipmentStatusEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub shipment publisher: not initialised")
	}
	data, err := p.marshal(shipmentEventPayload{
		Type:       event.Type,
		ShipmentID: event.ShipmentID,
		OrderID:    event.OrderID,
		Mode:       string(event.Mode),
		From:       string(event.From),
		To:         string(event.To),
		ActorID:    event.ActorID,
		Source:     event.Source,
		OccurredAt: event.OccurredAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal shipment event: %w", err)
	}

	attrs := make(map[string]string, 4)
	setAttr(attrs, "eventType", event.Type)
	setAttr(attrs, "shipmentId", event.ShipmentID)
	setAttr(attrs, "orderId", event.OrderID)
	setAttr(attrs, "status", string(event.To))

	key := strings.TrimSpace(event.ShipmentID)
	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs, OrderingKey: key})
	if _, err := result.Get(ctx); err != nil {
		// A failed ordered publish pauses the key until resumed.
		if key != "" {
			p.topic.ResumePublish(key)
		}
		return fmt.Errorf("publish shipment event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
