package jobs

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/impimediavillage/marketplace/internal/services"
)

func TestPubSubShipmentPublisherPublishesOrderedMessage(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "shipment-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubShipmentPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubShipmentPublisher: %v", err)
	}

	event := services.ShipmentStatusEvent{
		Type:       services.ShipmentEventStatusChanged,
		ShipmentID: "shp_01",
		OrderID:    "ord_9",
		Mode:       services.DeliveryModeCourier,
		From:       services.ShipmentStatusLabelGenerated,
		To:         services.ShipmentStatusInTransit,
		Source:     "courier:shiplogic",
		OccurredAt: time.Date(2026, 6, 2, 10, 0, 0, 0, time.UTC),
	}
	if err := publisher.PublishShipmentEvent(ctx, event); err != nil {
		t.Fatalf("PublishShipmentEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload map[string]any
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload["shipmentId"] != "shp_01" || payload["to"] != "in_transit" || payload["from"] != "label_generated" {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["eventType"]; attr != services.ShipmentEventStatusChanged {
		t.Fatalf("expected event type attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["actorId"]; ok {
		t.Fatalf("empty actor should not be an attribute")
	}
}

func TestNewPubSubShipmentPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubShipmentPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
