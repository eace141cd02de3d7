package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/webrichesse/orders-api/internal/services"
)

func newTestTopic(t *testing.T) (*pstest.Server, *pubsub.Topic) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "order-events")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	ctx := context.Background()
	srv, topic := newTestTopic(t)

	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	defer publisher.Stop()

	occurredAt := time.Date(2026, 5, 6, 9, 0, 0, 0, time.UTC)
	event := services.OrderEvent{
		Type:           "order.paid",
		OrderID:        "ord_123",
		StoreID:        "store_1",
		CustomerID:     "cust_1",
		PreviousStatus: "pending",
		CurrentStatus:  "paid",
		PaymentStatus:  "succeeded",
		OccurredAt:     occurredAt,
		Metadata:       map[string]any{"gatewayEventId": "evt_1"},
	}

	if err := publisher.PublishOrderEvent(ctx, event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload orderEventMessage
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.Type != "order.paid" || payload.OrderID != "ord_123" || !payload.OccurredAt.Equal(occurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if payload.Metadata["gatewayEventId"] != "evt_1" {
		t.Fatalf("expected metadata to round trip, got %#v", payload.Metadata)
	}
	if attr := messages[0].Attributes["type"]; attr != "order.paid" {
		t.Fatalf("expected type attribute, got %q", attr)
	}
	if messages[0].OrderingKey != "ord_123" {
		t.Fatalf("expected ordering key, got %q", messages[0].OrderingKey)
	}
	if _, ok := messages[0].Attributes["actorId"]; ok {
		t.Fatalf("empty attributes should be omitted")
	}
}

func TestPubSubOrderEventPublisherMarshalError(t *testing.T) {
	_, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}
	publisher.marshal = func(any) ([]byte, error) { return nil, errors.New("boom") }

	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.created", OrderID: "ord_1"}); err == nil {
		t.Fatal("expected marshal error")
	}
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
