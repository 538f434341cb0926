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

	"github.com/astroshop/api/internal/services"
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
	t.Cleanup(topic.Stop)
	return srv, topic
}

func TestPubSubOrderEventPublisherPublishesMessage(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	event := services.OrderEvent{
		Type:           "order.paid",
		OrderID:        "ord_01HX",
		OrderNumber:    "AS-2026-000042",
		UserID:         "user-1",
		PreviousStatus: "pending",
		CurrentStatus:  "processing",
		ActorID:        "user-1",
		OccurredAt:     time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC),
		Metadata:       map[string]any{"grants": 1},
	}
	if err := publisher.PublishOrderEvent(context.Background(), event); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}

	var payload services.OrderEvent
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.OrderID != event.OrderID || payload.Type != event.Type || !payload.OccurredAt.Equal(event.OccurredAt) {
		t.Fatalf("unexpected payload %#v", payload)
	}
	attrs := messages[0].Attributes
	if attrs["eventType"] != "order.paid" || attrs["status"] != "processing" || attrs["orderNumber"] != "AS-2026-000042" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestPubSubOrderEventPublisherOmitsEmptyAttributes(t *testing.T) {
	srv, topic := newTestTopic(t)
	publisher, err := NewPubSubOrderEventPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubOrderEventPublisher: %v", err)
	}

	if err := publisher.PublishOrderEvent(context.Background(), services.OrderEvent{Type: "order.created", OrderID: "ord_1"}); err != nil {
		t.Fatalf("PublishOrderEvent: %v", err)
	}
	attrs := srv.Messages()[0].Attributes
	if _, ok := attrs["userId"]; ok {
		t.Fatalf("empty userId attribute should be omitted: %v", attrs)
	}
}

func TestNewPubSubOrderEventPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubOrderEventPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
