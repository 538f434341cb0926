package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"

	"github.com/astroshop/api/internal/services"
)

// PubSubOrderEventPublisher publishes order lifecycle events to a Pub/Sub topic.
type PubSubOrderEventPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

var _ services.OrderEventPublisher = (*PubSubOrderEventPublisher)(nil)

// NewPubSubOrderEventPublisher constructs a Pub/Sub backed order event publisher.
func NewPubSubOrderEventPublisher(topic *pubsub.Topic) (*PubSubOrderEventPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub order event publisher: topic is required")
	}
	return &PubSubOrderEventPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishOrderEvent sends the event as JSON and blocks until the server acknowledges it.
// Subscribers can filter on the eventType and status attributes without decoding the body.
func (p *PubSubOrderEventPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub order event publisher: not initialised")
	}

	data, err := p.marshal(event)
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: eventAttributes(event)})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event %s: %w", event.Type, err)
	}
	return nil
}

// eventAttributes returns the filterable message attributes, leaving out blank ones.
func eventAttributes(event services.OrderEvent) map[string]string {
	attrs := make(map[string]string, 5)
	for key, value := range map[string]string{
		"eventType":   event.Type,
		"orderId":     event.OrderID,
		"orderNumber": event.OrderNumber,
		"userId":      event.UserID,
		"status":      event.CurrentStatus,
	} {
		if value = strings.TrimSpace(value); value != "" {
			attrs[key] = value
		}
	}
	if len(attrs) == 0 {
		return nil
	}
	return attrs
}
