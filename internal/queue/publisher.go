package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// TopicPublisher broadcasts batch transitions over the topic exchange.
// It satisfies the bridge's publisher contract.
type TopicPublisher struct {
	ch *amqp091.Channel
}

func NewTopicPublisher(ch *amqp091.Channel) *TopicPublisher {
	return &TopicPublisher{ch: ch}
}

func (p *TopicPublisher) Publish(ctx context.Context, routingKey string, payload map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	if err := PublishTopic(p.ch, routingKey, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", routingKey, err)
	}

	return nil
}
