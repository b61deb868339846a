package main

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/domain"
)

// amqpEvents publishes lifecycle events on the RabbitMQ channel.
type amqpEvents struct {
	ch *amqp.Channel
}

func (p *amqpEvents) Publish(ctx context.Context, ev domain.ReservationEvent) error {
	return broker.PublishEvent(ctx, p.ch, ev)
}
