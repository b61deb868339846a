package main

import (
	"encoding/json"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/domain"
)

// Consumer listens on the reservation lifecycle exchanges and pushes user
// notifications. Delivery is at-least-once, so handled (reservation, type)
// pairs are remembered for the retention window and replays acknowledged
// without a second send. Retention should cover the broker's redelivery
// horizon; entries past it are pruned so the map stays bounded over a long
// sale.
type Consumer struct {
	channel   *amqp.Channel
	notifier  Notifier
	logger    *zap.Logger
	retention time.Duration

	mu        sync.Mutex
	handled   map[string]time.Time
	lastPrune time.Time
}

// Notifier delivers one user-facing notification. The default
// implementation only logs; a real deployment plugs in push or email here.
type Notifier interface {
	Notify(ev domain.ReservationEvent) error
}

func NewConsumer(channel *amqp.Channel, notifier Notifier, logger *zap.Logger, retention time.Duration) *Consumer {
	return &Consumer{
		channel:   channel,
		notifier:  notifier,
		logger:    logger,
		retention: retention,
		handled:   make(map[string]time.Time),
		lastPrune: time.Now(),
	}
}

// Listen binds one queue per lifecycle exchange and consumes them all.
// Blocks until the channel closes.
func (c *Consumer) Listen() {
	exchanges := []string{
		broker.ReservationCreatedEvent,
		broker.ReservationConfirmedEvent,
		broker.ReservationExpiredEvent,
		broker.ReservationCancelledEvent,
	}

	var wg sync.WaitGroup
	for _, exchange := range exchanges {
		msgs, err := c.subscribe(exchange)
		if err != nil {
			c.logger.Error("failed to subscribe",
				zap.String("exchange", exchange), zap.Error(err))
			continue
		}

		wg.Add(1)
		go func(exchange string, msgs <-chan amqp.Delivery) {
			defer wg.Done()
			for d := range msgs {
				c.handle(exchange, d)
			}
		}(exchange, msgs)
	}

	c.logger.Info("notifier consumer started", zap.Int("exchanges", len(exchanges)))
	wg.Wait()
}

// subscribe declares the notifier's queue for one exchange and starts
// consuming it. Failed messages dead-letter through the DLX.
func (c *Consumer) subscribe(exchange string) (<-chan amqp.Delivery, error) {
	queueName := "notifier." + exchange

	q, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		broker.DeadLetterArgs(exchange),
	)
	if err != nil {
		return nil, err
	}

	if err := c.channel.QueueBind(q.Name, "", exchange, false, nil); err != nil {
		return nil, err
	}

	return c.channel.Consume(
		q.Name,
		"",    // consumer tag
		false, // auto-ack: manual acknowledgement only
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
}

func (c *Consumer) handle(exchange string, d amqp.Delivery) {
	var ev domain.ReservationEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		c.logger.Error("failed to unmarshal reservation event",
			zap.String("exchange", exchange), zap.Error(err))

		// Broken payload: retrying cannot help, let it dead-letter.
		if err := broker.HandleRetry(c.channel, &d); err != nil {
			c.logger.Error("failed to handle retry", zap.Error(err))
		}
		return
	}

	if c.alreadyHandled(ev) {
		c.logger.Debug("skipping replayed event",
			zap.String("reservation_id", ev.ReservationID),
			zap.String("type", ev.Type))
		d.Ack(false)
		return
	}

	if err := c.notifier.Notify(ev); err != nil {
		c.logger.Error("failed to notify",
			zap.String("reservation_id", ev.ReservationID),
			zap.String("type", ev.Type),
			zap.Error(err))

		if err := broker.HandleRetry(c.channel, &d); err != nil {
			c.logger.Error("failed to handle retry", zap.Error(err))
		}
		return
	}

	c.markHandled(ev)
	d.Ack(false)
}

func (c *Consumer) alreadyHandled(ev domain.ReservationEvent) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen, ok := c.handled[ev.ReservationID+"/"+ev.Type]
	return ok && time.Since(seen) < c.retention
}

func (c *Consumer) markHandled(ev domain.ReservationEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.handled[ev.ReservationID+"/"+ev.Type] = now

	// Prune at most once per retention window.
	if now.Sub(c.lastPrune) < c.retention {
		return
	}
	for key, seen := range c.handled {
		if now.Sub(seen) >= c.retention {
			delete(c.handled, key)
		}
	}
	c.lastPrune = now
}
