package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/flashsale/engine/domain"
)

// Reservation lifecycle exchanges. Both the allocator and the gateway
// publish here; downstream consumers (notifier, fulfillment) bind their own
// queues. Delivery is at-least-once; consumers must be idempotent.
const (
	ReservationCreatedEvent   = "reservation.created"
	ReservationConfirmedEvent = "reservation.confirmed"
	ReservationExpiredEvent   = "reservation.expired"
	ReservationCancelledEvent = "reservation.cancelled"
)

// MaxRetryCount bounds consumer-side redelivery before a message is handed
// to the DLX and parked on its queue-specific DLQ.
const MaxRetryCount = 3

// DLX is the dead letter exchange; it routes failed messages to
// per-exchange DLQs keyed by the originating exchange name.
const DLX = "dlx"

var lifecycleExchanges = []string{
	ReservationCreatedEvent,
	ReservationConfirmedEvent,
	ReservationExpiredEvent,
	ReservationCancelledEvent,
}

// Connect opens a channel to RabbitMQ and declares the reservation event
// topology (exchanges, DLX, per-queue DLQs). The returned close function
// shuts the channel and the underlying connection in order.
func Connect(user, pass, host, port string) (*amqp.Channel, func() error, error) {
	address := fmt.Sprintf("amqp://%s:%s@%s:%s/", user, pass, host, port)

	conn, err := amqp.Dial(address)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := createDLQAndDLX(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create DLQ: %w", err)
	}

	if err := createExchanges(ch); err != nil {
		ch.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("failed to create exchanges: %w", err)
	}

	closeFn := func() error {
		if err := ch.Close(); err != nil {
			return err
		}
		return conn.Close()
	}

	return ch, closeFn, nil
}

// DeadLetterArgs builds the queue arguments that dead-letter rejected
// deliveries. Lifecycle events are published with an empty routing key
// while each DLQ is bound to the DLX by exchange name, so the routing key
// must be rewritten on dead-lettering or the DLX drops the message as
// unroutable.
func DeadLetterArgs(exchange string) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    DLX,
		"x-dead-letter-routing-key": exchange,
	}
}

// ExchangeForEvent maps an event type to its exchange name.
func ExchangeForEvent(eventType string) (string, error) {
	switch eventType {
	case domain.EventCreated:
		return ReservationCreatedEvent, nil
	case domain.EventConfirmed:
		return ReservationConfirmedEvent, nil
	case domain.EventExpired:
		return ReservationExpiredEvent, nil
	case domain.EventCancelled:
		return ReservationCancelledEvent, nil
	default:
		return "", fmt.Errorf("unknown reservation event type: %q", eventType)
	}
}

// PublishEvent publishes a reservation lifecycle event as persistent JSON.
// Callers on the write path treat failures as best-effort: the store commit
// already stands.
func PublishEvent(ctx context.Context, ch *amqp.Channel, ev domain.ReservationEvent) error {
	exchange, err := ExchangeForEvent(ev.Type)
	if err != nil {
		return err
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return ch.PublishWithContext(ctx,
		exchange,
		"", // routing key: fanout within the direct exchange's default binding
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

// HandleRetry republishes a failed delivery with an incremented
// x-retry-count header. After MaxRetryCount the message is nacked without
// requeue so the queue's x-dead-letter-exchange routes it to its DLQ.
func HandleRetry(ch *amqp.Channel, d *amqp.Delivery) error {
	if d.Headers == nil {
		d.Headers = amqp.Table{}
	}

	retryCount, ok := d.Headers["x-retry-count"].(int64)
	if !ok {
		retryCount = 0
	}
	retryCount++
	d.Headers["x-retry-count"] = retryCount

	if retryCount >= MaxRetryCount {
		return d.Nack(false, false)
	}

	// Linear backoff gives the store/cache time to recover between tries.
	time.Sleep(time.Second * time.Duration(retryCount))

	return ch.PublishWithContext(
		context.Background(),
		d.Exchange,
		d.RoutingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Headers:      d.Headers,
			Body:         d.Body,
			DeliveryMode: amqp.Persistent,
		},
	)
}

func createDLQAndDLX(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		DLX,
		"direct",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare DLX exchange: %w", err)
	}

	for _, exchange := range lifecycleExchanges {
		dlq := exchange + ".dlq"
		if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare DLQ %s: %w", dlq, err)
		}

		// Bound by exchange name; consumer queues rewrite the routing key
		// via DeadLetterArgs so their dead letters land here.
		if err := ch.QueueBind(dlq, exchange, DLX, false, nil); err != nil {
			return fmt.Errorf("failed to bind DLQ %s to DLX: %w", dlq, err)
		}
	}

	return nil
}

func createExchanges(ch *amqp.Channel) error {
	for _, exchange := range lifecycleExchanges {
		err := ch.ExchangeDeclare(
			exchange,
			"direct",
			true,  // durable
			false, // auto-deleted
			false, // internal
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("failed to declare %s exchange: %w", exchange, err)
		}
	}
	return nil
}
