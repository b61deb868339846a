package main

import (
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flashsale/engine/common/broker"
	"github.com/flashsale/engine/domain"
)

type recordingNotifier struct {
	events []domain.ReservationEvent
}

func (n *recordingNotifier) Notify(ev domain.ReservationEvent) error {
	n.events = append(n.events, ev)
	return nil
}

func delivery(t *testing.T, ev domain.ReservationEvent) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return amqp.Delivery{Body: body}
}

func TestHandleAcknowledgesReplayWithoutSecondSend(t *testing.T) {
	n := &recordingNotifier{}
	c := NewConsumer(nil, n, zap.NewNop(), time.Minute)

	ev := domain.ReservationEvent{
		Type:          domain.EventCreated,
		ReservationID: "r1",
		UserID:        "u1",
		SKUID:         "sku-1",
	}
	c.handle(broker.ReservationCreatedEvent, delivery(t, ev))
	c.handle(broker.ReservationCreatedEvent, delivery(t, ev))

	require.Len(t, n.events, 1)
	assert.Equal(t, "r1", n.events[0].ReservationID)
}

func TestHandleDistinguishesEventTypes(t *testing.T) {
	n := &recordingNotifier{}
	c := NewConsumer(nil, n, zap.NewNop(), time.Minute)

	created := domain.ReservationEvent{Type: domain.EventCreated, ReservationID: "r1"}
	confirmed := domain.ReservationEvent{Type: domain.EventConfirmed, ReservationID: "r1"}
	c.handle(broker.ReservationCreatedEvent, delivery(t, created))
	c.handle(broker.ReservationConfirmedEvent, delivery(t, confirmed))

	require.Len(t, n.events, 2)
}

func TestHandledEntriesExpireAndPrune(t *testing.T) {
	c := NewConsumer(nil, &recordingNotifier{}, zap.NewNop(), time.Minute)

	stale := domain.ReservationEvent{Type: domain.EventConfirmed, ReservationID: "r1"}
	c.markHandled(stale)

	// Age the entry and the prune clock past the retention window.
	c.mu.Lock()
	c.handled["r1/"+domain.EventConfirmed] = time.Now().Add(-2 * time.Minute)
	c.lastPrune = time.Now().Add(-2 * time.Minute)
	c.mu.Unlock()

	assert.False(t, c.alreadyHandled(stale))

	// The next write sweeps the stale entry out.
	c.markHandled(domain.ReservationEvent{Type: domain.EventCreated, ReservationID: "r2"})

	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.handled["r1/"+domain.EventConfirmed]
	assert.False(t, ok)
	assert.Len(t, c.handled, 1)
}
