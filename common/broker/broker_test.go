package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashsale/engine/domain"
)

func TestDeadLetterArgsMatchDLQBindings(t *testing.T) {
	for _, exchange := range lifecycleExchanges {
		args := DeadLetterArgs(exchange)
		assert.Equal(t, DLX, args["x-dead-letter-exchange"])

		// Events are published with an empty routing key and each DLQ is
		// bound to the DLX with the exchange name as key, so a nacked
		// message is only routable if the key is rewritten to match.
		assert.Equal(t, exchange, args["x-dead-letter-routing-key"])
	}
}

func TestExchangeForEvent(t *testing.T) {
	cases := map[string]string{
		domain.EventCreated:   ReservationCreatedEvent,
		domain.EventConfirmed: ReservationConfirmedEvent,
		domain.EventExpired:   ReservationExpiredEvent,
		domain.EventCancelled: ReservationCancelledEvent,
	}
	for eventType, want := range cases {
		got, err := ExchangeForEvent(eventType)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ExchangeForEvent("reservation.teleported")
	require.Error(t, err)
}
