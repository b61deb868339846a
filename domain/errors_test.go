package domain

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonForError(t *testing.T) {
	cases := []struct {
		err    error
		reason RejectReason
	}{
		{ErrNotFound, ReasonNotFound},
		{ErrOutOfStock, ReasonOutOfStock},
		{ErrDuplicateRequest, ReasonDuplicateRequest},
		{ErrUserAlreadyPurchased, ReasonUserAlreadyPurchased},
		{ErrActiveReservation, ReasonUserActiveReservation},
		{ErrReservationExpired, ReasonReservationExpired},
		{ErrInvalidState, ReasonInvalidState},
		{ErrInvalidRequest, ReasonInvalidRequest},
		{ErrUnavailable, ReasonUnavailable},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.reason, ReasonForError(tc.err))
	}
}

func TestReasonForErrorWrapped(t *testing.T) {
	err := fmt.Errorf("allocating sku-1: %w", ErrOutOfStock)
	assert.Equal(t, ReasonOutOfStock, ReasonForError(err))
}

func TestReasonForErrorUnknown(t *testing.T) {
	// Transient store failures must read as retryable, never terminal.
	assert.Equal(t, ReasonUnavailable, ReasonForError(fmt.Errorf("connection reset")))
}

func TestRejectionRoundTrip(t *testing.T) {
	rej := Rejection{Reason: ReasonOutOfStock, Message: "sold out"}

	parsed, err := ParseRejection(rej.Encode())
	require.NoError(t, err)
	assert.Equal(t, rej, parsed)
}

func TestParseRejectionMessageWithColons(t *testing.T) {
	parsed, err := ParseRejection("INVALID_REQUEST:bad field: quantity")
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, parsed.Reason)
	assert.Equal(t, "bad field: quantity", parsed.Message)
}

func TestParseRejectionEmptyMessage(t *testing.T) {
	parsed, err := ParseRejection("OUT_OF_STOCK:")
	require.NoError(t, err)
	assert.Equal(t, ReasonOutOfStock, parsed.Reason)
	assert.Empty(t, parsed.Message)
}

func TestParseRejectionMalformed(t *testing.T) {
	_, err := ParseRejection("garbage")
	assert.Error(t, err)

	_, err = ParseRejection(":no reason")
	assert.Error(t, err)
}
