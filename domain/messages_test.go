package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKeyStable(t *testing.T) {
	a := IdempotencyKey("user-1", "sku-1", "")
	b := IdempotencyKey("user-1", "sku-1", "")
	assert.Equal(t, a, b, "same inputs must synthesize the same key")

	_, err := uuid.Parse(a)
	assert.NoError(t, err, "key must be a valid UUID")
}

func TestIdempotencyKeyDistinct(t *testing.T) {
	base := IdempotencyKey("user-1", "sku-1", "")

	assert.NotEqual(t, base, IdempotencyKey("user-2", "sku-1", ""))
	assert.NotEqual(t, base, IdempotencyKey("user-1", "sku-2", ""))
	assert.NotEqual(t, base, IdempotencyKey("user-1", "sku-1", "retry-2"))
}

func TestTerminalStatuses(t *testing.T) {
	assert.False(t, StatusReserved.Terminal())
	assert.True(t, StatusConfirmed.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.True(t, StatusCancelled.Terminal())
}
