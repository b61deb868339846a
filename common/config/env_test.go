package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("FLASHSALE_TEST_STR", "set")
	assert.Equal(t, "set", GetEnv("FLASHSALE_TEST_STR", "default"))
	assert.Equal(t, "default", GetEnv("FLASHSALE_TEST_MISSING", "default"))
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("FLASHSALE_TEST_INT", "250")
	assert.Equal(t, 250, GetEnvInt("FLASHSALE_TEST_INT", 1))

	t.Setenv("FLASHSALE_TEST_INT", "not a number")
	assert.Equal(t, 1, GetEnvInt("FLASHSALE_TEST_INT", 1))

	assert.Equal(t, 7, GetEnvInt("FLASHSALE_TEST_INT_MISSING", 7))
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("FLASHSALE_TEST_DUR", "120s")
	assert.Equal(t, 2*time.Minute, GetEnvDuration("FLASHSALE_TEST_DUR", time.Second))

	t.Setenv("FLASHSALE_TEST_DUR", "garbage")
	assert.Equal(t, time.Second, GetEnvDuration("FLASHSALE_TEST_DUR", time.Second))

	assert.Equal(t, 10*time.Millisecond, GetEnvDuration("FLASHSALE_TEST_DUR_MISSING", 10*time.Millisecond))
}
