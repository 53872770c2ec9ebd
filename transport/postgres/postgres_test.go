package postgres

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/transport"
)

func TestRegisterBothNames(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "postgres", caps.Name)
	assert.True(t, caps.SupportsDelay)
	assert.True(t, caps.SupportsNativeDLQ)

	// "postgresql" in the config selects the same backend.
	assert.Equal(t, caps, transport.GetCapabilities("postgresql"))
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.PostgresCapabilities, caps)
	assert.True(t, caps.SupportsReliableDelivery())
}

func TestConfigDefaults(t *testing.T) {
	t.Run("zero config fills every default", func(t *testing.T) {
		cfg := Config{}.withDefaults()

		assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
		assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
		assert.Equal(t, DefaultRetryBackoff, cfg.RetryBackoff)
		assert.Equal(t, DefaultClaimTimeout, cfg.ClaimTimeout)
		assert.Equal(t, "orderpulse", cfg.SchemaName)
		assert.Equal(t, 10, cfg.MaxOpenConns)
		assert.Equal(t, 5, cfg.MaxIdleConns)
	})

	t.Run("explicit values survive", func(t *testing.T) {
		cfg := Config{
			ConnectionString: "postgres://localhost:5432/orders",
			PollInterval:     250 * time.Millisecond,
			MaxRetries:       5,
			RetryBackoff:     2 * time.Second,
			ClaimTimeout:     time.Minute,
			SchemaName:       "delivery",
		}.withDefaults()

		assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
		assert.Equal(t, 5, cfg.MaxRetries)
		assert.Equal(t, 2*time.Second, cfg.RetryBackoff)
		assert.Equal(t, time.Minute, cfg.ClaimTimeout)
		assert.Equal(t, "delivery", cfg.SchemaName)
	})

	t.Run("negative values fall back to defaults", func(t *testing.T) {
		cfg := Config{PollInterval: -1, MaxRetries: -1, RetryBackoff: -1, ClaimTimeout: -1}.withDefaults()

		assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
		assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
		assert.Equal(t, DefaultRetryBackoff, cfg.RetryBackoff)
		assert.Equal(t, DefaultClaimTimeout, cfg.ClaimTimeout)
	})
}

func TestNewRequiresConnectionString(t *testing.T) {
	_, err := New(Config{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection string is required")
}

func TestMessageDelayFromMetadata(t *testing.T) {
	msg := message.NewMessage("evt-1", []byte(`{"message_id":"evt-1"}`))
	assert.Equal(t, time.Duration(0), messageDelay(msg))

	// The redelivery scheduler stamps the backoff as a duration string.
	msg.Metadata.Set(metadata.KeyDelay, "2s")
	assert.Equal(t, 2*time.Second, messageDelay(msg))

	msg.Metadata.Set(metadata.KeyDelay, "not-a-duration")
	assert.Equal(t, time.Duration(0), messageDelay(msg))
}

func TestBackoffLadder(t *testing.T) {
	cfg := Config{}.withDefaults()

	// Attempt n waits RetryBackoff * 2^n: 1s, 2s, 4s.
	for attempt, want := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		got := cfg.RetryBackoff * (1 << attempt)
		assert.Equal(t, want, got, "attempt %d", attempt)
	}
}
