package transport

// Capabilities describes what a backend can do on its own. The delivery
// layer consults these to decide how much it has to emulate: a backend
// without native delay gets the timer-driven retry ladder, one without a
// native dead-letter store gets application-level dead-letter topics.
type Capabilities struct {
	// SupportsDelay means the backend can hold a message until a deadline.
	// The retry backoff (1s, 2s, 4s) rides on this when available.
	SupportsDelay bool

	// SupportsNativeDLQ means the backend parks exhausted messages itself.
	SupportsNativeDLQ bool

	// SupportsOrdering means events on one topic arrive in publish order.
	// Order lifecycle consumers rely on this where it holds.
	SupportsOrdering bool

	// SupportsTracing means the backend carries tracing headers through.
	SupportsTracing bool

	// SupportsBatching means multiple events can go out in one call.
	SupportsBatching bool

	// SupportsAck means delivery is confirmed explicitly.
	SupportsAck bool

	// SupportsNack means a failed delivery can be pushed back for another
	// attempt. Ack plus nack gives at-least-once delivery.
	SupportsNack bool

	// SupportsPriority means the backend honors message priority.
	SupportsPriority bool

	// SupportsPartitioning means the backend shards a topic.
	SupportsPartitioning bool

	// MaxMessageSize in bytes, 0 when unlimited or unknown.
	MaxMessageSize int64

	// MaxDelayDuration in milliseconds, 0 when unlimited or unknown.
	MaxDelayDuration int64

	// Name identifies the backend.
	Name string

	// Version is the backend or driver version when known.
	Version string
}

// RequiresDelayEmulation reports whether retry pacing must fall back to
// application timers.
func (c Capabilities) RequiresDelayEmulation() bool {
	return !c.SupportsDelay
}

// RequiresDLQEmulation reports whether exhausted events must be routed to
// application-level dead-letter topics.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once semantics.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets the built-in backends register with.
var (
	// ChannelCapabilities: in-process Go channels. Ordered and ack/nack
	// capable, nothing persisted.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// KafkaCapabilities: partition-ordered, batched, no broker-side delay
	// or dead-lettering, so both are emulated.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	// RabbitMQCapabilities: delayed delivery and dead-letter exchanges are
	// native, which makes AMQP the most self-sufficient broker here.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	// NATSCapabilities: core NATS is fire-and-forget, everything reliable
	// is emulated on top.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	// NATSJetStreamCapabilities: JetStream adds persistence, ack/nack with
	// redelivery, and nak-with-delay, which carries the retry ladder.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1048576,
	}

	// AWSCapabilities: SNS/SQS. SQS caps the native delay at 15 minutes,
	// far beyond the retry ladder's 4s ceiling.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144,
		MaxDelayDuration:  900000,
	}

	// PostgresCapabilities: the queue table schedules via available_at, so
	// both delay and dead-lettering are native.
	PostgresCapabilities = Capabilities{
		Name:              "postgres",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	// HTTPCapabilities: webhook-style push, no delivery guarantees beyond
	// the response code.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	// IOCapabilities: append-only journal file, ordered by position.
	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities looks up a backend's capabilities in the default
// registry. Unknown names yield a zero set.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
