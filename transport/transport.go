// Package transport abstracts the brokers that carry order events. The
// delivery layer publishes envelopes through a Transport without knowing
// whether a Kafka cluster, an AMQP broker, or an in-memory channel sits
// behind it. Backends live in sub-packages and register themselves with
// the registry under the name the config selects.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a matched publisher/subscriber pair for one backend.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Builder constructs a Transport from configuration. Backends register a
// Builder under their transport name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config narrows the application config to the values backends need, so a
// backend package does not depend on the config package.
type Config interface {
	// GetPubSubSystem names the backend to build, e.g. "rabbitmq".
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider reports a backend's feature set at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DelayedPublisher is implemented by backends that can hold a message back
// natively. The redelivery scheduler prefers this over its timer fallback
// when pacing the retry ladder; delay is in milliseconds.
type DelayedPublisher interface {
	PublishWithDelay(topic string, delay int64, messages ...*message.Message) error
}

// DLQManager is implemented by backends that keep their own dead-letter
// store and can requeue or drop parked events.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister pages through a backend's parked events.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is one parked event as reported by a DLQLister. The UUID is
// the envelope message id, so a parked row can be correlated back to the
// original publish.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// QueueIntrospector is implemented by backends that can count undelivered
// events per topic. The stats collector polls this when available.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
