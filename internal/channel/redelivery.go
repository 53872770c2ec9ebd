package channel

import (
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// RedeliveryConfig tunes the consumer-side redelivery middleware.
type RedeliveryConfig struct {
	// MaxRetries bounds the number of requeues per message. Defaults to 3.
	MaxRetries int
	// BackoffBase is the delay before the first retry, doubling on each
	// subsequent one. Defaults to 1s.
	BackoffBase time.Duration
	// Publisher requeues retried messages and routes exhausted ones to the
	// dead-letter topic.
	Publisher message.Publisher
	Logger    logging.ServiceLogger
	Pacer     *RetryPacer
	Metrics   *Metrics
	// Clock overrides time.Now in tests.
	Clock func() time.Time
}

func (cfg RedeliveryConfig) withDefaults() RedeliveryConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return cfg
}

// Redelivery returns the middleware implementing at-least-once delivery with
// bounded retries. On handler failure the message is requeued onto the same
// topic with an exponential delay; once retries are exhausted it is routed
// unchanged to the topic's dead-letter counterpart. Either way the original
// delivery is acked, so the broker never races a redelivery against the
// requeued copy.
func Redelivery(cfg RedeliveryConfig) (message.HandlerMiddleware, error) {
	if cfg.Publisher == nil {
		return nil, xerrors.ErrPublisherRequired
	}
	cfg = cfg.withDefaults()

	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err == nil {
				if cfg.Pacer != nil {
					cfg.Pacer.Forget(msg.UUID)
				}
				return produced, nil
			}

			topic := message.SubscribeTopicFromCtx(msg.Context())
			if topic == "" {
				cfg.Logger.Error("Cannot requeue message without subscribe topic", err, logging.LogFields{
					"message_uuid": msg.UUID,
				})
				return nil, err
			}

			if cfg.Pacer != nil {
				cfg.Pacer.Observe(msg.UUID)
			}

			env, decodeErr := FromMessage(msg)
			if decodeErr != nil {
				// Malformed envelope: retrying cannot help, dead-letter it
				// with the raw payload preserved.
				return nil, deadLetter(cfg, topic, msg, decodeErr.Error())
			}

			if env.RetryCount < cfg.MaxRetries {
				return nil, requeue(cfg, topic, env, msg, err.Error())
			}

			return nil, deadLetter(cfg, topic, msg, err.Error())
		}
	}, nil
}

func requeue(cfg RedeliveryConfig, topic string, env *Envelope, msg *message.Message, reason string) error {
	delay := BackoffDelay(cfg.BackoffBase, env.RetryCount)

	env.RetryCount++
	now := cfg.Clock()
	env.LastRetryAt = &now

	retryMsg, err := env.ToMessage(metadata.FromWatermill(msg.Metadata))
	if err != nil {
		return err
	}
	retryMsg.Metadata[metadata.KeyFailureReason] = reason
	retryMsg.Metadata[metadata.KeyLastRetryAt] = now.Format(time.RFC3339Nano)

	if err := publishDelayed(cfg.Publisher, topic, retryMsg, delay, cfg.Logger); err != nil {
		// Requeue failed: surface the error so the broker redelivers the
		// original message instead of losing it.
		return err
	}

	cfg.Metrics.observeRetry(topic)
	cfg.Logger.Info("Requeued message after handler failure", logging.LogFields{
		"topic":        topic,
		"message_uuid": env.MessageID,
		"retry_count":  env.RetryCount,
		"delay":        delay.String(),
		"reason":       reason,
	})
	return nil
}

func deadLetter(cfg RedeliveryConfig, topic string, msg *message.Message, reason string) error {
	dlMsg := message.NewMessage(msg.UUID, msg.Payload)
	dlMsg.Metadata = metadata.ToWatermill(metadata.FromWatermill(msg.Metadata))
	dlMsg.Metadata[metadata.KeyOriginalTopic] = topic
	dlMsg.Metadata[metadata.KeyFailureReason] = reason

	if err := cfg.Publisher.Publish(DeadLetterTopic(topic), dlMsg); err != nil {
		return err
	}

	if cfg.Pacer != nil {
		cfg.Pacer.Forget(msg.UUID)
	}
	cfg.Metrics.observeDeadLetter(topic)
	cfg.Logger.Error("Routed message to dead-letter topic", nil, logging.LogFields{
		"topic":             topic,
		"dead_letter_topic": DeadLetterTopic(topic),
		"message_uuid":      msg.UUID,
		"reason":            reason,
	})
	return nil
}

// RetryCountFromMetadata reads the mirrored retry count header, used by
// transports and the dead-letter service without decoding the envelope.
func RetryCountFromMetadata(md message.Metadata) int {
	raw := md.Get(metadata.KeyRetryCount)
	if raw == "" {
		return 0
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return count
}
