package channel

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/xerrors"
	"github.com/campusgrid/orderpulse/transport"
)

// Publisher emits envelopes onto the configured transport.
type Publisher struct {
	pub     message.Publisher
	logger  logging.ServiceLogger
	metrics *Metrics
}

// NewPublisher wraps a Watermill publisher with envelope encoding and
// metrics.
func NewPublisher(pub message.Publisher, logger logging.ServiceLogger, metrics *Metrics) (*Publisher, error) {
	if pub == nil {
		return nil, xerrors.ErrPublisherRequired
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Publisher{pub: pub, logger: logger, metrics: metrics}, nil
}

// Publish sends the envelope to the topic.
func (p *Publisher) Publish(ctx context.Context, topic string, env *Envelope) error {
	return p.PublishWithMetadata(ctx, topic, env, nil)
}

// PublishWithMetadata sends the envelope with extra message headers.
func (p *Publisher) PublishWithMetadata(ctx context.Context, topic string, env *Envelope, md metadata.Metadata) error {
	if topic == "" {
		return xerrors.ErrTopicRequired
	}

	msg, err := env.ToMessage(md)
	if err != nil {
		return err
	}
	if ctx != nil {
		msg.SetContext(ctx)
	}

	if err := p.pub.Publish(topic, msg); err != nil {
		return err
	}
	p.metrics.observePublished(topic)
	return nil
}

// publishDelayed hands the message to the transport with a delivery delay.
// Transports with native delay support get the delay as a scheduling hint;
// everything else falls back to a timer-driven republish.
func publishDelayed(pub message.Publisher, topic string, msg *message.Message, delay time.Duration, logger logging.ServiceLogger) error {
	if delay <= 0 {
		return pub.Publish(topic, msg)
	}

	msg.Metadata[metadata.KeyDelay] = delay.String()

	if delayed, ok := pub.(transport.DelayedPublisher); ok {
		return delayed.PublishWithDelay(topic, delay.Milliseconds(), msg)
	}

	time.AfterFunc(delay, func() {
		if err := pub.Publish(topic, msg); err != nil {
			logger.Error("Failed to publish delayed message", err, logging.LogFields{
				"topic":        topic,
				"message_uuid": msg.UUID,
			})
		}
	})
	return nil
}
