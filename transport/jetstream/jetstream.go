// Package jetstream carries order events over NATS JetStream. Every topic
// maps to a subject under one stream, each subscription gets a durable
// pull consumer, and delayed delivery rides on NakWithDelay: a message
// published with a delay is redelivered untouched until its deliver-at
// header has passed.
package jetstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultMaxDeliver is the broker-side delivery cap per message.
	DefaultMaxDeliver = 3

	// DefaultAckWait is how long the broker waits for an ack before
	// redelivering.
	DefaultAckWait = 30 * time.Second

	// headerPublishedAt records when a delayed message was published.
	headerPublishedAt = "op_published_at"
	// headerDeliverAt is the unix-milli deadline before which a delayed
	// message must not reach a consumer.
	headerDeliverAt = "op_deliver_at"
)

func init() {
	Register()
}

// Register adds the JetStream transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSJetStreamCapabilities)
}

// Build creates a JetStream transport from the shared config.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds JetStream-specific settings.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the stream holding every topic's subjects.
	// Defaults to "ORDERPULSE".
	StreamName string

	// MaxDeliver caps delivery attempts per message.
	MaxDeliver int

	// AckWait is the redelivery timeout.
	AckWait time.Duration

	// Replicas is the stream replica count for clustered setups.
	Replicas int

	// RetentionPolicy is "limits" (default), "interest", or "workqueue".
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = "ORDERPULSE"
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

// Transport implements Publisher and Subscriber over one JetStream context.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	subscriptions map[string]*nats.Subscription
	subMu         sync.RWMutex

	closed     bool
	closedMu   sync.RWMutex
	closedChan chan struct{}
}

// New connects to NATS and makes sure the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	t := &Transport{
		nc:            nc,
		js:            js,
		config:        cfg,
		logger:        logger,
		subscriptions: make(map[string]*nats.Subscription),
		closedChan:    make(chan struct{}),
	}

	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:     t.config.StreamName,
		Subjects: []string{t.config.StreamName + ".>"},
		MaxAge:   7 * 24 * time.Hour,
		Replicas: t.config.Replicas,
	}

	switch t.config.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "workqueue":
		streamCfg.Retention = nats.WorkQueuePolicy
	default:
		streamCfg.Retention = nats.LimitsPolicy
	}

	if _, err := t.js.AddStream(streamCfg); err != nil {
		if _, err := t.js.UpdateStream(streamCfg); err != nil && t.logger != nil {
			t.logger.Info("JetStream stream exists", watermill.LogFields{
				"stream": t.config.StreamName,
			})
		}
	}

	return nil
}

// Publish sends messages onto the topic's subject. A delay stamped on the
// metadata becomes a deliver-at header the consumer side honors.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return fmt.Errorf("transport is closed")
	}

	subject := t.subjectFor(topic)

	for _, msg := range messages {
		headers := nats.Header{}
		for k, v := range msg.Metadata {
			headers.Set(k, v)
		}

		if delay := messageDelay(msg); delay > 0 {
			now := time.Now()
			headers.Set(headerPublishedAt, strconv.FormatInt(now.UnixMilli(), 10))
			headers.Set(headerDeliverAt, strconv.FormatInt(now.Add(delay).UnixMilli(), 10))
		}

		natsMsg := &nats.Msg{
			Subject: subject,
			Data:    msg.Payload,
			Header:  headers,
		}

		if _, err := t.js.PublishMsg(natsMsg); err != nil {
			return fmt.Errorf("failed to publish to JetStream: %w", err)
		}
	}

	return nil
}

func messageDelay(msg *message.Message) time.Duration {
	delayStr := msg.Metadata.Get(metadata.KeyDelay)
	if delayStr == "" {
		return 0
	}
	d, err := time.ParseDuration(delayStr)
	if err != nil {
		return 0
	}
	return d
}

// Subscribe binds a durable pull consumer to the topic's subject.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if t.isClosed() {
		return nil, fmt.Errorf("transport is closed")
	}

	subject := t.subjectFor(topic)
	consumerName := t.consumerFor(topic)
	output := make(chan *message.Message)

	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}

	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumerName)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	t.subMu.Lock()
	t.subscriptions[topic] = sub
	t.subMu.Unlock()

	go t.pump(ctx, sub, output, topic)

	return output, nil
}

func (t *Transport) pump(ctx context.Context, sub *nats.Subscription, output chan<- *message.Message, topic string) {
	defer close(output)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closedChan:
			return
		default:
		}

		msgs, err := sub.Fetch(10, nats.MaxWait(time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			if t.logger != nil {
				t.logger.Error("Failed to fetch messages", err, watermill.LogFields{
					"topic": topic,
				})
			}
			continue
		}

		for _, natsMsg := range msgs {
			if t.holdIfNotDue(natsMsg) {
				continue
			}

			wmMsg := t.toWatermill(natsMsg)

			select {
			case output <- wmMsg:
				select {
				case <-wmMsg.Acked():
					if err := natsMsg.Ack(); err != nil && t.logger != nil {
						t.logger.Error("Failed to ack", err, nil)
					}
				case <-wmMsg.Nacked():
					if err := natsMsg.Nak(); err != nil && t.logger != nil {
						t.logger.Error("Failed to nak", err, nil)
					}
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// holdIfNotDue nacks a delayed message back to the broker for the time
// still remaining before its deliver-at deadline.
func (t *Transport) holdIfNotDue(natsMsg *nats.Msg) bool {
	deliverAtStr := natsMsg.Header.Get(headerDeliverAt)
	if deliverAtStr == "" {
		return false
	}

	deliverAt, err := strconv.ParseInt(deliverAtStr, 10, 64)
	if err != nil {
		return false
	}

	remaining := time.Duration(deliverAt-time.Now().UnixMilli()) * time.Millisecond
	if remaining <= 0 {
		return false
	}

	if err := natsMsg.NakWithDelay(remaining); err != nil && t.logger != nil {
		t.logger.Error("Failed to NAK delayed message", err, nil)
	}
	return true
}

// toWatermill rebuilds a watermill message from the NATS envelope. Event
// payloads carry their idempotency key as message_id, so a redelivered
// message keeps the same UUID across fetches.
func (t *Transport) toWatermill(natsMsg *nats.Msg) *message.Message {
	var msgID string
	var envelope struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(natsMsg.Data, &envelope); err == nil {
		msgID = envelope.MessageID
	}
	if msgID == "" {
		msgID = natsMsg.Header.Get("ce_id")
	}
	if msgID == "" {
		msgID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}

	wmMsg := message.NewMessage(msgID, natsMsg.Data)

	for k, v := range natsMsg.Header {
		if len(v) > 0 {
			wmMsg.Metadata.Set(k, v[0])
		}
	}

	return wmMsg
}

func (t *Transport) subjectFor(topic string) string {
	return t.config.StreamName + "." + topic
}

// consumerFor derives a durable name from the topic. Durable names cannot
// contain dots, so topic separators become dashes.
func (t *Transport) consumerFor(topic string) string {
	return "orderpulse-" + strings.ReplaceAll(topic, ".", "-")
}

func (t *Transport) isClosed() bool {
	t.closedMu.RLock()
	defer t.closedMu.RUnlock()
	return t.closed
}

// Close stops every subscription and drops the connection.
func (t *Transport) Close() error {
	t.closedMu.Lock()
	if t.closed {
		t.closedMu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closedChan)
	t.closedMu.Unlock()

	t.subMu.Lock()
	for _, sub := range t.subscriptions {
		sub.Unsubscribe()
	}
	t.subscriptions = make(map[string]*nats.Subscription)
	t.subMu.Unlock()

	t.nc.Close()

	return nil
}

// GetCapabilities returns the JetStream transport capabilities.
func (t *Transport) GetCapabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
