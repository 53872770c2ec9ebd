// Package channel implements the reliable delivery layer: typed envelopes
// published at-least-once, consumer-side redelivery with exponential backoff,
// and dead-letter routing once retries are exhausted.
package channel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/ids"
	"github.com/campusgrid/orderpulse/internal/jsoncodec"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// MessageType enumerates every message category moved through the channel.
type MessageType string

const (
	MessageOrderWarning      MessageType = "order.timeout.warning"
	MessageOrderTimeout      MessageType = "order.timeout.reached"
	MessageOrderIntervention MessageType = "order.timeout.intervention"
	MessageWalletInit        MessageType = "wallet.init"
	MessageWalletBalance     MessageType = "wallet.balance"
	MessageWalletTransfer    MessageType = "wallet.transfer"
	MessageWalletWithdrawal  MessageType = "wallet.withdrawal"
	MessageChatDelivery      MessageType = "chat.delivery"
	MessageNotification      MessageType = "notification.generic"
	MessagePaymentTimeout    MessageType = "payment.timeout"
)

// DeadLetterSuffix is appended to a topic to form its dead-letter counterpart.
const DeadLetterSuffix = ".dead-letter"

// DeadLetterTopic returns the dead-letter counterpart of a topic.
func DeadLetterTopic(topic string) string {
	return topic + DeadLetterSuffix
}

// Envelope is the base wire format for every asynchronous event. The
// MessageID doubles as the idempotency key and survives retries unchanged so
// dead-letter records can be correlated to the original publish.
type Envelope struct {
	MessageID   string          `json:"message_id"`
	Type        MessageType     `json:"message_type"`
	CreatedAt   time.Time       `json:"create_time"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt *time.Time      `json:"last_retry_time,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// NewEnvelope wraps the payload into a fresh envelope with a new message id.
func NewEnvelope(messageType MessageType, payload any) (*Envelope, error) {
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope payload: %w", err)
	}

	return &Envelope{
		MessageID: ids.NewMessageID(),
		Type:      messageType,
		CreatedAt: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// DecodeFrom unmarshals a serialized envelope into e.
func (e *Envelope) DecodeFrom(data []byte) error {
	return jsoncodec.Unmarshal(data, e)
}

// DecodePayload unmarshals the envelope payload into v.
func (e *Envelope) DecodePayload(v any) error {
	return jsoncodec.Unmarshal(e.Payload, v)
}

// ToMessage converts the envelope into a Watermill message. The message UUID
// is the envelope's MessageID so transports preserve identity across
// redeliveries.
func (e *Envelope) ToMessage(md metadata.Metadata) (*message.Message, error) {
	if e == nil {
		return nil, xerrors.ErrEnvelopeRequired
	}

	payload, err := jsoncodec.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	msg := message.NewMessage(e.MessageID, payload)
	msg.Metadata = metadata.ToWatermill(md)
	msg.Metadata[metadata.KeyMessageType] = string(e.Type)
	msg.Metadata[metadata.KeyRetryCount] = strconv.Itoa(e.RetryCount)
	msg.Metadata[metadata.KeyEnqueuedAt] = time.Now().UTC().Format(time.RFC3339Nano)
	return msg, nil
}

// FromMessage decodes the envelope carried by a Watermill message.
func FromMessage(msg *message.Message) (*Envelope, error) {
	if msg == nil {
		return nil, xerrors.ErrEnvelopeRequired
	}

	var env Envelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.MessageID == "" {
		env.MessageID = msg.UUID
	}
	return &env, nil
}
