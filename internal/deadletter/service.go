// Package deadletter persists failed-message context, alerts operators, and
// supports manual reconciliation of dead-lettered messages.
package deadletter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/channel"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/storage"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// Alerter is the out-of-band alert transport (email, SMS, monitoring hook).
type Alerter interface {
	SendAlert(ctx context.Context, text string) error
}

// AlerterFunc adapts a function to the Alerter interface.
type AlerterFunc func(ctx context.Context, text string) error

func (f AlerterFunc) SendAlert(ctx context.Context, text string) error { return f(ctx, text) }

// Service consumes dead-letter topics, appends audit records, and raises
// operator alerts. It never propagates alerting failures back into the
// channel, so a broken alert transport cannot cause message loss.
type Service struct {
	store     storage.DeadLetterStore
	alerter   Alerter
	publisher *channel.Publisher
	logger    logging.ServiceLogger
	metrics   *Metrics
	clock     func() time.Time
}

// Config collects the Service collaborators.
type Config struct {
	Store storage.DeadLetterStore
	// Alerter may be nil; dead-lettering then only persists and logs.
	Alerter Alerter
	// Publisher is required for Replay.
	Publisher *channel.Publisher
	Logger    logging.ServiceLogger
	Metrics   *Metrics
	Clock     func() time.Time
}

// NewService constructs the dead-letter service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, xerrors.ErrStoreRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     cfg.Store,
		alerter:   cfg.Alerter,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
	}, nil
}

// HandleDeadLetter is the message handler subscribed to dead-letter topics.
// Persistence failures are returned so the broker redelivers; everything
// else is contained here.
func (s *Service) HandleDeadLetter(msg *message.Message) ([]*message.Message, error) {
	originalTopic := msg.Metadata.Get(metadata.KeyOriginalTopic)
	if originalTopic == "" {
		if topic := message.SubscribeTopicFromCtx(msg.Context()); topic != "" {
			originalTopic = strings.TrimSuffix(topic, channel.DeadLetterSuffix)
		}
	}
	reason := msg.Metadata.Get(metadata.KeyFailureReason)
	if reason == "" {
		reason = "unknown failure"
	}

	retryCount := channel.RetryCountFromMetadata(msg.Metadata)
	messageAge := time.Duration(0)
	if env, err := channel.FromMessage(msg); err == nil {
		retryCount = env.RetryCount
		if !env.CreatedAt.IsZero() {
			messageAge = s.clock().Sub(env.CreatedAt)
		}
	}

	rec := storage.DeadLetterRecord{
		MessageID:       msg.UUID,
		OriginalTopic:   originalTopic,
		Reason:          reason,
		Payload:         msg.Payload,
		FirstFailedAt:   s.clock(),
		FinalRetryCount: retryCount,
	}

	if err := s.store.Append(msg.Context(), rec); err != nil {
		if errors.Is(err, xerrors.ErrDuplicateRecord) {
			// Redelivered dead letter: the audit record already exists.
			s.logger.Debug("Dead-letter record already persisted", logging.LogFields{
				"message_uuid": msg.UUID,
			})
			return nil, nil
		}
		return nil, fmt.Errorf("failed to persist dead-letter record: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordReceived(originalTopic, retryCount, messageAge)
	}

	s.alert(msg.Context(), rec)
	return nil, nil
}

func (s *Service) alert(ctx context.Context, rec storage.DeadLetterRecord) {
	if s.alerter == nil {
		return
	}

	text := fmt.Sprintf("dead letter: message %s from topic %s failed after %d retries: %s",
		rec.MessageID, rec.OriginalTopic, rec.FinalRetryCount, rec.Reason)
	if err := s.alerter.SendAlert(ctx, text); err != nil {
		s.logger.Error("Failed to send dead-letter alert", err, logging.LogFields{
			"message_uuid": rec.MessageID,
			"topic":        rec.OriginalTopic,
		})
	}
}

// Resolve marks a record as reconciled by an operator.
func (s *Service) Resolve(ctx context.Context, messageID, note string) error {
	rec, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.store.Resolve(ctx, messageID, note); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordResolved(rec.OriginalTopic)
	}
	return nil
}

// Replay republishes the recorded payload to its original topic and marks
// the record resolved.
func (s *Service) Replay(ctx context.Context, messageID string) error {
	if s.publisher == nil {
		return xerrors.ErrPublisherRequired
	}

	rec, err := s.store.Get(ctx, messageID)
	if err != nil {
		return err
	}

	env := &channel.Envelope{}
	if err := env.DecodeFrom(rec.Payload); err != nil {
		return fmt.Errorf("failed to decode dead-letter payload for replay: %w", err)
	}
	// Replays start a fresh retry budget.
	env.RetryCount = 0
	env.LastRetryAt = nil

	if err := s.publisher.Publish(ctx, rec.OriginalTopic, env); err != nil {
		return fmt.Errorf("failed to replay dead-letter message: %w", err)
	}

	if err := s.store.Resolve(ctx, messageID, "replayed"); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordReplayed(rec.OriginalTopic)
		s.metrics.RecordResolved(rec.OriginalTopic)
	}
	return nil
}

// Unresolved lists records awaiting reconciliation.
func (s *Service) Unresolved(ctx context.Context, limit int) ([]storage.DeadLetterRecord, error) {
	return s.store.ListUnresolved(ctx, limit)
}
