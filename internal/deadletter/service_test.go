package deadletter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/channel"
	"github.com/campusgrid/orderpulse/internal/metadata"
	"github.com/campusgrid/orderpulse/internal/storage"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

type capturingPublisher struct {
	topics   []string
	messages []*message.Message
}

func (c *capturingPublisher) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		c.topics = append(c.topics, topic)
		c.messages = append(c.messages, msg)
	}
	return nil
}

func (c *capturingPublisher) Close() error { return nil }

type recordingAlerter struct {
	alerts []string
	err    error
}

func (a *recordingAlerter) SendAlert(ctx context.Context, text string) error {
	a.alerts = append(a.alerts, text)
	return a.err
}

func deadLetterMessage(t *testing.T, retryCount int) *message.Message {
	t.Helper()

	env, err := channel.NewEnvelope(channel.MessageOrderTimeout, map[string]string{"order_number": "M-100"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	env.RetryCount = retryCount
	env.CreatedAt = time.Now().UTC().Add(-time.Minute)

	msg, err := env.ToMessage(nil)
	if err != nil {
		t.Fatalf("to message: %v", err)
	}
	msg.Metadata[metadata.KeyOriginalTopic] = "orders.transitions"
	msg.Metadata[metadata.KeyFailureReason] = "handler failure"
	return msg
}

func newTestService(t *testing.T, mutate func(*Config)) (*Service, *storage.MemoryDeadLetterStore) {
	t.Helper()

	store := storage.NewMemoryDeadLetterStore()
	cfg := Config{
		Store:   store,
		Metrics: NewMetrics(prometheus.NewRegistry()),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	svc, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc, store
}

func TestNewServiceRequiresStore(t *testing.T) {
	if _, err := NewService(Config{}); !errors.Is(err, xerrors.ErrStoreRequired) {
		t.Fatalf("expected store required error, got %v", err)
	}
}

func TestHandleDeadLetterPersistsRecord(t *testing.T) {
	alerter := &recordingAlerter{}
	svc, store := newTestService(t, func(cfg *Config) {
		cfg.Alerter = alerter
	})

	msg := deadLetterMessage(t, 3)
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	rec, err := store.Get(context.Background(), msg.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.OriginalTopic != "orders.transitions" {
		t.Fatalf("unexpected topic %q", rec.OriginalTopic)
	}
	if rec.Reason != "handler failure" {
		t.Fatalf("unexpected reason %q", rec.Reason)
	}
	if rec.FinalRetryCount != 3 {
		t.Fatalf("unexpected retry count %d", rec.FinalRetryCount)
	}
	if len(rec.Payload) == 0 {
		t.Fatal("expected the raw payload to be kept for replay")
	}

	if len(alerter.alerts) != 1 {
		t.Fatalf("expected 1 operator alert, got %d", len(alerter.alerts))
	}
}

func TestHandleDeadLetterDeduplicatesRedelivery(t *testing.T) {
	alerter := &recordingAlerter{}
	svc, _ := newTestService(t, func(cfg *Config) {
		cfg.Alerter = alerter
	})

	msg := deadLetterMessage(t, 3)
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("first handle: %v", err)
	}
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("redelivery must be acked, got %v", err)
	}

	if len(alerter.alerts) != 1 {
		t.Fatalf("expected no repeat alert, got %d", len(alerter.alerts))
	}
}

func TestHandleDeadLetterAlertFailureIsContained(t *testing.T) {
	alerter := &recordingAlerter{err: errors.New("smtp down")}
	svc, store := newTestService(t, func(cfg *Config) {
		cfg.Alerter = alerter
	})

	msg := deadLetterMessage(t, 3)
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("a broken alerter must not fail the handler, got %v", err)
	}

	if _, err := store.Get(context.Background(), msg.UUID); err != nil {
		t.Fatalf("record must still be persisted: %v", err)
	}
}

func TestResolve(t *testing.T) {
	svc, store := newTestService(t, nil)

	msg := deadLetterMessage(t, 3)
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := svc.Resolve(context.Background(), msg.UUID, "acked by ops"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	rec, err := store.Get(context.Background(), msg.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Resolved || rec.ResolutionNote != "acked by ops" {
		t.Fatalf("resolution not recorded: %+v", rec)
	}

	if err := svc.Resolve(context.Background(), "missing", ""); !errors.Is(err, xerrors.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestReplayRestartsRetryBudget(t *testing.T) {
	sink := &capturingPublisher{}
	svc, store := newTestService(t, func(cfg *Config) {
		pub, err := channel.NewPublisher(sink, nil, nil)
		if err != nil {
			t.Fatalf("new publisher: %v", err)
		}
		cfg.Publisher = pub
	})

	msg := deadLetterMessage(t, 3)
	if _, err := svc.HandleDeadLetter(msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if err := svc.Replay(context.Background(), msg.UUID); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(sink.messages) != 1 || sink.topics[0] != "orders.transitions" {
		t.Fatalf("expected a republish to the original topic, got %+v", sink.topics)
	}
	env, err := channel.FromMessage(sink.messages[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.RetryCount != 0 || env.LastRetryAt != nil {
		t.Fatalf("replays must restart the retry budget, got %+v", env)
	}
	if env.MessageID != msg.UUID {
		t.Fatalf("replay must keep the message identity, got %q", env.MessageID)
	}

	rec, err := store.Get(context.Background(), msg.UUID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !rec.Resolved || rec.ResolutionNote != "replayed" {
		t.Fatalf("expected the record marked replayed, got %+v", rec)
	}
}

func TestReplayRequiresPublisher(t *testing.T) {
	svc, _ := newTestService(t, nil)
	if err := svc.Replay(context.Background(), "msg-1"); !errors.Is(err, xerrors.ErrPublisherRequired) {
		t.Fatalf("expected publisher required error, got %v", err)
	}
}

func TestUnresolved(t *testing.T) {
	svc, _ := newTestService(t, nil)

	first := deadLetterMessage(t, 3)
	second := deadLetterMessage(t, 3)
	for _, msg := range []*message.Message{first, second} {
		if _, err := svc.HandleDeadLetter(msg); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := svc.Resolve(context.Background(), first.UUID, "done"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	records, err := svc.Unresolved(context.Background(), 0)
	if err != nil {
		t.Fatalf("unresolved: %v", err)
	}
	if len(records) != 1 || records[0].MessageID != second.UUID {
		t.Fatalf("expected only the second record, got %+v", records)
	}
}
