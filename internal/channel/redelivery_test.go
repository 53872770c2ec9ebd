package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/campusgrid/orderpulse/internal/metadata"
)

var errHandler = errors.New("handler failure")

func TestRedeliveryRequiresPublisher(t *testing.T) {
	if _, err := Redelivery(RedeliveryConfig{}); err == nil {
		t.Fatal("expected an error without a publisher")
	}
}

func TestRedeliveryPassesErrorWithoutTopic(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	mw, err := Redelivery(RedeliveryConfig{Publisher: pubSub})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	failing := mw(func(msg *message.Message) ([]*message.Message, error) {
		return nil, errHandler
	})

	// No subscribe topic in the context means the message cannot be
	// requeued; the original error must surface so the broker redelivers.
	msg := message.NewMessage("uuid-1", []byte("{}"))
	msg.SetContext(context.Background())
	if _, err := failing(msg); !errors.Is(err, errHandler) {
		t.Fatalf("expected the handler error, got %v", err)
	}
}

func TestRedeliveryForgetsPacerOnSuccess(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	pacer := NewRetryPacer()
	mw, err := Redelivery(RedeliveryConfig{Publisher: pubSub, Pacer: pacer})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	pacer.Observe("uuid-1")
	ok := mw(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	msg := message.NewMessage("uuid-1", []byte("{}"))
	msg.SetContext(context.Background())
	if _, err := ok(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pacer.Len() != 0 {
		t.Fatalf("expected pacer entry to be forgotten, got %d", pacer.Len())
	}
}

func TestRedeliveryDeadLettersAfterRetryBudget(t *testing.T) {
	const topic = "orders.transitions"

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	pacer := NewRetryPacer()

	mw, err := Redelivery(RedeliveryConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		Publisher:   pubSub,
		Pacer:       pacer,
	})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	var attempts atomic.Int64
	failing := router.AddNoPublisherHandler("failing", topic, pubSub, func(msg *message.Message) error {
		attempts.Add(1)
		return errHandler
	})
	failing.AddMiddleware(mw)

	dead := make(chan *message.Message, 1)
	router.AddNoPublisherHandler("collector", DeadLetterTopic(topic), pubSub, func(msg *message.Message) error {
		select {
		case dead <- msg:
		default:
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	defer router.Close()

	env, err := NewEnvelope(MessageOrderTimeout, warningPayload{OrderNumber: "M-100"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	msg, err := env.ToMessage(metadata.Metadata{metadata.KeyCorrelationID: "corr-42"})
	if err != nil {
		t.Fatalf("to message: %v", err)
	}
	if err := pubSub.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var dlMsg *message.Message
	select {
	case dlMsg = <-dead:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the dead-letter message")
	}

	if got := attempts.Load(); got != 4 {
		t.Fatalf("expected 1 initial + 3 retried attempts, got %d", got)
	}
	if dlMsg.UUID != env.MessageID {
		t.Fatalf("dead-letter message must keep the envelope id, got %q", dlMsg.UUID)
	}
	if got := RetryCountFromMetadata(dlMsg.Metadata); got != 3 {
		t.Fatalf("expected retry count 3 on the dead-letter copy, got %d", got)
	}
	if got := dlMsg.Metadata.Get(metadata.KeyOriginalTopic); got != topic {
		t.Fatalf("expected original topic header %q, got %q", topic, got)
	}
	if dlMsg.Metadata.Get(metadata.KeyFailureReason) == "" {
		t.Fatal("expected a failure reason header")
	}
	if got := dlMsg.Metadata.Get(metadata.KeyCorrelationID); got != "corr-42" {
		t.Fatalf("caller metadata lost on the dead-letter copy, got %q", got)
	}
	if pacer.Len() != 0 {
		t.Fatalf("expected pacer bookkeeping to be dropped, got %d", pacer.Len())
	}
}

func TestRedeliveryRecoversAfterTransientFailures(t *testing.T) {
	const topic = "orders.notifications"

	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	mw, err := Redelivery(RedeliveryConfig{
		MaxRetries:  3,
		BackoffBase: time.Millisecond,
		Publisher:   pubSub,
	})
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("router: %v", err)
	}

	done := make(chan int, 1)
	var attempts atomic.Int64
	flaky := router.AddNoPublisherHandler("flaky", topic, pubSub, func(msg *message.Message) error {
		n := attempts.Add(1)
		if n < 3 {
			return errHandler
		}
		env, err := FromMessage(msg)
		if err != nil {
			return err
		}
		select {
		case done <- env.RetryCount:
		default:
		}
		return nil
	})
	flaky.AddMiddleware(mw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = router.Run(ctx) }()
	<-router.Running()
	defer router.Close()

	env, err := NewEnvelope(MessageNotification, warningPayload{OrderNumber: "S-200"})
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	msg, err := env.ToMessage(nil)
	if err != nil {
		t.Fatalf("to message: %v", err)
	}
	if err := pubSub.Publish(topic, msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case retries := <-done:
		if retries != 2 {
			t.Fatalf("expected the envelope to record 2 retries, got %d", retries)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the handler to succeed")
	}
}
