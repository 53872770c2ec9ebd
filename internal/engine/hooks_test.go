package engine

import (
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/campusgrid/orderpulse/internal/metadata"
)

func TestJobHooksMiddlewareSuccess(t *testing.T) {
	var started, done []JobContext
	var failed bool

	mw := jobHooksMiddleware(JobHooks{
		OnJobStart: func(ctx JobContext) { started = append(started, ctx) },
		OnJobDone:  func(ctx JobContext) { done = append(done, ctx) },
		OnJobError: func(JobContext, error) { failed = true },
	})

	handler := mw(func(msg *message.Message) ([]*message.Message, error) {
		return nil, nil
	})

	msg := message.NewMessage("m1", []byte("{}"))
	msg.Metadata.Set(metadata.KeyRetryCount, "2")

	if _, err := handler(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(started) != 1 || len(done) != 1 {
		t.Fatalf("started = %d done = %d", len(started), len(done))
	}
	if failed {
		t.Fatal("error hook fired on success")
	}
	if started[0].MessageUUID != "m1" {
		t.Fatalf("uuid = %q", started[0].MessageUUID)
	}
	if started[0].RetryCount != 2 {
		t.Fatalf("retry count = %d", started[0].RetryCount)
	}
	if done[0].Duration < 0 {
		t.Fatal("duration not set on completion")
	}
}

func TestJobHooksMiddlewareError(t *testing.T) {
	boom := errors.New("boom")
	var done bool
	var got error

	mw := jobHooksMiddleware(JobHooks{
		OnJobDone:  func(JobContext) { done = true },
		OnJobError: func(_ JobContext, err error) { got = err },
	})

	handler := mw(func(msg *message.Message) ([]*message.Message, error) {
		return nil, boom
	})

	if _, err := handler(message.NewMessage("m1", nil)); !errors.Is(err, boom) {
		t.Fatalf("handler error lost: %v", err)
	}
	if done {
		t.Fatal("done hook fired on failure")
	}
	if !errors.Is(got, boom) {
		t.Fatalf("error hook got %v", got)
	}
}

func TestJobHooksMerge(t *testing.T) {
	var order []string

	merged := JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "first") },
	}.Merge(JobHooks{
		OnJobStart: func(JobContext) { order = append(order, "second") },
		OnJobError: func(JobContext, error) { order = append(order, "error") },
	})

	merged.OnJobStart(JobContext{})
	merged.OnJobError(JobContext{}, errors.New("x"))

	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "error" {
		t.Fatalf("unexpected hook order %v", order)
	}
	if merged.OnJobDone != nil {
		t.Fatal("merging two nil done hooks should stay nil")
	}
}

func TestMetricsHooks(t *testing.T) {
	var starts, dones, errs int
	count := func(counter *int) func(string, string) {
		return func(string, string) { *counter++ }
	}

	hooks := MetricsHooks(count(&starts), count(&dones), count(&errs))
	hooks.OnJobStart(JobContext{})
	hooks.OnJobDone(JobContext{})
	hooks.OnJobError(JobContext{}, errors.New("x"))

	if starts != 1 || dones != 1 || errs != 1 {
		t.Fatalf("starts=%d dones=%d errs=%d", starts, dones, errs)
	}

	// Nil callbacks are tolerated.
	safe := MetricsHooks(nil, nil, nil)
	safe.OnJobStart(JobContext{})
	safe.OnJobDone(JobContext{})
	safe.OnJobError(JobContext{}, errors.New("x"))
}

func TestAlertingHooks(t *testing.T) {
	var alerted bool
	hooks := AlertingHooks(func(JobContext, error) { alerted = true })

	if hooks.OnJobStart != nil || hooks.OnJobDone != nil {
		t.Fatal("alerting hooks should only bind the error hook")
	}
	hooks.OnJobError(JobContext{}, errors.New("x"))
	if !alerted {
		t.Fatal("alert not fired")
	}
}
