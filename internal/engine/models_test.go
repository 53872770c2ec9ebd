package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
)

func TestDefaultErrorClassifier(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"unprocessable", NewUnprocessableEventError("{}", errors.New("bad json")), ErrorCategoryValidation},
		{"wrapped unprocessable", fmt.Errorf("handler: %w", NewUnprocessableEventError("{}", errors.New("bad"))), ErrorCategoryValidation},
		{"deadline", context.DeadlineExceeded, ErrorCategoryDownstream},
		{"cancelled", fmt.Errorf("fetch: %w", context.Canceled), ErrorCategoryDownstream},
		{"other", errors.New("boom"), ErrorCategoryOther},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := defaultErrorClassifier(tc.err); got != tc.want {
				t.Fatalf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestUnprocessableEventErrorUnwraps(t *testing.T) {
	cause := errors.New("invalid payload")
	err := NewUnprocessableEventError(`{"amount":-1}`, cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected the cause to survive wrapping")
	}
	if msg := err.Error(); msg == "" {
		t.Fatal("expected a message")
	}
}

func TestErrorBreakdownRecord(t *testing.T) {
	var b ErrorBreakdown

	b.Record(ErrorCategoryNone, nil)
	b.Record(ErrorCategoryValidation, errors.New("bad field"))
	b.Record(ErrorCategoryTransport, errors.New("broker down"))
	b.Record(ErrorCategoryDownstream, context.DeadlineExceeded)
	b.Record(ErrorCategoryOther, errors.New("boom"))
	b.Record(ErrorCategory("unknown"), errors.New("last"))

	if b.Validation != 1 || b.Transport != 1 || b.Downstream != 1 {
		t.Fatalf("unexpected counters: %+v", b)
	}
	if b.Other != 2 {
		t.Fatalf("unknown categories should count as other, got %d", b.Other)
	}
	if b.LastError != "last" {
		t.Fatalf("unexpected last error %q", b.LastError)
	}
}

func TestLatencyWindowPercentiles(t *testing.T) {
	lw := newLatencyWindow(8)
	for i := 1; i <= 4; i++ {
		lw.Add(time.Duration(i) * time.Millisecond)
	}

	snapshot := lw.Snapshot()
	if snapshot.SampleSize != 4 {
		t.Fatalf("sample size = %d, want 4", snapshot.SampleSize)
	}
	// Sorted samples are 1ms..4ms, so p50 interpolates halfway between
	// the second and third values.
	if want := int64(2500 * time.Microsecond); snapshot.P50Ns != want {
		t.Fatalf("p50 = %d, want %d", snapshot.P50Ns, want)
	}
	if snapshot.AverageNs != int64(2500*time.Microsecond) {
		t.Fatalf("average = %d", snapshot.AverageNs)
	}
	if snapshot.LastNs != int64(4*time.Millisecond) {
		t.Fatalf("last = %d", snapshot.LastNs)
	}
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		lw.Add(time.Duration(i) * time.Millisecond)
	}

	// Only the last three samples (3ms, 4ms, 5ms) remain.
	snapshot := lw.Snapshot()
	if snapshot.SampleSize != 3 {
		t.Fatalf("sample size = %d, want 3", snapshot.SampleSize)
	}
	if snapshot.P50Ns != int64(4*time.Millisecond) {
		t.Fatalf("p50 = %d, want 4ms", snapshot.P50Ns)
	}
	if snapshot.P99Ns >= int64(5*time.Millisecond)+1 || snapshot.P99Ns <= int64(4*time.Millisecond) {
		t.Fatalf("p99 = %d, want just under 5ms", snapshot.P99Ns)
	}
}

func TestHandlerStatsTracksInFlightAndFailures(t *testing.T) {
	stats := newHandlerStats("wallet-transfer")

	stats.onMessageStart()
	stats.onMessageStart()
	if stats.InFlight != 2 || stats.MaxInFlight != 2 {
		t.Fatalf("in flight = %d max = %d", stats.InFlight, stats.MaxInFlight)
	}

	stats.onMessageFinish(5*time.Millisecond, nil, nil)
	stats.onMessageFinish(10*time.Millisecond, errors.New("boom"), nil)

	if stats.InFlight != 0 {
		t.Fatalf("in flight should drain, got %d", stats.InFlight)
	}
	if stats.MessagesProcessed != 2 || stats.MessagesFailed != 1 {
		t.Fatalf("processed = %d failed = %d", stats.MessagesProcessed, stats.MessagesFailed)
	}
	if stats.Errors.Other != 1 {
		t.Fatalf("expected one uncategorized error, got %+v", stats.Errors)
	}
	if stats.Latency.LastNs != int64(10*time.Millisecond) {
		t.Fatalf("last latency = %d", stats.Latency.LastNs)
	}
	if stats.LastProcessedAt.IsZero() {
		t.Fatal("last processed timestamp not set")
	}
}

func TestWrapHandlerWithStats(t *testing.T) {
	stats := newHandlerStats("wrapped")
	failure := errors.New("downstream unavailable")
	classifier := func(err error) ErrorCategory {
		if err != nil {
			return ErrorCategoryDownstream
		}
		return ErrorCategoryNone
	}

	wrapped := wrapHandlerWithStats(func(msg *message.Message) ([]*message.Message, error) {
		return nil, failure
	}, stats, classifier)

	_, err := wrapped(message.NewMessage("id", []byte("{}")))
	if !errors.Is(err, failure) {
		t.Fatalf("handler error lost: %v", err)
	}
	if stats.MessagesFailed != 1 || stats.Errors.Downstream != 1 {
		t.Fatalf("stats not recorded: %+v", stats)
	}
}
