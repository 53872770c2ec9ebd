package channel

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		base       time.Duration
		retryCount int
		want       time.Duration
	}{
		{time.Second, 0, time.Second},
		{time.Second, 1, 2 * time.Second},
		{time.Second, 2, 4 * time.Second},
		{500 * time.Millisecond, 2, 2 * time.Second},
		{0, 1, 2 * time.Second},
		{time.Second, -1, time.Second},
	}

	for _, tc := range cases {
		if got := BackoffDelay(tc.base, tc.retryCount); got != tc.want {
			t.Fatalf("BackoffDelay(%v, %d) = %v, want %v", tc.base, tc.retryCount, got, tc.want)
		}
	}
}

func TestRetryPacerObserveAndForget(t *testing.T) {
	p := NewRetryPacer()

	if got := p.Observe("msg-1"); got != 1 {
		t.Fatalf("expected 1 attempt, got %d", got)
	}
	if got := p.Observe("msg-1"); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}
	if got := p.Observe("msg-2"); got != 1 {
		t.Fatalf("expected independent bookkeeping, got %d", got)
	}
	if p.Len() != 2 {
		t.Fatalf("expected 2 tracked messages, got %d", p.Len())
	}

	p.Forget("msg-1")
	if p.Len() != 1 {
		t.Fatalf("expected 1 tracked message after forget, got %d", p.Len())
	}
	if got := p.Observe("msg-1"); got != 1 {
		t.Fatalf("expected counter reset after forget, got %d", got)
	}
}

func TestRetryPacerSweep(t *testing.T) {
	p := NewRetryPacer()
	now := time.Now().UTC()
	p.clock = func() time.Time { return now.Add(-time.Hour) }
	p.Observe("stale")

	p.clock = func() time.Time { return now }
	p.Observe("fresh")

	if pruned := p.Sweep(10 * time.Minute); pruned != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", pruned)
	}
	if p.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", p.Len())
	}
}
