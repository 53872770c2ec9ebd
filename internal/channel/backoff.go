package channel

import (
	"sync"
	"time"
)

// DefaultMaxRetries bounds in-channel redelivery; once exceeded, the message
// is routed to the dead-letter topic and never requeued.
const DefaultMaxRetries = 3

// DefaultBackoffBase is the delay before the first retry; each subsequent
// retry doubles it.
const DefaultBackoffBase = time.Second

// BackoffDelay returns the requeue delay for a message that already carries
// retryCount completed retries: 1s, 2s, 4s for retries 1, 2, 3.
func BackoffDelay(base time.Duration, retryCount int) time.Duration {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return base << uint(retryCount)
}

// RetryPacer tracks per-message attempt bookkeeping in process memory. It is
// pacing state only; delivery correctness is carried by the envelope's own
// retry count. Entries are pruned by a scheduled sweep so the map stays
// bounded across the consumer's lifetime.
type RetryPacer struct {
	mu      sync.Mutex
	entries map[string]pacerEntry
	clock   func() time.Time
}

type pacerEntry struct {
	attempts    int
	lastAttempt time.Time
}

// NewRetryPacer returns an empty pacer.
func NewRetryPacer() *RetryPacer {
	return &RetryPacer{
		entries: make(map[string]pacerEntry),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Observe records one failed attempt and returns the total observed so far.
func (p *RetryPacer) Observe(messageID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry := p.entries[messageID]
	entry.attempts++
	entry.lastAttempt = p.clock()
	p.entries[messageID] = entry
	return entry.attempts
}

// Forget drops the bookkeeping for a message that was handled successfully or
// dead-lettered.
func (p *RetryPacer) Forget(messageID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, messageID)
}

// Len returns the number of tracked messages.
func (p *RetryPacer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Sweep removes entries whose last attempt is older than maxAge and returns
// how many were pruned.
func (p *RetryPacer) Sweep(maxAge time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.clock().Add(-maxAge)
	pruned := 0
	for id, entry := range p.entries {
		if entry.lastAttempt.Before(cutoff) {
			delete(p.entries, id)
			pruned++
		}
	}
	return pruned
}
