package timeout

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Policy is the immutable per-order-type timeout configuration.
type Policy struct {
	// DefaultTimeout is how long a phase may run before it times out.
	DefaultTimeout time.Duration
	// WarningThreshold is the fraction of DefaultTimeout after which a
	// warning fires. Must be in (0, 1].
	WarningThreshold float64
	// ArchiveThreshold is the number of accumulated timeouts after which the
	// order escalates to platform intervention and archival.
	ArchiveThreshold int
	// Priority orders competing timeout checks when they contend for the
	// same resource. Higher wins.
	Priority int
	// PhaseTimeouts optionally overrides DefaultTimeout per phase.
	PhaseTimeouts map[Phase]time.Duration
}

// TimeoutFor returns the effective timeout for the given phase.
func (p Policy) TimeoutFor(phase Phase) time.Duration {
	if d, ok := p.PhaseTimeouts[phase]; ok && d > 0 {
		return d
	}
	return p.DefaultTimeout
}

// WarningAfter returns the elapsed duration after which the warning fires for
// the given phase.
func (p Policy) WarningAfter(phase Phase) time.Duration {
	return time.Duration(float64(p.TimeoutFor(phase)) * p.WarningThreshold)
}

// Validate checks the policy invariants.
func (p Policy) Validate() error {
	var errs []error
	if p.DefaultTimeout <= 0 {
		errs = append(errs, errors.New("default timeout must be positive"))
	}
	if p.WarningThreshold <= 0 || p.WarningThreshold > 1 {
		errs = append(errs, fmt.Errorf("warning threshold %v outside (0, 1]", p.WarningThreshold))
	}
	if p.ArchiveThreshold <= 0 {
		errs = append(errs, errors.New("archive threshold must be positive"))
	}
	return errors.Join(errs...)
}

// PolicyTable resolves the policy for an order type. Lookups are safe for
// concurrent use; mutation is expected to happen during startup only.
type PolicyTable struct {
	mu       sync.RWMutex
	policies map[OrderType]Policy
}

// DefaultPolicyTable returns the stock campus configuration.
func DefaultPolicyTable() *PolicyTable {
	t := &PolicyTable{policies: make(map[OrderType]Policy)}
	t.Set(OrderTypeMail, Policy{
		DefaultTimeout:   60 * time.Minute,
		WarningThreshold: 0.8,
		ArchiveThreshold: 3,
		Priority:         3,
	})
	t.Set(OrderTypeShopping, Policy{
		DefaultTimeout:   90 * time.Minute,
		WarningThreshold: 0.8,
		ArchiveThreshold: 3,
		Priority:         2,
	})
	t.Set(OrderTypePurchaseRequest, Policy{
		DefaultTimeout:   120 * time.Minute,
		WarningThreshold: 0.75,
		ArchiveThreshold: 5,
		Priority:         1,
	})
	return t
}

// Set installs or replaces the policy for an order type.
func (t *PolicyTable) Set(orderType OrderType, p Policy) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.policies == nil {
		t.policies = make(map[OrderType]Policy)
	}
	t.policies[orderType] = p
}

// Lookup returns the policy for the order type.
func (t *PolicyTable) Lookup(orderType OrderType) (Policy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.policies[orderType]
	return p, ok
}

// Validate checks every installed policy.
func (t *PolicyTable) Validate() error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var errs []error
	for orderType, p := range t.policies {
		if err := p.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("policy %s: %w", orderType, err))
		}
	}
	return errors.Join(errs...)
}
