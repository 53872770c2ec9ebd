package timeout

import "time"

// Timeoutable is the capability any order-like entity implements to
// participate in timeout detection. Heterogeneous order types (mail,
// shopping, purchase requests) each supply an adapter; the engine is written
// once against this interface.
type Timeoutable interface {
	// OrderNumber is the externally visible unique id.
	OrderNumber() string
	// ID is the persistence row id.
	ID() int64
	Type() OrderType

	// Phase reports which lifecycle leg is currently being timed, derived
	// from the business order status by the adapter.
	Phase() Phase
	// Open reports whether the order is still in a non-terminal business
	// status and should be swept.
	Open() bool

	CreatedAt() time.Time
	// AssignedAt is when a handler took the order; nil before assignment.
	AssignedAt() *time.Time
	// DeliveredAt is when the handler reported delivery; nil before then.
	DeliveredAt() *time.Time
	ExpectedAt() *time.Time
	CompletedAt() *time.Time

	TimeoutStatus() Status
	WarningSent() bool
	TimeoutCount() int
	InterventionAt() *time.Time

	OwnerID() string
	HandlerID() string

	// Version is the optimistic-concurrency counter guarding the
	// timeout-status fields.
	Version() int64
}

// ReferenceTime returns the timestamp elapsed time is measured from for the
// order's current phase. Falls back to creation time when the phase-specific
// timestamp has not been recorded yet.
func ReferenceTime(o Timeoutable) time.Time {
	switch o.Phase() {
	case PhaseDelivery:
		if at := o.AssignedAt(); at != nil {
			return *at
		}
	case PhaseConfirmation:
		if at := o.DeliveredAt(); at != nil {
			return *at
		}
	}
	return o.CreatedAt()
}

// TransitionKind classifies a timeout state change.
type TransitionKind string

const (
	TransitionWarning      TransitionKind = "warning"
	TransitionTimeout      TransitionKind = "timeout"
	TransitionIntervention TransitionKind = "intervention"
)

// Transition is the domain event emitted when an order's timeout state
// advances. It is published exactly once per committed state change.
type Transition struct {
	OrderNumber  string         `json:"order_number"`
	OrderType    OrderType      `json:"order_type"`
	From         Status         `json:"from_status"`
	To           Status         `json:"to_status"`
	Kind         TransitionKind `json:"kind"`
	At           time.Time      `json:"timestamp"`
	TimeoutCount int            `json:"timeout_count"`
	OwnerID      string         `json:"owner_id"`
	HandlerID    string         `json:"handler_id,omitempty"`
	Severity     Severity       `json:"severity"`
}

// StatusPatch is the write applied to the persisted timeout fields when a
// transition commits. Nil pointer fields are left untouched.
type StatusPatch struct {
	Status            Status
	WarningSent       *bool
	TimeoutCountDelta int
	// InterventionAt is set at most once; stores must ignore it when the
	// column is already populated.
	InterventionAt *time.Time
}
