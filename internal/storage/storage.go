// Package storage defines the persistence contracts consumed by the sweep
// engine, the dead-letter service, and the statistics rebuild path, together
// with in-memory and PostgreSQL implementations.
package storage

import (
	"context"
	"time"

	"github.com/campusgrid/orderpulse/internal/timeout"
)

// OrderStore is the narrow persistence contract the timeout engine needs.
// The business-domain order entity owns the row; the engine only touches the
// timeout-related columns, always through the version check.
type OrderStore interface {
	// FindOpenOrders returns every open, non-terminal order of the given
	// type for a sweep pass.
	FindOpenOrders(ctx context.Context, orderType timeout.OrderType) ([]*Order, error)

	// FindOrder reloads a single order, used to re-evaluate after a version
	// conflict.
	FindOrder(ctx context.Context, id int64) (*Order, error)

	// CASUpdateTimeoutStatus applies the patch iff the stored version still
	// equals expectedVersion, bumping the version on success. Returns false
	// (and no error) when the version check rejects the write.
	CASUpdateTimeoutStatus(ctx context.Context, id int64, expectedVersion int64, patch timeout.StatusPatch) (bool, error)
}

// DeadLetterRecord is the persisted audit trail of a message that exhausted
// its retries. Records are append-only and never deleted.
type DeadLetterRecord struct {
	MessageID       string     `db:"message_id" json:"message_id"`
	OriginalTopic   string     `db:"original_topic" json:"original_topic"`
	Reason          string     `db:"reason" json:"failure_reason"`
	Payload         []byte     `db:"payload" json:"payload,omitempty"`
	FirstFailedAt   time.Time  `db:"first_failed_at" json:"first_failure_time"`
	FinalRetryCount int        `db:"final_retry_count" json:"final_retry_count"`
	Resolved        bool       `db:"resolved" json:"resolved"`
	ResolvedAt      *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionNote  string     `db:"resolution_note" json:"resolution_note,omitempty"`
}

// DeadLetterStore persists dead-letter records.
type DeadLetterStore interface {
	// Append stores a new record. Returns xerrors.ErrDuplicateRecord when a
	// record with the same message id already exists; the first write wins.
	Append(ctx context.Context, rec DeadLetterRecord) error

	Get(ctx context.Context, messageID string) (DeadLetterRecord, error)

	// Resolve marks a record as reconciled by an operator. The record itself
	// is kept for audit.
	Resolve(ctx context.Context, messageID, note string) error

	ListUnresolved(ctx context.Context, limit int) ([]DeadLetterRecord, error)
}

// Order is the persisted projection of a timeoutable order. It implements
// timeout.Timeoutable so heterogeneous order rows flow through one engine.
type Order struct {
	RowID          int64             `db:"id"`
	Number         string            `db:"order_number"`
	OrderType      timeout.OrderType `db:"order_type"`
	CurrentPhase   timeout.Phase     `db:"phase"`
	IsOpen         bool              `db:"open"`
	Created        time.Time         `db:"created_at"`
	Assigned       *time.Time        `db:"assigned_at"`
	Delivered      *time.Time        `db:"delivered_at"`
	Expected       *time.Time        `db:"expected_at"`
	Completed      *time.Time        `db:"completed_at"`
	Status         timeout.Status    `db:"timeout_status"`
	Warning        bool              `db:"warning_sent"`
	Timeouts       int               `db:"timeout_count"`
	Intervention   *time.Time        `db:"intervention_at"`
	Owner          string            `db:"owner_id"`
	CourierID      string            `db:"handler_id"`
	Rev            int64             `db:"version"`
	BusinessStatus string            `db:"order_status"`
}

func (o *Order) OrderNumber() string          { return o.Number }
func (o *Order) ID() int64                    { return o.RowID }
func (o *Order) Type() timeout.OrderType      { return o.OrderType }
func (o *Order) Phase() timeout.Phase         { return o.CurrentPhase }
func (o *Order) Open() bool                   { return o.IsOpen }
func (o *Order) CreatedAt() time.Time         { return o.Created }
func (o *Order) AssignedAt() *time.Time       { return o.Assigned }
func (o *Order) DeliveredAt() *time.Time      { return o.Delivered }
func (o *Order) ExpectedAt() *time.Time       { return o.Expected }
func (o *Order) CompletedAt() *time.Time      { return o.Completed }
func (o *Order) TimeoutStatus() timeout.Status { return o.Status }
func (o *Order) WarningSent() bool            { return o.Warning }
func (o *Order) TimeoutCount() int            { return o.Timeouts }
func (o *Order) InterventionAt() *time.Time   { return o.Intervention }
func (o *Order) OwnerID() string              { return o.Owner }
func (o *Order) HandlerID() string            { return o.CourierID }
func (o *Order) Version() int64               { return o.Rev }

// ApplyPatch mutates the in-memory projection the way the store applies the
// patch to a row, bumping the version.
func (o *Order) ApplyPatch(patch timeout.StatusPatch) {
	o.Status = patch.Status
	if patch.WarningSent != nil {
		o.Warning = *patch.WarningSent
	}
	o.Timeouts += patch.TimeoutCountDelta
	if patch.InterventionAt != nil && o.Intervention == nil {
		at := *patch.InterventionAt
		o.Intervention = &at
	}
	o.Rev++
}

// Clone returns a deep copy of the order row.
func (o *Order) Clone() *Order {
	clone := *o
	clone.Assigned = cloneTime(o.Assigned)
	clone.Delivered = cloneTime(o.Delivered)
	clone.Expected = cloneTime(o.Expected)
	clone.Completed = cloneTime(o.Completed)
	clone.Intervention = cloneTime(o.Intervention)
	return &clone
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cloned := *t
	return &cloned
}
