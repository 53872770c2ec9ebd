package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/campusgrid/orderpulse/internal/timeout"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// MemoryOrderStore is an in-memory OrderStore with the same CAS semantics as
// the PostgreSQL implementation. Used in tests and the gochannel demo path.
type MemoryOrderStore struct {
	mu     sync.RWMutex
	orders map[int64]*Order
	nextID int64
}

// NewMemoryOrderStore returns an empty in-memory order store.
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[int64]*Order), nextID: 1}
}

// Put inserts or replaces an order row, assigning a row id when missing.
func (s *MemoryOrderStore) Put(o *Order) *Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.RowID == 0 {
		o.RowID = s.nextID
		s.nextID++
	} else if o.RowID >= s.nextID {
		s.nextID = o.RowID + 1
	}
	s.orders[o.RowID] = o.Clone()
	return o
}

func (s *MemoryOrderStore) FindOpenOrders(ctx context.Context, orderType timeout.OrderType) ([]*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Order
	for _, o := range s.orders {
		if o.OrderType == orderType && o.IsOpen {
			result = append(result, o.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].RowID < result[j].RowID })
	return result, nil
}

func (s *MemoryOrderStore) FindOrder(ctx context.Context, id int64) (*Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, xerrors.ErrOrderNotFound
	}
	return o.Clone(), nil
}

func (s *MemoryOrderStore) CASUpdateTimeoutStatus(ctx context.Context, id int64, expectedVersion int64, patch timeout.StatusPatch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return false, xerrors.ErrOrderNotFound
	}
	if o.Rev != expectedVersion {
		return false, nil
	}
	o.ApplyPatch(patch)
	return true, nil
}

// MemoryDeadLetterStore is an append-only in-memory DeadLetterStore.
type MemoryDeadLetterStore struct {
	mu      sync.RWMutex
	records map[string]DeadLetterRecord
	order   []string
}

// NewMemoryDeadLetterStore returns an empty in-memory dead-letter store.
func NewMemoryDeadLetterStore() *MemoryDeadLetterStore {
	return &MemoryDeadLetterStore{records: make(map[string]DeadLetterRecord)}
}

func (s *MemoryDeadLetterStore) Append(ctx context.Context, rec DeadLetterRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.MessageID]; exists {
		return xerrors.ErrDuplicateRecord
	}
	s.records[rec.MessageID] = rec
	s.order = append(s.order, rec.MessageID)
	return nil
}

func (s *MemoryDeadLetterStore) Get(ctx context.Context, messageID string) (DeadLetterRecord, error) {
	if err := ctx.Err(); err != nil {
		return DeadLetterRecord{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[messageID]
	if !ok {
		return DeadLetterRecord{}, xerrors.ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryDeadLetterStore) Resolve(ctx context.Context, messageID, note string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[messageID]
	if !ok {
		return xerrors.ErrRecordNotFound
	}
	now := time.Now().UTC()
	rec.Resolved = true
	rec.ResolvedAt = &now
	rec.ResolutionNote = note
	s.records[messageID] = rec
	return nil
}

func (s *MemoryDeadLetterStore) ListUnresolved(ctx context.Context, limit int) ([]DeadLetterRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []DeadLetterRecord
	for _, id := range s.order {
		rec := s.records[id]
		if rec.Resolved {
			continue
		}
		result = append(result, rec)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}
