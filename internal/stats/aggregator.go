// Package stats maintains the per-user and system-wide timeout counters for
// the current period. Snapshots are a derived, rebuildable cache, never the
// ledger: the hot path is a pure increment, and a full rebuild from the
// order store is available as an out-of-band reconciliation.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/storage"
	"github.com/campusgrid/orderpulse/internal/timeout"
)

// DefaultRetainedPeriods bounds how many closed periods stay queryable.
const DefaultRetainedPeriods = 7

// Tally counts the timeout events of one scope.
type Tally struct {
	Warnings      uint64 `json:"warnings"`
	Timeouts      uint64 `json:"timeouts"`
	Interventions uint64 `json:"interventions"`
}

func (t *Tally) add(kind timeout.TransitionKind) {
	switch kind {
	case timeout.TransitionWarning:
		t.Warnings++
	case timeout.TransitionTimeout:
		t.Timeouts++
	case timeout.TransitionIntervention:
		// An intervention is also a reached timeout.
		t.Timeouts++
		t.Interventions++
	}
}

// Snapshot is a point-in-time copy of one scope's counters.
type Snapshot struct {
	Period      string                      `json:"period"`
	UserID      string                      `json:"user_id,omitempty"`
	Total       Tally                       `json:"total"`
	ByOrderType map[timeout.OrderType]Tally `json:"by_order_type"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// PeriodKey formats the rolling current period for an instant (UTC day).
func PeriodKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type tallySet struct {
	total     Tally
	byType    map[timeout.OrderType]Tally
	updatedAt time.Time
}

func newTallySet() *tallySet {
	return &tallySet{byType: make(map[timeout.OrderType]Tally)}
}

func (s *tallySet) add(orderType timeout.OrderType, kind timeout.TransitionKind, at time.Time) {
	s.total.add(kind)
	perType := s.byType[orderType]
	perType.add(kind)
	s.byType[orderType] = perType
	s.updatedAt = at
}

func (s *tallySet) snapshot(period, userID string) Snapshot {
	byType := make(map[timeout.OrderType]Tally, len(s.byType))
	for k, v := range s.byType {
		byType[k] = v
	}
	return Snapshot{
		Period:      period,
		UserID:      userID,
		Total:       s.total,
		ByOrderType: byType,
		UpdatedAt:   s.updatedAt,
	}
}

type periodData struct {
	system *tallySet
	users  map[string]*tallySet
}

func newPeriodData() *periodData {
	return &periodData{system: newTallySet(), users: make(map[string]*tallySet)}
}

// Aggregator incrementally maintains the per-user and system-wide views.
// Safe under concurrent Record calls from multiple event handlers.
type Aggregator struct {
	mu      sync.Mutex
	current string
	periods map[string]*periodData
	retain  int
	clock   func() time.Time

	eventsTotal *prometheus.CounterVec
}

// NewAggregator returns an aggregator rooted at the current period.
func NewAggregator(registerer prometheus.Registerer) *Aggregator {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	eventsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "stats",
		Name:      "events_total",
		Help:      "Timeout transitions recorded per kind and order type",
	}, []string{"kind", "order_type"})
	if err := registerer.Register(eventsTotal); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			eventsTotal = already.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	clock := func() time.Time { return time.Now().UTC() }
	a := &Aggregator{
		periods:     map[string]*periodData{},
		retain:      DefaultRetainedPeriods,
		clock:       clock,
		eventsTotal: eventsTotal,
	}
	a.current = PeriodKey(clock())
	a.periods[a.current] = newPeriodData()
	return a
}

// SetClock overrides the time source; intended for tests.
func (a *Aggregator) SetClock(clock func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = clock
}

// Record increments the counters for one committed transition and returns the
// owner's updated snapshot.
func (a *Aggregator) Record(orderType timeout.OrderType, userID string, kind timeout.TransitionKind) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	data := a.currentDataLocked(now)

	data.system.add(orderType, kind, now)
	userSet, ok := data.users[userID]
	if !ok {
		userSet = newTallySet()
		data.users[userID] = userSet
	}
	userSet.add(orderType, kind, now)

	a.eventsTotal.WithLabelValues(string(kind), string(orderType)).Inc()
	return userSet.snapshot(a.current, userID)
}

// UserSnapshot returns the current-period counters for one user.
func (a *Aggregator) UserSnapshot(userID string) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := a.currentDataLocked(a.clock())
	if userSet, ok := data.users[userID]; ok {
		return userSet.snapshot(a.current, userID)
	}
	return Snapshot{Period: a.current, UserID: userID, ByOrderType: map[timeout.OrderType]Tally{}}
}

// SystemSnapshot returns the current-period system-wide counters.
func (a *Aggregator) SystemSnapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	data := a.currentDataLocked(a.clock())
	return data.system.snapshot(a.current, "")
}

// Rollover switches to the period containing now, pruning periods beyond the
// retention bound. Recording is period-aware anyway, so a missed rollover
// only delays pruning.
func (a *Aggregator) Rollover(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.currentDataLocked(now)
	a.pruneLocked()
}

func (a *Aggregator) currentDataLocked(now time.Time) *periodData {
	key := PeriodKey(now)
	if key != a.current {
		a.current = key
	}
	data, ok := a.periods[key]
	if !ok {
		data = newPeriodData()
		a.periods[key] = data
	}
	return data
}

func (a *Aggregator) pruneLocked() {
	if len(a.periods) <= a.retain {
		return
	}
	for key := range a.periods {
		if key == a.current {
			continue
		}
		if len(a.periods) <= a.retain {
			break
		}
		delete(a.periods, key)
	}
}

// Rebuild discards the current period and recounts it from the order store.
// This is the out-of-band reconciliation path; the hot path never touches
// source orders.
func (a *Aggregator) Rebuild(ctx context.Context, store storage.OrderStore) error {
	rebuilt := newPeriodData()
	now := a.clock()
	period := PeriodKey(now)

	for _, orderType := range timeout.OrderTypes() {
		orders, err := store.FindOpenOrders(ctx, orderType)
		if err != nil {
			return err
		}
		for _, o := range orders {
			tallyOrder(rebuilt, o, now)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = period
	a.periods[period] = rebuilt
	a.pruneLocked()
	return nil
}

func tallyOrder(data *periodData, o *storage.Order, now time.Time) {
	record := func(kind timeout.TransitionKind, times int) {
		for i := 0; i < times; i++ {
			data.system.add(o.OrderType, kind, now)
			userSet, ok := data.users[o.Owner]
			if !ok {
				userSet = newTallySet()
				data.users[o.Owner] = userSet
			}
			userSet.add(o.OrderType, kind, now)
		}
	}

	if o.Warning {
		record(timeout.TransitionWarning, 1)
	}
	if o.Intervention != nil {
		if o.Timeouts > 1 {
			record(timeout.TransitionTimeout, o.Timeouts-1)
		}
		record(timeout.TransitionIntervention, 1)
	} else {
		record(timeout.TransitionTimeout, o.Timeouts)
	}
}
