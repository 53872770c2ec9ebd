// Package sweep drives the periodic timeout pass over open orders. The
// engine is stateless between passes: every decision is recomputed from the
// order row and the policy table, and every write goes through the version
// check so concurrent business writes never get clobbered.
package sweep

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/channel"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/storage"
	"github.com/campusgrid/orderpulse/internal/timeout"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

// DefaultCASRetries bounds how often one order is re-fetched and re-evaluated
// after a version conflict before the pass gives up on it. The next sweep
// picks it up again.
const DefaultCASRetries = 3

// TransitionTopic is where committed timeout transitions are published.
const TransitionTopic = "orderpulse.order.transitions"

// maxDeferredEvents bounds the buffer of transition events whose publish
// failed after the status write landed. The buffer drains at the start of
// the next pass.
const maxDeferredEvents = 1024

// Archiver moves an order out of the active set after operator intervention.
// ArchiveAndRemove must be atomic from the engine's point of view.
type Archiver interface {
	ArchiveAndRemove(ctx context.Context, order *storage.Order, transition timeout.Transition) error
}

// ArchiverFunc adapts a function to the Archiver interface.
type ArchiverFunc func(ctx context.Context, order *storage.Order, transition timeout.Transition) error

func (f ArchiverFunc) ArchiveAndRemove(ctx context.Context, order *storage.Order, transition timeout.Transition) error {
	return f(ctx, order, transition)
}

// Config assembles an Engine.
type Config struct {
	Store      storage.OrderStore
	Policies   *timeout.PolicyTable
	Publisher  *channel.Publisher
	Archiver   Archiver
	Logger     logging.ServiceLogger
	Registerer prometheus.Registerer

	// CASRetries overrides DefaultCASRetries when > 0.
	CASRetries int
	// Clock overrides time.Now, used by tests.
	Clock func() time.Time
}

// Engine evaluates open orders against their policies and commits the
// resulting transitions.
type Engine struct {
	store      storage.OrderStore
	policies   *timeout.PolicyTable
	publisher  *channel.Publisher
	archiver   Archiver
	logger     logging.ServiceLogger
	casRetries int
	clock      func() time.Time

	// pending holds events whose publish failed after the status write
	// landed; they are republished on the next pass.
	pendingMu sync.Mutex
	pending   []*channel.Envelope

	swept       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	conflicts   prometheus.Counter
	failures    prometheus.Counter
	deferred    prometheus.Counter
	duration    prometheus.Histogram
}

// NewEngine validates the config and returns a ready engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, xerrors.ErrStoreRequired
	}
	if cfg.Publisher == nil {
		return nil, xerrors.ErrPublisherRequired
	}
	if cfg.Policies == nil {
		cfg.Policies = timeout.DefaultPolicyTable()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.DefaultRegisterer
	}
	if cfg.CASRetries <= 0 {
		cfg.CASRetries = DefaultCASRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}

	e := &Engine{
		store:      cfg.Store,
		policies:   cfg.Policies,
		publisher:  cfg.Publisher,
		archiver:   cfg.Archiver,
		logger:     cfg.Logger,
		casRetries: cfg.CASRetries,
		clock:      cfg.Clock,
	}
	e.initMetrics(cfg.Registerer)
	return e, nil
}

func (e *Engine) initMetrics(registerer prometheus.Registerer) {
	e.swept = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "orders_swept_total",
		Help:      "Open orders examined per order type",
	}, []string{"order_type"})
	e.transitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "transitions_total",
		Help:      "Committed timeout transitions per order type and kind",
	}, []string{"order_type", "kind"})
	e.conflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "version_conflicts_total",
		Help:      "Version-check rejections during status writes",
	})
	e.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "order_failures_total",
		Help:      "Orders skipped after an unrecoverable per-order error",
	})
	e.deferred = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "deferred_events_total",
		Help:      "Transition events buffered after a publish failure",
	})
	e.duration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "orderpulse",
		Subsystem: "sweep",
		Name:      "pass_duration_seconds",
		Help:      "Wall time of one full sweep pass",
		Buckets:   prometheus.DefBuckets,
	})

	collectors := []prometheus.Collector{e.swept, e.transitions, e.conflicts, e.failures, e.deferred, e.duration}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				e.logger.Error("registering sweep collector", err, nil)
			}
		}
	}
}

// Result summarizes one pass.
type Result struct {
	Examined    int
	Transitions int
	Archived    int
	Conflicts   int
	Failures    int
	// Deferred counts events still awaiting publish at the end of the pass.
	Deferred int
}

// Sweep runs one full pass over every order type. A failure on one order is
// logged and counted, never fatal to the pass; only a store-level listing
// error aborts.
func (e *Engine) Sweep(ctx context.Context) (Result, error) {
	start := e.clock()
	defer func() {
		e.duration.Observe(time.Since(start).Seconds())
	}()

	var res Result
	e.flushDeferred(ctx)
	for _, orderType := range timeout.OrderTypes() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		orders, err := e.store.FindOpenOrders(ctx, orderType)
		if err != nil {
			return res, err
		}
		e.swept.WithLabelValues(string(orderType)).Add(float64(len(orders)))
		res.Examined += len(orders)

		policy, ok := e.policies.Lookup(orderType)
		if !ok {
			e.logger.Error("no timeout policy for order type", xerrors.ErrPolicyNotFound, logging.LogFields{
				"order_type": orderType,
			})
			continue
		}

		for _, order := range orders {
			outcome, transitioned, err := e.sweepOne(ctx, order, policy, &res)
			if err != nil {
				res.Failures++
				e.failures.Inc()
				e.logger.Error("sweeping order", err, logging.LogFields{
					"order_number": order.Number,
					"order_type":   orderType,
				})
				continue
			}
			if !transitioned {
				continue
			}
			res.Transitions++
			e.transitions.WithLabelValues(string(orderType), string(outcome.Transition.Kind)).Inc()
			if outcome.Archive {
				res.Archived++
			}
		}
	}

	res.Deferred = e.deferredLen()
	return res, nil
}

// sweepOne evaluates and, if needed, commits one order's transition. On a
// version conflict the order is re-fetched and re-evaluated up to the retry
// bound.
func (e *Engine) sweepOne(ctx context.Context, order *storage.Order, policy timeout.Policy, res *Result) (timeout.Outcome, bool, error) {
	current := order
	for attempt := 0; attempt <= e.casRetries; attempt++ {
		now := e.clock()
		outcome, due := timeout.Evaluate(current, policy, now)
		if !due {
			return timeout.Outcome{}, false, nil
		}

		applied, err := e.store.CASUpdateTimeoutStatus(ctx, current.RowID, current.Rev, outcome.Patch)
		if err != nil {
			return timeout.Outcome{}, false, err
		}
		if applied {
			if err := e.commit(ctx, current, outcome); err != nil {
				return timeout.Outcome{}, false, err
			}
			return outcome, true, nil
		}

		e.conflicts.Inc()
		res.Conflicts++
		reloaded, err := e.store.FindOrder(ctx, current.RowID)
		if err != nil {
			if errors.Is(err, xerrors.ErrOrderNotFound) {
				// Closed or archived concurrently; nothing left to do.
				return timeout.Outcome{}, false, nil
			}
			return timeout.Outcome{}, false, err
		}
		if !reloaded.IsOpen {
			return timeout.Outcome{}, false, nil
		}
		current = reloaded
	}

	e.logger.Info("giving up on order after repeated version conflicts", logging.LogFields{
		"order_number": current.Number,
		"retries":      e.casRetries,
	})
	return timeout.Outcome{}, false, nil
}

// commit publishes the transition and, for interventions, archives the order.
// The status write has already landed, so neither step may drop the
// transition: a failed publish defers the event to the next pass and archival
// runs regardless of publish success.
func (e *Engine) commit(ctx context.Context, order *storage.Order, outcome timeout.Outcome) error {
	messageType := transitionMessageType(outcome.Transition.Kind)
	env, err := channel.NewEnvelope(messageType, outcome.Transition)
	if err != nil {
		return err
	}
	if err := e.publisher.Publish(ctx, TransitionTopic, env); err != nil {
		e.deferEvent(env, err)
	}

	if outcome.Archive && e.archiver != nil {
		if err := e.archiver.ArchiveAndRemove(ctx, order, outcome.Transition); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) deferEvent(env *channel.Envelope, cause error) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()

	if len(e.pending) >= maxDeferredEvents {
		e.logger.Error("deferred event buffer full, dropping transition event", cause, logging.LogFields{
			"message_id": env.MessageID,
		})
		return
	}
	e.pending = append(e.pending, env)
	e.deferred.Inc()
	e.logger.Error("deferring transition event after publish failure", cause, logging.LogFields{
		"message_id": env.MessageID,
	})
}

// flushDeferred republishes events held over from earlier passes. On the
// first failure the rest stay buffered for the next attempt.
func (e *Engine) flushDeferred(ctx context.Context) {
	e.pendingMu.Lock()
	held := e.pending
	e.pending = nil
	e.pendingMu.Unlock()

	for i, env := range held {
		if err := e.publisher.Publish(ctx, TransitionTopic, env); err != nil {
			e.logger.Error("republishing deferred transition event", err, logging.LogFields{
				"message_id": env.MessageID,
			})
			e.pendingMu.Lock()
			e.pending = append(held[i:], e.pending...)
			e.pendingMu.Unlock()
			return
		}
	}
}

func (e *Engine) deferredLen() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

func transitionMessageType(kind timeout.TransitionKind) channel.MessageType {
	switch kind {
	case timeout.TransitionWarning:
		return channel.MessageOrderWarning
	case timeout.TransitionIntervention:
		return channel.MessageOrderIntervention
	default:
		return channel.MessageOrderTimeout
	}
}
