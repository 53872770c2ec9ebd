// Package scheduler runs the periodic jobs of the engine (sweep passes,
// statistics rollover, dead-letter reconciliation) on cron schedules with a
// per-job overlap guard: a tick that arrives while the previous run is still
// going is skipped, never queued.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/campusgrid/orderpulse/internal/logging"
)

// Task is one schedulable unit of work. The context is cancelled when the
// scheduler stops.
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner and tracks per-job run and skip counts.
type Scheduler struct {
	cron   *cron.Cron
	logger logging.ServiceLogger

	mu     sync.Mutex
	jobs   []*job
	ctx    context.Context
	cancel context.CancelFunc

	runs  *prometheus.CounterVec
	skips *prometheus.CounterVec
}

type job struct {
	name    string
	task    Task
	running atomic.Bool
	runs    atomic.Int64
	skips   atomic.Int64
}

// New returns a stopped scheduler. Schedules use the standard five-field cron
// syntax plus the @every shorthand.
func New(logger logging.ServiceLogger, registerer prometheus.Registerer) *Scheduler {
	if logger == nil {
		logger = logging.Nop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "scheduler",
		Name:      "runs_total",
		Help:      "Completed job runs per job and outcome",
	}, []string{"job", "outcome"})
	skips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "orderpulse",
		Subsystem: "scheduler",
		Name:      "skips_total",
		Help:      "Ticks skipped because the previous run was still going",
	}, []string{"job"})
	for i, c := range []*prometheus.CounterVec{runs, skips} {
		if err := registerer.Register(c); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				existing := already.ExistingCollector.(*prometheus.CounterVec)
				if i == 0 {
					runs = existing
				} else {
					skips = existing
				}
			}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		runs:   runs,
		skips:  skips,
	}
}

// Add registers a named task on the given cron schedule.
func (s *Scheduler) Add(name, schedule string, task Task) error {
	if task == nil {
		return fmt.Errorf("orderpulse: scheduler task %q cannot be nil", name)
	}

	j := &job{name: name, task: task}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(j) }); err != nil {
		return fmt.Errorf("orderpulse: adding scheduler task %q: %w", name, err)
	}

	s.mu.Lock()
	s.jobs = append(s.jobs, j)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) run(j *job) {
	if !j.running.CompareAndSwap(false, true) {
		j.skips.Add(1)
		s.skips.WithLabelValues(j.name).Inc()
		s.logger.Debug("skipping tick, previous run still going", logging.LogFields{"job": j.name})
		return
	}
	defer j.running.Store(false)

	defer func() {
		if r := recover(); r != nil {
			j.runs.Add(1)
			s.runs.WithLabelValues(j.name, "panic").Inc()
			s.logger.Error("scheduled job panicked", fmt.Errorf("panic: %v", r), logging.LogFields{
				"job":   j.name,
				"stack": string(debug.Stack()),
			})
		}
	}()

	start := time.Now()
	err := j.task(s.ctx)
	j.runs.Add(1)
	if err != nil {
		s.runs.WithLabelValues(j.name, "error").Inc()
		s.logger.Error("scheduled job failed", err, logging.LogFields{
			"job":      j.name,
			"duration": time.Since(start).String(),
		})
		return
	}
	s.runs.WithLabelValues(j.name, "ok").Inc()
	s.logger.Debug("scheduled job finished", logging.LogFields{
		"job":      j.name,
		"duration": time.Since(start).String(),
	})
}

// Start begins firing schedules. Safe to call once.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling, cancels the job context and waits for in-flight
// runs to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunCounts reports completed runs per job name.
func (s *Scheduler) RunCounts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.runs.Load()
	}
	return out
}

// SkipCounts reports skipped ticks per job name.
func (s *Scheduler) SkipCounts() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.skips.Load()
	}
	return out
}
