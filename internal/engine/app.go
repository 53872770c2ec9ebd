package engine

import (
	"context"
	"net/http"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/campusgrid/orderpulse/internal/broadcast"
	"github.com/campusgrid/orderpulse/internal/channel"
	"github.com/campusgrid/orderpulse/internal/deadletter"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/scheduler"
	"github.com/campusgrid/orderpulse/internal/stats"
	"github.com/campusgrid/orderpulse/internal/storage"
	"github.com/campusgrid/orderpulse/internal/sweep"
	"github.com/campusgrid/orderpulse/internal/timeout"
	"github.com/campusgrid/orderpulse/internal/xerrors"
)

const (
	transitionHandlerName = "order-transition-consumer"
	deadLetterHandlerName = "dead-letter-consumer"

	pacerSweepInterval = 10 * time.Minute
)

// AppConfig assembles a full timeout pipeline.
type AppConfig struct {
	Config *Config
	Logger logging.ServiceLogger

	OrderStore      storage.OrderStore
	DeadLetterStore storage.DeadLetterStore

	// Policies defaults to the built-in policy table.
	Policies *timeout.PolicyTable
	// Archiver is invoked when an order crosses its intervention threshold.
	Archiver sweep.Archiver
	// Alerter receives operator notifications for dead-lettered messages.
	Alerter deadletter.Alerter

	// Registerer defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Dependencies tunes the underlying Service.
	Dependencies Dependencies
}

// App bundles the engine service with the sweep loop, statistics, broadcast
// hub, dead-letter handling and scheduling that make up the timeout
// pipeline.
type App struct {
	Service     *Service
	Publisher   *channel.Publisher
	Sweeper     *sweep.Engine
	Scheduler   *scheduler.Scheduler
	Stats       *stats.Aggregator
	Hub         *broadcast.Hub
	DeadLetters *deadletter.Service

	logger logging.ServiceLogger
}

// NewApp wires every component and registers the consumers and scheduled
// jobs. Call Start on the result.
func NewApp(ctx context.Context, cfg AppConfig) (*App, error) {
	if cfg.OrderStore == nil || cfg.DeadLetterStore == nil {
		return nil, xerrors.ErrStoreRequired
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	channelMetrics := channel.NewMetrics(cfg.Registerer)
	if err := channelMetrics.Register(); err != nil {
		return nil, err
	}
	deps := cfg.Dependencies
	deps.ChannelMetrics = channelMetrics

	svc, err := TryNewService(cfg.Config, cfg.Logger, ctx, deps)
	if err != nil {
		return nil, err
	}

	publisher, err := channel.NewPublisher(svc.Publisher(), cfg.Logger, channelMetrics)
	if err != nil {
		return nil, err
	}

	sweeper, err := sweep.NewEngine(sweep.Config{
		Store:      cfg.OrderStore,
		Policies:   cfg.Policies,
		Publisher:  publisher,
		Archiver:   cfg.Archiver,
		Logger:     cfg.Logger,
		Registerer: cfg.Registerer,
	})
	if err != nil {
		return nil, err
	}

	aggregator := stats.NewAggregator(cfg.Registerer)
	hub := broadcast.NewHub(cfg.Logger, cfg.Registerer)

	deadLetters, err := deadletter.NewService(deadletter.Config{
		Store:     cfg.DeadLetterStore,
		Alerter:   cfg.Alerter,
		Publisher: publisher,
		Logger:    cfg.Logger,
		Metrics:   deadletter.NewMetrics(cfg.Registerer),
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		Service:     svc,
		Publisher:   publisher,
		Sweeper:     sweeper,
		Scheduler:   scheduler.New(cfg.Logger, cfg.Registerer),
		Stats:       aggregator,
		Hub:         hub,
		DeadLetters: deadLetters,
		logger:      cfg.Logger,
	}

	if err := app.registerConsumers(); err != nil {
		return nil, err
	}
	if err := app.registerJobs(cfg.Config); err != nil {
		return nil, err
	}
	app.mountBroadcastEndpoint(cfg.Config)

	return app, nil
}

// registerConsumers attaches the transition fan-out and the dead-letter
// consumer to the router.
func (a *App) registerConsumers() error {
	if err := RegisterMessageHandler(a.Service, MessageHandlerRegistration{
		Name:         transitionHandlerName,
		ConsumeQueue: sweep.TransitionTopic,
		Handler:      a.handleTransition,
	}); err != nil {
		return err
	}

	return RegisterMessageHandler(a.Service, MessageHandlerRegistration{
		Name:         deadLetterHandlerName,
		ConsumeQueue: channel.DeadLetterTopic(sweep.TransitionTopic),
		Handler:      a.DeadLetters.HandleDeadLetter,
	})
}

// handleTransition records statistics and pushes websocket notifications for
// one committed transition.
func (a *App) handleTransition(msg *message.Message) ([]*message.Message, error) {
	env, err := channel.FromMessage(msg)
	if err != nil {
		return nil, NewUnprocessableEventError(string(msg.Payload), err)
	}

	var transition timeout.Transition
	if err := env.DecodePayload(&transition); err != nil {
		return nil, NewUnprocessableEventError(string(msg.Payload), err)
	}

	snapshot := a.Stats.Record(transition.OrderType, transition.OwnerID, transition.Kind)

	frameType := broadcast.FrameTimeoutAlert
	if transition.Kind == timeout.TransitionWarning {
		frameType = broadcast.FrameTimeoutWarning
	}
	a.Hub.BroadcastUser(transition.OwnerID, frameType, transition)
	if transition.Severity == timeout.SeverityHigh {
		a.Hub.BroadcastSystem(broadcast.FrameSystemAlert, transition)
	}
	a.Hub.BroadcastUser(transition.OwnerID, broadcast.FrameStatisticsUpdate, snapshot)

	return nil, nil
}

func (a *App) registerJobs(conf *Config) error {
	if err := a.Scheduler.Add("timeout-sweep", conf.sweepSchedule(), func(ctx context.Context) error {
		result, err := a.Sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		a.logger.Debug("sweep pass finished", logging.LogFields{
			"examined":    result.Examined,
			"transitions": result.Transitions,
			"archived":    result.Archived,
			"conflicts":   result.Conflicts,
			"failures":    result.Failures,
			"deferred":    result.Deferred,
		})
		return nil
	}); err != nil {
		return err
	}

	if err := a.Scheduler.Add("stats-rollover", conf.rolloverSchedule(), func(context.Context) error {
		a.Stats.Rollover(time.Now().UTC())
		return nil
	}); err != nil {
		return err
	}

	return a.Scheduler.Add("retry-pacer-sweep", "@every 5m", func(context.Context) error {
		a.Service.Pacer().Sweep(pacerSweepInterval)
		return nil
	})
}

// mountBroadcastEndpoint serves the websocket notification endpoint when a
// broadcast port is configured. Clients identify themselves with the
// user_id query parameter; role=admin additionally subscribes them to
// system alerts.
func (a *App) mountBroadcastEndpoint(conf *Config) {
	if conf.BroadcastPort <= 0 {
		return
	}

	a.Service.RegisterHTTPHandler(conf.BroadcastPort, "/ws", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.URL.Query().Get("user_id")
		if userID == "" {
			http.Error(w, "user_id is required", http.StatusBadRequest)
			return
		}

		conn, err := broadcast.Upgrader.Upgrade(w, r, nil)
		if err != nil {
			a.logger.Error("upgrading websocket connection", err, logging.LogFields{"user_id": userID})
			return
		}

		if r.URL.Query().Get("role") == "admin" {
			a.Hub.RegisterAdmin(userID, conn)
		} else {
			a.Hub.RegisterUser(userID, conn)
		}

		go func() {
			defer a.Hub.Unregister(conn)
			defer conn.Close()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}))
}

// Start launches the scheduler and runs the router until ctx is cancelled.
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start()
	defer a.Scheduler.Stop()
	return a.Service.Start(ctx)
}
