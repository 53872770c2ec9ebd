// Package engine wires the Watermill router, transport, middleware chain and
// handler registration that the timeout pipeline runs on.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"

	"github.com/campusgrid/orderpulse/internal/channel"
	"github.com/campusgrid/orderpulse/internal/logging"
	"github.com/campusgrid/orderpulse/internal/xerrors"
	"github.com/campusgrid/orderpulse/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Dependencies holds the optional collaborators the Service can use. Leave
// fields nil to take the defaults.
type Dependencies struct {
	// Middlewares are appended after the default middleware chain.
	Middlewares []MiddlewareRegistration
	// DisableDefaultMiddlewares skips the default chain when true.
	DisableDefaultMiddlewares bool
	// TransportRegistry overrides the default transport registry.
	TransportRegistry *transport.Registry
	ErrorClassifier   ErrorClassifier
	// ChannelMetrics shares publish/retry/dead-letter counters with an
	// externally built publisher.
	ChannelMetrics *channel.Metrics
}

// Service wires a Watermill router, publisher, subscriber and middleware
// chain around the selected transport.
type Service struct {
	Conf   *Config
	Logger logging.ServiceLogger

	publisher  message.Publisher
	subscriber message.Subscriber
	router     *message.Router

	channelMetrics *channel.Metrics
	pacer          *channel.RetryPacer

	handlers   []*HandlerInfo
	handlersMu sync.RWMutex

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
}

// NewService constructs a Service or panics. Prefer TryNewService in code
// that can surface the error.
func NewService(conf *Config, log logging.ServiceLogger, ctx context.Context, deps Dependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration.
// Register handlers on the returned Service before calling Start.
func TryNewService(conf *Config, log logging.ServiceLogger, ctx context.Context, deps Dependencies) (*Service, error) {
	if conf == nil {
		return nil, fmt.Errorf("orderpulse: config is required")
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}

	wmLogger := logging.NewWatermillAdapter(log)
	log.Info("Creating timeout engine service", logging.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})

	s := &Service{
		Conf:           conf,
		Logger:         log,
		channelMetrics: deps.ChannelMetrics,
		pacer:          channel.NewRetryPacer(),
	}

	if deps.ErrorClassifier != nil {
		s.errorClassifier = deps.ErrorClassifier
	} else {
		s.errorClassifier = defaultErrorClassifier
	}

	registry := deps.TransportRegistry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	tp, err := registry.Build(ctx, conf, wmLogger)
	if err != nil {
		return nil, err
	}
	s.publisher = tp.Publisher
	s.subscriber = tp.Subscriber

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		return nil, err
	}
	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}

	return s, nil
}

// Start runs the underlying Watermill router until the provided context is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()
	return routerRun(s.router, ctx)
}

// Running returns a channel closed once the router is up; used by callers
// that publish right after Start.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Publisher exposes the transport publisher for building channel publishers.
func (s *Service) Publisher() message.Publisher {
	return s.publisher
}

// Subscriber exposes the transport subscriber for direct registrations.
func (s *Service) Subscriber() message.Subscriber {
	return s.subscriber
}

// Pacer exposes the shared retry pacer so callers can sweep it.
func (s *Service) Pacer() *channel.RetryPacer {
	return s.pacer
}

func (s *Service) registerConfiguredMiddlewares(deps Dependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("orderpulse: registering middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) getErrorClassifier() ErrorClassifier {
	if s.errorClassifier == nil {
		return defaultErrorClassifier
	}
	return s.errorClassifier
}

// Handlers returns a snapshot of the registered handlers and their stats.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()
	out := make([]*HandlerInfo, len(s.handlers))
	copy(out, s.handlers)
	return out
}

// RegisterHTTPHandler mounts a handler on the HTTP server for the given port.
// Servers start together with the router.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", logging.LogFields{"address": addr})
		go func(addr string, handler http.Handler) {
			if err := http.ListenAndServe(addr, handler); err != nil {
				s.Logger.Error("Failed to start HTTP server", err, logging.LogFields{"address": addr})
			}
		}(addr, mux)
	}
}

type handlerRegistration struct {
	Name         string
	ConsumeQueue string
	Subscriber   message.Subscriber
	PublishQueue string
	Publisher    message.Publisher
	Handler      message.HandlerFunc
}

// MessageHandlerRegistration wires a raw Watermill handler without typed
// helpers.
type MessageHandlerRegistration struct {
	Name         string
	ConsumeQueue string
	PublishQueue string
	Handler      message.HandlerFunc
	Subscriber   message.Subscriber
	Publisher    message.Publisher
}

// RegisterMessageHandler attaches the provided handler to the service router.
func RegisterMessageHandler(svc *Service, cfg MessageHandlerRegistration) error {
	if svc == nil {
		return xerrors.ErrServiceRequired
	}

	return svc.registerHandler(handlerRegistration{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Subscriber:   cfg.Subscriber,
		Publisher:    cfg.Publisher,
		Handler:      cfg.Handler,
	})
}

func (s *Service) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return xerrors.ErrHandlerRequired
	}
	if cfg.ConsumeQueue == "" {
		return xerrors.ErrTopicRequired
	}
	if cfg.Name == "" {
		return xerrors.ErrHandlerNameNeeded
	}
	if cfg.Subscriber == nil {
		cfg.Subscriber = s.subscriber
	}
	if cfg.Publisher == nil {
		cfg.Publisher = s.publisher
	}

	stats := newHandlerStats(cfg.Name)
	info := &HandlerInfo{
		Name:         cfg.Name,
		ConsumeQueue: cfg.ConsumeQueue,
		PublishQueue: cfg.PublishQueue,
		Stats:        stats,
	}

	s.handlersMu.Lock()
	s.handlers = append(s.handlers, info)
	s.handlersMu.Unlock()

	cfg.Handler = wrapHandlerWithStats(cfg.Handler, stats, s.getErrorClassifier())

	s.router.AddHandler(
		cfg.Name,
		cfg.ConsumeQueue,
		cfg.Subscriber,
		cfg.PublishQueue,
		cfg.Publisher,
		cfg.Handler,
	)

	return nil
}
