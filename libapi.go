package orderpulse

import (
	"time"

	broadcastpkg "github.com/campusgrid/orderpulse/internal/broadcast"
	channelpkg "github.com/campusgrid/orderpulse/internal/channel"
	deadletterpkg "github.com/campusgrid/orderpulse/internal/deadletter"
	enginepkg "github.com/campusgrid/orderpulse/internal/engine"
	idspkg "github.com/campusgrid/orderpulse/internal/ids"
	jsoncodec "github.com/campusgrid/orderpulse/internal/jsoncodec"
	loggingpkg "github.com/campusgrid/orderpulse/internal/logging"
	metadatapkg "github.com/campusgrid/orderpulse/internal/metadata"
	schedulerpkg "github.com/campusgrid/orderpulse/internal/scheduler"
	statspkg "github.com/campusgrid/orderpulse/internal/stats"
	storagepkg "github.com/campusgrid/orderpulse/internal/storage"
	sweeppkg "github.com/campusgrid/orderpulse/internal/sweep"
	timeoutpkg "github.com/campusgrid/orderpulse/internal/timeout"
	xerrorspkg "github.com/campusgrid/orderpulse/internal/xerrors"
	transportpkg "github.com/campusgrid/orderpulse/transport"
)

type (
	Config       = enginepkg.Config
	Service      = enginepkg.Service
	Dependencies = enginepkg.Dependencies
	App          = enginepkg.App
	AppConfig    = enginepkg.AppConfig

	MessageHandlerRegistration            = enginepkg.MessageHandlerRegistration
	JSONHandlerRegistration[T any, O any] = enginepkg.JSONHandlerRegistration[T, O]
	JSONMessageContext[T any]             = enginepkg.JSONMessageContext[T]
	JSONMessageOutput[T any]              = enginepkg.JSONMessageOutput[T]
	JSONMessageHandler[T any, O any]      = enginepkg.JSONMessageHandler[T, O]

	MiddlewareBuilder      = enginepkg.MiddlewareBuilder
	MiddlewareRegistration = enginepkg.MiddlewareRegistration

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	UnprocessableEventError = enginepkg.UnprocessableEventError

	HandlerInfo  = enginepkg.HandlerInfo
	HandlerStats = enginepkg.HandlerStats

	// Job lifecycle hooks
	JobContext = enginepkg.JobContext
	JobHooks   = enginepkg.JobHooks

	// Error classification
	ErrorClassifier = enginepkg.ErrorClassifier
	ErrorCategory   = enginepkg.ErrorCategory

	// Timeout domain
	OrderType      = timeoutpkg.OrderType
	OrderPhase     = timeoutpkg.Phase
	TimeoutStatus  = timeoutpkg.Status
	Severity       = timeoutpkg.Severity
	TimeoutPolicy  = timeoutpkg.Policy
	PolicyTable    = timeoutpkg.PolicyTable
	Timeoutable    = timeoutpkg.Timeoutable
	Transition     = timeoutpkg.Transition
	TransitionKind = timeoutpkg.TransitionKind
	StatusPatch    = timeoutpkg.StatusPatch

	// Reliable channel
	Envelope         = channelpkg.Envelope
	MessageType      = channelpkg.MessageType
	ChannelPublisher = channelpkg.Publisher
	ChannelMetrics   = channelpkg.Metrics
	RedeliveryConfig = channelpkg.RedeliveryConfig
	RetryPacer       = channelpkg.RetryPacer

	// Storage
	Order                 = storagepkg.Order
	OrderStore            = storagepkg.OrderStore
	DeadLetterRecord      = storagepkg.DeadLetterRecord
	DeadLetterStore       = storagepkg.DeadLetterStore
	MemoryOrderStore      = storagepkg.MemoryOrderStore
	MemoryDeadLetterStore = storagepkg.MemoryDeadLetterStore
	PostgresConfig        = storagepkg.PostgresConfig

	// Sweep engine
	SweepConfig  = sweeppkg.Config
	SweepEngine  = sweeppkg.Engine
	SweepResult  = sweeppkg.Result
	Archiver     = sweeppkg.Archiver
	ArchiverFunc = sweeppkg.ArchiverFunc

	// Dead-letter service
	DeadLetterService = deadletterpkg.Service
	DeadLetterConfig  = deadletterpkg.Config
	DLQMetrics        = deadletterpkg.Metrics
	DLQTopicMetrics   = deadletterpkg.TopicMetrics
	Alerter           = deadletterpkg.Alerter
	AlerterFunc       = deadletterpkg.AlerterFunc

	// Statistics
	StatsAggregator = statspkg.Aggregator
	StatsSnapshot   = statspkg.Snapshot
	StatsTally      = statspkg.Tally

	// Broadcast
	BroadcastHub   = broadcastpkg.Hub
	BroadcastFrame = broadcastpkg.Frame

	// Scheduler
	Scheduler     = schedulerpkg.Scheduler
	ScheduledTask = schedulerpkg.Task

	// Transports
	Transport             = transportpkg.Transport
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	DLQManager            = transportpkg.DLQManager
	QueueIntrospector     = transportpkg.QueueIntrospector
	DelayedPublisher      = transportpkg.DelayedPublisher
)

var (
	NewService     = enginepkg.NewService
	TryNewService  = enginepkg.TryNewService
	NewApp         = enginepkg.NewApp
	ValidateConfig = enginepkg.ValidateConfig

	RegisterMessageHandler = enginepkg.RegisterMessageHandler

	DefaultMiddlewares      = enginepkg.DefaultMiddlewares
	CorrelationIDMiddleware = enginepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = enginepkg.LogMessagesMiddleware
	TracerMiddleware        = enginepkg.TracerMiddleware
	MetricsMiddleware       = enginepkg.MetricsMiddleware
	RedeliveryMiddleware    = enginepkg.RedeliveryMiddleware
	RecovererMiddleware     = enginepkg.RecovererMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = enginepkg.JobHooksMiddleware
	LoggingHooks       = enginepkg.LoggingHooks
	MetricsHooks       = enginepkg.MetricsHooks
	AlertingHooks      = enginepkg.AlertingHooks

	// Timeout domain
	DefaultPolicyTable = timeoutpkg.DefaultPolicyTable
	OrderTypes         = timeoutpkg.OrderTypes
	EvaluateOrder      = timeoutpkg.Evaluate

	// Reliable channel
	NewEnvelope         = channelpkg.NewEnvelope
	NewChannelPublisher = channelpkg.NewPublisher
	NewChannelMetrics   = channelpkg.NewMetrics
	Redelivery          = channelpkg.Redelivery
	BackoffDelay        = channelpkg.BackoffDelay
	DeadLetterTopic     = channelpkg.DeadLetterTopic

	// Storage
	NewMemoryOrderStore      = storagepkg.NewMemoryOrderStore
	NewMemoryDeadLetterStore = storagepkg.NewMemoryDeadLetterStore
	NewPostgresStore         = storagepkg.NewPostgresStore

	// Sweep engine
	NewSweepEngine = sweeppkg.NewEngine

	// Dead-letter service
	NewDeadLetterService = deadletterpkg.NewService
	NewDLQMetrics        = deadletterpkg.NewMetrics

	// Statistics
	NewStatsAggregator = statspkg.NewAggregator
	StatsPeriodKey     = statspkg.PeriodKey

	// Broadcast
	NewBroadcastHub = broadcastpkg.NewHub

	// Scheduler
	NewScheduler = schedulerpkg.New

	// Transport registry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired   = xerrorspkg.ErrServiceRequired
	ErrHandlerRequired   = xerrorspkg.ErrHandlerRequired
	ErrTopicRequired     = xerrorspkg.ErrTopicRequired
	ErrPublisherRequired = xerrorspkg.ErrPublisherRequired
	ErrEnvelopeRequired  = xerrorspkg.ErrEnvelopeRequired
	ErrStoreRequired     = xerrorspkg.ErrStoreRequired
	ErrOrderNotFound     = xerrorspkg.ErrOrderNotFound
	ErrRecordNotFound    = xerrorspkg.ErrRecordNotFound
	ErrDuplicateRecord   = xerrorspkg.ErrDuplicateRecord

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	NewMetadata = metadatapkg.New

	NewMessageID = idspkg.NewMessageID
)

// Order type constants.
const (
	OrderTypeMail            = timeoutpkg.OrderTypeMail
	OrderTypeShopping        = timeoutpkg.OrderTypeShopping
	OrderTypePurchaseRequest = timeoutpkg.OrderTypePurchaseRequest
)

// Lifecycle phase constants.
const (
	PhasePickup       = timeoutpkg.PhasePickup
	PhaseDelivery     = timeoutpkg.PhaseDelivery
	PhaseConfirmation = timeoutpkg.PhaseConfirmation
)

// Message type constants of the reliable channel.
const (
	MessageOrderWarning      = channelpkg.MessageOrderWarning
	MessageOrderTimeout      = channelpkg.MessageOrderTimeout
	MessageOrderIntervention = channelpkg.MessageOrderIntervention
	MessageWalletInit        = channelpkg.MessageWalletInit
	MessageWalletBalance     = channelpkg.MessageWalletBalance
	MessageWalletTransfer    = channelpkg.MessageWalletTransfer
	MessageWalletWithdrawal  = channelpkg.MessageWalletWithdrawal
	MessageChatDelivery      = channelpkg.MessageChatDelivery
	MessageNotification      = channelpkg.MessageNotification
	MessagePaymentTimeout    = channelpkg.MessagePaymentTimeout
)

// Metadata keys - use these constants for standard metadata fields.
const (
	MetadataKeyCorrelationID = metadatapkg.KeyCorrelationID
	MetadataKeyMessageType   = metadatapkg.KeyMessageType
	MetadataKeyRetryCount    = metadatapkg.KeyRetryCount
	MetadataKeyOriginalTopic = metadatapkg.KeyOriginalTopic
	MetadataKeyFailureReason = metadatapkg.KeyFailureReason
	MetadataKeyEnqueuedAt    = metadatapkg.KeyEnqueuedAt

	// MetadataKeyDelay is honored by the PostgreSQL transport for delayed
	// message processing. Set to a duration string like "30s", "5m", "1h".
	MetadataKeyDelay = metadatapkg.KeyDelay
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone       = enginepkg.ErrorCategoryNone
	ErrorCategoryValidation = enginepkg.ErrorCategoryValidation
	ErrorCategoryTransport  = enginepkg.ErrorCategoryTransport
	ErrorCategoryDownstream = enginepkg.ErrorCategoryDownstream
	ErrorCategoryOther      = enginepkg.ErrorCategoryOther
)

// Transition topic the sweep engine publishes to.
const TransitionTopic = sweeppkg.TransitionTopic

func RegisterJSONHandler[T any, O any](svc *Service, cfg JSONHandlerRegistration[T, O]) error {
	return enginepkg.RegisterJSONHandler(svc, cfg)
}

// WithDelay returns a Metadata with the delay key set for delayed message
// processing on transports that support it.
// Example: orderpulse.NewMetadata().WithAll(orderpulse.WithDelay(30 * time.Second))
func WithDelay(delay time.Duration) Metadata {
	return Metadata{MetadataKeyDelay: delay.String()}
}
