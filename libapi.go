package pipeflow

import (
	"github.com/ThreeDotsLabs/watermill/message"

	runtimepkg "github.com/drblury/pipeflow/internal/runtime"
	adapterpkg "github.com/drblury/pipeflow/internal/runtime/adapter"
	adminpkg "github.com/drblury/pipeflow/internal/runtime/admin"
	cachepkg "github.com/drblury/pipeflow/internal/runtime/cache"
	configpkg "github.com/drblury/pipeflow/internal/runtime/config"
	errorformatpkg "github.com/drblury/pipeflow/internal/runtime/errorformat"
	errspkg "github.com/drblury/pipeflow/internal/runtime/errors"
	flowpkg "github.com/drblury/pipeflow/internal/runtime/flow"
	idspkg "github.com/drblury/pipeflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/pipeflow/internal/runtime/logging"
	messagepkg "github.com/drblury/pipeflow/internal/runtime/message"
	pipelinepkg "github.com/drblury/pipeflow/internal/runtime/pipeline"
	runstatepkg "github.com/drblury/pipeflow/internal/runtime/runstate"
	sessionpkg "github.com/drblury/pipeflow/internal/runtime/session"
	statisticspkg "github.com/drblury/pipeflow/internal/runtime/statistics"
	stepspkg "github.com/drblury/pipeflow/internal/runtime/steps"
	txnpkg "github.com/drblury/pipeflow/internal/runtime/txn"
	"github.com/drblury/pipeflow/internal/runtime/txn/sqltx"
	newtransport "github.com/drblury/pipeflow/transport"
	_ "github.com/drblury/pipeflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies

	RetryMiddlewareConfig = runtimepkg.RetryMiddlewareConfig

	// Routing model
	Step       = flowpkg.Step
	StepResult = flowpkg.StepResult
	Result     = flowpkg.Result
	Forward    = flowpkg.Forward
	Exit       = flowpkg.Exit

	ConfigError = flowpkg.ConfigError
	RunError    = flowpkg.RunError
	StateError  = flowpkg.StateError

	Message  = messagepkg.Message
	Metadata = messagepkg.Metadata
	Session  = sessionpkg.Session

	Pipeline       = pipelinepkg.Pipeline
	PipelineOption = pipelinepkg.Option

	Adapter        = adapterpkg.Adapter
	AdapterOption  = adapterpkg.Option
	AdapterStatus  = adapterpkg.Status
	Hooks          = adapterpkg.Hooks
	MessageContext = adapterpkg.MessageContext
	RunState       = runstatepkg.State

	// Units of work
	Propagation           = txnpkg.Propagation
	TransactionAttributes = txnpkg.Attributes
	TransactionManager    = txnpkg.Manager

	// Error results
	ErrorDetails       = errorformatpkg.Details
	ErrorFormatter     = errorformatpkg.Formatter
	ErrorFormatterFunc = errorformatpkg.Func

	Cache      = cachepkg.Cache
	CacheEntry = cachepkg.Entry

	StatisticsAction  = statisticspkg.Action
	StatisticsHandler = statisticspkg.Handler
	StatisticsSource  = statisticspkg.Source
	StatisticsTree    = statisticspkg.Tree

	AdminServer = adminpkg.Server
	AdminConfig = adminpkg.Config

	// Built-in steps
	StepOption                    = stepspkg.Option
	StepHandler                   = stepspkg.HandlerFunc
	SwitchCase                    = stepspkg.Case
	PublishOption                 = stepspkg.PublishOption
	SQLOption                     = stepspkg.SQLOption
	SQLParam                      = stepspkg.Param
	JSONStepHandler[T any, O any] = stepspkg.JSONHandler[T, O]

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Modular transport types
	TransportBuilder      = newtransport.Builder
	TransportConfig       = newtransport.Config
	TransportRegistry     = newtransport.Registry
	TransportCapabilities = newtransport.Capabilities
	Transport             = newtransport.Transport
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.LoadFile
	ReadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	RetryMiddleware = runtimepkg.RetryMiddleware

	NewPipeline                = pipelinepkg.New
	WithPipelineLogger         = pipelinepkg.WithLogger
	WithFirstStep              = pipelinepkg.WithFirstStep
	WithFixedForwarding        = pipelinepkg.WithFixedForwarding
	WithTransaction            = pipelinepkg.WithTransaction
	WithTransactionManager     = pipelinepkg.WithTransactionManager
	WithPipelineMaxConcurrency = pipelinepkg.WithMaxConcurrency
	WithCache                  = pipelinepkg.WithCache
	WithInputValidator         = pipelinepkg.WithInputValidator
	WithOutputValidator        = pipelinepkg.WithOutputValidator
	WithInputWrapper           = pipelinepkg.WithInputWrapper
	WithOutputWrapper          = pipelinepkg.WithOutputWrapper

	NewAdapter             = adapterpkg.New
	WithAdapterLogger      = adapterpkg.WithLogger
	WithErrorState         = adapterpkg.WithErrorState
	WithErrorFormatter     = adapterpkg.WithErrorFormatter
	WithReplaceNullMessage = adapterpkg.WithReplaceNullMessage
	WithHooks              = adapterpkg.WithHooks

	NewMessage        = messagepkg.New
	MessageFromString = messagepkg.FromString
	MessageFromBytes  = messagepkg.FromBytes
	NewSession        = sessionpkg.New

	Next    = flowpkg.Next
	Success = flowpkg.Success

	ParsePropagation   = txnpkg.ParsePropagation
	NewMemoryTxManager = txnpkg.NewMemoryManager
	NewSQLTxManager    = sqltx.NewManager
	OpenDatabase       = sqltx.Open
	SQLTx              = sqltx.MustTx

	DefaultErrorFormatter = errorformatpkg.Default

	NewMemoryCache = cachepkg.NewMemory
	NewRedisCache  = cachepkg.NewRedis
	DialRedisCache = cachepkg.DialRedis

	ParseStatisticsAction = statisticspkg.ParseAction
	CollectStatistics     = statisticspkg.Collect

	NewAdminServer = adminpkg.New

	EchoStep               = stepspkg.Echo
	FixedResultStep        = stepspkg.FixedResult
	FailStep               = stepspkg.Fail
	FuncStep               = stepspkg.Func
	SwitchStep             = stepspkg.Switch
	PublishStep            = stepspkg.Publish
	SQLStep                = stepspkg.SQL
	WithForward            = stepspkg.WithForward
	WithStepMaxConcurrency = stepspkg.WithMaxConcurrency
	WithStepLogger         = stepspkg.WithLogger
	WithStepTransaction    = stepspkg.WithTransaction
	WithPublishRetries     = stepspkg.WithRetries
	WithPublishStepOptions = stepspkg.WithStepOptions
	WithSQLParams          = stepspkg.WithParams
	ReturningRows          = stepspkg.ReturningRows
	WithSQLTransaction     = stepspkg.WithSQLTransaction
	WithSQLStepOptions     = stepspkg.WithSQLStepOptions
	FromPayload            = stepspkg.FromPayload
	FromSession            = stepspkg.FromSession
	Value                  = stepspkg.Value

	// Modular transport registry. Every built-in transport is registered
	// on DefaultTransportRegistry by importing this package.
	DefaultTransportRegistry = newtransport.DefaultRegistry
	RegisterTransport        = newtransport.Register
	NewTransportRegistry     = newtransport.NewRegistry

	ErrNoSteps               = errspkg.ErrNoSteps
	ErrDuplicateStep         = errspkg.ErrDuplicateStep
	ErrUnresolvedForward     = errspkg.ErrUnresolvedForward
	ErrForwardNotFound       = errspkg.ErrForwardNotFound
	ErrNotConfigured         = errspkg.ErrNotConfigured
	ErrNotAccepting          = errspkg.ErrNotAccepting
	ErrTransactionRequired   = errspkg.ErrTransactionRequired
	ErrTransactionNotAllowed = errspkg.ErrTransactionNotAllowed
	ErrStepFailed            = errspkg.ErrStepFailed
	ErrPublisherRequired     = errspkg.ErrPublisherRequired
	ErrTopicRequired         = errspkg.ErrTopicRequired
	ErrUnknownTransport      = newtransport.ErrUnknownTransport

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopLogger         = loggingpkg.NewNopLogger

	CreateULID = idspkg.CreateULID
)

// Exit states and forward names.
const (
	StateSuccess  = flowpkg.StateSuccess
	StateFailed   = flowpkg.StateFailed
	StateRejected = flowpkg.StateRejected

	SuccessForward   = flowpkg.SuccessForward
	ExceptionForward = stepspkg.ExceptionForward
)

// Transaction propagations.
const (
	Supports     = txnpkg.Supports
	Required     = txnpkg.Required
	RequiresNew  = txnpkg.RequiresNew
	Mandatory    = txnpkg.Mandatory
	NotSupported = txnpkg.NotSupported
	Never        = txnpkg.Never
)

// Statistics actions.
const (
	StatisticsNone  = statisticspkg.ActionNone
	StatisticsFull  = statisticspkg.ActionFull
	StatisticsMark  = statisticspkg.ActionMark
	StatisticsReset = statisticspkg.ActionReset
)

// Run states.
const (
	Stopped  = runstatepkg.Stopped
	Starting = runstatepkg.Starting
	Started  = runstatepkg.Started
	Stopping = runstatepkg.Stopping
	Errored  = runstatepkg.Error
)

// JSONStep builds a step that decodes the payload into T, calls fn and
// encodes its result as the new payload.
func JSONStep[T any, O any](name string, fn JSONStepHandler[T, O], opts ...StepOption) Step {
	return stepspkg.JSON[T, O](name, fn, opts...)
}

// PublishTo builds a publish step on the Service's transport.
func PublishTo(svc *Service, name, topic string, opts ...PublishOption) Step {
	return stepspkg.Publish(name, topic, svc.Publisher(), opts...)
}

// Publisher is the watermill publisher used by publish steps.
type Publisher = message.Publisher
