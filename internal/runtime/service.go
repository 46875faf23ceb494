package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/drblury/pipeflow/internal/runtime/adapter"
	"github.com/drblury/pipeflow/internal/runtime/admin"
	"github.com/drblury/pipeflow/internal/runtime/cache"
	configpkg "github.com/drblury/pipeflow/internal/runtime/config"
	"github.com/drblury/pipeflow/internal/runtime/errorformat"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	loggingpkg "github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/pipeline"
	"github.com/drblury/pipeflow/internal/runtime/receiver"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/internal/runtime/txn"
	"github.com/drblury/pipeflow/internal/runtime/txn/sqltx"
	"github.com/drblury/pipeflow/transport"
)

const (
	defaultAdapterName      = "pipeflow"
	defaultPubSubSystem     = "channel"
	defaultMetricsNamespace = "pipeflow"
	// metricsOnlySchedule refreshes the exporter when metrics are enabled
	// without a statistics schedule.
	metricsOnlySchedule = "@every 15s"
)

// runStateTimeout bounds how long Start and Stop wait for the adapter.
var runStateTimeout = 30 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to let the Service build them from the configuration.
type ServiceDependencies struct {
	// Registry resolves Config.PubSubSystem. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Transport replaces the registry lookup entirely.
	Transport *transport.Transport
	// TransactionManager replaces the manager derived from the SQL settings.
	TransactionManager txn.Manager
	// Cache replaces the cache derived from the cache settings.
	Cache cache.Cache
	// Prometheus receives all collectors and is served on /metrics. A fresh
	// registry with Go and process collectors is used when nil.
	Prometheus *prometheus.Registry

	Hooks           adapter.Hooks
	ErrorFormatter  errorformat.Formatter
	Middlewares     []message.HandlerMiddleware // Appended after the retry middleware.
	PipelineOptions []pipeline.Option           // Applied after the configured options.
	AdapterOptions  []adapter.Option            // Applied after the configured options.
}

// Service wires one adapter, its pipeline, the transport and the
// surrounding infrastructure from a Config.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	pipeline  *pipeline.Pipeline
	adapter   *adapter.Adapter
	transport transport.Transport
	ownsTr    bool
	receiver  *receiver.Receiver
	txManager txn.Manager
	db        *sql.DB
	cache     cache.Cache
	ownsCache bool

	prom      *prometheus.Registry
	exporter  *statistics.PrometheusExporter
	scheduler *statistics.Scheduler
	admin     *admin.Server

	closeOnce sync.Once
	closeErr  error
}

// NewService validates conf and builds a Service. Register exits and steps
// on the returned Service before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	cfg := *conf
	if cfg.AdapterName == "" {
		cfg.AdapterName = defaultAdapterName
	}
	if cfg.PubSubSystem == "" {
		cfg.PubSubSystem = defaultPubSubSystem
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = defaultMetricsNamespace
	}

	log = loggingpkg.OrNop(log)
	log.Info("Creating pipeflow service", loggingpkg.LogFields{
		"adapter":       cfg.AdapterName,
		"pubsub_system": cfg.PubSubSystem,
		"config":        cfg.String(),
	})

	s := &Service{Conf: &cfg, Logger: log}
	if err := s.build(ctx, deps); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}

	s.prom = deps.Prometheus
	if s.prom == nil {
		s.prom = prometheus.NewRegistry()
		s.prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	if err := s.buildTransactions(ctx, deps); err != nil {
		return err
	}
	if err := s.buildCache(ctx, deps); err != nil {
		return err
	}

	popts := []pipeline.Option{
		pipeline.WithLogger(s.Logger),
		pipeline.WithTransaction(s.Conf.TransactionAttributes()),
		pipeline.WithTransactionManager(s.txManager),
		pipeline.WithMaxConcurrency(s.Conf.PipelineMaxConcurrency),
		pipeline.WithMessageSizeWarning(s.Conf.MessageSizeWarning),
	}
	if s.cache != nil {
		popts = append(popts, pipeline.WithCache(s.cache))
	}
	s.pipeline = pipeline.New(s.Conf.AdapterName, append(popts, deps.PipelineOptions...)...)

	aopts := []adapter.Option{
		adapter.WithLogger(s.Logger),
		adapter.WithDescription(s.Conf.AdapterDescription),
		adapter.WithReplaceNullMessage(s.Conf.ReplaceNullMessage),
		adapter.WithHooks(deps.Hooks),
	}
	if s.Conf.AdapterErrorState != "" {
		aopts = append(aopts, adapter.WithErrorState(s.Conf.AdapterErrorState))
	}
	if s.Conf.MessageKeeperSize > 0 {
		aopts = append(aopts, adapter.WithMessageKeeperSize(s.Conf.MessageKeeperSize))
	}
	if deps.ErrorFormatter != nil {
		aopts = append(aopts, adapter.WithErrorFormatter(deps.ErrorFormatter))
	}
	s.adapter = adapter.New(s.Conf.AdapterName, s.pipeline, append(aopts, deps.AdapterOptions...)...)

	if deps.Transport != nil {
		s.transport = *deps.Transport
	} else {
		tr, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
		if err != nil {
			return err
		}
		s.transport, s.ownsTr = tr, true
	}

	if s.Conf.ConsumeTopic != "" {
		if err := s.buildReceiver(registry, deps); err != nil {
			return err
		}
	}

	if err := s.buildStatistics(); err != nil {
		return err
	}

	if s.Conf.AdminEnabled {
		s.admin = admin.New(
			admin.Config{Port: s.Conf.AdminPort, CORSAllowedOrigins: s.Conf.AdminCORSAllowedOrigins},
			admin.WithLogger(s.Logger),
			admin.WithGatherer(s.prom),
			admin.WithTransports(registry),
		)
		if err := s.admin.Register(s.adapter); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) buildTransactions(ctx context.Context, deps ServiceDependencies) error {
	switch {
	case deps.TransactionManager != nil:
		s.txManager = deps.TransactionManager
	case s.Conf.SQLDriver != "":
		db, err := sqltx.Open(ctx, s.Conf.SQLDriver, s.Conf.SQLDSN)
		if err != nil {
			return err
		}
		s.db = db
		s.txManager = sqltx.NewManager(db, sqltx.WithDefaultTimeout(s.Conf.TransactionTimeout))
	default:
		s.txManager = txn.NopManager{}
	}
	return nil
}

func (s *Service) buildCache(ctx context.Context, deps ServiceDependencies) error {
	if deps.Cache != nil {
		s.cache = deps.Cache
		return nil
	}
	switch {
	case s.Conf.CacheRedisAddress != "":
		rc := cache.RedisConfig{Address: s.Conf.CacheRedisAddress, Prefix: s.Conf.CachePrefix, TTL: s.Conf.CacheTTL}
		if strings.Contains(rc.Address, "://") {
			opts, err := redis.ParseURL(rc.Address)
			if err != nil {
				return fmt.Errorf("pipeflow: parse redis address: %w", err)
			}
			rc.Address, rc.Password, rc.DB = opts.Addr, opts.Password, opts.DB
		}
		c, err := cache.DialRedis(ctx, rc)
		if err != nil {
			return err
		}
		s.cache, s.ownsCache = c, true
	case s.Conf.CacheMemorySize > 0:
		c, err := cache.NewMemory(s.Conf.CacheMemorySize, s.Conf.CacheTTL)
		if err != nil {
			return err
		}
		s.cache, s.ownsCache = c, true
	}
	return nil
}

func (s *Service) buildReceiver(registry *transport.Registry, deps ServiceDependencies) error {
	var mws []message.HandlerMiddleware
	if s.Conf.RetryMaxRetries > 0 {
		mws = append(mws, RetryMiddleware(RetryMiddlewareConfig{
			MaxRetries:      s.Conf.RetryMaxRetries,
			InitialInterval: s.Conf.RetryInitialInterval,
			MaxInterval:     s.Conf.RetryMaxInterval,
		}))
	}
	mws = append(mws, deps.Middlewares...)

	ropts := []receiver.Option{
		receiver.WithLogger(s.Logger),
		receiver.WithMiddleware(mws...),
		receiver.WithCapabilities(registry.GetCapabilities(s.Conf.PubSubSystem)),
	}
	if s.Conf.MetricsEnabled {
		ropts = append(ropts, receiver.WithRouterMetrics(s.prom, s.Conf.MetricsNamespace))
	}
	s.receiver = receiver.New(receiver.Config{
		Name:         s.Conf.AdapterName + "-" + s.Conf.ConsumeTopic,
		Topic:        s.Conf.ConsumeTopic,
		ReplyTopic:   s.Conf.ReplyTopic,
		ErrorTopic:   s.Conf.ErrorTopic,
		CloseTimeout: s.Conf.ReceiverCloseTimeout,
	}, s.adapter, s.transport, ropts...)
	return s.adapter.RegisterReceiver(s.receiver)
}

func (s *Service) buildStatistics() error {
	var handlers []statistics.Handler
	if s.Conf.MetricsEnabled {
		s.exporter = statistics.NewPrometheusExporter(s.Conf.MetricsNamespace, s.prom)
		if err := s.exporter.Register(); err != nil {
			return fmt.Errorf("pipeflow: register statistics exporter: %w", err)
		}
		handlers = append(handlers, s.exporter)
	}

	spec := s.Conf.StatisticsSchedule
	action, err := statistics.ParseAction(s.Conf.StatisticsAction)
	if err != nil {
		return err
	}
	switch {
	case spec != "":
		handlers = append(handlers, statistics.NewLogHandler(s.Logger))
	case s.exporter != nil:
		spec, action = metricsOnlySchedule, statistics.ActionFull
	default:
		return nil
	}

	sched, err := statistics.NewScheduler(spec, s.adapter, action, s.Logger, handlers...)
	if err != nil {
		return err
	}
	s.scheduler = sched
	return nil
}

// Pipeline returns the pipeline run by the adapter.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Adapter returns the adapter.
func (s *Service) Adapter() *adapter.Adapter { return s.adapter }

// Publisher returns the transport's publisher, for publish steps and callers.
func (s *Service) Publisher() message.Publisher { return s.transport.Publisher }

// Subscriber returns the transport's subscriber.
func (s *Service) Subscriber() message.Subscriber { return s.transport.Subscriber }

// TransactionManager returns the unit-of-work manager of the pipeline.
func (s *Service) TransactionManager() txn.Manager { return s.txManager }

// DB returns the database behind the SQL unit of work, or nil.
func (s *Service) DB() *sql.DB { return s.db }

// Admin returns the admin server, or nil when it is disabled.
func (s *Service) Admin() *admin.Server { return s.admin }

// Gatherer returns the registry all metrics are collected in.
func (s *Service) Gatherer() prometheus.Gatherer { return s.prom }

// RegisterExit registers a pipeline exit.
func (s *Service) RegisterExit(e flow.Exit) error { return s.pipeline.RegisterExit(e) }

// AddStep adds a step to the pipeline.
func (s *Service) AddStep(step flow.Step) error { return s.pipeline.AddStep(step) }

// DumpStatistics runs the statistics schedule once, outside of its timing.
func (s *Service) DumpStatistics() {
	if s.scheduler != nil {
		s.scheduler.RunNow()
	}
}

// Start configures the adapter if needed, starts the statistics schedule
// and the admin server and then starts the adapter. It returns once the
// adapter is running.
func (s *Service) Start(ctx context.Context) error {
	if !s.adapter.Configured() {
		if err := s.adapter.Configure(ctx); err != nil {
			return err
		}
	}
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}
	if s.admin != nil {
		if err := s.admin.Start(ctx); err != nil {
			return err
		}
	}

	s.adapter.StartRunning(ctx)
	if !s.adapter.WaitForRunState(ctx, runstate.Started, runStateTimeout) {
		st := s.adapter.Status()
		return fmt.Errorf("pipeflow: adapter %s did not start, state %s", st.Name, st.State)
	}
	s.Logger.Info("Service started", loggingpkg.LogFields{"adapter": s.Conf.AdapterName})
	return nil
}

// Stop stops the adapter, the statistics schedule and the admin server.
// Transport, cache and database stay open until Close.
func (s *Service) Stop(ctx context.Context) error {
	var errs []error
	s.adapter.StopRunning(ctx)
	if !s.adapter.WaitForRunState(ctx, runstate.Stopped, runStateTimeout) {
		errs = append(errs, fmt.Errorf("pipeflow: adapter %s did not stop, state %s", s.Conf.AdapterName, s.adapter.Status().State))
	}
	if s.scheduler != nil {
		s.scheduler.Stop(ctx)
	}
	if s.admin != nil {
		if err := s.admin.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.Logger.Info("Service stopped", loggingpkg.LogFields{"adapter": s.Conf.AdapterName})
	return errors.Join(errs...)
}

// Close releases the transport, the cache and the database the Service
// created itself. Close is idempotent.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.ownsTr {
			if err := s.transport.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.ownsCache && s.cache != nil {
			if err := s.cache.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Run starts the Service and blocks until ctx is cancelled, then stops and
// closes it.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return errors.Join(err, s.Close())
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), runStateTimeout)
	defer cancel()
	return errors.Join(s.Stop(stopCtx), s.Close())
}
