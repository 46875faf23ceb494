// Package receiver consumes a transport topic and hands every message to
// an adapter. Results are published to a reply topic, or to an error topic
// when the adapter reports its error state.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	wmmessage "github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/ids"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/session"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/transport"
)

// Metadata keys set on published results.
const (
	MetadataCorrelationID = "correlation_id"
	MetadataExitState     = "exit_state"
	MetadataExitCode      = "exit_code"
	MetadataMessageID     = "message_id"
)

var routerRun = func(router *wmmessage.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// Processor is the adapter side of a receiver.
type Processor interface {
	Name() string
	ErrorState() string
	ProcessMessageWithError(ctx context.Context, messageID string, msg *message.Message, sess *session.Session) (flow.Result, error)
}

// Config describes what a receiver consumes and where results go.
type Config struct {
	Name  string
	Topic string
	// ReplyTopic receives every result. Empty disables replies.
	ReplyTopic string
	// ErrorTopic receives results in the adapter's error state. Defaults to
	// ReplyTopic.
	ErrorTopic string
	// CloseTimeout bounds how long stopping waits for running handlers.
	CloseTimeout time.Duration
}

// Option customises a Receiver.
type Option func(*Receiver)

// WithLogger sets the logger.
func WithLogger(log logging.ServiceLogger) Option {
	return func(r *Receiver) { r.log = log }
}

// WithMiddleware appends router middlewares after the default chain.
func WithMiddleware(mw ...wmmessage.HandlerMiddleware) Option {
	return func(r *Receiver) { r.middlewares = append(r.middlewares, mw...) }
}

// WithRouterMetrics registers Watermill router metrics on reg under
// namespace.
func WithRouterMetrics(reg prometheus.Registerer, namespace string) Option {
	return func(r *Receiver) {
		r.metricsRegisterer = reg
		r.metricsNamespace = namespace
	}
}

// WithCapabilities tells the receiver what the transport guarantees.
func WithCapabilities(caps transport.Capabilities) Option {
	return func(r *Receiver) { r.caps = caps }
}

// Receiver runs a Watermill router with one handler for Config.Topic.
type Receiver struct {
	cfg       Config
	proc      Processor
	transport transport.Transport
	caps      transport.Capabilities
	log       logging.ServiceLogger

	middlewares       []wmmessage.HandlerMiddleware
	metricsRegisterer prometheus.Registerer
	metricsNamespace  string

	state *runstate.Manager

	mu     sync.Mutex
	router *wmmessage.Router
	cancel context.CancelFunc
	done   chan struct{}

	received *statistics.Counter
	rejected *statistics.Counter
	replied  *statistics.Counter
	failed   *statistics.Counter
	handling *statistics.Keeper
}

// New returns a stopped receiver feeding proc.
func New(cfg Config, proc Processor, tr transport.Transport, opts ...Option) *Receiver {
	if cfg.ErrorTopic == "" {
		cfg.ErrorTopic = cfg.ReplyTopic
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	r := &Receiver{
		cfg:       cfg,
		proc:      proc,
		transport: tr,
		state:     runstate.NewManager(),
		received:  statistics.NewCounter("received"),
		rejected:  statistics.NewCounter("rejected"),
		replied:   statistics.NewCounter("replied"),
		failed:    statistics.NewCounter("publishFailed"),
		handling:  statistics.NewKeeper("handling"),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.ForComponent(r.log, "receiver", cfg.Name)
	return r
}

// Name returns the receiver name.
func (r *Receiver) Name() string { return r.cfg.Name }

// Topic returns the consumed topic.
func (r *Receiver) Topic() string { return r.cfg.Topic }

// RunState returns the current run state.
func (r *Receiver) RunState() runstate.State { return r.state.Get() }

// WaitForRunState blocks until target is reached, the timeout elapses or
// ctx is done.
func (r *Receiver) WaitForRunState(ctx context.Context, target runstate.State, timeout time.Duration) bool {
	return r.state.WaitFor(ctx, target, timeout)
}

// Configure validates the receiver. A receiver that fails to configure is
// put in the ERROR state and will not be started.
func (r *Receiver) Configure(context.Context) error {
	var errs []error
	if r.cfg.Name == "" {
		errs = append(errs, errors.New("pipeflow: receiver name is required"))
	}
	if r.proc == nil {
		errs = append(errs, errpkg.ErrProcessorRequired)
	}
	if r.cfg.Topic == "" {
		errs = append(errs, errpkg.ErrTopicRequired)
	}
	if r.transport.Subscriber == nil {
		errs = append(errs, errpkg.ErrSubscriberRequired)
	}
	if r.cfg.ReplyTopic != "" && r.transport.Publisher == nil {
		errs = append(errs, errpkg.ErrPublisherRequired)
	}
	if err := errors.Join(errs...); err != nil {
		r.state.Set(runstate.Error)
		return err
	}
	if r.caps.Name != "" && !r.caps.RedeliversRejected() {
		logging.Warn(r.log, "transport does not redeliver rejected messages, messages arriving while the adapter is stopped are lost",
			logging.LogFields{"transport": r.caps.Name})
	}
	return nil
}

// StartRunning builds a router, subscribes to the topic and returns once
// the router runs.
func (r *Receiver) StartRunning(ctx context.Context) error {
	if prev, ok := r.state.CompareAndSet(runstate.Starting, runstate.Stopped); !ok {
		return &flow.StateError{Component: r.cfg.Name, State: prev, Err: errors.New("receiver can only be started when stopped")}
	}

	router, err := r.newRouter()
	if err != nil {
		r.state.Set(runstate.Error)
		return err
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	r.mu.Lock()
	r.router, r.cancel, r.done = router, cancel, done
	r.mu.Unlock()

	go func() {
		defer close(done)
		if err := routerRun(router, runCtx); err != nil {
			r.log.Error("router stopped with error", err, nil)
			r.state.Set(runstate.Error)
		}
	}()

	select {
	case <-router.Running():
	case <-done:
		r.state.CompareAndSet(runstate.Error, runstate.Starting)
		return fmt.Errorf("pipeflow: receiver %s: router exited during start", r.cfg.Name)
	case <-ctx.Done():
		cancel()
		<-done
		r.state.Set(runstate.Stopped)
		return ctx.Err()
	}
	r.state.Set(runstate.Started)
	r.log.Info("receiver started", logging.LogFields{"topic": r.cfg.Topic})
	return nil
}

// StopRunning closes the router, waiting for running handlers to finish,
// and returns once the receiver is stopped. A start still in progress is
// allowed to finish first.
func (r *Receiver) StopRunning(ctx context.Context) error {
	prev, ok := r.state.CompareAndSet(runstate.Stopping, runstate.Started)
	for !ok && prev == runstate.Starting {
		if r.state.WaitWhile(ctx, runstate.Starting) == runstate.Starting {
			return &flow.StateError{Component: r.cfg.Name, State: prev, Err: ctx.Err()}
		}
		prev, ok = r.state.CompareAndSet(runstate.Stopping, runstate.Started)
	}
	if !ok {
		if prev == runstate.Stopped {
			return nil
		}
		return &flow.StateError{Component: r.cfg.Name, State: prev, Err: errors.New("receiver is not running")}
	}

	r.mu.Lock()
	router, cancel, done := r.router, r.cancel, r.done
	r.mu.Unlock()

	err := router.Close()
	cancel()
	<-done
	if err != nil {
		r.state.Set(runstate.Error)
		return fmt.Errorf("pipeflow: close router of %s: %w", r.cfg.Name, err)
	}
	r.state.Set(runstate.Stopped)
	r.log.Info("receiver stopped", nil)
	return nil
}

func (r *Receiver) newRouter() (*wmmessage.Router, error) {
	wmLogger := logging.NewWatermillAdapter(r.log)
	router, err := wmmessage.NewRouter(wmmessage.RouterConfig{CloseTimeout: r.cfg.CloseTimeout}, wmLogger)
	if err != nil {
		return nil, err
	}

	router.AddMiddleware(
		correlationIDMiddleware,
		logMessagesMiddleware(r.log),
		tracerMiddleware,
	)
	if r.metricsRegisterer != nil {
		builder := metrics.NewPrometheusMetricsBuilder(r.metricsRegisterer, r.metricsNamespace, "receiver")
		builder.AddPrometheusRouterMetrics(router)
	}
	router.AddMiddleware(middleware.Recoverer)
	router.AddMiddleware(r.middlewares...)

	router.AddNoPublisherHandler(r.cfg.Name, r.cfg.Topic, r.transport.Subscriber, r.handle)
	return router, nil
}

// handle processes one message. Only a refusal by the adapter nacks the
// message; error results are published like any other result.
func (r *Receiver) handle(msg *wmmessage.Message) error {
	started := time.Now()
	r.received.Inc()
	defer func() { r.handling.RecordDuration(time.Since(started)) }()

	sess := session.New()
	defer func() { _ = sess.Close() }()
	cid := msg.Metadata.Get(MetadataCorrelationID)
	if cid == "" {
		cid = ids.NewCorrelationID()
	}
	sess.SetListenerParameters(msg.UUID, cid, started, time.Time{})

	res, err := r.proc.ProcessMessageWithError(msg.Context(), msg.UUID, message.FromWatermill(msg), sess)
	var stateErr *flow.StateError
	if errors.As(err, &stateErr) {
		r.rejected.Inc()
		return err
	}

	topic := r.cfg.ReplyTopic
	if res.State == r.proc.ErrorState() {
		topic = r.cfg.ErrorTopic
	}
	if topic == "" {
		return nil
	}
	return r.publish(msg, topic, cid, res)
}

func (r *Receiver) publish(in *wmmessage.Message, topic, cid string, res flow.Result) error {
	out, err := res.Content.ToWatermill(ids.CreateULID())
	if err != nil {
		r.failed.Inc()
		return fmt.Errorf("pipeflow: encode result of %s: %w", in.UUID, err)
	}
	out.Metadata.Set(MetadataCorrelationID, cid)
	out.Metadata.Set(MetadataMessageID, in.UUID)
	out.Metadata.Set(MetadataExitState, res.State)
	if res.ExitCode != 0 {
		out.Metadata.Set(MetadataExitCode, strconv.Itoa(res.ExitCode))
	}
	if !r.caps.Fits(int64(len(out.Payload))) {
		logging.Warn(r.log, "result exceeds the maximum message size of the transport", logging.LogFields{
			"message_id": in.UUID,
			"size":       len(out.Payload),
			"max_size":   r.caps.MaxMessageSize,
		})
	}
	out.SetContext(in.Context())
	if err := r.transport.Publisher.Publish(topic, out); err != nil {
		r.failed.Inc()
		return fmt.Errorf("pipeflow: publish result to %s: %w", topic, err)
	}
	r.replied.Inc()
	return nil
}

// IterateStatistics reports the receiver counters and handling durations.
func (r *Receiver) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	for _, c := range []*statistics.Counter{r.received, r.rejected, r.replied, r.failed} {
		if err := c.Report(h, action); err != nil {
			return err
		}
	}
	return statistics.Visit(h, r.handling, action)
}
