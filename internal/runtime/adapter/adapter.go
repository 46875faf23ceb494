// Package adapter supervises one pipeline and the receivers that feed it.
//
// An Adapter owns the run state of the whole unit: it starts the pipeline
// steps before its receivers and, on stop, halts the receivers, waits for
// every in-flight message to finish and only then stops the steps. Every
// message handed to ProcessMessage ends in a flow.Result; failures are
// turned into a result carrying the adapter's error state and a formatted
// error document.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/errorformat"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/pipeline"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
)

// DefaultErrorState is the result state reported for failed messages.
const DefaultErrorState = flow.StateFailed

// Outcome of the last processed message.
const (
	OutcomeOK    = "OK"
	OutcomeError = "ERROR"
)

// Receiver feeds messages into an adapter. StopRunning returns once the
// receiver no longer hands out new messages.
type Receiver interface {
	Name() string
	Configure(ctx context.Context) error
	StartRunning(ctx context.Context) error
	StopRunning(ctx context.Context) error
	RunState() runstate.State
	WaitForRunState(ctx context.Context, target runstate.State, timeout time.Duration) bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(log logging.ServiceLogger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithDescription sets a free text description shown by the admin surface.
func WithDescription(text string) Option {
	return func(a *Adapter) { a.description = text }
}

// WithErrorState overrides DefaultErrorState.
func WithErrorState(state string) Option {
	return func(a *Adapter) {
		if state != "" {
			a.errorState = state
		}
	}
}

// WithErrorFormatter sets the formatter for error results. Defaults to
// errorformat.Default().
func WithErrorFormatter(f errorformat.Formatter) Option {
	return func(a *Adapter) { a.formatter = f }
}

// WithReplaceNullMessage makes the adapter substitute an empty message for
// a nil input.
func WithReplaceNullMessage(replace bool) Option {
	return func(a *Adapter) { a.replaceNull = replace }
}

// WithHooks adds message hooks. Repeated use merges them.
func WithHooks(h Hooks) Option {
	return func(a *Adapter) { a.hooks = a.hooks.Merge(h) }
}

// WithMessageKeeperSize sets how many lifecycle events are kept.
func WithMessageKeeperSize(n int) Option {
	return func(a *Adapter) { a.messages = NewMessageKeeper(n) }
}

// Adapter connects receivers to a pipeline. ProcessMessage may be called
// concurrently from any number of goroutines.
type Adapter struct {
	name        string
	description string
	log         logging.ServiceLogger
	pipeline    *pipeline.Pipeline
	errorState  string
	formatter   errorformat.Formatter
	replaceNull bool
	hooks       Hooks
	messages    *MessageKeeper
	now         func() time.Time

	receiversMu sync.Mutex
	receivers   []Receiver
	// starting counts a receiver start round still in progress.
	starting sync.WaitGroup

	state      *runstate.Manager
	configured atomic.Bool

	// mu guards the message accounting below. drained is signalled when
	// inProcess drops to zero.
	mu          sync.Mutex
	drained     *sync.Cond
	inProcess   int64
	closed      bool
	processed   *statistics.Counter
	inError     *statistics.Counter
	hourly      statistics.Hourly
	duration    *statistics.Keeper
	upSince     time.Time
	lastMessage time.Time
	lastOutcome string
}

// New returns a stopped adapter around p.
func New(name string, p *pipeline.Pipeline, opts ...Option) *Adapter {
	a := &Adapter{
		name:       name,
		pipeline:   p,
		errorState: DefaultErrorState,
		state:      runstate.NewManager(),
		processed:  statistics.NewCounter("messagesProcessed"),
		inError:    statistics.NewCounter("messagesInError"),
		duration:   statistics.NewKeeper("duration"),
		now:        time.Now,
	}
	a.drained = sync.NewCond(&a.mu)
	for _, opt := range opts {
		opt(a)
	}
	if a.messages == nil {
		a.messages = NewMessageKeeper(DefaultMessageKeeperSize)
	}
	if a.formatter == nil {
		a.formatter = errorformat.Default()
	}
	a.log = logging.ForComponent(a.log, "adapter", name)
	a.upSince = a.now()
	return a
}

// Name returns the adapter name.
func (a *Adapter) Name() string { return a.name }

// Description returns the configured description.
func (a *Adapter) Description() string { return a.description }

// Pipeline returns the supervised pipeline.
func (a *Adapter) Pipeline() *pipeline.Pipeline { return a.pipeline }

// ErrorState returns the state reported for failed messages.
func (a *Adapter) ErrorState() string { return a.errorState }

// Messages returns the recent lifecycle events.
func (a *Adapter) Messages() *MessageKeeper { return a.messages }

// RunState returns the current run state.
func (a *Adapter) RunState() runstate.State { return a.state.Get() }

// WaitForRunState blocks until the adapter reaches target, the timeout
// elapses or ctx is done. A non-positive timeout waits without deadline.
func (a *Adapter) WaitForRunState(ctx context.Context, target runstate.State, timeout time.Duration) bool {
	return a.state.WaitFor(ctx, target, timeout)
}

// Configured reports whether Configure succeeded.
func (a *Adapter) Configured() bool { return a.configured.Load() }

// RegisterReceiver adds a receiver. Receivers are started in registration
// order once the pipeline runs.
func (a *Adapter) RegisterReceiver(r Receiver) error {
	if r == nil {
		return flow.NewConfigError(a.name, errpkg.ErrNilReceiver)
	}
	a.receiversMu.Lock()
	defer a.receiversMu.Unlock()
	a.receivers = append(a.receivers, r)
	a.log.Debug("registered receiver", logging.LogFields{"receiver": r.Name()})
	return nil
}

// Receivers returns the registered receivers.
func (a *Adapter) Receivers() []Receiver {
	a.receiversMu.Lock()
	defer a.receiversMu.Unlock()
	return append([]Receiver(nil), a.receivers...)
}

// Receiver returns the receiver with the given name.
func (a *Adapter) Receiver(name string) (Receiver, bool) {
	for _, r := range a.Receivers() {
		if r.Name() == name {
			return r, true
		}
	}
	return nil, false
}

// Configure configures the pipeline and then every receiver. All problems
// are reported together; the adapter can only be started after a
// successful Configure.
func (a *Adapter) Configure(ctx context.Context) error {
	if a.pipeline == nil {
		err := flow.NewConfigError(a.name, errpkg.ErrPipelineRequired)
		a.fail("no pipeline registered", err)
		return err
	}

	var errs []error
	if err := a.pipeline.Configure(ctx); err != nil {
		a.fail("pipeline configuration failed", err)
		errs = append(errs, err)
	} else {
		a.messages.Add(LevelInfo, "pipeline successfully configured")
	}
	for _, r := range a.Receivers() {
		if err := r.Configure(ctx); err != nil {
			a.fail(fmt.Sprintf("receiver [%s] configuration failed", r.Name()), err)
			errs = append(errs, flow.NewConfigError(r.Name(), err))
			continue
		}
		a.messages.Add(LevelInfo, fmt.Sprintf("receiver [%s] successfully configured", r.Name()))
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.configured.Store(true)
	a.log.Info("adapter configured", logging.LogFields{"receivers": len(a.Receivers())})
	return nil
}

// InProcess returns the number of messages currently being processed.
func (a *Adapter) InProcess() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inProcess
}

// Processed returns the number of messages that finished processing.
func (a *Adapter) Processed() int64 { return a.processed.Value() }

// InError returns the number of messages that ended in the error state.
func (a *Adapter) InError() int64 { return a.inError.Value() }

// DurationKeeper returns the keeper of total processing durations.
func (a *Adapter) DurationKeeper() *statistics.Keeper { return a.duration }

// HourlyCounts returns the number of messages started per hour of day
// during the last 24 hours.
func (a *Adapter) HourlyCounts() [24]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hourly.Counts()
}

func (a *Adapter) warn(text string, fields logging.LogFields) {
	logging.Warn(a.log, text, fields)
	a.messages.Add(LevelWarn, text)
}

func (a *Adapter) fail(text string, err error) {
	a.log.Error(text, err, nil)
	a.messages.Add(LevelError, text+": "+err.Error())
}
