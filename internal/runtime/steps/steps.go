// Package steps holds ready-made pipeline steps: echo, fixed results,
// failures, plain and JSON-typed functions, expression switches, publishing
// to a transport and SQL statements inside the active unit of work.
package steps

import (
	"context"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
	"github.com/drblury/pipeflow/internal/runtime/statistics"
	"github.com/drblury/pipeflow/internal/runtime/txn"
)

// ExceptionForward is followed by steps that handle their own failures
// when they declare it.
const ExceptionForward = "exception"

// Option configures the parts every step shares.
type Option func(*Base)

// WithForward declares a forward of the step.
func WithForward(name, path string) Option {
	return func(b *Base) { b.forwards = append(b.forwards, flow.Forward{Name: name, Path: path}) }
}

// WithMaxConcurrency limits simultaneous invocations of the step.
func WithMaxConcurrency(n int) Option {
	return func(b *Base) { b.maxConcurrency = n }
}

// WithLogger sets the logger of the step.
func WithLogger(log logging.ServiceLogger) Option {
	return func(b *Base) { b.log = log }
}

// Base implements the bookkeeping part of flow.Step. Steps embed it and
// add Invoke.
type Base struct {
	name           string
	forwards       []flow.Forward
	maxConcurrency int
	log            logging.ServiceLogger
}

func newBase(name string, opts []Option) Base {
	b := Base{name: name}
	for _, opt := range opts {
		opt(&b)
	}
	b.log = logging.ForComponent(b.log, "step", name)
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Forwards() []flow.Forward { return b.forwards }

func (b *Base) MaxConcurrency() int { return b.maxConcurrency }

// Configure checks the step name.
func (b *Base) Configure(context.Context) error {
	if b.name == "" {
		return errpkg.ErrEmptyStepName
	}
	return nil
}

func (b *Base) Start(context.Context) error { return nil }

func (b *Base) Stop(context.Context) error { return nil }

// HasForward reports whether the step itself declares name.
func (b *Base) HasForward(name string) bool {
	for _, f := range b.forwards {
		if f.Name == name {
			return true
		}
	}
	return false
}

// fail turns err into the exception forward when the step declares one.
// The error text becomes the content.
func (b *Base) fail(err error) (flow.StepResult, error) {
	if b.HasForward(ExceptionForward) {
		b.log.Error("step failed, following exception forward", err, nil)
		return flow.Next(ExceptionForward, message.FromString(err.Error())), nil
	}
	return flow.StepResult{}, err
}

// WithTransaction wraps step so that every invocation runs inside its own
// transaction boundary with attrs.
func WithTransaction(step flow.Step, attrs txn.Attributes) flow.Step {
	if src, ok := step.(statistics.Source); ok {
		return &transactionalSource{transactional: transactional{Step: step, attrs: attrs}, src: src}
	}
	return &transactional{Step: step, attrs: attrs}
}

type transactional struct {
	flow.Step
	attrs txn.Attributes
}

func (t *transactional) TransactionAttributes() txn.Attributes { return t.attrs }

type transactionalSource struct {
	transactional
	src statistics.Source
}

func (t *transactionalSource) IterateStatistics(h statistics.Handler, action statistics.Action) error {
	return t.src.IterateStatistics(h, action)
}

var _ flow.Step = (*transactional)(nil)

func sessionLookup(sess *session.Session) func(string) string {
	return func(key string) string {
		if sess == nil {
			return ""
		}
		return sess.String(key)
	}
}
