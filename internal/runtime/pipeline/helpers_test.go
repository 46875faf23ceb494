package pipeline

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
	"github.com/drblury/pipeflow/internal/runtime/txn"
)

type invokeFunc func(ctx context.Context, msg *message.Message, s *session.Session) (flow.StepResult, error)

type testStep struct {
	name         string
	forwards     []flow.Forward
	maxConc      int
	fn           invokeFunc
	configureErr error
	startErr     error

	calls   atomic.Int32
	started atomic.Int32
	stopped atomic.Int32
}

func newStep(name string, fn invokeFunc, forwards ...flow.Forward) *testStep {
	return &testStep{name: name, fn: fn, forwards: forwards}
}

func (s *testStep) Name() string { return s.name }

func (s *testStep) Forwards() []flow.Forward { return s.forwards }

func (s *testStep) MaxConcurrency() int { return s.maxConc }

func (s *testStep) Configure(context.Context) error { return s.configureErr }

func (s *testStep) Start(context.Context) error {
	s.started.Add(1)
	return s.startErr
}

func (s *testStep) Stop(context.Context) error {
	s.stopped.Add(1)
	return nil
}

func (s *testStep) Invoke(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	s.calls.Add(1)
	if s.fn == nil {
		return flow.Success(nil), nil
	}
	return s.fn(ctx, msg, sess)
}

type txStep struct {
	*testStep
	attrs txn.Attributes
}

func (s txStep) TransactionAttributes() txn.Attributes { return s.attrs }

// appendText appends suffix to the text payload and follows forward.
func appendText(suffix, forward string) invokeFunc {
	return func(_ context.Context, msg *message.Message, _ *session.Session) (flow.StepResult, error) {
		return flow.Next(forward, message.FromString(msg.String()+suffix)), nil
	}
}

func upper(forward string) invokeFunc {
	return func(_ context.Context, msg *message.Message, _ *session.Session) (flow.StepResult, error) {
		return flow.Next(forward, message.FromString(strings.ToUpper(msg.String()))), nil
	}
}

func failWith(err error) invokeFunc {
	return func(context.Context, *message.Message, *session.Session) (flow.StepResult, error) {
		return flow.StepResult{}, err
	}
}
