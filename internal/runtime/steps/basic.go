package steps

import (
	"context"
	"fmt"
	"os"
	"reflect"

	"github.com/bytedance/sonic"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
)

// EchoStep returns its input unchanged.
type EchoStep struct {
	Base
}

// Echo builds an EchoStep.
func Echo(name string, opts ...Option) *EchoStep {
	return &EchoStep{Base: newBase(name, opts)}
}

func (s *EchoStep) Invoke(_ context.Context, msg *message.Message, _ *session.Session) (flow.StepResult, error) {
	return flow.Success(msg), nil
}

// FixedResultStep replaces the content with a template. ${key} references
// are expanded from the session; unknown keys expand to nothing.
type FixedResultStep struct {
	Base
	template string
}

// FixedResult builds a FixedResultStep.
func FixedResult(name, template string, opts ...Option) *FixedResultStep {
	return &FixedResultStep{Base: newBase(name, opts), template: template}
}

func (s *FixedResultStep) Invoke(_ context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	out := msg.WithPayload(os.Expand(s.template, sessionLookup(sess)))
	return flow.Success(out), nil
}

// FailStep always fails. The error text is the configured text or, when
// empty, the input content.
type FailStep struct {
	Base
	text string
}

// Fail builds a FailStep.
func Fail(name, text string, opts ...Option) *FailStep {
	return &FailStep{Base: newBase(name, opts), text: text}
}

func (s *FailStep) Invoke(_ context.Context, msg *message.Message, _ *session.Session) (flow.StepResult, error) {
	text := s.text
	if text == "" {
		text = msg.String()
	}
	return s.fail(fmt.Errorf("%w: %s", errpkg.ErrStepFailed, text))
}

// HandlerFunc is the body of a FuncStep.
type HandlerFunc func(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error)

// FuncStep adapts a function to flow.Step.
type FuncStep struct {
	Base
	fn HandlerFunc
}

// Func builds a FuncStep.
func Func(name string, fn HandlerFunc, opts ...Option) *FuncStep {
	return &FuncStep{Base: newBase(name, opts), fn: fn}
}

func (s *FuncStep) Configure(ctx context.Context) error {
	if s.fn == nil {
		return errpkg.ErrHandlerRequired
	}
	return s.Base.Configure(ctx)
}

func (s *FuncStep) Invoke(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	res, err := s.fn(ctx, msg, sess)
	if err != nil {
		return s.fail(err)
	}
	return res, nil
}

// JSONHandler processes a decoded payload and returns the value to encode
// as the step output.
type JSONHandler[T any, O any] func(ctx context.Context, in T, sess *session.Session) (O, error)

// JSONStep decodes its input as T, calls the handler and encodes the result
// as JSON. It always follows the success forward.
type JSONStep[T any, O any] struct {
	Base
	fn   JSONHandler[T, O]
	newT func() T
}

// JSON builds a JSONStep. Pointer types for T are allocated before decoding.
func JSON[T any, O any](name string, fn JSONHandler[T, O], opts ...Option) *JSONStep[T, O] {
	return &JSONStep[T, O]{Base: newBase(name, opts), fn: fn, newT: prototype[T]()}
}

func (s *JSONStep[T, O]) Configure(ctx context.Context) error {
	if s.fn == nil {
		return errpkg.ErrHandlerRequired
	}
	return s.Base.Configure(ctx)
}

func (s *JSONStep[T, O]) Invoke(ctx context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	raw, err := msg.Bytes()
	if err != nil {
		return s.fail(err)
	}
	in := s.newT()
	target := any(&in)
	if reflect.TypeFor[T]().Kind() == reflect.Pointer {
		target = in
	}
	if err := sonic.Unmarshal(raw, target); err != nil {
		return s.fail(fmt.Errorf("decode %s input: %w", s.Name(), err))
	}
	out, err := s.fn(ctx, in, sess)
	if err != nil {
		return s.fail(err)
	}
	payload, err := sonic.Marshal(out)
	if err != nil {
		return s.fail(fmt.Errorf("encode %s output: %w", s.Name(), err))
	}
	return flow.Success(msg.WithPayload(payload)), nil
}

func prototype[T any]() func() T {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return func() T {
			var zero T
			return zero
		}
	}
	elem := typ.Elem()
	return func() T { return reflect.New(elem).Interface().(T) }
}
