package steps

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
)

// Case routes to Forward when the boolean expression When holds. An empty
// When always matches.
//
// Expressions see these variables:
//   - payload: the content as a string
//   - msg: the content decoded as JSON, nil when it is not JSON
//   - headers: the content metadata
//   - session: a snapshot of the session values
type Case struct {
	When    string
	Forward string
}

// SwitchStep follows the forward of the first matching case and the
// success forward when none matches. The content passes through.
type SwitchStep struct {
	Base
	cases    []Case
	programs []*vm.Program
}

// Switch builds a SwitchStep. Expressions are compiled by Configure.
func Switch(name string, cases []Case, opts ...Option) *SwitchStep {
	return &SwitchStep{Base: newBase(name, opts), cases: cases}
}

func (s *SwitchStep) Configure(ctx context.Context) error {
	if err := s.Base.Configure(ctx); err != nil {
		return err
	}
	if len(s.cases) == 0 {
		return errpkg.ErrExpressionRequired
	}
	programs := make([]*vm.Program, len(s.cases))
	for i, c := range s.cases {
		if c.Forward == "" {
			return fmt.Errorf("switch %s case %d: %w", s.Name(), i, errpkg.ErrEmptyForwardName)
		}
		if c.When == "" {
			continue
		}
		program, err := expr.Compile(c.When, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return fmt.Errorf("switch %s case %d: %w", s.Name(), i, err)
		}
		programs[i] = program
	}
	s.programs = programs
	return nil
}

func (s *SwitchStep) Invoke(_ context.Context, msg *message.Message, sess *session.Session) (flow.StepResult, error) {
	env := s.env(msg, sess)
	for i, c := range s.cases {
		program := s.programs[i]
		if program == nil {
			return flow.Next(c.Forward, msg), nil
		}
		out, err := expr.Run(program, env)
		if err != nil {
			return s.fail(fmt.Errorf("switch %s case %d: %w", s.Name(), i, err))
		}
		if matched, ok := out.(bool); ok && matched {
			return flow.Next(c.Forward, msg), nil
		}
	}
	return flow.Success(msg), nil
}

func (s *SwitchStep) env(msg *message.Message, sess *session.Session) map[string]any {
	payload := msg.String()
	var decoded any
	if err := sonic.UnmarshalString(payload, &decoded); err != nil {
		decoded = nil
	}
	headers := map[string]string{}
	if msg != nil {
		for k, v := range msg.Metadata {
			headers[k] = v
		}
	}
	values := map[string]any{}
	if sess != nil {
		values = sess.Snapshot()
	}
	return map[string]any{
		"payload": payload,
		"msg":     decoded,
		"headers": headers,
		"session": values,
	}
}
