// Package flow defines the values exchanged between a pipeline and its
// steps: forwards, exits, step results and pipeline results.
package flow

import (
	"context"
	"strings"

	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
)

// Result states used by the runtime itself. States are opaque strings; any
// other value configured on an exit is passed through unchanged.
const (
	StateSuccess  = "SUCCESS"
	StateFailed   = "ERROR"
	StateRejected = "REJECTED"
)

// SuccessForward is the forward every step is expected to return on the
// happy path.
const SuccessForward = "success"

// IsSuccessState reports whether state denotes success, ignoring case.
func IsSuccessState(state string) bool {
	return strings.EqualFold(state, StateSuccess)
}

// Forward is a named edge from a step to another step or an exit.
type Forward struct {
	Name string
	Path string
}

// Exit is a terminal point of a pipeline.
type Exit struct {
	Path  string
	State string
	Code  int
}

// IsSuccess reports whether the exit carries a success state.
func (e Exit) IsSuccess() bool { return IsSuccessState(e.State) }

// StepResult is what a step returns: the forward to follow and its output.
// An empty Forward means SuccessForward and a nil Content passes the input
// through.
type StepResult struct {
	Forward string
	Content *message.Message
}

// Next builds a StepResult.
func Next(forward string, content *message.Message) StepResult {
	return StepResult{Forward: forward, Content: content}
}

// Success builds a StepResult following SuccessForward.
func Success(content *message.Message) StepResult {
	return StepResult{Forward: SuccessForward, Content: content}
}

// Result is the terminal artifact of one pipeline run.
type Result struct {
	Content  *message.Message
	State    string
	ExitCode int
	// Exit is the path of the exit that ended the run, empty when the run
	// failed before reaching one.
	Exit string
}

// IsSuccessful reports whether the run ended in a success state.
func (r Result) IsSuccessful() bool { return IsSuccessState(r.State) }

// Step is one unit of work in a pipeline.
type Step interface {
	Name() string
	// Forwards lists the forwards declared by the step itself. They shadow
	// global forwards of the same name.
	Forwards() []Forward
	// MaxConcurrency limits simultaneous invocations; 0 means unlimited.
	MaxConcurrency() int
	Configure(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, msg *message.Message, s *session.Session) (StepResult, error)
}
