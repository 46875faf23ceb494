package flow

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
)

func TestSuccessStates(t *testing.T) {
	assert.True(t, IsSuccessState("SUCCESS"))
	assert.True(t, IsSuccessState("success"))
	assert.False(t, IsSuccessState("ERROR"))
	assert.True(t, Exit{Path: "ok", State: "success"}.IsSuccess())
	assert.False(t, Result{State: StateFailed}.IsSuccessful())
}

func TestStepResultBuilders(t *testing.T) {
	msg := message.FromString("x")
	assert.Equal(t, StepResult{Forward: SuccessForward, Content: msg}, Success(msg))
	assert.Equal(t, StepResult{Forward: "failure"}, Next("failure", nil))
}

func TestRunErrorKeepsFirstStep(t *testing.T) {
	boom := errors.New("boom")
	err := NewRunError("send", boom)
	assert.Equal(t, "send", FailingStep(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "run error in step [send]: boom", err.Error())

	rewrapped := NewRunError("outer", fmt.Errorf("context: %w", err))
	assert.Equal(t, "send", FailingStep(rewrapped))
	assert.Equal(t, "", FailingStep(boom))
}

func TestConfigAndStateErrors(t *testing.T) {
	inner := errors.New("duplicate")
	cfg := NewConfigError("pipeline [orders]", inner)
	assert.ErrorIs(t, cfg, inner)
	assert.Equal(t, "configuration error in [pipeline [orders]]: duplicate", cfg.Error())

	var target *ConfigError
	assert.True(t, errors.As(cfg, &target))

	stateErr := &StateError{Component: "orders", State: runstate.Stopped, Err: inner}
	assert.Equal(t, "[orders] in state [STOPPED]: duplicate", stateErr.Error())
	assert.ErrorIs(t, stateErr, inner)
}
