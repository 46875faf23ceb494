package flow

import (
	"errors"
	"fmt"
)

// ConfigError reports bad wiring detected while assembling or configuring a
// component. It aborts configuration.
type ConfigError struct {
	Component string
	Err       error
}

func (e *ConfigError) Error() string {
	if e.Component == "" {
		return "configuration error: " + e.Err.Error()
	}
	return fmt.Sprintf("configuration error in [%s]: %v", e.Component, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError wraps err for component.
func NewConfigError(component string, err error) error {
	return &ConfigError{Component: component, Err: err}
}

// RunError reports a failure while a step was running. Step is empty when the
// failure happened outside any step.
type RunError struct {
	Step string
	Err  error
}

func (e *RunError) Error() string {
	if e.Step == "" {
		return "run error: " + e.Err.Error()
	}
	return fmt.Sprintf("run error in step [%s]: %v", e.Step, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// NewRunError wraps err for step. An error that already is a RunError keeps
// its original step.
func NewRunError(step string, err error) error {
	var existing *RunError
	if errors.As(err, &existing) {
		return err
	}
	return &RunError{Step: step, Err: err}
}

// FailingStep returns the step recorded in err, if any.
func FailingStep(err error) string {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Step
	}
	return ""
}

// StateError reports that a component refused work in its current state.
type StateError struct {
	Component string
	State     fmt.Stringer
	Err       error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("[%s] in state [%s]: %v", e.Component, e.State, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }
