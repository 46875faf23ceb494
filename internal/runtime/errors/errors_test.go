package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestSentinelErrorsCarryPrefix(t *testing.T) {
	all := []error{
		ErrNilStep, ErrEmptyStepName, ErrDuplicateStep, ErrNoSteps, ErrUnknownFirstStep,
		ErrEmptyForwardName, ErrEmptyForwardPath, ErrUnresolvedForward, ErrEmptyExitPath,
		ErrConfigurationFrozen, ErrNotConfigured, ErrInvalidPropagation, ErrPipelineRequired,
		ErrNilReceiver, ErrTopicRequired, ErrPublisherRequired, ErrSubscriberRequired,
		ErrProcessorRequired, ErrForwardNotFound, ErrNotAccepting, ErrTransactionRequired,
		ErrTransactionNotAllowed, ErrUnitCompleted, ErrNoSecurityHandler, ErrSessionClosed,
		ErrHandlerRequired, ErrExpressionRequired, ErrQueryRequired, ErrStepFailed,
		ErrDuplicateAdapter, ErrNilAdapter,
	}
	for _, err := range all {
		if !strings.HasPrefix(err.Error(), "pipeflow: ") {
			t.Errorf("missing prefix: %q", err.Error())
		}
	}
}

func TestSentinelErrorsSurviveWrapping(t *testing.T) {
	wrapped := fmt.Errorf("step [x]: %w", ErrDuplicateStep)
	if !errors.Is(wrapped, ErrDuplicateStep) {
		t.Fatal("expected wrapped error to match sentinel")
	}
	if errors.Is(wrapped, ErrNilStep) {
		t.Fatal("unexpected match with unrelated sentinel")
	}
}
