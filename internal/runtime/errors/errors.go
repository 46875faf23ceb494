package errors

import sterrors "errors"

// Configuration errors.
var (
	ErrNilStep             = sterrors.New("pipeflow: step is nil")
	ErrEmptyStepName       = sterrors.New("pipeflow: step name is empty")
	ErrDuplicateStep       = sterrors.New("pipeflow: step is defined more than once")
	ErrNoSteps             = sterrors.New("pipeflow: pipeline has no steps")
	ErrUnknownFirstStep    = sterrors.New("pipeflow: no step found for first step")
	ErrEmptyForwardName    = sterrors.New("pipeflow: forward name is empty")
	ErrEmptyForwardPath    = sterrors.New("pipeflow: forward path is empty")
	ErrUnresolvedForward   = sterrors.New("pipeflow: forward target is neither a step nor an exit")
	ErrEmptyExitPath       = sterrors.New("pipeflow: exit path is empty")
	ErrConfigurationFrozen = sterrors.New("pipeflow: configuration cannot change after configure")
	ErrNotConfigured       = sterrors.New("pipeflow: component is not configured")
	ErrInvalidPropagation  = sterrors.New("pipeflow: invalid transaction propagation")
	ErrPipelineRequired    = sterrors.New("pipeflow: pipeline is required")
	ErrNilReceiver         = sterrors.New("pipeflow: receiver is nil")
	ErrTopicRequired       = sterrors.New("pipeflow: topic is required")
	ErrPublisherRequired   = sterrors.New("pipeflow: publisher is required")
	ErrSubscriberRequired  = sterrors.New("pipeflow: subscriber is required")
	ErrProcessorRequired   = sterrors.New("pipeflow: message processor is required")
	ErrHandlerRequired     = sterrors.New("pipeflow: step handler is required")
	ErrExpressionRequired  = sterrors.New("pipeflow: expression is required")
	ErrQueryRequired       = sterrors.New("pipeflow: sql query is required")
	ErrDuplicateAdapter    = sterrors.New("pipeflow: adapter is registered more than once")
	ErrNilAdapter          = sterrors.New("pipeflow: adapter is nil")
)

// Run and state errors.
var (
	ErrForwardNotFound       = sterrors.New("pipeflow: step returned an unknown forward")
	ErrNotAccepting          = sterrors.New("pipeflow: adapter is not accepting messages")
	ErrTransactionRequired   = sterrors.New("pipeflow: propagation MANDATORY requires an active unit of work")
	ErrTransactionNotAllowed = sterrors.New("pipeflow: propagation NEVER forbids an active unit of work")
	ErrUnitCompleted         = sterrors.New("pipeflow: unit of work already completed")
	ErrNoSecurityHandler     = sterrors.New("pipeflow: no security handler in session")
	ErrSessionClosed         = sterrors.New("pipeflow: session is closed")
	ErrStepFailed            = sterrors.New("pipeflow: step failed on purpose")
)
