package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/errorformat"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/ids"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/runstate"
	"github.com/drblury/pipeflow/internal/runtime/session"
)

var tracer = otel.Tracer("pipeflow/adapter")

// ProcessMessage runs msg through the pipeline and always returns a result.
// Failures yield a result in the adapter's error state whose content is
// the formatted error.
func (a *Adapter) ProcessMessage(ctx context.Context, messageID string, msg *message.Message, sess *session.Session) flow.Result {
	res, _ := a.ProcessMessageWithError(ctx, messageID, msg, sess)
	return res
}

// ProcessMessageWithError is ProcessMessage for callers that need the
// cause: a *flow.StateError when the adapter does not accept messages, or
// the pipeline failure. The returned result is the same error result
// ProcessMessage would return.
func (a *Adapter) ProcessMessageWithError(ctx context.Context, messageID string, msg *message.Message, sess *session.Session) (flow.Result, error) {
	started := a.now()
	if sess == nil {
		sess = session.New()
		defer func() { _ = sess.Close() }()
	}
	if messageID == "" {
		messageID = sess.MessageID()
	}
	if messageID == "" {
		messageID = ids.NewMessageID()
	}
	if sess.MessageID() == "" {
		sess.Put(session.KeyMessageID, messageID)
	}
	if msg == nil && a.replaceNull {
		msg = message.FromString("")
	}

	ctx, span := tracer.Start(ctx, "adapter.process", trace.WithAttributes(
		attribute.String("adapter.name", a.name),
		attribute.String("message.id", messageID),
	))
	defer span.End()

	if state, ok := a.admit(started); !ok {
		err := &flow.StateError{Component: a.name, State: state, Err: errpkg.ErrNotAccepting}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logging.Warn(a.log, "cannot process message", logging.LogFields{"message_id": messageID, "state": state.String()})
		return a.errorResult(ctx, err, msg, messageID, started), err
	}

	log := a.log.With(logging.LogFields{"message_id": messageID, "correlation_id": sess.CorrelationID()})
	log.Info("received message", nil)
	mc := MessageContext{
		Adapter:       a.name,
		MessageID:     messageID,
		CorrelationID: sess.CorrelationID(),
		Context:       ctx,
		StartedAt:     started,
	}
	a.hooks.start(mc)

	res, err := a.runPipeline(ctx, msg, sess)
	if err != nil {
		log.Error("error processing message", err, logging.LogFields{"step": flow.FailingStep(err)})
		res = a.errorResult(ctx, err, msg, messageID, started)
	}
	elapsed := a.finish(started, err != nil)

	mc.Duration = elapsed
	mc.State = res.State
	a.hooks.finish(mc, err)

	span.SetAttributes(attribute.String("exit.state", res.State))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	log.Info("completed message", logging.LogFields{
		"exit_state":  res.State,
		"duration_ms": elapsed.Milliseconds(),
	})
	return res, err
}

// admit registers a message as in process unless the adapter refuses new
// work. It returns the state observed.
func (a *Adapter) admit(at time.Time) (runstate.State, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state := a.state.Get()
	if !state.Accepting() || a.closed {
		return state, false
	}
	a.inProcess++
	a.hourly.Record(at)
	a.lastMessage = at
	return state, true
}

// finish releases the in-process slot taken by admit and returns the
// total duration.
func (a *Adapter) finish(started time.Time, failed bool) time.Duration {
	elapsed := a.now().Sub(started)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.inProcess--
	a.processed.Inc()
	a.lastOutcome = OutcomeOK
	if failed {
		a.inError.Inc()
		a.lastOutcome = OutcomeError
	}
	a.duration.RecordDuration(elapsed)
	if a.inProcess == 0 {
		a.drained.Broadcast()
	}
	return elapsed
}

func (a *Adapter) runPipeline(ctx context.Context, msg *message.Message, sess *session.Session) (res flow.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeflow: pipeline panicked: %v", r)
		}
	}()
	return a.pipeline.Process(ctx, msg, sess)
}

func (a *Adapter) errorResult(ctx context.Context, err error, msg *message.Message, messageID string, receivedAt time.Time) flow.Result {
	d := errorformat.NewDetails(a.name, errorText(err), err, msg, messageID, receivedAt)
	out, formatErr := errorformat.Safe(ctx, a.formatter, d)
	if formatErr != nil {
		a.log.Error("could not format error message, returning it unformatted", formatErr, logging.LogFields{"message_id": messageID})
		a.messages.Add(LevelError, fmt.Sprintf("could not format error message for [%s]: %v", messageID, formatErr))
	}
	return flow.Result{Content: out, State: a.errorState}
}

func errorText(err error) string {
	var (
		runErr   *flow.RunError
		stateErr *flow.StateError
		cfgErr   *flow.ConfigError
	)
	switch {
	case errors.As(err, &stateErr):
		return "illegal state"
	case errors.As(err, &runErr):
		return "error during pipeline processing"
	case errors.As(err, &cfgErr):
		return "configuration error"
	default:
		return "unexpected error"
	}
}
