package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/pipeflow/internal/runtime/cache"
	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
	"github.com/drblury/pipeflow/internal/runtime/message"
	"github.com/drblury/pipeflow/internal/runtime/session"
)

var tracer = otel.Tracer("pipeflow/pipeline")

var (
	inputSlots  = []specialSlot{slotInputWrapper, slotInputValidator}
	outputSlots = []specialSlot{slotOutputValidator, slotOutputWrapper}
)

// Process drives msg from the first step until an exit is reached. A step
// failure stops the run and is returned as a *flow.RunError naming the
// step, together with a result in the error state. Once started, a run is
// not interrupted by ctx cancellation.
func (p *Pipeline) Process(ctx context.Context, msg *message.Message, sess *session.Session) (flow.Result, error) {
	if !p.configured.Load() {
		return flow.Result{State: flow.StateFailed}, flow.NewConfigError(p.name, errpkg.ErrNotConfigured)
	}
	if sess == nil {
		sess = session.New()
		defer func() { _ = sess.Close() }()
	}

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(
		attribute.String("pipeline.name", p.name),
		attribute.String("message.id", sess.MessageID()),
	))
	defer span.End()

	if p.gate != nil {
		waitStart := time.Now()
		if err := p.gate.Acquire(context.WithoutCancel(ctx), 1); err != nil {
			return flow.Result{State: flow.StateFailed}, err
		}
		p.stats.wait.RecordDuration(time.Since(waitStart))
		defer p.gate.Release(1)
	}

	if size := msg.Size(); size >= 0 {
		p.stats.request.Record(size)
		if p.sizeWarning > 0 && size > p.sizeWarning {
			logging.Warn(p.log, "message size exceeds warning threshold", logging.LogFields{
				"message_id": sess.MessageID(),
				"size":       size,
				"threshold":  p.sizeWarning,
			})
		}
	}

	start := time.Now()
	defer func() { p.stats.duration.RecordDuration(time.Since(start)) }()

	cacheKey := ""
	if p.cache != nil {
		if raw, err := msg.Bytes(); err == nil {
			cacheKey = cache.Key(p.name, raw)
			if res, hit := p.cached(ctx, cacheKey, sess); hit {
				span.SetAttributes(attribute.Bool("cache.hit", true), attribute.String("exit.state", res.State))
				return res, nil
			}
		}
	}

	var result flow.Result
	err := p.boundary.Run(ctx, func(ctx context.Context) (string, error) {
		var runErr error
		result, runErr = p.run(ctx, msg, sess)
		if runErr != nil {
			return flow.StateFailed, runErr
		}
		return result.State, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if step := flow.FailingStep(err); step != "" {
			span.SetAttributes(attribute.String("step.name", step))
		}
		return flow.Result{State: flow.StateFailed}, err
	}

	span.SetAttributes(attribute.String("exit.state", result.State), attribute.String("exit.path", result.Exit))
	if cacheKey != "" && result.IsSuccessful() {
		p.store(ctx, cacheKey, result)
	}
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, msg *message.Message, sess *session.Session) (flow.Result, error) {
	content := msg
	cur := p.table.first

	for _, slot := range inputSlots {
		r := p.table.special[slot]
		if r == nil {
			continue
		}
		next, out, err := p.invokeSpecial(ctx, r, content, sess)
		if err != nil {
			return flow.Result{}, err
		}
		content = out
		if next == nil {
			continue
		}
		if next.exit != nil {
			return exitWith(*next.exit, content, sess), nil
		}
		cur = p.table.byName[next.step.Name()]
		break
	}

	for {
		exit, out, err := p.walk(ctx, cur, content, sess)
		if err != nil {
			return flow.Result{}, err
		}
		content = out
		if !exit.IsSuccess() {
			return exitWith(exit, content, sess), nil
		}

		var redirect *target
		for _, slot := range outputSlots {
			r := p.table.special[slot]
			if r == nil {
				continue
			}
			next, out, err := p.invokeSpecial(ctx, r, content, sess)
			if err != nil {
				return flow.Result{}, err
			}
			content = out
			if next != nil {
				redirect = next
				break
			}
		}
		switch {
		case redirect == nil:
			return exitWith(exit, content, sess), nil
		case redirect.exit != nil:
			return exitWith(*redirect.exit, content, sess), nil
		default:
			cur = p.table.byName[redirect.step.Name()]
		}
	}
}

// walk follows forwards from start until an exit is reached.
func (p *Pipeline) walk(ctx context.Context, start *route, content *message.Message, sess *session.Session) (flow.Exit, *message.Message, error) {
	cur := start
	for {
		res, err := p.invoke(ctx, cur, content, sess)
		if err != nil {
			return flow.Exit{}, nil, flow.NewRunError(cur.name, err)
		}
		if res.Content != nil {
			content = res.Content
		}
		forward := res.Forward
		if forward == "" {
			forward = flow.SuccessForward
		}
		t, ok := cur.forwards[forward]
		if !ok {
			return flow.Exit{}, nil, flow.NewRunError(cur.name, fmt.Errorf("%w [%s]", errpkg.ErrForwardNotFound, forward))
		}
		if t.exit != nil {
			return *t.exit, content, nil
		}
		cur = p.table.byName[t.step.Name()]
	}
}

// invokeSpecial runs a wrapper or validator. A nil target means the run
// continues where it was.
func (p *Pipeline) invokeSpecial(ctx context.Context, r *route, content *message.Message, sess *session.Session) (*target, *message.Message, error) {
	res, err := p.invoke(ctx, r, content, sess)
	if err != nil {
		return nil, nil, flow.NewRunError(r.name, err)
	}
	if res.Content != nil {
		content = res.Content
	}
	if res.Forward == "" || res.Forward == flow.SuccessForward {
		return nil, content, nil
	}
	t, ok := r.forwards[res.Forward]
	if !ok {
		return nil, nil, flow.NewRunError(r.name, fmt.Errorf("%w [%s]", errpkg.ErrForwardNotFound, res.Forward))
	}
	return &t, content, nil
}

// invoke runs one step behind its admission gate and, when the step is
// transactional, inside its own boundary. Time spent waiting at the gate
// is recorded apart from the step duration.
func (p *Pipeline) invoke(ctx context.Context, r *route, in *message.Message, sess *session.Session) (flow.StepResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(attribute.String("step.name", r.name)))
	defer span.End()

	if r.gate != nil {
		waitStart := time.Now()
		if err := r.gate.Acquire(context.WithoutCancel(ctx), 1); err != nil {
			return flow.StepResult{}, err
		}
		r.stats.wait.RecordDuration(time.Since(waitStart))
		defer r.gate.Release(1)
	}
	if size := in.Size(); size >= 0 {
		r.stats.sizeIn.Record(size)
	}

	start := time.Now()
	var (
		res flow.StepResult
		err error
	)
	if r.boundary != nil {
		err = r.boundary.Run(ctx, func(ctx context.Context) (string, error) {
			var invokeErr error
			res, invokeErr = safeInvoke(ctx, r.step, in, sess)
			if invokeErr != nil {
				return flow.StateFailed, invokeErr
			}
			return flow.StateSuccess, nil
		})
	} else {
		res, err = safeInvoke(ctx, r.step, in, sess)
	}
	elapsed := time.Since(start)
	r.stats.duration.RecordDuration(elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.log.Debug("step failed", logging.LogFields{"step": r.name, "message_id": sess.MessageID(), "error": err.Error()})
		return res, err
	}

	out := res.Content
	if out == nil {
		out = in
	}
	if size := out.Size(); size >= 0 {
		r.stats.sizeOut.Record(size)
	}
	span.SetAttributes(attribute.String("forward", res.Forward))
	p.log.Trace("step finished", logging.LogFields{
		"step":        r.name,
		"message_id":  sess.MessageID(),
		"forward":     res.Forward,
		"duration_ms": elapsed.Milliseconds(),
	})
	return res, nil
}

func safeInvoke(ctx context.Context, step flow.Step, in *message.Message, sess *session.Session) (res flow.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeflow: step panicked: %v", r)
		}
	}()
	return step.Invoke(ctx, in, sess)
}

func exitWith(exit flow.Exit, content *message.Message, sess *session.Session) flow.Result {
	sess.SetExitState(exit.State, exit.Code)
	return flow.Result{Content: content, State: exit.State, ExitCode: exit.Code, Exit: exit.Path}
}

func (p *Pipeline) cached(ctx context.Context, key string, sess *session.Session) (flow.Result, bool) {
	e, ok, err := p.cache.Get(ctx, key)
	if err != nil {
		p.log.Error("result cache lookup failed", err, logging.LogFields{"message_id": sess.MessageID()})
		return flow.Result{}, false
	}
	if !ok {
		return flow.Result{}, false
	}
	sess.SetExitState(e.State, e.ExitCode)
	return flow.Result{Content: message.FromBytes(e.Content), State: e.State, ExitCode: e.ExitCode, Exit: e.Exit}, true
}

func (p *Pipeline) store(ctx context.Context, key string, res flow.Result) {
	raw, err := res.Content.Bytes()
	if err != nil {
		p.log.Debug("result not cacheable", logging.LogFields{"error": err.Error()})
		return
	}
	if err := p.cache.Put(ctx, key, cache.Entry{Content: raw, State: res.State, ExitCode: res.ExitCode, Exit: res.Exit}); err != nil {
		p.log.Error("result cache store failed", err, nil)
	}
}
