package txn

import (
	"context"
	"errors"
	"fmt"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
	"github.com/drblury/pipeflow/internal/runtime/logging"
)

// Work is the body run inside a boundary. It returns the exit state it
// reached; a run that ends in an error or in a state other than the
// commit-on state is marked for rollback.
type Work func(ctx context.Context) (state string, err error)

// Boundary applies one set of Attributes around a unit of work.
type Boundary struct {
	name    string
	manager Manager
	attrs   Attributes
	log     logging.ServiceLogger
}

// NewBoundary returns a boundary. A nil manager selects NopManager.
func NewBoundary(name string, manager Manager, attrs Attributes, log logging.ServiceLogger) *Boundary {
	if manager == nil {
		manager = NopManager{}
	}
	return &Boundary{
		name:    name,
		manager: manager,
		attrs:   attrs,
		log:     logging.ForComponent(log, "transaction", name),
	}
}

// Attributes returns the boundary settings.
func (b *Boundary) Attributes() Attributes { return b.attrs }

// Run executes work under the propagation rules:
//
//	mode           caller: none    caller: active
//	REQUIRED       new             join
//	REQUIRES_NEW   new             new, caller suspended
//	MANDATORY      config error    join
//	NOT_SUPPORTED  none            none, caller suspended
//	SUPPORTS       none            join
//	NEVER          none            config error
//
// A unit started here is committed or rolled back before Run returns. A
// joined unit is only flagged rollback-only. A suspended unit is resumed
// on every path.
func (b *Boundary) Run(ctx context.Context, work Work) (err error) {
	caller := FromContext(ctx)

	var (
		unit      *Unit
		suspended *Unit
		own       bool
	)
	switch b.attrs.Propagation {
	case Required:
		if caller != nil {
			unit = caller
		} else {
			own = true
		}
	case RequiresNew:
		suspended, own = caller, true
	case Mandatory:
		if caller == nil {
			return flow.NewConfigError(b.name, errpkg.ErrTransactionRequired)
		}
		unit = caller
	case NotSupported:
		suspended = caller
	case Supports:
		unit = caller
	case Never:
		if caller != nil {
			return flow.NewConfigError(b.name, errpkg.ErrTransactionNotAllowed)
		}
	default:
		return flow.NewConfigError(b.name, fmt.Errorf("%w: %s", errpkg.ErrInvalidPropagation, b.attrs.Propagation))
	}

	if suspended != nil {
		if err := b.suspend(ctx, suspended); err != nil {
			return err
		}
		defer func() {
			err = errors.Join(err, b.resume(ctx, suspended))
		}()
	}

	if own {
		unit, err = b.manager.Begin(ctx, b.attrs.Timeout)
		if err != nil {
			return fmt.Errorf("pipeflow: begin unit of work for %s: %w", b.name, err)
		}
		b.log.Trace("unit of work started", logging.LogFields{"unit": unit.ID(), "propagation": b.attrs.Propagation.String()})
		finished := false
		defer func() {
			if !finished {
				// work panicked
				_ = b.manager.Rollback(context.WithoutCancel(ctx), unit)
			}
		}()
		state, runErr := work(WithUnit(ctx, unit))
		finished = true
		return b.complete(ctx, unit, state, runErr)
	}

	state, runErr := work(WithUnit(ctx, unit))
	if unit != nil && (runErr != nil || !b.attrs.CommitsOn(state)) {
		unit.SetRollbackOnly()
		b.log.Trace("joined unit of work marked rollback-only", logging.LogFields{"unit": unit.ID(), "state": state})
	}
	return runErr
}

func (b *Boundary) complete(ctx context.Context, unit *Unit, state string, runErr error) error {
	ctx = context.WithoutCancel(ctx)
	if runErr != nil || unit.IsRollbackOnly() || !b.attrs.CommitsOn(state) {
		if err := b.manager.Rollback(ctx, unit); err != nil {
			return errors.Join(runErr, fmt.Errorf("pipeflow: rollback unit of work %s: %w", unit.ID(), err))
		}
		b.log.Trace("unit of work rolled back", logging.LogFields{"unit": unit.ID(), "state": state})
		return runErr
	}
	if err := b.manager.Commit(ctx, unit); err != nil {
		return fmt.Errorf("pipeflow: commit unit of work %s: %w", unit.ID(), err)
	}
	b.log.Trace("unit of work committed", logging.LogFields{"unit": unit.ID(), "state": state})
	return nil
}

func (b *Boundary) suspend(ctx context.Context, u *Unit) error {
	if s, ok := b.manager.(Suspender); ok {
		if err := s.Suspend(ctx, u); err != nil {
			return fmt.Errorf("pipeflow: suspend unit of work %s: %w", u.ID(), err)
		}
	}
	return nil
}

func (b *Boundary) resume(ctx context.Context, u *Unit) error {
	if s, ok := b.manager.(Suspender); ok {
		if err := s.Resume(context.WithoutCancel(ctx), u); err != nil {
			return fmt.Errorf("pipeflow: resume unit of work %s: %w", u.ID(), err)
		}
	}
	return nil
}
