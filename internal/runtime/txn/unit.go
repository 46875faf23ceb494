package txn

import (
	"context"
	"sync"
	"time"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/ids"
)

// Unit is one unit of work. Managers create units in Begin and attach their
// own resource as the handle.
type Unit struct {
	id      string
	handle  any
	timeout time.Duration
	started time.Time

	mu           sync.Mutex
	rollbackOnly bool
	completed    bool
}

// NewUnit returns an active unit carrying handle.
func NewUnit(handle any, timeout time.Duration) *Unit {
	return &Unit{id: ids.CreateULID(), handle: handle, timeout: timeout, started: time.Now()}
}

// ID identifies the unit in logs.
func (u *Unit) ID() string { return u.id }

// Handle returns the manager specific resource.
func (u *Unit) Handle() any { return u.handle }

// Timeout returns the timeout the unit was started with.
func (u *Unit) Timeout() time.Duration { return u.timeout }

// Started returns when Begin created the unit.
func (u *Unit) Started() time.Time { return u.started }

// SetRollbackOnly marks the unit so its owner rolls back instead of
// committing.
func (u *Unit) SetRollbackOnly() {
	u.mu.Lock()
	u.rollbackOnly = true
	u.mu.Unlock()
}

// IsRollbackOnly reports whether SetRollbackOnly was called.
func (u *Unit) IsRollbackOnly() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rollbackOnly
}

// Active reports whether the unit has not been committed or rolled back.
func (u *Unit) Active() bool {
	if u == nil {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.completed
}

// Complete marks the unit finished. It fails with ErrUnitCompleted when
// the unit was already completed. Managers call it from Commit and Rollback.
func (u *Unit) Complete() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.completed {
		return errpkg.ErrUnitCompleted
	}
	u.completed = true
	return nil
}

type unitKey struct{}

// WithUnit returns ctx carrying u. A nil u hides any unit of the parent.
func WithUnit(ctx context.Context, u *Unit) context.Context {
	return context.WithValue(ctx, unitKey{}, u)
}

// FromContext returns the active unit carried by ctx, or nil.
func FromContext(ctx context.Context) *Unit {
	u, _ := ctx.Value(unitKey{}).(*Unit)
	if !u.Active() {
		return nil
	}
	return u
}
