package txn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errpkg "github.com/drblury/pipeflow/internal/runtime/errors"
	"github.com/drblury/pipeflow/internal/runtime/flow"
)

func TestParsePropagation(t *testing.T) {
	cases := map[string]Propagation{
		"":                      Supports,
		"REQUIRED":              Required,
		"requires_new":          RequiresNew,
		"RequiresNew":           RequiresNew,
		"not-supported":         NotSupported,
		"PROPAGATION_MANDATORY": Mandatory,
		"never":                 Never,
		"Supports":              Supports,
	}
	for in, want := range cases {
		got, err := ParsePropagation(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParsePropagation("sometimes")
	assert.ErrorIs(t, err, errpkg.ErrInvalidPropagation)

	var p Propagation
	require.NoError(t, p.UnmarshalText([]byte("requires_new")))
	assert.Equal(t, RequiresNew, p)
	text, _ := p.MarshalText()
	assert.Equal(t, "REQUIRES_NEW", string(text))
}

func TestCommitsOn(t *testing.T) {
	assert.True(t, Attributes{}.CommitsOn("success"))
	assert.False(t, Attributes{}.CommitsOn("ERROR"))
	assert.True(t, Attributes{CommitOnState: "DONE"}.CommitsOn("done"))
	assert.False(t, Attributes{CommitOnState: "DONE"}.CommitsOn(flow.StateSuccess))
}

type observed struct {
	unit *Unit
}

func runWith(t *testing.T, m *MemoryManager, prop Propagation, caller *Unit, state string, workErr error) (observed, error) {
	t.Helper()
	ctx := context.Background()
	if caller != nil {
		ctx = WithUnit(ctx, caller)
	}
	b := NewBoundary("test", m, Attributes{Propagation: prop, Timeout: time.Second}, nil)
	var obs observed
	err := b.Run(ctx, func(ctx context.Context) (string, error) {
		obs.unit = FromContext(ctx)
		return state, workErr
	})
	return obs, err
}

func TestMemoryManagerEmptyLedger(t *testing.T) {
	m := NewMemoryManager()
	assert.Nil(t, m.Kinds())
	assert.Empty(t, m.Events())
}

func TestBoundaryPropagationTable(t *testing.T) {
	tests := []struct {
		name       string
		prop       Propagation
		withCaller bool
		wantErr    error
		wantUnit   string // "none", "caller", "new"
		wantEvents []EventKind
	}{
		{"required without caller", Required, false, nil, "new", []EventKind{EventBegin, EventCommit}},
		{"required with caller", Required, true, nil, "caller", []EventKind{EventBegin}},
		{"requires new without caller", RequiresNew, false, nil, "new", []EventKind{EventBegin, EventCommit}},
		{"requires new with caller", RequiresNew, true, nil, "new", []EventKind{EventBegin, EventSuspend, EventBegin, EventCommit, EventResume}},
		{"mandatory without caller", Mandatory, false, errpkg.ErrTransactionRequired, "", nil},
		{"mandatory with caller", Mandatory, true, nil, "caller", []EventKind{EventBegin}},
		{"not supported without caller", NotSupported, false, nil, "none", nil},
		{"not supported with caller", NotSupported, true, nil, "none", []EventKind{EventBegin, EventSuspend, EventResume}},
		{"supports without caller", Supports, false, nil, "none", nil},
		{"supports with caller", Supports, true, nil, "caller", []EventKind{EventBegin}},
		{"never without caller", Never, false, nil, "none", nil},
		{"never with caller", Never, true, errpkg.ErrTransactionNotAllowed, "", []EventKind{EventBegin}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemoryManager()
			var caller *Unit
			if tt.withCaller {
				var err error
				caller, err = m.Begin(context.Background(), 0)
				require.NoError(t, err)
			}

			obs, err := runWith(t, m, tt.prop, caller, flow.StateSuccess, nil)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				var cfgErr *flow.ConfigError
				assert.ErrorAs(t, err, &cfgErr)
				assert.Nil(t, obs.unit, "work must not run")
			} else {
				require.NoError(t, err)
				switch tt.wantUnit {
				case "none":
					assert.Nil(t, obs.unit)
				case "caller":
					assert.Same(t, caller, obs.unit)
				case "new":
					require.NotNil(t, obs.unit)
					assert.NotSame(t, caller, obs.unit)
					assert.False(t, obs.unit.Active(), "own unit completed before Run returns")
				}
			}
			assert.Equal(t, tt.wantEvents, m.Kinds())
			if caller != nil {
				assert.True(t, caller.Active(), "caller unit is never completed by the boundary")
				assert.False(t, caller.IsRollbackOnly())
			}
		})
	}
}

func TestBoundaryRollsBackOwnUnitOnFailure(t *testing.T) {
	m := NewMemoryManager()
	_, err := runWith(t, m, Required, nil, flow.StateFailed, assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []EventKind{EventBegin, EventRollback}, m.Kinds())
	assert.Zero(t, m.ActiveCount())
}

func TestBoundaryRollsBackOnNonCommitState(t *testing.T) {
	m := NewMemoryManager()
	_, err := runWith(t, m, RequiresNew, nil, "REJECTED", nil)
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventBegin, EventRollback}, m.Kinds())
}

func TestBoundaryRollsBackWhenWorkMarksRollbackOnly(t *testing.T) {
	m := NewMemoryManager()
	b := NewBoundary("test", m, Attributes{Propagation: Required}, nil)
	err := b.Run(context.Background(), func(ctx context.Context) (string, error) {
		FromContext(ctx).SetRollbackOnly()
		return flow.StateSuccess, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []EventKind{EventBegin, EventRollback}, m.Kinds())
}

func TestBoundaryJoinedUnitOnlyFlagged(t *testing.T) {
	m := NewMemoryManager()
	caller, _ := m.Begin(context.Background(), 0)
	_, err := runWith(t, m, Supports, caller, flow.StateFailed, nil)
	require.NoError(t, err)
	assert.True(t, caller.IsRollbackOnly())
	assert.True(t, caller.Active())
	assert.Equal(t, []EventKind{EventBegin}, m.Kinds())
}

func TestBoundaryResumesAfterFailure(t *testing.T) {
	m := NewMemoryManager()
	caller, _ := m.Begin(context.Background(), 0)
	_, err := runWith(t, m, NotSupported, caller, "", assert.AnError)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, []EventKind{EventBegin, EventSuspend, EventResume}, m.Kinds())
	assert.False(t, caller.IsRollbackOnly(), "a suspended unit is not affected by the inner run")
}

func TestBoundaryResumesAndRollsBackOnPanic(t *testing.T) {
	m := NewMemoryManager()
	caller, _ := m.Begin(context.Background(), 0)
	b := NewBoundary("test", m, Attributes{Propagation: RequiresNew}, nil)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatalf("expected panic to propagate")
			}
		}()
		_ = b.Run(WithUnit(context.Background(), caller), func(context.Context) (string, error) {
			panic("boom")
		})
	}()
	assert.Equal(t, []EventKind{EventBegin, EventSuspend, EventBegin, EventRollback, EventResume}, m.Kinds())
}

type failingManager struct {
	NopManager
	beginErr  error
	commitErr error
}

func (f failingManager) Begin(ctx context.Context, timeout time.Duration) (*Unit, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	return f.NopManager.Begin(ctx, timeout)
}

func (f failingManager) Commit(ctx context.Context, u *Unit) error {
	if f.commitErr != nil {
		_ = u.Complete()
		return f.commitErr
	}
	return f.NopManager.Commit(ctx, u)
}

func TestBoundaryManagerFailures(t *testing.T) {
	beginErr := errors.New("no connection")
	b := NewBoundary("test", failingManager{beginErr: beginErr}, Attributes{Propagation: Required}, nil)
	ran := false
	err := b.Run(context.Background(), func(context.Context) (string, error) {
		ran = true
		return flow.StateSuccess, nil
	})
	assert.ErrorIs(t, err, beginErr)
	assert.False(t, ran)

	commitErr := errors.New("serialization failure")
	b = NewBoundary("test", failingManager{commitErr: commitErr}, Attributes{Propagation: Required}, nil)
	err = b.Run(context.Background(), func(context.Context) (string, error) { return flow.StateSuccess, nil })
	assert.ErrorIs(t, err, commitErr)
}

func TestUnitCompletesOnce(t *testing.T) {
	u := NewUnit(nil, 0)
	require.NoError(t, u.Complete())
	assert.ErrorIs(t, u.Complete(), errpkg.ErrUnitCompleted)
	assert.Nil(t, FromContext(WithUnit(context.Background(), u)), "completed units are not active")
	assert.Nil(t, FromContext(context.Background()))
}

func TestInvalidPropagationIsConfigError(t *testing.T) {
	b := NewBoundary("test", nil, Attributes{Propagation: Propagation(42)}, nil)
	err := b.Run(context.Background(), func(context.Context) (string, error) { return "", nil })
	assert.ErrorIs(t, err, errpkg.ErrInvalidPropagation)
}
