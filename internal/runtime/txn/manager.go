package txn

import (
	"context"
	"sync"
	"time"
)

// Manager begins and completes units of work.
type Manager interface {
	Begin(ctx context.Context, timeout time.Duration) (*Unit, error)
	Commit(ctx context.Context, u *Unit) error
	Rollback(ctx context.Context, u *Unit) error
}

// Suspender is implemented by managers that need to know when a unit is
// set aside for a nested boundary and when it becomes current again.
type Suspender interface {
	Suspend(ctx context.Context, u *Unit) error
	Resume(ctx context.Context, u *Unit) error
}

// NopManager creates units without any backing resource.
type NopManager struct{}

func (NopManager) Begin(_ context.Context, timeout time.Duration) (*Unit, error) {
	return NewUnit(nil, timeout), nil
}

func (NopManager) Commit(_ context.Context, u *Unit) error { return u.Complete() }

func (NopManager) Rollback(_ context.Context, u *Unit) error { return u.Complete() }

// EventKind names what happened to a unit.
type EventKind string

const (
	EventBegin    EventKind = "begin"
	EventCommit   EventKind = "commit"
	EventRollback EventKind = "rollback"
	EventSuspend  EventKind = "suspend"
	EventResume   EventKind = "resume"
)

// Event is one entry of the MemoryManager ledger.
type Event struct {
	Kind   EventKind
	UnitID string
	At     time.Time
}

// MemoryManager is an in-process manager that records every operation. It
// backs pipelines that have no external transactional resource and is the
// reference for boundary behaviour in tests.
type MemoryManager struct {
	mu     sync.Mutex
	events []Event
	active map[string]*Unit
}

// NewMemoryManager returns an empty manager.
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{active: make(map[string]*Unit)}
}

func (m *MemoryManager) Begin(_ context.Context, timeout time.Duration) (*Unit, error) {
	u := NewUnit(nil, timeout)
	m.mu.Lock()
	m.active[u.ID()] = u
	m.mu.Unlock()
	m.record(EventBegin, u)
	return u, nil
}

func (m *MemoryManager) Commit(_ context.Context, u *Unit) error {
	return m.complete(EventCommit, u)
}

func (m *MemoryManager) Rollback(_ context.Context, u *Unit) error {
	return m.complete(EventRollback, u)
}

func (m *MemoryManager) Suspend(_ context.Context, u *Unit) error {
	m.record(EventSuspend, u)
	return nil
}

func (m *MemoryManager) Resume(_ context.Context, u *Unit) error {
	m.record(EventResume, u)
	return nil
}

// Events returns a copy of the ledger.
func (m *MemoryManager) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Kinds returns the ledger as a list of kinds, handy in assertions. An
// empty ledger yields nil.
func (m *MemoryManager) Kinds() []EventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	var kinds []EventKind
	for _, e := range m.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

// ActiveCount returns the number of begun but not completed units.
func (m *MemoryManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

func (m *MemoryManager) complete(kind EventKind, u *Unit) error {
	if err := u.Complete(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.active, u.ID())
	m.mu.Unlock()
	m.record(kind, u)
	return nil
}

func (m *MemoryManager) record(kind EventKind, u *Unit) {
	m.mu.Lock()
	m.events = append(m.events, Event{Kind: kind, UnitID: u.ID(), At: time.Now()})
	m.mu.Unlock()
}
