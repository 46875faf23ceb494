// Package runstate holds the lifecycle state machine shared by adapters and
// receivers.
package runstate

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of an adapter or receiver.
type State int

const (
	Stopped State = iota
	Starting
	Started
	Stopping
	Error
)

var stateNames = [...]string{"STOPPED", "STARTING", "STARTED", "STOPPING", "ERROR"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name, ignoring case.
func (s *State) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	for i, n := range stateNames {
		if n == name {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("pipeflow: unknown run state %q", text)
}

// Accepting reports whether messages may be processed in this state.
// In-flight work must still complete while stopping.
func (s State) Accepting() bool {
	return s == Started || s == Stopping
}

// Manager guards a State and lets callers block until it reaches a target.
// Every transition wakes all waiters.
type Manager struct {
	mu      sync.Mutex
	state   State
	changed chan struct{}
}

// NewManager returns a Manager in the Stopped state.
func NewManager() *Manager {
	return &Manager{state: Stopped, changed: make(chan struct{})}
}

// Get returns the current state.
func (m *Manager) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set moves to state and wakes all waiters.
func (m *Manager) Set(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setLocked(state)
}

// CompareAndSet moves from one of the allowed states to next. It returns the
// state observed before the call and whether the transition happened.
func (m *Manager) CompareAndSet(next State, allowed ...State) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.state
	for _, a := range allowed {
		if current == a {
			m.setLocked(next)
			return current, true
		}
	}
	return current, false
}

func (m *Manager) setLocked(state State) {
	if m.changed == nil {
		m.changed = make(chan struct{})
	}
	m.state = state
	close(m.changed)
	m.changed = make(chan struct{})
}

// WaitFor blocks until the state equals target, the timeout elapses, or ctx
// is done. A timeout of zero or less waits without a deadline. It reports
// whether the target state was reached.
func (m *Manager) WaitFor(ctx context.Context, target State, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		m.mu.Lock()
		if m.changed == nil {
			m.changed = make(chan struct{})
		}
		if m.state == target {
			m.mu.Unlock()
			return true
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return m.Get() == target
		}
	}
}

// WaitWhile blocks as long as the state equals current and returns the
// state it moved to. When ctx ends first, the state observed then is
// returned, which may still be current.
func (m *Manager) WaitWhile(ctx context.Context, current State) State {
	for {
		m.mu.Lock()
		if m.changed == nil {
			m.changed = make(chan struct{})
		}
		if m.state != current {
			state := m.state
			m.mu.Unlock()
			return state
		}
		changed := m.changed
		m.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return m.Get()
		}
	}
}
