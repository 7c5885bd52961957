package fsm

import (
	"fmt"
	"sync"
)

// State describes where a bridge is in its lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDraining   State = "draining"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// Machine is a lightweight deterministic lifecycle state machine. Terminal
// states are sticky: once closed or failed, further events are ignored.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// New creates a machine in the idle state.
func New() *Machine {
	return &Machine{state: StateIdle}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Terminal reports whether the machine reached closed or failed.
func (m *Machine) Terminal() bool {
	s := m.State()
	return s == StateClosed || s == StateFailed
}

// OnOpen marks the remote session being established.
func (m *Machine) OnOpen() {
	m.transition(StateConnecting)
}

// OnEstablished marks both directions flowing.
func (m *Machine) OnEstablished() {
	m.transition(StateStreaming)
}

// OnInputEnded marks the half-close: no more input, output still draining.
func (m *Machine) OnInputEnded() {
	m.transition(StateDraining)
}

// OnClosed marks an orderly end.
func (m *Machine) OnClosed() {
	m.transition(StateClosed)
}

// OnFailed marks an abnormal end.
func (m *Machine) OnFailed() {
	m.transition(StateFailed)
}

// Force sets state unconditionally.
func (m *Machine) Force(state State) error {
	switch state {
	case StateIdle, StateConnecting, StateStreaming, StateDraining, StateClosed, StateFailed:
		m.mu.Lock()
		m.state = state
		m.mu.Unlock()
		return nil
	default:
		return fmt.Errorf("invalid state: %s", state)
	}
}

func (m *Machine) transition(state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed || m.state == StateFailed {
		return
	}
	m.state = state
}
