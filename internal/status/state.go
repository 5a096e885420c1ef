package status

import (
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the engine's connection lifecycle state.
type State string

const (
	Idle         State = "IDLE"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Disconnected State = "DISCONNECTED"
	Error        State = "ERROR"
)

type edges map[State]bool

func to(states ...State) edges {
	e := make(edges, len(states))
	for _, s := range states {
		e[s] = true
	}
	return e
}

// READY is only reachable through SYNCING, so a connection is never
// reported usable before the REST snapshot landed.
var graph = map[State]edges{
	Idle:         to(Connecting, Error),
	Connecting:   to(Syncing, Reconnecting, Disconnected, Error),
	Syncing:      to(Ready, Reconnecting, Disconnected, Error),
	Ready:        to(Reconnecting, Disconnected, Error),
	Reconnecting: to(Connecting, Disconnected, Error),
	Disconnected: to(Connecting),
	Error:        to(Connecting, Disconnected),
}

// StatusChange is the payload of KindStatusChanged.
type StatusChange struct {
	From State
	To   State
}

// Machine guards the connection state and announces every change on the bus.
type Machine struct {
	mu      sync.RWMutex
	current State
	since   time.Time
	bus     *bus.Bus
	now     func() time.Time
}

// NewMachine returns a machine in Idle. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	m := &Machine{current: Idle, bus: b, now: time.Now}
	m.since = m.now()
	return m
}

func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition moves to the given state, or fails without changing anything
// when the edge is not in the graph.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	from := m.current
	if !graph[from][next] {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, next)
	}
	m.current = next
	m.since = m.now()
	m.mu.Unlock()

	m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: next})
	return nil
}

// CanTransition reports whether next is reachable from the current state.
func (m *Machine) CanTransition(next State) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return graph[m.current][next]
}
