package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is a channel connection state.
type State string

const (
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Degraded     State = "DEGRADED"
	Disconnected State = "DISCONNECTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Connecting:   {Connected, Disconnected},
	Connected:    {Degraded, Disconnected},
	Degraded:     {Connected, Disconnected},
	Disconnected: {Connecting},
}

// Machine tracks and enforces the connection state of one conversation channel.
type Machine struct {
	mu      sync.RWMutex
	topic   string
	current State
	since   time.Time
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Connecting.
// topic is the conversation id carried on published status events.
func NewMachine(topic string, b *bus.Bus) *Machine {
	return &Machine{
		topic:   topic,
		current: Connecting,
		since:   time.Now(),
		bus:     b,
	}
}

// Current returns the current state.
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

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = time.Now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindChannelStatus,
			Topic:     m.topic,
			Timestamp: m.since,
			Payload: StatusChange{
				ConversationID: m.topic,
				From:           from,
				To:             to,
				Reason:         reason,
			},
		})
	}
	return nil
}

// Walk drives the machine to target through the shortest valid path.
// Used when a hard failure must land in Disconnected from any state, or a
// manual reconnect must restart from Connecting.
func (m *Machine) Walk(target State, reason string) error {
	for range len(validTransitions) {
		cur := m.Current()
		if cur == target {
			return nil
		}
		next := target
		if !slices.Contains(validTransitions[cur], target) {
			next = Disconnected
			if cur == Disconnected {
				next = Connecting
			}
		}
		if err := m.Transition(next, reason); err != nil {
			return err
		}
	}
	if m.Current() != target {
		return fmt.Errorf("cannot reach %s from %s", target, m.Current())
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	ConversationID string
	From           State
	To             State
	Reason         string
}
