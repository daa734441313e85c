// Package event broadcasts agent lifecycle events to any number of
// subscribers, typically SSE clients. Publishing never blocks the
// agent loop: a subscriber that stops draining loses events instead of
// stalling everyone else.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type labels what happened.
type Type string

const (
	// TypeHeartbeat marks one completed thinking cycle.
	TypeHeartbeat Type = "heartbeat"
	// TypeState marks a scheduler state transition.
	TypeState Type = "state"
	// TypeOutput marks a message or error published to the output channel.
	TypeOutput Type = "output"
	// TypeThought marks a background thought injected into the agent.
	TypeThought Type = "thought"
	// TypeShutdown marks the agent stopping.
	TypeShutdown Type = "shutdown"
)

var knownTypes = map[Type]struct{}{
	TypeHeartbeat: {},
	TypeState:     {},
	TypeOutput:    {},
	TypeThought:   {},
	TypeShutdown:  {},
}

// Event describes one push to subscribers.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	AgentID   string    `json:"agent_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// New builds an event with ID and Timestamp filled in.
func New(typ Type, agentID string, data any) Event {
	return normalize(Event{Type: typ, AgentID: agentID, Data: data})
}

// Validate checks the event against the known type set.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := knownTypes[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

func normalize(evt Event) Event {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}
