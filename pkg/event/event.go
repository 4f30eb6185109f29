// Package event defines the immutable change notifications minted for every
// committed mutation, together with their typed payloads and wire encoding.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies the kind of change an event describes.
type Type string

const (
	TypeMemoryCreated     Type = "memory.created"
	TypeMemoryUpdated     Type = "memory.updated"
	TypeMemoryDeleted     Type = "memory.deleted"
	TypeAgentConnected    Type = "agent.connected"
	TypeAgentDisconnected Type = "agent.disconnected"
)

// Payload is the tagged union of event bodies. Known kinds decode into typed
// payloads; unknown kinds round-trip through RawPayload so that newer
// producers do not break older consumers.
type Payload interface {
	payloadKind()
}

// MemoryPayload is the body of memory.* events.
type MemoryPayload struct {
	MemoryID string   `json:"memory_id"`
	AgentID  string   `json:"agent_id,omitempty"`
	Title    string   `json:"title,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

func (MemoryPayload) payloadKind() {}

// AgentPayload is the body of agent.* events.
type AgentPayload struct {
	AgentID  string `json:"agent_id"`
	Protocol string `json:"protocol,omitempty"`
}

func (AgentPayload) payloadKind() {}

// RawPayload carries the body of an event kind this build does not know.
type RawPayload json.RawMessage

func (RawPayload) payloadKind() {}

// MarshalJSON emits the raw bytes unchanged.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return []byte(p), nil
}

// Draft is an event as staged by a mutation, before the router has assigned
// its identity. Identity fields (ID, Timestamp) belong to the router.
type Draft struct {
	Type       Type
	Source     string
	Project    string
	Importance int
	Payload    Payload
}

// Event is the unit of notification. Immutable once minted; ID is strictly
// increasing in commit order for a given store.
type Event struct {
	ID         int64     `json:"id"`
	Type       Type      `json:"event_type"`
	Timestamp  time.Time `json:"timestamp"`
	Source     string    `json:"source_protocol,omitempty"`
	Project    string    `json:"project,omitempty"`
	Importance int       `json:"importance"`
	Payload    Payload   `json:"payload,omitempty"`
}

// envelope mirrors Event with the payload left undecoded.
type envelope struct {
	ID         int64           `json:"id"`
	Type       Type            `json:"event_type"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source_protocol,omitempty"`
	Project    string          `json:"project,omitempty"`
	Importance int             `json:"importance"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON decodes the payload according to the event type, falling back
// to RawPayload for unknown kinds.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := DecodePayload(env.Type, env.Payload)
	if err != nil {
		return err
	}
	*e = Event{
		ID:         env.ID,
		Type:       env.Type,
		Timestamp:  env.Timestamp,
		Source:     env.Source,
		Project:    env.Project,
		Importance: env.Importance,
		Payload:    payload,
	}
	return nil
}

// DecodePayload decodes raw payload bytes for the given event type.
func DecodePayload(t Type, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch t {
	case TypeMemoryCreated, TypeMemoryUpdated, TypeMemoryDeleted:
		var p MemoryPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	case TypeAgentConnected, TypeAgentDisconnected:
		var p AgentPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
		return p, nil
	default:
		cp := make(RawPayload, len(raw))
		copy(cp, raw)
		return cp, nil
	}
}
