package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRoundTrip_MemoryPayload(t *testing.T) {
	in := Event{
		ID:         7,
		Type:       TypeMemoryCreated,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Source:     "cli",
		Project:    "alpha",
		Importance: 5,
		Payload:    MemoryPayload{MemoryID: "mem-1", AgentID: "agent-a", Tags: []string{"design"}},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Event
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.Type, out.Type)
	assert.Equal(t, in.Importance, out.Importance)

	payload, ok := out.Payload.(MemoryPayload)
	require.True(t, ok, "expected typed memory payload, got %T", out.Payload)
	assert.Equal(t, "mem-1", payload.MemoryID)
	assert.Equal(t, []string{"design"}, payload.Tags)
}

func TestEventRoundTrip_UnknownKindKeepsRawPayload(t *testing.T) {
	raw := []byte(`{"id":3,"event_type":"graph.rebuilt","timestamp":"2026-03-01T12:00:00Z","importance":1,"payload":{"nodes":42}}`)

	var out Event
	require.NoError(t, json.Unmarshal(raw, &out))

	payload, ok := out.Payload.(RawPayload)
	require.True(t, ok, "unknown kinds must keep an opaque payload, got %T", out.Payload)
	assert.JSONEq(t, `{"nodes":42}`, string(payload))

	// Re-encoding must preserve the opaque body byte-for-byte semantics.
	data, err := json.Marshal(out)
	require.NoError(t, err)
	var echo Event
	require.NoError(t, json.Unmarshal(data, &echo))
	assert.JSONEq(t, string(payload), string(echo.Payload.(RawPayload)))
}

func TestDecodePayload_Empty(t *testing.T) {
	p, err := DecodePayload(TypeMemoryDeleted, nil)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestDecodePayload_Corrupt(t *testing.T) {
	_, err := DecodePayload(TypeAgentConnected, []byte(`{`))
	assert.Error(t, err)
}
