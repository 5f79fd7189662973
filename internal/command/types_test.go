package command

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChannel(t *testing.T) {
	ch, err := ParseChannel("live")
	require.NoError(t, err)
	assert.Equal(t, ChannelLive, ch)

	ch, err = ParseChannel("batch")
	require.NoError(t, err)
	assert.Equal(t, ChannelBatch, ch)

	_, err = ParseChannel("midi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel")
}

func TestNewArgs_PreservesOrder(t *testing.T) {
	args := NewArgs("volume", 0.8, "track", 1, "name", "Kick")

	var keys []string
	for pair := args.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	assert.Equal(t, []string{"volume", "track", "name"}, keys)
}

func TestNewArgs_PanicsOnOddCount(t *testing.T) {
	assert.Panics(t, func() { NewArgs("track") })
	assert.Panics(t, func() { NewArgs(1, 2) })
}

func TestNew_CopiesArgs(t *testing.T) {
	args := NewArgs("track", 1)
	cmd := New(ChannelLive, "mixer.setTrackVolume", args)

	args.Set("track", 99)
	v, ok := cmd.Args.Get("track")
	require.True(t, ok)
	assert.Equal(t, 1, v, "command must not observe later mutation of caller args")
}

func TestWithRequestID_ReturnsCopy(t *testing.T) {
	cmd := New(ChannelLive, "transport.start", nil)
	withID := cmd.WithRequestID("req-1")

	assert.Empty(t, cmd.RequestID)
	assert.Equal(t, "req-1", withID.RequestID)
	assert.Equal(t, 0, withID.Args.Len())
}

func TestRequestEnvelope_WireFormat(t *testing.T) {
	env := RequestEnvelope{
		Command:   New(ChannelLive, "set_track_volume", NewArgs("track", 1, "volume", 0.8)).WithRequestID("req-1"),
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Attempt:   2,
	}

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"request_id": "req-1",
		"channel": "live",
		"op": "set_track_volume",
		"args": {"track": 1, "volume": 0.8},
		"attempt": 2,
		"created_at": "2026-01-02T03:04:05Z"
	}`, string(data))
	// Args keep their insertion order on the wire.
	assert.Contains(t, string(data), `"args":{"track":1,"volume":0.8}`)

	var back RequestEnvelope
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, "req-1", back.Command.RequestID)
	assert.Equal(t, 2, back.Attempt)
	assert.True(t, env.CreatedAt.Equal(back.CreatedAt))
	v, ok := back.Command.Args.Get("volume")
	require.True(t, ok)
	assert.Equal(t, 0.8, v)
}

func TestRequestEnvelope_UnmarshalRequiresRequestID(t *testing.T) {
	var env RequestEnvelope
	err := json.Unmarshal([]byte(`{"op":"transport.start"}`), &env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_id")
}

func TestResponseEnvelope_OK(t *testing.T) {
	assert.True(t, (&ResponseEnvelope{Status: StatusOK}).OK())
	assert.False(t, (&ResponseEnvelope{Status: StatusError}).OK())
}
