package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Action:   ActionJoinRoom,
		RoomID:   "game-1",
		PeerID:   "P2",
		Username: "Bob",
		Port:     50000,
	}
	raw, err := Encode(msg)
	require.NoError(t, err)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.Action, got.Action)
	assert.Equal(t, msg.RoomID, got.RoomID)
	assert.Equal(t, msg.PeerID, got.PeerID)
	assert.Equal(t, msg.Username, got.Username)
}

func TestDecodeOpaqueData(t *testing.T) {
	cases := [][]byte{
		nil,
		{},
		{0xDE, 0xAD, 0xBE, 0xEF},
		[]byte("hello world, not json at all"),
		[]byte(`{"nonsense": true}`),
		[]byte(`{"action": "not_a_real_action"}`),
		[]byte(`"just a quoted string"`),
		[]byte(`42`),
	}
	for _, c := range cases {
		_, err := Decode(c)
		assert.ErrorIs(t, err, ErrNotControl, "payload %q must be treated as opaque data", c)
	}
}

func TestDecodeUnknownActionIsOpaque(t *testing.T) {
	_, err := Decode([]byte(`{"action":"self_destruct","room_id":"x"}`))
	assert.ErrorIs(t, err, ErrNotControl)
}

func TestEncodeDecodePunchRequest(t *testing.T) {
	msg := &Message{
		Action:           ActionPunchRequest,
		RoomID:           "game-1",
		SourcePeer:       "P1",
		TargetPeer:       "P2",
		SourcePublicIP:   "203.0.113.5",
		SourcePublicPort: 40000,
	}
	raw, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, "P1", got.SourcePeer)
	assert.Equal(t, "P2", got.TargetPeer)
	assert.Equal(t, 40000, got.SourcePublicPort)
}
