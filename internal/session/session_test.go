package session

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/valive421/dep-lansim/internal/protocol"
)

func udpAddr(t *testing.T, s string) *net.UDPAddr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	require.NoError(t, err)
	return a
}

func TestCreateRoomTransitionsToAwaitingThenInRoom(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	assert.Equal(t, StateIdle, s.State())

	msg := s.CreateRoom("game-1", 5000)
	assert.Equal(t, protocol.ActionCreateRoom, msg.Action)
	assert.Equal(t, StateAwaitingAck, s.State())

	s.HandleRoomCreated(&protocol.Message{Action: protocol.ActionRoomCreated})
	assert.Equal(t, StateInRoom, s.State())
}

func TestJoinRoomLearnsRosterAndInitiatesPunch(t *testing.T) {
	s := New("Bob", zaptest.NewLogger(t))
	s.JoinRoom("game-1", 6000)

	joined := &protocol.Message{
		Action: protocol.ActionRoomJoined,
		Members: map[string]protocol.RoomMember{
			"P1": {Username: "Alice", PublicIP: "203.0.113.1", PublicPort: 4000},
		},
	}
	fallback := udpAddr(t, "198.51.100.1:9999")
	punches := s.HandleRoomJoined(joined, fallback)
	require.Len(t, punches, 1)
	assert.Equal(t, "P1", punches[0].TargetPeer)
	assert.Equal(t, StateInRoom, s.State())

	snap := s.Snapshot()
	require.Len(t, snap.Members, 1)
	assert.Equal(t, "203.0.113.1:4000", snap.Members[0].Endpoint.String())
	assert.Equal(t, ReachPunching, snap.Members[0].Reachability)
}

func TestEndpointFallsBackToDatagramSourceWhenFieldsMissing(t *testing.T) {
	s := New("Bob", zaptest.NewLogger(t))
	s.JoinRoom("game-1", 6000)
	fallback := udpAddr(t, "198.51.100.1:9999")

	s.HandlePeerJoined(&protocol.Message{Action: protocol.ActionPeerJoined, PeerID: "P9", Username: "Zed"}, fallback)

	snap := s.Snapshot()
	require.Len(t, snap.Members, 1)
	assert.Equal(t, fallback.String(), snap.Members[0].Endpoint.String())
}

func TestSymmetricReachabilityAfterOneExchange(t *testing.T) {
	a := New("Alice", zaptest.NewLogger(t))
	b := New("Bob", zaptest.NewLogger(t))

	aAddr := udpAddr(t, "10.0.0.1:1111")
	bAddr := udpAddr(t, "10.0.0.2:2222")

	// Both learn each other via peer_joined/room_joined (endpoints supplied).
	a.HandlePeerJoined(&protocol.Message{PeerID: b.PeerID(), Username: "Bob", PublicIP: "10.0.0.2", PublicPort: 2222}, nil)
	b.HandlePeerJoined(&protocol.Message{PeerID: a.PeerID(), Username: "Alice", PublicIP: "10.0.0.1", PublicPort: 1111}, nil)

	// B sends punch_request targeting A (relayed by server); A responds.
	reply, to := a.HandlePunchRequest(&protocol.Message{SourcePeer: b.PeerID(), SourcePublicIP: "10.0.0.2", SourcePublicPort: 2222})
	require.NotNil(t, reply)
	assert.Equal(t, protocol.ActionPunchResponse, reply.Action)
	assert.Equal(t, bAddr.String(), to.String())

	// A's response arrives at B.
	b.HandlePunchResponse(reply, aAddr)

	require.NotEmpty(t, b.Snapshot().Members)
	assert.Equal(t, ReachReachable, b.Snapshot().Members[0].Reachability)

	// B's punch_request delivery itself also causes A to reply, and once A
	// sees B's eventual punch_response A too becomes reachable.
	a.HandlePunchResponse(&protocol.Message{PeerID: b.PeerID()}, bAddr)
	assert.Equal(t, ReachReachable, a.Snapshot().Members[0].Reachability)

	assert.ElementsMatch(t, []string{bAddr.String()}, addrsOf(a.Reachable()))
	assert.ElementsMatch(t, []string{aAddr.String()}, addrsOf(b.Reachable()))
}

func addrsOf(addrs []*net.UDPAddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

func TestPunchResponseForUnknownPeerIsNoopNotCrash(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.HandlePunchResponse(&protocol.Message{PeerID: "ghost"}, udpAddr(t, "1.2.3.4:1"))
	assert.Empty(t, s.Reachable())
}

func TestPunchRequestAlwaysRepliesRegardlessOfLocalState(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.HandlePeerJoined(&protocol.Message{PeerID: "B", Username: "Bob", PublicIP: "10.0.0.2", PublicPort: 2222}, nil)

	// Already reachable; a second punch_request must still produce a reply.
	s.HandlePunchResponse(&protocol.Message{PeerID: "B"}, udpAddr(t, "10.0.0.2:2222"))
	reply, to := s.HandlePunchRequest(&protocol.Message{SourcePeer: "B", SourcePublicIP: "10.0.0.2", SourcePublicPort: 2222})
	require.NotNil(t, reply)
	assert.NotNil(t, to)
}

func TestPeerLeftDropsMemberAndIsIdempotent(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.HandlePeerJoined(&protocol.Message{PeerID: "B", Username: "Bob", PublicIP: "10.0.0.2", PublicPort: 2222}, nil)
	require.Len(t, s.Snapshot().Members, 1)

	s.HandlePeerLeft(&protocol.Message{PeerID: "B"})
	assert.Empty(t, s.Snapshot().Members)

	// idempotent: leaving again (or an unknown peer) must not panic
	s.HandlePeerLeft(&protocol.Message{PeerID: "B"})
	s.HandlePeerLeft(&protocol.Message{PeerID: "nobody"})
}

func TestLeaveRoomResetsToIdleAndIsIdempotent(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.CreateRoom("game-1", 5000)
	s.HandleRoomCreated(&protocol.Message{})

	msg := s.LeaveRoom()
	require.NotNil(t, msg)
	assert.Equal(t, StateIdle, s.State())

	msg = s.LeaveRoom()
	assert.Nil(t, msg, "leaving while already idle must be a no-op")
}

func TestDueKeepaliveRespectsThirtySecondCadence(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.CreateRoom("game-1", 5000)
	s.HandleRoomCreated(&protocol.Message{})

	t0 := time.Now()
	assert.NotNil(t, s.DueKeepalive(t0), "first call after joining is always due")
	assert.Nil(t, s.DueKeepalive(t0.Add(5*time.Second)))
	assert.NotNil(t, s.DueKeepalive(t0.Add(31*time.Second)))
}

func TestDuePunchRetriesResendsAfterDelayAndStopsWhenReachable(t *testing.T) {
	s := New("Alice", zaptest.NewLogger(t))
	s.HandlePeerJoined(&protocol.Message{PeerID: "B", Username: "Bob", PublicIP: "10.0.0.2", PublicPort: 2222}, nil)

	t0 := time.Now()
	assert.Empty(t, s.DuePunchRetries(t0), "first tick only schedules the first retry")

	retries := s.DuePunchRetries(t0.Add(2 * time.Second))
	require.Len(t, retries, 1)
	assert.Equal(t, "B", retries[0].TargetPeer)

	// Becoming reachable stops retries.
	s.HandlePunchResponse(&protocol.Message{PeerID: "B"}, udpAddr(t, "10.0.0.2:2222"))
	assert.Empty(t, s.DuePunchRetries(t0.Add(100*time.Second)))
}
