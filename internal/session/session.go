// Package session implements the client-side peer lifecycle: joining a
// room, learning peers, driving NAT hole-punching, keepalive, and leaving.
// A Session is the single owner of a client's room/peer state; all
// mutation happens behind one mutex, shared with the packet pump and the
// keepalive ticker.
package session

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/valive421/dep-lansim/internal/protocol"
)

// State is the client's room membership state machine.
type State int

const (
	StateIdle State = iota
	StateAwaitingAck
	StateInRoom
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAck:
		return "awaiting_ack"
	case StateInRoom:
		return "in_room"
	default:
		return "unknown"
	}
}

// Reachability is a peer's punch-handshake progress.
type Reachability int

const (
	ReachUnknown Reachability = iota
	ReachPunching
	ReachReachable
)

// PeerView is what the client knows about one other room member.
type PeerView struct {
	PeerID       string
	Username     string
	Endpoint     *net.UDPAddr
	Reachability Reachability

	punchAttempts  int
	nextRetryAt    time.Time
	retryScheduled bool
}

// PunchRetrySchedule is the backoff used when a punch_response is not
// observed in time. The reference implementation never retries a punch at
// all; this reimplementation resends at 1s/2s/4s for up to 3 attempts.
var PunchRetrySchedule = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Outbound is something the Session wants sent: either to the rendezvous
// server (ToServer true) or directly to a peer endpoint.
type Outbound struct {
	Message  *protocol.Message
	ToServer bool
	Addr     *net.UDPAddr
}

// Session is the client's own identity, room membership, and peer table.
type Session struct {
	mu sync.Mutex

	log *zap.Logger

	ownPeerID  string
	ownUser    string
	state      State
	roomID     string
	members    map[string]*PeerView
	lastKAlive time.Time
}

// New constructs an idle Session with a freshly generated PeerID, matching
// the original's uuid4()[:8] convention.
func New(username string, log *zap.Logger) *Session {
	return &Session{
		log:       log,
		ownPeerID: randomPeerID(),
		ownUser:   username,
		state:     StateIdle,
		members:   make(map[string]*PeerView),
	}
}

func randomPeerID() string {
	const alphabet = "0123456789abcdef"
	b := make([]byte, 8)
	for i := range b {
		b[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(b)
}

// PeerID returns the client's own, stable identifier.
func (s *Session) PeerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ownPeerID
}

// State returns the current room-membership state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RoomID returns the current room id, or "" if idle.
func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// CreateRoom transitions idle -> awaiting_ack and returns the create_room
// message to send to the server.
func (s *Session) CreateRoom(roomID string, localPort int) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.state = StateAwaitingAck
	s.members = make(map[string]*PeerView)
	return &protocol.Message{
		Action:   protocol.ActionCreateRoom,
		RoomID:   roomID,
		PeerID:   s.ownPeerID,
		Username: s.ownUser,
		Port:     localPort,
	}
}

// JoinRoom transitions idle -> awaiting_ack and returns the join_room
// message to send to the server.
func (s *Session) JoinRoom(roomID string, localPort int) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomID = roomID
	s.state = StateAwaitingAck
	s.members = make(map[string]*PeerView)
	return &protocol.Message{
		Action:   protocol.ActionJoinRoom,
		RoomID:   roomID,
		PeerID:   s.ownPeerID,
		Username: s.ownUser,
		Port:     localPort,
	}
}

// LeaveRoom transitions in_room -> idle and returns the leave_room message,
// or nil if the session is already idle.
func (s *Session) LeaveRoom() *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roomID == "" {
		return nil
	}
	msg := &protocol.Message{Action: protocol.ActionLeaveRoom, RoomID: s.roomID, PeerID: s.ownPeerID}
	s.roomID = ""
	s.state = StateIdle
	s.members = make(map[string]*PeerView)
	return msg
}

// Reachable returns the endpoints of every peer currently in the reachable
// set; this is the fan-out target set for outbound NIC packets.
func (s *Session) Reachable() []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*net.UDPAddr, 0, len(s.members))
	for _, m := range s.members {
		if m.Reachability == ReachReachable {
			out = append(out, m.Endpoint)
		}
	}
	return out
}

// endpointOf applies the endpoint-selection rule: prefer the explicit
// public_ip/public_port fields; fall back to the datagram's source address
// only when those fields are absent (interoperability with an older,
// simpler server).
func endpointOf(ip string, port int, fallback *net.UDPAddr) *net.UDPAddr {
	if ip != "" && port != 0 {
		return &net.UDPAddr{IP: net.ParseIP(ip), Port: port}
	}
	return fallback
}

// HandleRoomCreated acknowledges a create_room reply: idle/awaiting_ack ->
// in_room. There are no peers to learn yet.
func (s *Session) HandleRoomCreated(msg *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateInRoom
}

// HandleRoomJoined acknowledges a join_room reply, transitions to in_room,
// and returns the punch_request messages the caller should send to the
// server for each newly learned peer (one per member in the roster).
func (s *Session) HandleRoomJoined(msg *protocol.Message, fallback *net.UDPAddr) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateInRoom

	var out []*protocol.Message
	for pid, info := range msg.Members {
		if pid == s.ownPeerID {
			continue
		}
		ep := endpointOf(info.PublicIP, info.PublicPort, fallback)
		s.members[pid] = &PeerView{PeerID: pid, Username: info.Username, Endpoint: ep, Reachability: ReachPunching}
		out = append(out, &protocol.Message{
			Action:     protocol.ActionPunchRequest,
			RoomID:     s.roomID,
			SourcePeer: s.ownPeerID,
			TargetPeer: pid,
		})
	}
	return out
}

// HandlePeerJoined records a newly announced peer and returns the
// punch_request to relay through the server. peer_joined is idempotent: it
// always overwrites any prior record for that PeerID.
func (s *Session) HandlePeerJoined(msg *protocol.Message, fallback *net.UDPAddr) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.PeerID == s.ownPeerID {
		return nil
	}
	ep := endpointOf(msg.PublicIP, msg.PublicPort, fallback)
	s.members[msg.PeerID] = &PeerView{PeerID: msg.PeerID, Username: msg.Username, Endpoint: ep, Reachability: ReachPunching}
	return &protocol.Message{
		Action:     protocol.ActionPunchRequest,
		RoomID:     s.roomID,
		SourcePeer: s.ownPeerID,
		TargetPeer: msg.PeerID,
	}
}

// HandlePeerLeft drops a peer from members and reachable. It is a no-op if
// the PeerID is unknown.
func (s *Session) HandlePeerLeft(msg *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.members, msg.PeerID)
}

// HandlePunchRequest handles a server-relayed punch request: if
// source_peer is a known member, it returns the punch_response to send
// directly to that member's endpoint. Receiving a punch_request always
// triggers a response regardless of local reachability state.
func (s *Session) HandlePunchRequest(msg *protocol.Message) (reply *protocol.Message, to *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[msg.SourcePeer]
	if !ok {
		return nil, nil
	}
	// The source's observed public endpoint, if supplied, is more current
	// than our cached view (it was just re-observed by the server).
	if ep := endpointOf(msg.SourcePublicIP, msg.SourcePublicPort, nil); ep != nil {
		m.Endpoint = ep
	}
	return &protocol.Message{Action: protocol.ActionPunchResponse, RoomID: s.roomID, PeerID: s.ownPeerID}, m.Endpoint
}

// HandlePunchResponse promotes the sending peer (the message's peer_id) to
// reachable and caches from as its endpoint. A punch_response
// received for a peer not in "punching" state still promotes it, since
// delivery ordering between punch_request and punch_response is not
// guaranteed — if the peer is entirely unknown, nothing happens, since
// there is no endpoint to trust.
func (s *Session) HandlePunchResponse(msg *protocol.Message, from *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[msg.PeerID]
	if !ok {
		return
	}
	m.Reachability = ReachReachable
	m.Endpoint = from
}

// DueKeepalive reports whether 30s have elapsed since the last keepalive
// while in_room, and if so returns the keepalive message and records "now"
// as the new last-sent time.
func (s *Session) DueKeepalive(now time.Time) *protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInRoom || s.roomID == "" {
		return nil
	}
	if now.Sub(s.lastKAlive) < 30*time.Second {
		return nil
	}
	s.lastKAlive = now
	return &protocol.Message{Action: protocol.ActionKeepalive, RoomID: s.roomID, PeerID: s.ownPeerID}
}

// DuePunchRetries scans members still in "punching" state whose retry
// backoff has elapsed, advances their schedule, and returns the
// punch_request messages to resend. Members that have exhausted
// PunchRetrySchedule are left in "punching" permanently rather than
// marked failed — there is no terminal failure state for a peer.
func (s *Session) DuePunchRetries(now time.Time) []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*protocol.Message
	for pid, m := range s.members {
		if m.Reachability != ReachPunching {
			continue
		}
		if !m.retryScheduled {
			m.retryScheduled = true
			m.nextRetryAt = now.Add(firstRetryDelay())
			continue
		}
		if now.Before(m.nextRetryAt) {
			continue
		}
		if m.punchAttempts >= len(PunchRetrySchedule) {
			continue
		}
		delay := PunchRetrySchedule[m.punchAttempts]
		m.punchAttempts++
		m.nextRetryAt = now.Add(delay)
		out = append(out, &protocol.Message{
			Action:     protocol.ActionPunchRequest,
			RoomID:     s.roomID,
			SourcePeer: s.ownPeerID,
			TargetPeer: pid,
		})
	}
	return out
}

func firstRetryDelay() time.Duration {
	if len(PunchRetrySchedule) == 0 {
		return time.Second
	}
	return PunchRetrySchedule[0]
}

// Snapshot is a read-only view for the (out-of-scope) GUI's ≥1s poll.
type Snapshot struct {
	PeerID  string
	State   State
	RoomID  string
	Members []PeerView
}

// Snapshot returns a copy-safe view of the session for read-only polling;
// it must not be called from inside the pump's own lock.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]PeerView, 0, len(s.members))
	for _, m := range s.members {
		members = append(members, *m)
	}
	return Snapshot{PeerID: s.ownPeerID, State: s.state, RoomID: s.roomID, Members: members}
}

// String implements fmt.Stringer for convenient log fields.
func (s *Session) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("session(peer=%s state=%s room=%s members=%d)", snap.PeerID, snap.State, snap.RoomID, len(snap.Members))
}
