// Package registry implements the server-side room table: an in-memory map
// of rooms to their members with soft-state expiry. It is the single owner
// of room state; all mutation happens behind one mutex, per the "global
// mutable room table" re-architecture hint.
package registry

import (
	"net"
	"sync"
	"time"
)

// StaleAfter is the age past which a member is considered gone if it hasn't
// sent any control traffic (create_room/join_room/keepalive).
const StaleAfter = 60 * time.Second

// Member is one peer's presence inside a Room.
type Member struct {
	PeerID   string
	Username string
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// Room is a named group of Members.
type Room struct {
	ID        string
	Members   map[string]*Member
	CreatedAt time.Time
}

// Registry is the server's exclusive owner of all Rooms. Zero value is not
// usable; construct with New.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{rooms: make(map[string]*Room)}
}

// Upsert creates the room if absent and inserts or overwrites the member
// identified by peerID, refreshing its address and last-seen time. This is
// the shared body of create_room and join_room: overwriting is deliberate,
// since a reconnecting client reuses its PeerID and must have its endpoint
// updated. It returns the room and the roster as it stood *before* this
// member was applied, for building a join_room/create_room reply that
// excludes the joiner.
func (r *Registry) Upsert(roomID, peerID, username string, addr *net.UDPAddr, now time.Time) (room *Room, priorMembers []*Member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room = r.rooms[roomID]
	if room == nil {
		room = &Room{ID: roomID, Members: make(map[string]*Member), CreatedAt: now}
		r.rooms[roomID] = room
	}

	for id, m := range room.Members {
		if id != peerID {
			priorMembers = append(priorMembers, m)
		}
	}

	room.Members[peerID] = &Member{
		PeerID:   peerID,
		Username: username,
		Addr:     addr,
		LastSeen: now,
	}
	return room, priorMembers
}

// Leave removes peerID from roomID. It returns the surviving members (for
// peer_left fan-out) and whether the room was destroyed as a result. Leave
// is idempotent: removing an absent member is a silent no-op.
func (r *Registry) Leave(roomID, peerID string) (surviving []*Member, removed, roomDestroyed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return nil, false, false
	}
	if _, ok := room.Members[peerID]; !ok {
		return nil, false, false
	}
	delete(room.Members, peerID)
	removed = true

	for _, m := range room.Members {
		surviving = append(surviving, m)
	}
	if len(room.Members) == 0 {
		delete(r.rooms, roomID)
		roomDestroyed = true
	}
	return surviving, removed, roomDestroyed
}

// Keepalive refreshes last_seen and addr for (roomID, peerID) if the member
// exists; otherwise it is a silent no-op (NotMember is not an error here).
func (r *Registry) Keepalive(roomID, peerID string, addr *net.UDPAddr, now time.Time) (ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return false
	}
	m, ok := room.Members[peerID]
	if !ok {
		return false
	}
	m.LastSeen = now
	m.Addr = addr
	return true
}

// Member looks up a single member's current state, if present.
func (r *Registry) Member(roomID, peerID string) (*Member, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[roomID]
	if room == nil {
		return nil, false
	}
	m, ok := room.Members[peerID]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// RoomSnapshot is a read-only view of a room's size and age, used by
// get_rooms and the /health side-channel.
type RoomSnapshot struct {
	ID          string
	MemberCount int
	CreatedAt   time.Time
}

// Snapshot returns a point-in-time view of every room.
func (r *Registry) Snapshot() []RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]RoomSnapshot, 0, len(r.rooms))
	for id, room := range r.rooms {
		out = append(out, RoomSnapshot{ID: id, MemberCount: len(room.Members), CreatedAt: room.CreatedAt})
	}
	return out
}

// RoomCount returns the number of live rooms.
func (r *Registry) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// ExpireStale removes every member whose last_seen is older than
// StaleAfter, destroying any room left with zero members. It returns the
// ids of destroyed rooms and the count of expired members, for logging.
// peer_left notifications are intentionally not emitted here (see §9 of the
// spec: this is a deliberate open-question decision, not an omission).
func (r *Registry) ExpireStale(now time.Time) (destroyedRooms []string, expiredMembers int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, room := range r.rooms {
		for peerID, m := range room.Members {
			if now.Sub(m.LastSeen) > StaleAfter {
				delete(room.Members, peerID)
				expiredMembers++
			}
		}
		if len(room.Members) == 0 {
			delete(r.rooms, id)
			destroyedRooms = append(destroyedRooms, id)
		}
	}
	return destroyedRooms, expiredMembers
}
