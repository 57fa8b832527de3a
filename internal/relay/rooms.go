package relay

import (
	"slices"

	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// maxIDAttempts bounds how many colliding ids CreateRoom tolerates before
// reporting exhaustion.
const maxIDAttempts = 32

// Room represents a set of participants sharing signaling broadcasts.
type Room struct {
	// ID is the unique identifier for the room.
	ID signaling.RoomID

	// Kind is a free-form tag such as "video".
	Kind string

	// members in join order.
	members []signaling.ClientID
}

// Members returns a copy of the member list in join order.
func (r *Room) Members() []signaling.ClientID {
	return slices.Clone(r.members)
}

// Has reports whether id is a member of the room.
func (r *Room) Has(id signaling.ClientID) bool {
	return slices.Contains(r.members, id)
}

// Len returns the number of members.
func (r *Room) Len() int {
	return len(r.members)
}

// RoomManager owns the set of rooms. It does no locking of its own: the Hub
// serialises every call together with the connection registry.
type RoomManager struct {
	rooms map[signaling.RoomID]*Room
	newID IDGenerator
}

// NewRoomManager creates an empty room manager. A nil generator defaults to UUIDs.
func NewRoomManager(gen IDGenerator) *RoomManager {
	if gen == nil {
		gen = UUIDGenerator
	}
	return &RoomManager{
		rooms: make(map[signaling.RoomID]*Room),
		newID: gen,
	}
}

// CreateRoom registers an empty room of the given kind under a fresh id.
func (m *RoomManager) CreateRoom(kind string) (signaling.RoomID, error) {
	if kind == "" {
		kind = signaling.DefaultRoomKind
	}
	for i := 0; i < maxIDAttempts; i++ {
		id := signaling.RoomID(m.newID())
		if _, ok := m.rooms[id]; ok {
			continue
		}
		m.rooms[id] = &Room{ID: id, Kind: kind}
		return id, nil
	}
	return "", signaling.NewOpError("create room", signaling.ErrIDExhausted)
}

// JoinRoom adds clientID to the room. Joining a room twice is a no-op.
func (m *RoomManager) JoinRoom(roomID signaling.RoomID, clientID signaling.ClientID) (*Room, error) {
	room, ok := m.rooms[roomID]
	if !ok {
		return nil, signaling.WrapError("join room", signaling.ErrNotFound, string(roomID))
	}
	if !room.Has(clientID) {
		room.members = append(room.members, clientID)
	}
	return room, nil
}

// LeaveRoom removes clientID from the room and reports whether it was a member.
// A room left empty is deleted before LeaveRoom returns.
func (m *RoomManager) LeaveRoom(roomID signaling.RoomID, clientID signaling.ClientID) bool {
	room, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	i := slices.Index(room.members, clientID)
	if i < 0 {
		return false
	}
	room.members = slices.Delete(room.members, i, i+1)
	if len(room.members) == 0 {
		delete(m.rooms, roomID)
	}
	return true
}

// ListMembers returns the members of a room in join order, or nil for an unknown room.
func (m *RoomManager) ListMembers(roomID signaling.RoomID) []signaling.ClientID {
	if room, ok := m.rooms[roomID]; ok {
		return room.Members()
	}
	return nil
}

// Get returns the room with the given id.
func (m *RoomManager) Get(roomID signaling.RoomID) (*Room, bool) {
	room, ok := m.rooms[roomID]
	return room, ok
}

// Exists reports whether the room is live.
func (m *RoomManager) Exists(roomID signaling.RoomID) bool {
	_, ok := m.rooms[roomID]
	return ok
}

// Count returns the number of live rooms.
func (m *RoomManager) Count() int {
	return len(m.rooms)
}
