package relay

import (
	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// Transport is the relay's handle on one client connection.
type Transport interface {
	// Send queues an envelope for delivery. It never blocks on the network.
	Send(env *signaling.Envelope) error
	// Ping sends a transport-level liveness probe.
	Ping() error
	IsOpen() bool
	Close() error
}

type registration struct {
	transport Transport
	room      signaling.RoomID
	// alive is cleared by every sweep and set again by a pong.
	alive bool
}

// Registry maps client ids to their live transports. Like RoomManager it is
// only touched under the Hub's lock.
type Registry struct {
	entries map[signaling.ClientID]*registration
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[signaling.ClientID]*registration),
	}
}

// Register binds id to its transport. A fresh registration counts as alive.
func (r *Registry) Register(id signaling.ClientID, t Transport) {
	r.entries[id] = &registration{transport: t, alive: true}
}

// Lookup returns the transport registered for id.
func (r *Registry) Lookup(id signaling.ClientID) (Transport, bool) {
	if e, ok := r.entries[id]; ok {
		return e.transport, true
	}
	return nil, false
}

// Unregister removes id and returns the room it was in. Safe to call twice.
func (r *Registry) Unregister(id signaling.ClientID) (signaling.RoomID, bool) {
	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	delete(r.entries, id)
	return e.room, true
}

// IsOpen reports whether a transport can still accept envelopes.
func (r *Registry) IsOpen(t Transport) bool {
	return t != nil && t.IsOpen()
}

// Len returns the number of registered transports.
func (r *Registry) Len() int {
	return len(r.entries)
}

// RoomOf returns the room id back-reference held for a client.
func (r *Registry) RoomOf(id signaling.ClientID) signaling.RoomID {
	if e, ok := r.entries[id]; ok {
		return e.room
	}
	return ""
}

func (r *Registry) setRoom(id signaling.ClientID, room signaling.RoomID) {
	if e, ok := r.entries[id]; ok {
		e.room = room
	}
}

func (r *Registry) markAlive(id signaling.ClientID) {
	if e, ok := r.entries[id]; ok {
		e.alive = true
	}
}

// sweep splits the registry into transports that never answered the previous
// probe and transports to probe now. Survivors are flagged not-alive until
// their next pong.
func (r *Registry) sweep() (dead []signaling.ClientID, probe []Transport) {
	for id, e := range r.entries {
		if !e.alive {
			dead = append(dead, id)
			continue
		}
		e.alive = false
		probe = append(probe, e.transport)
	}
	return dead, probe
}
