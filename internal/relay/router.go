package relay

import (
	"github.com/4citeB4U/familyreunion/internal/signaling"
)

// routeLocked computes the deliveries for one validated envelope. h.mu must be held.
func (h *Hub) routeLocked(id signaling.ClientID, env *signaling.Envelope) []delivery {
	sender, ok := h.registry.Lookup(id)
	if !ok {
		return nil
	}

	switch env.Type {
	case signaling.TypeCreateRoom:
		return h.createRoomLocked(id, sender, env)
	case signaling.TypeJoinRoom:
		return h.joinRoomLocked(id, sender, env)
	case signaling.TypeLeaveRoom:
		return h.leaveRoomLocked(id, sender, env)
	case signaling.TypeSignal:
		return h.signalLocked(id, sender, env)
	case signaling.TypeTextMessage:
		return h.textLocked(id, sender, env)
	case signaling.TypePing:
		h.registry.markAlive(id)
		return []delivery{{to: sender, env: &signaling.Envelope{Type: signaling.TypePong, Timestamp: signaling.Now()}}}
	default:
		// Validate already rejects these.
		return []delivery{{to: sender, env: h.errorEnvelope(signaling.WrapError("route", signaling.ErrUnknownType, env.Type), "")}}
	}
}

// createRoomLocked creates a room and makes the creator its first member.
func (h *Hub) createRoomLocked(id signaling.ClientID, sender Transport, env *signaling.Envelope) []delivery {
	if current := h.registry.RoomOf(id); current != "" {
		return h.fail(sender, signaling.WrapError("create room", signaling.ErrAlreadyInRoom, string(current)), "")
	}

	roomID, err := h.rooms.CreateRoom(env.RoomKind)
	if err != nil {
		h.log.Error().Err(err).Msg("room creation failed")
		return h.fail(sender, err, "")
	}
	room, err := h.rooms.JoinRoom(roomID, id)
	if err != nil {
		return h.fail(sender, err, "")
	}
	h.registry.setRoom(id, roomID)

	h.log.Info().Str("room", string(roomID)).Str("kind", room.Kind).Str("client", string(id)).Msg("room created")

	now := signaling.Now()
	return []delivery{
		{to: sender, env: &signaling.Envelope{
			Type:      signaling.TypeRoomCreated,
			RoomID:    roomID,
			RoomKind:  room.Kind,
			Timestamp: now,
		}},
		{to: sender, env: roomInfo(room, now)},
	}
}

func (h *Hub) joinRoomLocked(id signaling.ClientID, sender Transport, env *signaling.Envelope) []delivery {
	current := h.registry.RoomOf(id)
	if current == env.RoomID {
		// Rejoining the same room just re-announces the member list.
		room, _ := h.rooms.Get(current)
		return []delivery{{to: sender, env: roomInfo(room, signaling.Now())}}
	}
	if current != "" {
		return h.fail(sender, signaling.WrapError("join room", signaling.ErrAlreadyInRoom, string(current)), "")
	}

	room, err := h.rooms.JoinRoom(env.RoomID, id)
	if err != nil {
		h.log.Debug().Str("room", string(env.RoomID)).Msg("join failed: room not found")
		return h.fail(sender, err, "")
	}
	h.registry.setRoom(id, room.ID)

	h.log.Info().Str("room", string(room.ID)).Str("client", string(id)).Int("members", room.Len()).Msg("client joined room")

	// The joiner's room_info is queued first so it learns the member list
	// before any member can react to user_joined.
	now := signaling.Now()
	out := []delivery{{to: sender, env: roomInfo(room, now)}}
	return append(out, h.broadcastLocked(room, &signaling.Envelope{
		Type:      signaling.TypeUserJoined,
		ClientID:  id,
		RoomID:    room.ID,
		RoomKind:  room.Kind,
		Members:   room.Members(),
		Timestamp: now,
	}, id)...)
}

func (h *Hub) leaveRoomLocked(id signaling.ClientID, sender Transport, env *signaling.Envelope) []delivery {
	current := h.registry.RoomOf(id)
	if current == "" || (env.RoomID != "" && env.RoomID != current) {
		return h.fail(sender, signaling.WrapError("leave room", signaling.ErrNotInRoom, string(env.RoomID)), "")
	}
	return h.leaveLocked(id, current)
}

// leaveLocked removes id from roomID and announces it to whoever is left.
func (h *Hub) leaveLocked(id signaling.ClientID, roomID signaling.RoomID) []delivery {
	h.rooms.LeaveRoom(roomID, id)
	h.registry.setRoom(id, "")

	room, ok := h.rooms.Get(roomID)
	if !ok {
		h.log.Info().Str("room", string(roomID)).Msg("room deleted")
		return nil
	}
	h.log.Info().Str("room", string(roomID)).Str("client", string(id)).Int("members", room.Len()).Msg("client left room")
	return h.broadcastLocked(room, &signaling.Envelope{
		Type:      signaling.TypeUserLeft,
		ClientID:  id,
		RoomID:    roomID,
		Members:   room.Members(),
		Timestamp: signaling.Now(),
	}, id)
}

// signalLocked forwards an opaque negotiation payload to exactly one room member.
func (h *Hub) signalLocked(id signaling.ClientID, sender Transport, env *signaling.Envelope) []delivery {
	current := h.registry.RoomOf(id)
	if current == "" {
		return h.fail(sender, signaling.NewOpError("signal", signaling.ErrNotInRoom), env.Target)
	}
	room, ok := h.rooms.Get(current)
	if !ok || !room.Has(env.Target) {
		return h.fail(sender, signaling.WrapError("signal", signaling.ErrNotFound, string(env.Target)), env.Target)
	}
	target, ok := h.registry.Lookup(env.Target)
	if !ok || !h.registry.IsOpen(target) {
		return h.fail(sender, signaling.WrapError("signal", signaling.ErrUnreachable, string(env.Target)), env.Target)
	}

	h.metrics.SignalsRouted.Inc()
	h.log.Debug().Str("from", string(id)).Str("target", string(env.Target)).Str("room", string(current)).Msg("relaying signal")

	return []delivery{{
		to: target,
		env: &signaling.Envelope{
			Type:      signaling.TypeSignal,
			From:      id,
			Target:    env.Target,
			RoomID:    current,
			Payload:   env.Payload,
			Timestamp: signaling.Now(),
		},
		fallback: signaling.NewError(signaling.WrapError("signal", signaling.ErrUnreachable, string(env.Target)), env.Target),
		sender:   sender,
	}}
}

// textLocked broadcasts a chat line to the sender's room.
func (h *Hub) textLocked(id signaling.ClientID, sender Transport, env *signaling.Envelope) []delivery {
	current := h.registry.RoomOf(id)
	roomID := env.RoomID
	if roomID == "" {
		roomID = current
	}
	if current == "" || roomID != current {
		return h.fail(sender, signaling.WrapError("text message", signaling.ErrNotInRoom, string(roomID)), "")
	}
	room, _ := h.rooms.Get(current)
	return h.broadcastLocked(room, &signaling.Envelope{
		Type:      signaling.TypeTextMessage,
		From:      id,
		RoomID:    current,
		Message:   env.Message,
		Timestamp: signaling.Now(),
	}, id)
}

// broadcastLocked addresses env to every open member of room except exclude.
// Members whose transport is gone are skipped.
func (h *Hub) broadcastLocked(room *Room, env *signaling.Envelope, exclude signaling.ClientID) []delivery {
	var out []delivery
	for _, member := range room.members {
		if member == exclude {
			continue
		}
		t, ok := h.registry.Lookup(member)
		if !ok || !h.registry.IsOpen(t) {
			continue
		}
		out = append(out, delivery{to: t, env: env})
	}
	return out
}

func (h *Hub) fail(sender Transport, err error, target signaling.ClientID) []delivery {
	return []delivery{{to: sender, env: h.errorEnvelope(err, target)}}
}

func roomInfo(room *Room, now int64) *signaling.Envelope {
	return &signaling.Envelope{
		Type:      signaling.TypeRoomInfo,
		RoomID:    room.ID,
		RoomKind:  room.Kind,
		Members:   room.Members(),
		Timestamp: now,
	}
}
