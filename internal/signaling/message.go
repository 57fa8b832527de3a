package signaling

import (
	"encoding/json"
	"time"
)

// ClientID identifies one transport connection to the relay. It is assigned by
// the relay when the connection is accepted and never reused.
type ClientID string

// RoomID identifies a room owned by the relay.
type RoomID string

// DefaultRoomKind is used when a create_room request names no kind.
const DefaultRoomKind = "video"

// Envelope represents every websocket frame exchanged between clients and the relay.
// One envelope is carried per text frame.
type Envelope struct {
	Type      string          `json:"type"`
	From      ClientID        `json:"from,omitempty"`
	Target    ClientID        `json:"target,omitempty"`
	ClientID  ClientID        `json:"client_id,omitempty"`
	RoomID    RoomID          `json:"room_id,omitempty"`
	RoomKind  string          `json:"room_kind,omitempty"`
	Members   []ClientID      `json:"members,omitempty"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Envelope type constants.
const (
	// client -> relay
	TypeCreateRoom  = "create_room"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeSignal      = "signal"
	TypeTextMessage = "text_message"
	TypePing        = "ping"

	// relay -> client
	TypeConnection  = "connection"
	TypeRoomCreated = "room_created"
	TypeRoomInfo    = "room_info"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypePong        = "pong"
	TypeError       = "error"
)

// ErrorPayload is the body of an error envelope.
type ErrorPayload struct {
	Code   Code   `json:"code"`
	Detail string `json:"detail"`
}

// Now returns the advisory timestamp stamped on relay envelopes.
func Now() int64 {
	return time.Now().UnixMilli()
}

// Decode parses a single frame. Frames that are not JSON objects or carry no
// type are reported as ErrMalformedEnvelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, WrapError("decode envelope", ErrMalformedEnvelope, err.Error())
	}
	if env.Type == "" {
		return nil, WrapError("decode envelope", ErrMalformedEnvelope, "missing type")
	}
	return &env, nil
}

// Validate checks the fields an inbound client envelope must carry for its type.
// Unknown types are reported as ErrUnknownType.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeCreateRoom, TypeLeaveRoom, TypePing:
		return nil
	case TypeJoinRoom:
		if e.RoomID == "" {
			return WrapError("validate join_room", ErrMalformedEnvelope, "missing room_id")
		}
	case TypeSignal:
		if e.Target == "" {
			return WrapError("validate signal", ErrMalformedEnvelope, "missing target")
		}
		if len(e.Payload) == 0 || string(e.Payload) == "null" {
			return WrapError("validate signal", ErrMalformedEnvelope, "missing payload")
		}
	case TypeTextMessage:
		if e.Message == "" {
			return WrapError("validate text_message", ErrMalformedEnvelope, "missing message")
		}
	default:
		return WrapError("validate envelope", ErrUnknownType, e.Type)
	}
	return nil
}

// NewError builds an error envelope for the given failure. Errors that do not
// carry a known sentinel are reported with CodeInternal.
func NewError(err error, target ClientID) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Target:    target,
		Error:     &ErrorPayload{Code: CodeOf(err), Detail: err.Error()},
		Timestamp: Now(),
	}
}
