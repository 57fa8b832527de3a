package signaling

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	env, err := Decode([]byte(`{"type":"join_room","room_id":"r1"}`))
	require.NoError(t, err)
	assert.Equal(t, TypeJoinRoom, env.Type)
	assert.Equal(t, RoomID("r1"), env.RoomID)

	for _, frame := range []string{`not json`, `[]`, `{"room_id":"r1"}`, `{"type":""}`} {
		_, err := Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformedEnvelope, frame)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want error
	}{
		{"create", Envelope{Type: TypeCreateRoom}, nil},
		{"leave without room", Envelope{Type: TypeLeaveRoom}, nil},
		{"ping", Envelope{Type: TypePing}, nil},
		{"join", Envelope{Type: TypeJoinRoom, RoomID: "r1"}, nil},
		{"join without room", Envelope{Type: TypeJoinRoom}, ErrMalformedEnvelope},
		{"signal", Envelope{Type: TypeSignal, Target: "b", Payload: json.RawMessage(`{"kind":"offer"}`)}, nil},
		{"signal without target", Envelope{Type: TypeSignal, Payload: json.RawMessage(`{}`)}, ErrMalformedEnvelope},
		{"signal with null payload", Envelope{Type: TypeSignal, Target: "b", Payload: json.RawMessage(`null`)}, ErrMalformedEnvelope},
		{"text", Envelope{Type: TypeTextMessage, Message: "hi"}, nil},
		{"empty text", Envelope{Type: TypeTextMessage}, ErrMalformedEnvelope},
		{"relay-only type", Envelope{Type: TypeRoomInfo}, ErrUnknownType},
		{"unknown", Envelope{Type: "dance"}, ErrUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestErrorCodes(t *testing.T) {
	sentinels := []error{ErrNotFound, ErrUnreachable, ErrMalformedEnvelope, ErrUnknownType, ErrAlreadyInRoom, ErrNotInRoom}
	for _, s := range sentinels {
		wrapped := WrapError("route", s, "detail")
		code := CodeOf(wrapped)
		assert.NotEqual(t, CodeInternal, code)
		assert.ErrorIs(t, code.Sentinel(), s)
	}

	assert.Equal(t, CodeInternal, CodeOf(errors.New("disk on fire")))
	assert.Nil(t, CodeInternal.Sentinel())
}

func TestNewError(t *testing.T) {
	env := NewError(WrapError("signal", ErrUnreachable, "b is gone"), "b")

	assert.Equal(t, TypeError, env.Type)
	assert.Equal(t, ClientID("b"), env.Target)
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeUnreachable, env.Error.Code)
	assert.Equal(t, "signal: target unreachable (b is gone)", env.Error.Detail)
	assert.NotZero(t, env.Timestamp)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","target":"b","error":{"code":"unreachable","detail":"signal: target unreachable (b is gone)"},"timestamp":`+string(mustJSON(t, env.Timestamp))+`}`, string(data))
}

func TestNewErrorWithoutSentinel(t *testing.T) {
	env := NewError(errors.New("queue overflow"), "")
	require.NotNil(t, env.Error)
	assert.Equal(t, CodeInternal, env.Error.Code)
	assert.Equal(t, "queue overflow", env.Error.Detail)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
