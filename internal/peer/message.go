package peer

import "github.com/vmihailenco/msgpack/v5"

// ChannelLabel names the side channel every session carries.
const ChannelLabel = "messages"

// Side-channel message types.
const (
	MessageTypeText     = "text"
	MessageTypeReaction = "reaction"
	MessageTypeHello    = "hello"
)

// Message represents all side-channel messages.
type Message struct {
	Type    string             `msgpack:"type"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// TextPayload is a direct chat line.
type TextPayload struct {
	Text   string `msgpack:"text"`
	SentAt int64  `msgpack:"sentAt"`
}

// ReactionPayload is a short emoji-style reaction to the call.
type ReactionPayload struct {
	Emoji string `msgpack:"emoji"`
}

// HelloPayload is sent by both sides once the channel opens.
type HelloPayload struct {
	DisplayName string `msgpack:"displayName"`
	Version     string `msgpack:"version"`
}

// DecodePayload decodes the message payload into the provided struct
func (m Message) DecodePayload(v any) error {
	return msgpack.Unmarshal(m.Payload, v)
}

// Encode serialises the message for the data channel.
func (m Message) Encode() ([]byte, error) {
	return msgpack.Marshal(m)
}

// NewMessage creates a new Message with the given type and payload
func NewMessage(t string, payload any) (Message, error) {
	b, err := msgpack.Marshal(payload)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Type:    t,
		Payload: b,
	}, nil
}

// DecodeMessage parses one data channel frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := msgpack.Unmarshal(data, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}
