package protocol

import (
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

// ErrNotText is returned when an audio message is passed to EncodeText.
var ErrNotText = errors.New("protocol: audio has no text encoding")

// EncodeText renders a text or turn-complete message as a text frame payload.
func EncodeText(msg Message) ([]byte, error) {
	switch msg.Kind {
	case KindText:
		return sonic.Marshal(Envelope{Type: string(KindText), Text: msg.Text})
	case KindTurnComplete:
		return sonic.Marshal(Envelope{Type: string(KindTurnComplete)})
	default:
		return nil, ErrNotText
	}
}

// EncodeControl renders a client control envelope such as heartbeat.
func EncodeControl(msgType string) ([]byte, error) {
	return sonic.Marshal(Envelope{Type: msgType})
}

// DecodeEnvelope parses a text frame payload.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: envelope missing type field")
	}
	return env, nil
}

// DecodeText converts a text frame from the relay back into a Message.
// Unknown envelope types are reported as errors.
func DecodeText(data []byte) (Message, error) {
	env, err := DecodeEnvelope(data)
	if err != nil {
		return Message{}, err
	}
	switch Kind(env.Type) {
	case KindText:
		return TextChunk(env.Text), nil
	case KindTurnComplete:
		return TurnComplete(), nil
	default:
		return Message{}, fmt.Errorf("protocol: unexpected envelope type %q", env.Type)
	}
}
