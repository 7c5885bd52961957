package protocol

// Kind tags an item produced by the remote session.
type Kind string

const (
	KindAudio        Kind = "audio"
	KindText         Kind = "text"
	KindTurnComplete Kind = "turn_complete"
)

// Control envelope types sent by the local client to the relay.
const (
	TypeHeartbeat  = "heartbeat"
	TypeEndOfInput = "end_of_input"
)

// Message is one demultiplexed item of remote output. Audio is set for
// KindAudio, Text for KindText.
type Message struct {
	Kind  Kind
	Audio []byte
	Text  string
}

// AudioChunk wraps synthesized PCM.
func AudioChunk(pcm []byte) Message {
	return Message{Kind: KindAudio, Audio: pcm}
}

// TextChunk wraps a text fragment.
func TextChunk(text string) Message {
	return Message{Kind: KindText, Text: text}
}

// TurnComplete marks the end of a model turn.
func TurnComplete() Message {
	return Message{Kind: KindTurnComplete}
}

// Envelope is the JSON shape of every text frame on the transport. It keeps
// wire-compatible field names in both directions.
type Envelope struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}
