// Package protocol decodes and encodes the tagged-variant JSON messages
// exchanged with client websockets (spec.md §6), generalizing the
// teacher's type-switch dispatch (src/core/connection_handlemsg.go's
// processClientTextMessage) into a typed decode step: unknown "type"
// values are reported, not treated as hard errors, so callers can log
// and continue rather than tearing the session down.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType enumerates the text messages a client may send.
type ClientMessageType string

const (
	ClientStop   ClientMessageType = "stop"
	ClientPing   ClientMessageType = "ping"
	ClientPong   ClientMessageType = "pong"
	ClientVolume ClientMessageType = "volume"
)

// ClientMessage is a decoded inbound text message. Value is only
// populated for "volume".
type ClientMessage struct {
	Type  ClientMessageType
	Value float64
}

type clientEnvelope struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
}

// UnknownTypeError reports a well-formed JSON message whose "type"
// field the protocol does not recognize. Callers should log it and
// keep the connection open per spec.md §9.
type UnknownTypeError struct {
	Type string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("protocol: unknown client message type %q", e.Type)
}

// DecodeClientMessage parses one text frame from a client socket.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var env clientEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: malformed client message: %w", err)
	}

	switch ClientMessageType(env.Type) {
	case ClientStop, ClientPing, ClientPong, ClientVolume:
		return ClientMessage{Type: ClientMessageType(env.Type), Value: env.Value}, nil
	default:
		return ClientMessage{}, &UnknownTypeError{Type: env.Type}
	}
}

// TranscriptionUpdate builds the conversation-session growing-transcript frame.
func TranscriptionUpdate(text string) []byte {
	return mustMarshal(map[string]string{
		"type": "transcription_update",
		"text": text,
	})
}

// Translation builds the shared translation-result frame used by both
// broadcast and conversation sessions.
func Translation(original, translation string) []byte {
	return mustMarshal(map[string]string{
		"type":        "translation",
		"original":    original,
		"translation": translation,
	})
}

// ErrorMessage builds the user-visible error frame.
func ErrorMessage(message string) []byte {
	return mustMarshal(map[string]string{
		"type":    "error",
		"message": message,
	})
}

// Status builds the broadcast-only informational frame (publisher
// connect/disconnect notices).
func Status(message string) []byte {
	return mustMarshal(map[string]string{
		"type":    "status",
		"message": message,
	})
}

// Pong builds the liveness reply to a client ping.
func Pong() []byte {
	return mustMarshal(map[string]string{"type": "pong"})
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("protocol: unreachable marshal failure: %v", err))
	}
	return data
}
