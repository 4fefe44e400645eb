package realtime

import (
	"encoding/json"
	"fmt"
)

// Inbound push events.
const (
	EventMessageReceived     = "message:received"
	EventMessageSent         = "message:sent"
	EventMessageRead         = "message:read"
	EventUserTyping          = "user:typing"
	EventUserStoppedTyping   = "user:stopped-typing"
	EventUserOnline          = "user:online"
	EventUserOffline         = "user:offline"
	EventConversationCreated = "conversation:created"
	EventConversationUpdated = "conversation:updated"
)

// Outbound events.
const (
	EventTyping            = "typing"
	EventStoppedTyping     = "stopped-typing"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
)

// Handshake and heartbeat events.
const (
	EventAuthenticate  = "authenticate"
	EventAuthenticated = "authenticated"
	EventUnauthorized  = "unauthorized"
	EventPing          = "ping"
	EventPong          = "pong"
)

// Frame is the envelope of every text frame on the push connection.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload is the data of join, leave and typing frames.
type RoomPayload struct {
	ConversationID string `json:"conversationId"`
}

type authPayload struct {
	Token string `json:"token"`
}

type authenticatedPayload struct {
	UserID string `json:"userId"`
}

// encodeFrame marshals an event and optional payload into a text frame.
func encodeFrame(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling %s payload: %w", event, err)
		}

		f.Data = raw
	}

	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s frame: %w", event, err)
	}

	return data, nil
}
