package api

import (
	"encoding/json"
	"strings"

	"github.com/alexjbarnes/chat-sync/internal/chat"
)

// envelope wraps every History API response.
type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    json.RawMessage `json:"message"`
	Data       json.RawMessage `json:"data"`
}

// text returns the envelope message as a single string. The server sends
// either a string, null, or a list of validation messages.
func (e envelope) text() string {
	if len(e.Message) == 0 {
		return ""
	}

	var s string
	if json.Unmarshal(e.Message, &s) == nil {
		return s
	}

	var list []string
	if json.Unmarshal(e.Message, &list) == nil {
		return strings.Join(list, "; ")
	}

	return ""
}

// LoginRequest is the payload for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is the data of a successful login.
type LoginResponse struct {
	AccessToken string    `json:"access_token"`
	User        chat.User `json:"user"`
}

// CreateConversationRequest is the payload for POST /conversations.
type CreateConversationRequest struct {
	ReceiverID string `json:"receiverId"`
}

// MarkAsReadRequest is the payload for POST /messages/mark-as-read.
type MarkAsReadRequest struct {
	MessageIDs []string `json:"messageIds"`
}
