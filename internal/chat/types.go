package chat

import "time"

// MessageType distinguishes plain text messages from image messages.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
)

// Participant is a member of a conversation as seen by the local user.
// IsOnline and LastSeen are maintained by push events only.
type Participant struct {
	ID       string     `json:"_id"`
	Name     string     `json:"name"`
	Email    string     `json:"email,omitempty"`
	Avatar   string     `json:"avatar,omitempty"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// Message is immutable once created, except for the one-way IsRead flip.
type Message struct {
	ID             string      `json:"_id"`
	ConversationID string      `json:"conversationId"`
	Sender         Participant `json:"sender"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	IsRead         bool        `json:"isRead"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// Conversation is a direct conversation with its recency-ordered
// participants and denormalized last message.
type Conversation struct {
	ID           string        `json:"_id"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UnreadCount  int           `json:"unreadCount"`
	IsDeleted    bool          `json:"isDeleted"`
	DeletedAt    *time.Time    `json:"deletedAt,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// Pagination describes one page of message history.
type Pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

// User is an account returned by login and user search.
type User struct {
	ID     string `json:"_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar,omitempty"`
	Bio    string `json:"bio,omitempty"`
}

// MessagePage is one page of history for a conversation.
type MessagePage struct {
	Messages   []Message  `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// ReadReceipt is the payload of a message:read event.
type ReadReceipt struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

// TypingEvent is the payload of user:typing and user:stopped-typing.
type TypingEvent struct {
	UserID         string `json:"userId"`
	ConversationID string `json:"conversationId"`
}

// PresenceEvent is the payload of user:online and user:offline.
type PresenceEvent struct {
	UserID   string     `json:"userId"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

func (p Participant) clone() Participant {
	if p.LastSeen != nil {
		ls := *p.LastSeen
		p.LastSeen = &ls
	}

	return p
}

func (m Message) clone() Message {
	m.Sender = m.Sender.clone()
	return m
}

func (c Conversation) clone() Conversation {
	if c.Participants != nil {
		ps := make([]Participant, len(c.Participants))
		for i, p := range c.Participants {
			ps[i] = p.clone()
		}

		c.Participants = ps
	}

	if c.LastMessage != nil {
		lm := c.LastMessage.clone()
		c.LastMessage = &lm
	}

	if c.DeletedAt != nil {
		d := *c.DeletedAt
		c.DeletedAt = &d
	}

	return c
}

// SendRequest is the payload for POST /messages.
type SendRequest struct {
	ConversationID string      `json:"conversationId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type,omitempty"`
	ImageURL       string      `json:"imageUrl,omitempty"`
	ReceiverID     string      `json:"receiverId"`
}
