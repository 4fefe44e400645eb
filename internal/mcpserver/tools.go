// Package mcpserver registers MCP tools that expose the chat session.
// It adapts the chat store and typing controller to the MCP SDK's tool
// handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	// defaultReadLimit is how many of the newest messages chat_read_messages
	// returns when no limit is given.
	defaultReadLimit = 50

	// maxReadLimit caps a single chat_read_messages response.
	maxReadLimit = 200
)

// UserSearcher is the user lookup side of the History API.
type UserSearcher interface {
	SearchUsers(ctx context.Context, query string) ([]chat.User, error)
}

// ConnectionStatus reports the push connection's lifecycle.
type ConnectionStatus interface {
	State() realtime.State
	UserID() string
	Rooms() []string
}

// Deps are the collaborators the tools operate on.
type Deps struct {
	Session *chat.Session
	Users   UserSearcher
	Conn    ConnectionStatus
}

// RegisterTools adds all chat tools to the given MCP server.
func RegisterTools(server *mcp.Server, d Deps) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_list_conversations",
		Description: "List conversations, most recently active first, with participants, presence, last message and unread counts. Use this as the first call.",
	}, listConversationsHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_open_conversation",
		Description: "Focus a conversation: joins its live room, loads recent history if none is loaded and marks it read. Pass an empty id to clear focus.",
	}, openConversationHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read_messages",
		Description: "Return the newest loaded messages of a conversation, oldest first. Loads the first history page if nothing is loaded yet. Does not mark anything read.",
	}, readMessagesHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_load_older",
		Description: "Fetch the next older page of history for a conversation.",
	}, loadOlderHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send_message",
		Description: "Send a text or image message to a conversation. The message appears in history once the server confirms it.",
	}, sendMessageHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_mark_read",
		Description: "Mark every unread message from other participants in a conversation as read.",
	}, markReadHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_create_conversation",
		Description: "Open a direct conversation with a user, or return the existing one. Find user ids with chat_search_users.",
	}, createConversationHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_typing",
		Description: "Signal that the local user is typing in a conversation, or has stopped. Repeated calls within a few seconds send one indicator.",
	}, typingHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_search_users",
		Description: "Search users by name or email.",
	}, searchUsersHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_status",
		Description: "Report the live connection state, the authenticated user, joined rooms and total unread count.",
	}, statusHandler(d))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_refresh",
		Description: "Reload the conversation list and the focused conversation's newest page from the server.",
	}, refreshHandler(d))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// EmptyInput has no parameters.
type EmptyInput struct{}

// ConversationInput identifies a conversation.
type ConversationInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
}

// ReadMessagesInput holds parameters for chat_read_messages.
type ReadMessagesInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Limit          int    `json:"limit,omitempty" jsonschema:"number of newest messages to return, defaults to 50, at most 200"`
}

// SendMessageInput holds parameters for chat_send_message.
type SendMessageInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Content        string `json:"content" jsonschema:"message text; may be empty for image messages"`
	Type           string `json:"type,omitempty" jsonschema:"text or image, defaults to text"`
	ImageURL       string `json:"image_url,omitempty" jsonschema:"image URL, required when type is image"`
}

// CreateConversationInput holds parameters for chat_create_conversation.
type CreateConversationInput struct {
	ReceiverID string `json:"receiver_id" jsonschema:"user id of the other participant"`
}

// TypingInput holds parameters for chat_typing.
type TypingInput struct {
	ConversationID string `json:"conversation_id" jsonschema:"conversation id"`
	Stopped        bool   `json:"stopped,omitempty" jsonschema:"true to end the typing indicator immediately"`
}

// SearchUsersInput holds parameters for chat_search_users.
type SearchUsersInput struct {
	Query string `json:"query" jsonschema:"name or email fragment"`
}

// --- Output types ---

// ParticipantView is a conversation member.
type ParticipantView struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Online   bool   `json:"online"`
	LastSeen string `json:"last_seen,omitempty"`
}

// MessageView is one message.
type MessageView struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderName     string `json:"sender_name,omitempty"`
	Content        string `json:"content"`
	Type           string `json:"type"`
	ImageURL       string `json:"image_url,omitempty"`
	Read           bool   `json:"read"`
	CreatedAt      string `json:"created_at,omitempty"`
}

// ConversationView is one conversation summary.
type ConversationView struct {
	ID           string            `json:"id"`
	Participants []ParticipantView `json:"participants"`
	LastMessage  *MessageView      `json:"last_message,omitempty"`
	UnreadCount  int               `json:"unread_count"`
	UpdatedAt    string            `json:"updated_at,omitempty"`
	Active       bool              `json:"active"`
}

// ListConversationsResult is the output of chat_list_conversations.
type ListConversationsResult struct {
	Conversations []ConversationView `json:"conversations"`
	UnreadTotal   int                `json:"unread_total"`
	Active        string             `json:"active,omitempty"`
}

// MessagesResult is the output of chat_open_conversation and
// chat_read_messages.
type MessagesResult struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []MessageView `json:"messages"`
	TotalLoaded    int           `json:"total_loaded"`
	HasOlder       bool          `json:"has_older"`
	Typing         []string      `json:"typing"`
}

// LoadOlderResult is the output of chat_load_older.
type LoadOlderResult struct {
	ConversationID string `json:"conversation_id"`
	Loaded         bool   `json:"loaded"`
	TotalLoaded    int    `json:"total_loaded"`
	HasOlder       bool   `json:"has_older"`
}

// MarkReadResult is the output of chat_mark_read.
type MarkReadResult struct {
	ConversationID string `json:"conversation_id"`
	UnreadCount    int    `json:"unread_count"`
}

// TypingResult is the output of chat_typing.
type TypingResult struct {
	ConversationID string `json:"conversation_id"`
	Pending        bool   `json:"pending"`
}

// UserView is a search hit.
type UserView struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SearchUsersResult is the output of chat_search_users.
type SearchUsersResult struct {
	Users []UserView `json:"users"`
}

// StatusResult is the output of chat_status.
type StatusResult struct {
	SessionID   string   `json:"session_id"`
	State       string   `json:"state"`
	UserID      string   `json:"user_id,omitempty"`
	Rooms       []string `json:"rooms"`
	Active      string   `json:"active,omitempty"`
	UnreadTotal int      `json:"unread_total"`
}

// --- Handlers ---

func listConversationsHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *ListConversationsResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
		store := d.Session.Store
		active := store.ActiveConversationID()

		convs := store.Conversations()
		result := &ListConversationsResult{
			Conversations: make([]ConversationView, 0, len(convs)),
			UnreadTotal:   store.UnreadTotal(),
			Active:        active,
		}

		for _, c := range convs {
			result.Conversations = append(result.Conversations, conversationView(c, active))
		}

		return textResult(result), result, nil
	}
}

func openConversationHandler(d Deps) mcp.ToolHandlerFor[ConversationInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *MessagesResult, error) {
		id := strings.TrimSpace(input.ConversationID)

		if err := d.Session.Store.SetActiveConversation(ctx, id); err != nil {
			return nil, nil, err
		}

		result := messagesResult(d.Session.Store, id, defaultReadLimit)

		return textResult(result), result, nil
	}
}

func readMessagesHandler(d Deps) mcp.ToolHandlerFor[ReadMessagesInput, *MessagesResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ReadMessagesInput) (*mcp.CallToolResult, *MessagesResult, error) {
		store := d.Session.Store

		id := strings.TrimSpace(input.ConversationID)
		if _, ok := store.Conversation(id); !ok {
			return nil, nil, fmt.Errorf("conversation %q not found", id)
		}

		if len(store.Messages(id)) == 0 {
			if err := store.LoadMessages(ctx, id); err != nil {
				return nil, nil, err
			}
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultReadLimit
		}

		limit = min(limit, maxReadLimit)

		result := messagesResult(store, id, limit)

		return textResult(result), result, nil
	}
}

func loadOlderHandler(d Deps) mcp.ToolHandlerFor[ConversationInput, *LoadOlderResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *LoadOlderResult, error) {
		store := d.Session.Store

		id := strings.TrimSpace(input.ConversationID)
		if _, ok := store.Conversation(id); !ok {
			return nil, nil, fmt.Errorf("conversation %q not found", id)
		}

		loaded, err := store.LoadOlderMessages(ctx, id)
		if err != nil {
			return nil, nil, err
		}

		result := &LoadOlderResult{
			ConversationID: id,
			Loaded:         loaded,
			TotalLoaded:    len(store.Messages(id)),
			HasOlder:       store.HasOlderMessages(id),
		}

		return textResult(result), result, nil
	}
}

func sendMessageHandler(d Deps) mcp.ToolHandlerFor[SendMessageInput, *MessageView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SendMessageInput) (*mcp.CallToolResult, *MessageView, error) {
		id := strings.TrimSpace(input.ConversationID)

		// Sending ends the typing burst, as pressing enter would.
		d.Session.Typing.HandleStopTyping(ctx, id)

		msg, err := d.Session.Store.SendMessage(ctx, id, input.Content, chat.MessageType(strings.ToLower(input.Type)), input.ImageURL)
		if err != nil {
			return nil, nil, err
		}

		result := messageView(*msg)

		return textResult(result), &result, nil
	}
}

func markReadHandler(d Deps) mcp.ToolHandlerFor[ConversationInput, *MarkReadResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input ConversationInput) (*mcp.CallToolResult, *MarkReadResult, error) {
		store := d.Session.Store

		id := strings.TrimSpace(input.ConversationID)
		if _, ok := store.Conversation(id); !ok {
			return nil, nil, fmt.Errorf("conversation %q not found", id)
		}

		if err := store.MarkAsRead(ctx, id); err != nil {
			return nil, nil, err
		}

		c, _ := store.Conversation(id)
		result := &MarkReadResult{ConversationID: id, UnreadCount: c.UnreadCount}

		return textResult(result), result, nil
	}
}

func createConversationHandler(d Deps) mcp.ToolHandlerFor[CreateConversationInput, *ConversationView] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input CreateConversationInput) (*mcp.CallToolResult, *ConversationView, error) {
		c, err := d.Session.Store.CreateConversation(ctx, strings.TrimSpace(input.ReceiverID))
		if err != nil {
			return nil, nil, err
		}

		result := conversationView(*c, d.Session.Store.ActiveConversationID())

		return textResult(result), &result, nil
	}
}

func typingHandler(d Deps) mcp.ToolHandlerFor[TypingInput, *TypingResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input TypingInput) (*mcp.CallToolResult, *TypingResult, error) {
		id := strings.TrimSpace(input.ConversationID)
		if id == "" {
			return nil, nil, fmt.Errorf("conversation_id is required")
		}

		if input.Stopped {
			d.Session.Typing.HandleStopTyping(ctx, id)
		} else {
			d.Session.Typing.HandleTyping(ctx, id)
		}

		result := &TypingResult{ConversationID: id, Pending: d.Session.Typing.Pending(id)}

		return textResult(result), result, nil
	}
}

func searchUsersHandler(d Deps) mcp.ToolHandlerFor[SearchUsersInput, *SearchUsersResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input SearchUsersInput) (*mcp.CallToolResult, *SearchUsersResult, error) {
		users, err := d.Users.SearchUsers(ctx, strings.TrimSpace(input.Query))
		if err != nil {
			return nil, nil, err
		}

		result := &SearchUsersResult{Users: make([]UserView, 0, len(users))}
		for _, u := range users {
			result.Users = append(result.Users, UserView{ID: u.ID, Name: u.Name, Email: u.Email})
		}

		return textResult(result), result, nil
	}
}

func statusHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ EmptyInput) (*mcp.CallToolResult, *StatusResult, error) {
		rooms := d.Conn.Rooms()
		if rooms == nil {
			rooms = []string{}
		}

		result := &StatusResult{
			SessionID:   d.Session.ID,
			State:       string(d.Conn.State()),
			UserID:      d.Conn.UserID(),
			Rooms:       rooms,
			Active:      d.Session.Store.ActiveConversationID(),
			UnreadTotal: d.Session.Store.UnreadTotal(),
		}

		return textResult(result), result, nil
	}
}

func refreshHandler(d Deps) mcp.ToolHandlerFor[EmptyInput, *ListConversationsResult] {
	return func(ctx context.Context, req *mcp.CallToolRequest, in EmptyInput) (*mcp.CallToolResult, *ListConversationsResult, error) {
		if err := d.Session.Store.Resync(ctx); err != nil {
			return nil, nil, err
		}

		return listConversationsHandler(d)(ctx, req, in)
	}
}

// --- views ---

// messagesResult returns the newest limit messages, oldest first. The
// store keeps arrival order, where older pages land after live messages,
// so the copy is ordered by creation time first. Ties keep arrival order.
func messagesResult(store *chat.Store, id string, limit int) *MessagesResult {
	msgs := store.Messages(id)
	slices.SortStableFunc(msgs, func(a, b chat.Message) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	shown := msgs
	if len(shown) > limit {
		shown = shown[len(shown)-limit:]
	}

	typing := store.TypingUsers()
	if typing == nil {
		typing = []string{}
	}

	result := &MessagesResult{
		ConversationID: id,
		Messages:       make([]MessageView, 0, len(shown)),
		TotalLoaded:    len(msgs),
		HasOlder:       id != "" && store.HasOlderMessages(id),
		Typing:         typing,
	}

	for _, m := range shown {
		result.Messages = append(result.Messages, messageView(m))
	}

	return result
}

func conversationView(c chat.Conversation, active string) ConversationView {
	v := ConversationView{
		ID:           c.ID,
		Participants: make([]ParticipantView, 0, len(c.Participants)),
		UnreadCount:  c.UnreadCount,
		UpdatedAt:    formatTime(c.UpdatedAt),
		Active:       c.ID == active,
	}

	for _, p := range c.Participants {
		pv := ParticipantView{ID: p.ID, Name: p.Name, Email: p.Email, Online: p.IsOnline}
		if p.LastSeen != nil {
			pv.LastSeen = formatTime(*p.LastSeen)
		}

		v.Participants = append(v.Participants, pv)
	}

	if c.LastMessage != nil {
		lm := messageView(*c.LastMessage)
		v.LastMessage = &lm
	}

	return v
}

func messageView(m chat.Message) MessageView {
	return MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.Sender.ID,
		SenderName:     m.Sender.Name,
		Content:        m.Content,
		Type:           string(m.Type),
		ImageURL:       m.ImageURL,
		Read:           m.IsRead,
		CreatedAt:      formatTime(m.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
