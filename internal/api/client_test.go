package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient creates a Client pointed at the given httptest server.
func newTestClient(srv *httptest.Server) *Client {
	c := NewClient(srv.URL, srv.Client())
	c.SetToken("tok_test")

	return c
}

// writeEnvelope writes a {statusCode, message, data} response.
func writeEnvelope(t *testing.T, w http.ResponseWriter, status int, msg any, data any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"message":    msg,
		"data":       data,
	}))
}

// --- do() internals ---

func TestDo_SetsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		writeEnvelope(t, w, http.StatusOK, nil, map[string]string{})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodPost, "/test", nil, struct{}{}, nil)
	require.NoError(t, err)
}

func TestDo_NoTokenOmitsAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Content-Type"), "GET without body has no content type")
		writeEnvelope(t, w, http.StatusOK, nil, []any{})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	var out []any
	require.NoError(t, c.do(context.Background(), http.MethodGet, "/test", nil, nil, &out))
}

func TestDo_RequestIDsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen[r.Header.Get("X-Request-ID")] = true
		writeEnvelope(t, w, http.StatusOK, nil, nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.do(context.Background(), http.MethodPost, "/x", nil, struct{}{}, nil))
	}
	assert.Len(t, seen, 3)
}

func TestDo_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusUnauthorized, "Unauthorized", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/conversations", nil, nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, chaterrors.ErrUnauthorized)
	assert.False(t, IsTransient(err))
	assert.Contains(t, err.Error(), "401")
}

func TestDo_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusNotFound, "Conversation not found", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.GetConversation(context.Background(), "missing")
	assert.ErrorIs(t, err, chaterrors.ErrNotFound)
	assert.Contains(t, err.Error(), "Conversation not found")
}

func TestDo_ServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodGet, "/conversations", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, chaterrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "upstream unavailable")
}

func TestDo_BadRequestJoinsValidationMessages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusBadRequest, []string{"content should not be empty", "receiverId must be a string"}, nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	err := c.do(context.Background(), http.MethodPost, "/messages", nil, struct{}{}, nil)
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.ErrorIs(t, err, chaterrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "content should not be empty; receiverId must be a string")
}

func TestDo_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(srv)
	srv.Close()

	err := c.do(context.Background(), http.MethodGet, "/conversations", nil, nil, nil)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestDo_MalformedEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	var out []chat.Conversation
	err := c.do(context.Background(), http.MethodGet, "/conversations", nil, nil, &out)
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestDo_MissingDataForResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, "ok", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.SendMessage(context.Background(), chat.SendRequest{ConversationID: "c1", Content: "hi"})
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestDo_NilResultIgnoresBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	assert.NoError(t, c.MarkAsRead(context.Background(), []string{"m1"}))
}

// --- endpoints ---

func TestListConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/conversations", r.URL.Path)
		w.Write([]byte(`{"statusCode":200,"message":"ok","data":[
			{"_id":"c1","participants":[{"_id":"u2","name":"Bob","isOnline":true}],"unreadCount":2,"isDeleted":false,"deletedAt":null,
			 "createdAt":"2026-01-02T03:04:05Z","updatedAt":"2026-01-02T03:04:05Z"}]}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Nil(t, convs[0].DeletedAt)
	require.Len(t, convs[0].Participants, 1)
	assert.True(t, convs[0].Participants[0].IsOnline)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), convs[0].UpdatedAt)
}

func TestListConversations_EmptyData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, nil, []any{})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	convs, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, convs)
	assert.Empty(t, convs)
}

func TestCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var req CreateConversationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u2", req.ReceiverID)
		writeEnvelope(t, w, http.StatusCreated, "created", chat.Conversation{
			ID:           "c9",
			Participants: []chat.Participant{{ID: "u2", Name: "Bob"}},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	conv, err := c.CreateConversation(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)
}

func TestListMessages_PageAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/conversations/c1/messages", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		writeEnvelope(t, w, http.StatusOK, nil, map[string]any{
			"data":       []chat.Message{{ID: "m1", ConversationID: "c1", Content: "hi", Type: chat.MessageText}},
			"pagination": chat.Pagination{Page: 2, Limit: 25, Total: 26, TotalPages: 2},
		})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	page, err := c.ListMessages(context.Background(), "c1", 2, 25)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m1", page.Messages[0].ID)
	assert.Equal(t, 2, page.Pagination.TotalPages)
}

func TestListMessages_ZeroPageOmitsQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		writeEnvelope(t, w, http.StatusOK, nil, map[string]any{"data": nil})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	page, err := c.ListMessages(context.Background(), "c1", 0, 0)
	require.NoError(t, err)
	assert.NotNil(t, page.Messages)
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		var req chat.SendRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "c1", req.ConversationID)
		assert.Equal(t, "u2", req.ReceiverID)
		assert.Equal(t, chat.MessageImage, req.Type)
		assert.Equal(t, "https://img/x.png", req.ImageURL)
		writeEnvelope(t, w, http.StatusCreated, nil, chat.Message{ID: "m5", ConversationID: "c1", Type: chat.MessageImage})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	msg, err := c.SendMessage(context.Background(), chat.SendRequest{
		ConversationID: "c1",
		Content:        "look",
		Type:           chat.MessageImage,
		ImageURL:       "https://img/x.png",
		ReceiverID:     "u2",
	})
	require.NoError(t, err)
	assert.Equal(t, "m5", msg.ID)
}

func TestMarkAsRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/messages/mark-as-read", r.URL.Path)
		var req MarkAsReadRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"m1", "m2"}, req.MessageIDs)
		writeEnvelope(t, w, http.StatusOK, "Messages marked as read", nil)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	assert.NoError(t, c.MarkAsRead(context.Background(), []string{"m1", "m2"}))
}

func TestLogin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/login", r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		writeEnvelope(t, w, http.StatusOK, nil, map[string]any{
			"access_token": "jwt-abc",
			"user":         map[string]string{"_id": "u1", "name": "Alice", "email": "a@example.com"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	resp, err := c.Login(context.Background(), "a@example.com", "pw")
	require.NoError(t, err)
	assert.Equal(t, "jwt-abc", resp.AccessToken)
	assert.Equal(t, "u1", resp.User.ID)
}

func TestLogin_EmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, http.StatusOK, nil, map[string]any{"user": map[string]string{"_id": "u1"}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, srv.Client())
	_, err := c.Login(context.Background(), "a@example.com", "pw")
	assert.ErrorIs(t, err, chaterrors.ErrAPIResponse)
}

func TestSearchUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bob smith", r.URL.Query().Get("q"))
		writeEnvelope(t, w, http.StatusOK, nil, []chat.User{{ID: "u2", Name: "Bob Smith"}})
	}))
	defer srv.Close()

	c := newTestClient(srv)
	users, err := c.SearchUsers(context.Background(), "  bob smith ")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "u2", users[0].ID)
}

func TestSearchUsers_EmptyQuerySkipsRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := newTestClient(srv)
	users, err := c.SearchUsers(context.Background(), "   ")
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.False(t, called)
}

// --- helpers ---

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Len(t, sanitizeResponseBody(make([]byte, 1000)), 256)
	assert.Equal(t, "line\nnext", sanitizeResponseBody([]byte("line\nnext")))
}

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://chat.example.com/a", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://chat.example.com/b", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.net/b", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))
}

func TestEnvelopeText(t *testing.T) {
	assert.Equal(t, "", envelope{}.text())
	assert.Equal(t, "hi", envelope{Message: json.RawMessage(`"hi"`)}.text())
	assert.Equal(t, "a; b", envelope{Message: json.RawMessage(`["a","b"]`)}.text())
	assert.Equal(t, "", envelope{Message: json.RawMessage(`null`)}.text())
}
