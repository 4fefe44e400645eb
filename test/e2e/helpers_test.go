package e2e_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/chat"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/coder/websocket"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	testToken  = "tok_e2e"
	testAPIKey = "cs_00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff"
	localUser  = "me"
)

var epoch = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// backend is an in-process chat server: the History API over HTTP and
// the push connection over a websocket at /ws.
type backend struct {
	URL string

	mu       sync.Mutex
	convs    []chat.Conversation
	messages map[string][]chat.Message
	sent     []chat.SendRequest
	marked   []string
	frames   []realtime.Frame
	conns    []*websocket.Conn
	nextID   int
}

func newBackend(t *testing.T) *backend {
	t.Helper()

	b := &backend{
		convs: []chat.Conversation{
			{
				ID: "a",
				Participants: []chat.Participant{
					{ID: localUser, Name: "Me"},
					{ID: "u2", Name: "Robin"},
				},
				UnreadCount: 1,
				CreatedAt:   epoch,
				UpdatedAt:   epoch,
			},
			{
				ID: "b",
				Participants: []chat.Participant{
					{ID: localUser, Name: "Me"},
					{ID: "u3", Name: "Kai"},
				},
				CreatedAt: epoch,
				UpdatedAt: epoch,
			},
		},
		messages: map[string][]chat.Message{
			"a": {{
				ID:             "m1",
				ConversationID: "a",
				Sender:         chat.Participant{ID: "u2", Name: "Robin"},
				Content:        "are you around?",
				Type:           chat.MessageText,
				CreatedAt:      epoch,
			}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /conversations", b.authed(b.listConversations))
	mux.HandleFunc("GET /conversations/{id}", b.authed(b.getConversation))
	mux.HandleFunc("GET /conversations/{id}/messages", b.authed(b.listMessages))
	mux.HandleFunc("POST /messages", b.authed(b.sendMessage))
	mux.HandleFunc("POST /messages/mark-as-read", b.authed(b.markAsRead))
	mux.HandleFunc("GET /users/search", b.authed(b.searchUsers))
	mux.HandleFunc("GET /ws", b.serveWS)

	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	b.URL = ts.URL

	return b
}

func (b *backend) wsURL() string {
	return "ws" + strings.TrimPrefix(b.URL, "http") + "/ws"
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"statusCode": status,
		"message":    http.StatusText(status),
		"data":       data,
	})
}

func (b *backend) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			writeEnvelope(w, http.StatusUnauthorized, nil)
			return
		}

		next(w, r)
	}
}

func (b *backend) listConversations(w http.ResponseWriter, _ *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	writeEnvelope(w, http.StatusOK, b.convs)
}

func (b *backend) getConversation(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range b.convs {
		if c.ID == r.PathValue("id") {
			writeEnvelope(w, http.StatusOK, c)
			return
		}
	}

	writeEnvelope(w, http.StatusNotFound, nil)
}

func (b *backend) listMessages(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()

	msgs := b.messages[r.PathValue("id")]
	if msgs == nil {
		msgs = []chat.Message{}
	}

	writeEnvelope(w, http.StatusOK, chat.MessagePage{
		Messages:   msgs,
		Pagination: chat.Pagination{Page: 1, Limit: 50, Total: len(msgs), TotalPages: 1},
	})
}

func (b *backend) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req chat.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.sent = append(b.sent, req)

	msg := chat.Message{
		ID:             fmt.Sprintf("srv-%d", b.nextID),
		ConversationID: req.ConversationID,
		Sender:         chat.Participant{ID: localUser, Name: "Me"},
		Content:        req.Content,
		Type:           req.Type,
		ImageURL:       req.ImageURL,
		CreatedAt:      epoch.Add(time.Duration(b.nextID) * time.Minute),
	}
	b.messages[req.ConversationID] = append(b.messages[req.ConversationID], msg)

	writeEnvelope(w, http.StatusCreated, msg)
}

func (b *backend) markAsRead(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MessageIDs []string `json:"messageIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeEnvelope(w, http.StatusBadRequest, nil)
		return
	}

	b.mu.Lock()
	b.marked = append(b.marked, req.MessageIDs...)
	b.mu.Unlock()

	writeEnvelope(w, http.StatusOK, map[string]any{})
}

func (b *backend) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.ToLower(r.URL.Query().Get("q"))

	users := []chat.User{}
	for _, u := range []chat.User{{ID: "u2", Name: "Robin", Email: "robin@example.com"}, {ID: "u3", Name: "Kai", Email: "kai@example.com"}} {
		if strings.Contains(strings.ToLower(u.Name), q) {
			users = append(users, u)
		}
	}

	writeEnvelope(w, http.StatusOK, users)
}

// serveWS runs the push side: the first frame must authenticate, every
// later frame is recorded.
func (b *backend) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}

	var hello struct {
		Event string `json:"event"`
		Data  struct {
			Token string `json:"token"`
		} `json:"data"`
	}

	if json.Unmarshal(data, &hello) != nil || hello.Event != realtime.EventAuthenticate || hello.Data.Token != testToken {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"event":"unauthorized","data":{"message":"bad token"}}`))
		return
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"authenticated","data":{"userId":"`+localUser+`"}}`)); err != nil {
		return
	}

	b.mu.Lock()
	b.conns = append(b.conns, conn)
	b.mu.Unlock()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var f realtime.Frame
		if json.Unmarshal(data, &f) != nil {
			continue
		}

		b.mu.Lock()
		b.frames = append(b.frames, f)
		b.mu.Unlock()
	}
}

// push broadcasts an event to every authenticated connection.
func (b *backend) push(t *testing.T, event string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	require.NoError(t, err)

	frame, err := json.Marshal(realtime.Frame{Event: event, Data: data})
	require.NoError(t, err)

	b.mu.Lock()
	conns := append([]*websocket.Conn(nil), b.conns...)
	b.mu.Unlock()

	require.NotEmpty(t, conns, "no push connection")

	for _, c := range conns {
		require.NoError(t, c.Write(t.Context(), websocket.MessageText, frame))
	}
}

// received returns the outbound frames the client has sent, as
// "event:conversationId".
func (b *backend) received() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.frames))
	for _, f := range b.frames {
		var room realtime.RoomPayload
		_ = json.Unmarshal(f.Data, &room)
		out = append(out, f.Event+":"+room.ConversationID)
	}

	return out
}

func (b *backend) sentRequests() []chat.SendRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]chat.SendRequest(nil), b.sent...)
}

func (b *backend) markedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.marked...)
}

// harness holds the full e2e test stack: a fake chat backend, the real
// client, push manager and chat session, and the MCP server behind the
// API key middleware.
type harness struct {
	URL     string
	Backend *backend
	Session *chat.Session
	Manager *realtime.Manager
	Client  *http.Client
}

// newHarness connects a chat session to a fresh backend and starts an
// httptest server with server.NewMux in front of the MCP tools.
func newHarness(t *testing.T) *harness {
	t.Helper()

	b := newBackend(t)
	logger := slog.New(slog.DiscardHandler)
	m := metrics.New()

	client := api.NewClient(b.URL, nil)
	client.SetToken(testToken)

	manager := realtime.NewManager(realtime.Config{
		URL:     b.wsURL(),
		Token:   testToken,
		Metrics: m,
	}, logger)

	sess := chat.NewSession(client, manager, chat.SessionConfig{
		LocalUserID: localUser,
		Metrics:     m,
	}, logger)

	require.NoError(t, sess.Store.LoadConversations(t.Context()))
	require.NoError(t, manager.Connect(t.Context()))

	listenCtx, cancel := context.WithCancel(context.Background())
	listenDone := make(chan error, 1)

	go func() {
		listenDone <- manager.Listen(listenCtx)
	}()

	t.Cleanup(func() {
		_ = sess.Close()
		cancel()

		if err := <-listenDone; err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("listen: %v", err)
		}
	})

	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)

	verifier, err := auth.NewVerifier(string(hash))
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, mcpserver.Deps{
		Session: sess,
		Users:   client,
		Conn:    manager,
	})

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Verifier:   verifier,
		MCPHandler: mcpHandler,
		Metrics:    m.Handler(),
		State:      manager.State,
		Logger:     logger,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Backend: b,
		Session: sess,
		Manager: manager,
		Client:  ts.Client(),
	}
}

// mcpSession creates an MCP client session authenticated with the given
// API key. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (h *harness) mcpSession(t *testing.T, key string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: key,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and requires a successful result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s failed: %s", name, extractTextContent(t, result))

	return result
}

// extractTextContent returns the first text content of a tool result.
func extractTextContent(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()

	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")

	return tc.Text
}

// doGet performs a GET request with t.Context().
func (h *harness) doGet(t *testing.T, path string) *http.Response {
	t.Helper()

	req, err := http.NewRequestWithContext(t.Context(), "GET", h.URL+path, nil)
	require.NoError(t, err)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)

	return resp
}

// waitFor polls until cond returns true or the timeout expires.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("timed out waiting for condition")
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
