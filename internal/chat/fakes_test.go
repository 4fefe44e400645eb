package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func participant(id string) Participant {
	return Participant{ID: id, Name: "user " + id}
}

func conv(id string, participants ...string) Conversation {
	c := Conversation{ID: id, CreatedAt: t0, UpdatedAt: t0}
	for _, p := range participants {
		c.Participants = append(c.Participants, participant(p))
	}

	return c
}

func msg(id, cid, sender string) Message {
	return Message{
		ID:             id,
		ConversationID: cid,
		Sender:         participant(sender),
		Content:        "hello " + id,
		Type:           MessageText,
		CreatedAt:      t0.Add(time.Minute),
	}
}

func ids(ms []Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}

	return out
}

func convIDs(cs []Conversation) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.ID
	}

	return out
}

// fakeAPI is an in-memory HistoryAPI.
type fakeAPI struct {
	mu sync.Mutex

	conversations []Conversation
	listErr       error
	listCalls     int

	byID   map[string]Conversation
	getErr error

	pages    map[string][]MessagePage
	pageErr  error
	pageReqs []int

	sendErr error
	sent    []SendRequest
	nextID  int

	markErr error
	marked  [][]string

	createResult *Conversation
	createErr    error

	// block, when set, is received from before ListMessages returns.
	block chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		byID:  make(map[string]Conversation),
		pages: make(map[string][]MessagePage),
	}
}

func (f *fakeAPI) ListConversations(context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++

	if f.listErr != nil {
		return nil, f.listErr
	}

	out := make([]Conversation, len(f.conversations))
	for i, c := range f.conversations {
		out[i] = c.clone()
	}

	return out, nil
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.getErr != nil {
		return nil, f.getErr
	}

	c, ok := f.byID[id]
	if !ok {
		return nil, errors.New("not found")
	}

	c = c.clone()

	return &c, nil
}

func (f *fakeAPI) CreateConversation(_ context.Context, receiverID string) (*Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.createErr != nil {
		return nil, f.createErr
	}

	if f.createResult != nil {
		c := f.createResult.clone()
		return &c, nil
	}

	c := conv("new-"+receiverID, receiverID)

	return &c, nil
}

func (f *fakeAPI) ListMessages(_ context.Context, cid string, page, _ int) (*MessagePage, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pageReqs = append(f.pageReqs, page)

	if f.pageErr != nil {
		return nil, f.pageErr
	}

	pages := f.pages[cid]
	if page < 1 || page > len(pages) {
		return &MessagePage{Messages: []Message{}, Pagination: Pagination{Page: page, TotalPages: len(pages)}}, nil
	}

	p := pages[page-1]
	out := MessagePage{Pagination: p.Pagination}

	for _, m := range p.Messages {
		out.Messages = append(out.Messages, m.clone())
	}

	return &out, nil
}

func (f *fakeAPI) SendMessage(_ context.Context, req SendRequest) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, req)

	if f.sendErr != nil {
		return nil, f.sendErr
	}

	f.nextID++

	return &Message{
		ID:             fmt.Sprintf("sent-%d", f.nextID),
		ConversationID: req.ConversationID,
		Sender:         participant("me"),
		Content:        req.Content,
		Type:           req.Type,
		ImageURL:       req.ImageURL,
		CreatedAt:      t0.Add(time.Hour),
	}, nil
}

func (f *fakeAPI) MarkAsRead(_ context.Context, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.markErr != nil {
		return f.markErr
	}

	f.marked = append(f.marked, append([]string(nil), messageIDs...))

	return nil
}

func (f *fakeAPI) markCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([][]string(nil), f.marked...)
}

// fakeConn records room changes and emissions.
type fakeConn struct {
	mu      sync.Mutex
	joins   []string
	leaves  []string
	emitted []string
	emitErr error
	sink    realtime.Sink
	closed  int
}

func (c *fakeConn) JoinRoom(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.joins = append(c.joins, id)

	return nil
}

func (c *fakeConn) LeaveRoom(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.leaves = append(c.leaves, id)

	return nil
}

func (c *fakeConn) Emit(_ context.Context, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.emitErr != nil {
		return c.emitErr
	}

	room, _ := payload.(realtime.RoomPayload)
	c.emitted = append(c.emitted, event+":"+room.ConversationID)

	return nil
}

func (c *fakeConn) SetSink(s realtime.Sink) {
	c.mu.Lock()
	c.sink = s
	c.mu.Unlock()
}

func (c *fakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++

	if c.sink != nil {
		c.sink.Pause(nil)
	}

	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.emitted...)
}

func newTestStore(api *fakeAPI, rooms Rooms) *Store {
	if rooms == nil {
		rooms = &fakeConn{}
	}

	return NewStore(api, rooms, StoreConfig{LocalUserID: "me", PageSize: 20}, testLogger())
}

// loaded returns a store whose conversation list has been loaded.
func loaded(t *testing.T, api *fakeAPI, convs ...Conversation) *Store {
	t.Helper()

	api.conversations = convs
	s := newTestStore(api, nil)
	require.NoError(t, s.LoadConversations(context.Background()))

	return s
}
