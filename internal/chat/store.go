package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"golang.org/x/text/unicode/norm"
)

const (
	// DefaultPageSize is the history page size requested when none is
	// configured.
	DefaultPageSize = 50

	// DefaultTypingTTL is how long a remote typing flag survives without
	// a refresh, and the trailing timeout of the local typing controller.
	DefaultTypingTTL = 3 * time.Second
)

// HistoryAPI is the request/response side of the server.
type HistoryAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	CreateConversation(ctx context.Context, receiverID string) (*Conversation, error)
	ListMessages(ctx context.Context, conversationID string, page, limit int) (*MessagePage, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	MarkAsRead(ctx context.Context, messageIDs []string) error
}

// Rooms is the part of the push connection the store drives when focus
// changes.
type Rooms interface {
	JoinRoom(ctx context.Context, conversationID string) error
	LeaveRoom(ctx context.Context, conversationID string) error
}

// StoreConfig holds the tunables of a Store.
type StoreConfig struct {
	LocalUserID string
	PageSize    int
	TypingTTL   time.Duration
	Metrics     *metrics.Metrics
}

// typingEntry is one remote participant's typing flag. gen guards against
// a stale auto-clear timer firing after the flag was refreshed.
type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// Store owns the session's conversations, messages and ephemeral state.
//
// Every mutation happens under mu. Remote calls run with mu released and
// their results are applied in one critical section afterwards, so a
// failed call never leaves partial state. epoch increments on Reset;
// completions that started in an older epoch are discarded.
type Store struct {
	api     HistoryAPI
	rooms   Rooms
	logger  *slog.Logger
	metrics *metrics.Metrics

	pageSize  int
	typingTTL time.Duration

	mu            sync.Mutex
	localUserID   string
	conversations []Conversation
	messages      map[string][]Message
	cursors       map[string]Pagination
	active        string
	typing        map[string]*typingEntry
	typingGen     uint64
	epoch         uint64
	closed        bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewStore creates an empty store.
func NewStore(api HistoryAPI, rooms Rooms, cfg StoreConfig, logger *slog.Logger) *Store {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	ttl := cfg.TypingTTL
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Store{
		api:         api,
		rooms:       rooms,
		logger:      logger,
		metrics:     cfg.Metrics,
		pageSize:    pageSize,
		typingTTL:   ttl,
		localUserID: cfg.LocalUserID,
		messages:    make(map[string][]Message),
		cursors:     make(map[string]Pagination),
		typing:      make(map[string]*typingEntry),
		bgCtx:       ctx,
		bgCancel:    cancel,
	}
}

// SetLocalUserID records the authenticated user. Unread accounting and
// receiver resolution depend on it.
func (s *Store) SetLocalUserID(id string) {
	s.mu.Lock()
	s.localUserID = id
	s.mu.Unlock()
}

// LocalUserID returns the authenticated user id.
func (s *Store) LocalUserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.localUserID
}

// --- remote-backed operations ---

// LoadConversations replaces the conversation collection with the
// server's. Known participant presence is kept, deleted conversations are
// skipped, and the collection is left untouched on failure.
func (s *Store) LoadConversations(ctx context.Context) error {
	epoch := s.currentEpoch()

	start := time.Now()
	convs, err := s.api.ListConversations(ctx)
	s.metrics.ObserveAPI("list_conversations", err, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return nil
	}

	presence := s.presenceLocked()
	next := make([]Conversation, 0, len(convs))
	seen := make(map[string]struct{}, len(convs))

	for _, c := range convs {
		if c.IsDeleted || c.ID == "" {
			continue
		}

		if _, dup := seen[c.ID]; dup {
			continue
		}

		seen[c.ID] = struct{}{}

		c = c.clone()
		applyPresence(&c, presence)

		if c.ID == s.active {
			c.UnreadCount = 0
		}

		next = append(next, c)
	}

	s.conversations = next

	s.logger.Debug("conversations loaded", slog.Int("count", len(next)))

	return nil
}

// LoadMessages fetches the first history page of a conversation and
// merges it into the local sequence.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) error {
	return s.loadPage(ctx, conversationID, 1)
}

// LoadOlderMessages fetches the page after the last one loaded. It
// reports false when every page is already loaded. A conversation with no
// recorded page loads page 1.
func (s *Store) LoadOlderMessages(ctx context.Context, conversationID string) (bool, error) {
	s.mu.Lock()
	cursor, ok := s.cursors[conversationID]
	s.mu.Unlock()

	page := 1

	if ok {
		if cursor.Page >= cursor.TotalPages {
			return false, nil
		}

		page = cursor.Page + 1
	}

	if err := s.loadPage(ctx, conversationID, page); err != nil {
		return false, err
	}

	return true, nil
}

// HasOlderMessages reports whether LoadOlderMessages would fetch a page.
func (s *Store) HasOlderMessages(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cursor, ok := s.cursors[conversationID]

	return !ok || cursor.Page < cursor.TotalPages
}

func (s *Store) loadPage(ctx context.Context, conversationID string, page int) error {
	if conversationID == "" {
		return fmt.Errorf("loading messages: %w: empty conversation id", chaterrors.ErrNotFound)
	}

	epoch := s.currentEpoch()

	start := time.Now()
	mp, err := s.api.ListMessages(ctx, conversationID, page, s.pageSize)
	s.metrics.ObserveAPI("list_messages", err, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("loading messages for %s: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return nil
	}

	added := s.mergeLocked(conversationID, mp.Messages)

	cursor := mp.Pagination
	if cursor.Page <= 0 {
		cursor.Page = page
	}

	// Never move the cursor backwards; a page-1 resync must not make
	// older pages look unloaded.
	if prev, ok := s.cursors[conversationID]; ok && prev.Page > cursor.Page {
		cursor.Page = prev.Page
	}

	s.cursors[conversationID] = cursor

	s.logger.Debug("messages loaded",
		slog.String("conversation_id", conversationID),
		slog.Int("page", page),
		slog.Int("fetched", len(mp.Messages)),
		slog.Int("added", added),
	)

	return nil
}

// SetActiveConversation moves focus to conversationID, or clears it when
// conversationID is empty. It leaves the previous room, joins the new one,
// loads history if none is known and marks the conversation read.
//
// A history load failure is returned after focus, unread count and room
// membership have already moved. Activating the same id again retries the
// load without rejoining.
func (s *Store) SetActiveConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()

	if conversationID != "" && s.indexLocked(conversationID) < 0 {
		s.mu.Unlock()
		return fmt.Errorf("activating %s: %w", conversationID, chaterrors.ErrNotFound)
	}

	prev := s.active
	s.active = conversationID

	if idx := s.indexLocked(conversationID); idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}

	needsHistory := conversationID != "" && len(s.messages[conversationID]) == 0
	s.mu.Unlock()

	if prev != "" && prev != conversationID {
		if err := s.rooms.LeaveRoom(ctx, prev); err != nil {
			s.logger.Warn("leaving room",
				slog.String("conversation_id", prev),
				slog.String("error", err.Error()),
			)
		}
	}

	if conversationID == "" {
		return nil
	}

	if prev != conversationID {
		if err := s.rooms.JoinRoom(ctx, conversationID); err != nil {
			s.logger.Warn("joining room",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()),
			)
		}
	}

	if needsHistory {
		if err := s.LoadMessages(ctx, conversationID); err != nil {
			return err
		}
	}

	if err := s.MarkAsRead(ctx, conversationID); err != nil {
		s.logger.Warn("marking active conversation read",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}

	return nil
}

// SendMessage posts a message to a conversation. Nothing is inserted
// until the server confirms; the confirmed message is then appended with
// the same dedup as push events, so a message:sent echo is harmless.
func (s *Store) SendMessage(ctx context.Context, conversationID, content string, typ MessageType, imageURL string) (*Message, error) {
	if typ == "" {
		typ = MessageText
	}

	content = norm.NFC.String(strings.TrimSpace(content))
	imageURL = strings.TrimSpace(imageURL)

	switch typ {
	case MessageText:
		if content == "" {
			return nil, fmt.Errorf("sending message: %w: content is empty", chaterrors.ErrInvalidMessage)
		}
	case MessageImage:
		if imageURL == "" {
			return nil, fmt.Errorf("sending message: %w: image url is required", chaterrors.ErrInvalidMessage)
		}
	default:
		return nil, fmt.Errorf("sending message: %w: unknown type %q", chaterrors.ErrInvalidMessage, typ)
	}

	s.mu.Lock()

	idx := s.indexLocked(conversationID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("sending message: conversation %s: %w", conversationID, chaterrors.ErrNotFound)
	}

	receiver := s.receiverLocked(s.conversations[idx])
	epoch := s.epoch
	s.mu.Unlock()

	if receiver == "" {
		return nil, fmt.Errorf("sending message: participant of %s: %w", conversationID, chaterrors.ErrNotFound)
	}

	start := time.Now()
	msg, err := s.api.SendMessage(ctx, SendRequest{
		ConversationID: conversationID,
		Content:        content,
		Type:           typ,
		ImageURL:       imageURL,
		ReceiverID:     receiver,
	})
	s.metrics.ObserveAPI("send_message", err, time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	s.metrics.MessageSent()

	if msg.ConversationID == "" {
		msg.ConversationID = conversationID
	}

	s.mu.Lock()
	if epoch == s.epoch {
		s.appendLocked(*msg)
	}
	s.mu.Unlock()

	out := msg.clone()

	return &out, nil
}

// receiverLocked resolves the remote participant: the first participant
// that is not the local user, falling back to the first participant.
func (s *Store) receiverLocked(c Conversation) string {
	for _, p := range c.Participants {
		if p.ID != "" && p.ID != s.localUserID {
			return p.ID
		}
	}

	if len(c.Participants) > 0 {
		return c.Participants[0].ID
	}

	return ""
}

// MarkAsRead marks every unread message from other participants as read.
// It is a no-op when there is nothing to mark. On failure local state is
// unchanged.
func (s *Store) MarkAsRead(ctx context.Context, conversationID string) error {
	s.mu.Lock()

	var ids []string

	for _, m := range s.messages[conversationID] {
		if !m.IsRead && m.Sender.ID != s.localUserID {
			ids = append(ids, m.ID)
		}
	}

	epoch := s.epoch
	s.mu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	start := time.Now()
	err := s.api.MarkAsRead(ctx, ids)
	s.metrics.ObserveAPI("mark_as_read", err, time.Since(start).Seconds())

	if err != nil {
		return fmt.Errorf("marking %s read: %w", conversationID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch {
		return nil
	}

	s.flipReadLocked(conversationID, ids)

	if idx := s.indexLocked(conversationID); idx >= 0 {
		s.conversations[idx].UnreadCount = 0
	}

	return nil
}

// CreateConversation opens a conversation with receiverID and puts it at
// the front. A conversation already known by id is replaced and moved to
// the front instead of duplicated.
func (s *Store) CreateConversation(ctx context.Context, receiverID string) (*Conversation, error) {
	if strings.TrimSpace(receiverID) == "" {
		return nil, fmt.Errorf("creating conversation: %w: empty receiver id", chaterrors.ErrNotFound)
	}

	epoch := s.currentEpoch()

	start := time.Now()
	conv, err := s.api.CreateConversation(ctx, receiverID)
	s.metrics.ObserveAPI("create_conversation", err, time.Since(start).Seconds())

	if err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch == s.epoch {
		s.upsertLocked(*conv)
	}

	if idx := s.indexLocked(conv.ID); idx >= 0 {
		out := s.conversations[idx].clone()
		return &out, nil
	}

	out := conv.clone()

	return &out, nil
}

// Resync reloads the conversation list and the active conversation's
// first page, merging both into local state. Used after a reconnect to
// close the gap in push delivery.
func (s *Store) Resync(ctx context.Context) error {
	var errs []error

	if err := s.LoadConversations(ctx); err != nil {
		errs = append(errs, err)
	}

	if active := s.ActiveConversationID(); active != "" {
		if err := s.LoadMessages(ctx, active); err != nil {
			errs = append(errs, err)
		} else if err := s.MarkAsRead(ctx, active); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// ScheduleResync runs Resync in the background.
func (s *Store) ScheduleResync() {
	s.goAsync(func(ctx context.Context) {
		if err := s.Resync(ctx); err != nil {
			s.logger.Warn("resync after reconnect", slog.String("error", err.Error()))
			return
		}

		s.logger.Info("resynced after reconnect")
	})
}

// --- push-driven mutations ---

// AddMessage inserts a message that arrived on the push connection. It
// reports whether the message was new. Duplicates only OR-merge isRead.
func (s *Store) AddMessage(msg Message) bool {
	if msg.ID == "" || msg.ConversationID == "" {
		return false
	}

	s.mu.Lock()
	appended := s.appendLocked(msg)
	known := s.indexLocked(msg.ConversationID) >= 0
	sweep := appended && msg.ConversationID == s.active && msg.Sender.ID != s.localUserID
	epoch := s.epoch
	s.mu.Unlock()

	if !appended {
		return false
	}

	s.metrics.MessageReceived()

	cid := msg.ConversationID

	if !known {
		s.goAsync(func(ctx context.Context) { s.fetchConversation(ctx, cid, epoch) })
	}

	if sweep {
		s.goAsync(func(ctx context.Context) {
			if err := s.MarkAsRead(ctx, cid); err != nil {
				s.logger.Warn("marking incoming message read",
					slog.String("conversation_id", cid),
					slog.String("error", err.Error()),
				)
			}
		})
	}

	return true
}

// fetchConversation loads a conversation first seen through a message.
func (s *Store) fetchConversation(ctx context.Context, id string, epoch uint64) {
	conv, err := s.api.GetConversation(ctx, id)
	if err != nil {
		s.logger.Warn("fetching unknown conversation",
			slog.String("conversation_id", id),
			slog.String("error", err.Error()),
		)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.indexLocked(id) >= 0 || conv.IsDeleted {
		return
	}

	s.upsertLocked(*conv)
}

// ApplyRead flips isRead for the listed messages. Flags never go back to
// false.
func (s *Store) ApplyRead(conversationID string, messageIDs []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flipReadLocked(conversationID, messageIDs)
}

// SetTyping sets a remote participant's typing flag. A true flag clears
// itself after the typing TTL unless refreshed.
func (s *Store) SetTyping(participantID string, typing bool) {
	if participantID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.typing[participantID]; ok {
		e.timer.Stop()
		delete(s.typing, participantID)
	}

	if !typing {
		return
	}

	s.typingGen++
	e := &typingEntry{gen: s.typingGen}
	gen := e.gen
	e.timer = time.AfterFunc(s.typingTTL, func() { s.expireTyping(participantID, gen) })
	s.typing[participantID] = e
}

func (s *Store) expireTyping(participantID string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.typing[participantID]; ok && e.gen == gen {
		delete(s.typing, participantID)
	}
}

// ClearTyping drops every typing flag.
func (s *Store) ClearTyping() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearTypingLocked()
}

func (s *Store) clearTypingLocked() {
	for id, e := range s.typing {
		e.timer.Stop()
		delete(s.typing, id)
	}
}

// SetPresence updates a user's presence in every conversation they take
// part in. lastSeen is kept when nil.
func (s *Store) SetPresence(userID string, online bool, lastSeen *time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0

	for ci := range s.conversations {
		ps := s.conversations[ci].Participants
		for pi := range ps {
			if ps[pi].ID != userID {
				continue
			}

			ps[pi].IsOnline = online

			if lastSeen != nil {
				ls := *lastSeen
				ps[pi].LastSeen = &ls
			}

			changed++
		}
	}

	return changed
}

// UpsertConversation inserts a conversation announced by the server at
// the front, or replaces and moves it there when already known.
func (s *Store) UpsertConversation(c Conversation) {
	if c.ID == "" || c.IsDeleted {
		return
	}

	s.mu.Lock()
	s.upsertLocked(c)
	s.mu.Unlock()
}

// UpdateConversation replaces a known conversation in place. It reports
// false when the id is unknown. A conversation flagged deleted is removed.
func (s *Store) UpdateConversation(c Conversation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(c.ID)
	if idx < 0 {
		return false
	}

	if c.IsDeleted {
		s.conversations = slices.Delete(s.conversations, idx, idx+1)
		return true
	}

	c = c.clone()
	applyPresence(&c, s.presenceLocked())

	if c.ID == s.active {
		c.UnreadCount = 0
	}

	s.conversations[idx] = c

	return true
}

// --- accessors ---

// Conversations returns a copy of the collection in recency order.
func (s *Store) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Conversation, len(s.conversations))
	for i, c := range s.conversations {
		out[i] = c.clone()
	}

	return out
}

// Conversation returns a copy of one conversation.
func (s *Store) Conversation(id string) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexLocked(id)
	if idx < 0 {
		return Conversation{}, false
	}

	return s.conversations[idx].clone(), true
}

// Messages returns a copy of a conversation's messages in arrival order.
func (s *Store) Messages(conversationID string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.messages[conversationID]
	out := make([]Message, len(seq))

	for i, m := range seq {
		out[i] = m.clone()
	}

	return out
}

// ActiveConversationID returns the focused conversation, or "".
func (s *Store) ActiveConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.active
}

// IsTyping reports whether a remote participant is typing.
func (s *Store) IsTyping(participantID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.typing[participantID]

	return ok
}

// TypingUsers returns the participants currently typing, sorted.
func (s *Store) TypingUsers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Sorted(maps.Keys(s.typing))
}

// UnreadTotal sums unread counts across conversations.
func (s *Store) UnreadTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := 0
	for _, c := range s.conversations {
		total += c.UnreadCount
	}

	return total
}

// --- lifecycle ---

// Reset discards all state and stops typing timers. Remote calls still
// in flight are ignored when they complete.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.epoch++
	s.clearTypingLocked()
	s.conversations = nil
	s.messages = make(map[string][]Message)
	s.cursors = make(map[string]Pagination)
	s.active = ""
}

// Close stops background work, waits for it to finish and resets state.
func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.bgCancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.Reset()
}

// Wait blocks until background work scheduled so far has finished.
func (s *Store) Wait() {
	s.wg.Wait()
}

func (s *Store) goAsync(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	s.wg.Add(1)
	ctx := s.bgCtx
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		fn(ctx)
	}()
}

// --- helpers, mu held ---

func (s *Store) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.epoch
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}

	return slices.IndexFunc(s.conversations, func(c Conversation) bool { return c.ID == id })
}

func (s *Store) moveToFrontLocked(idx int) {
	if idx <= 0 {
		return
	}

	c := s.conversations[idx]
	copy(s.conversations[1:idx+1], s.conversations[:idx])
	s.conversations[0] = c
}

// appendLocked inserts msg unless its id is known. A new message updates
// the conversation's last message and recency, and bumps unread when the
// conversation is not active and the sender is someone else.
func (s *Store) appendLocked(msg Message) bool {
	cid := msg.ConversationID
	seq := s.messages[cid]

	for i := range seq {
		if seq[i].ID == msg.ID {
			if msg.IsRead {
				seq[i].IsRead = true
			}

			return false
		}
	}

	s.messages[cid] = append(seq, msg.clone())

	idx := s.indexLocked(cid)
	if idx < 0 {
		return true
	}

	conv := &s.conversations[idx]
	last := msg.clone()
	conv.LastMessage = &last

	if !msg.CreatedAt.IsZero() {
		conv.UpdatedAt = msg.CreatedAt
	} else {
		conv.UpdatedAt = time.Now()
	}

	if cid != s.active && msg.Sender.ID != s.localUserID {
		conv.UnreadCount++
	}

	s.moveToFrontLocked(idx)

	return true
}

// mergeLocked merges a fetched page. Known ids keep their position and
// OR-merge isRead; new ids are appended in page order.
func (s *Store) mergeLocked(cid string, fetched []Message) int {
	seq := s.messages[cid]
	index := make(map[string]int, len(seq)+len(fetched))

	for i, m := range seq {
		index[m.ID] = i
	}

	added := 0

	for _, m := range fetched {
		if m.ID == "" {
			continue
		}

		if i, ok := index[m.ID]; ok {
			if m.IsRead {
				seq[i].IsRead = true
			}

			continue
		}

		if m.ConversationID == "" {
			m.ConversationID = cid
		}

		index[m.ID] = len(seq)
		seq = append(seq, m.clone())
		added++
	}

	s.messages[cid] = seq

	return added
}

func (s *Store) flipReadLocked(cid string, ids []string) int {
	if len(ids) == 0 {
		return 0
	}

	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	flipped := 0
	seq := s.messages[cid]

	for i := range seq {
		if _, ok := want[seq[i].ID]; ok && !seq[i].IsRead {
			seq[i].IsRead = true
			flipped++
		}
	}

	if idx := s.indexLocked(cid); idx >= 0 {
		if lm := s.conversations[idx].LastMessage; lm != nil {
			if _, ok := want[lm.ID]; ok {
				lm.IsRead = true
			}
		}
	}

	return flipped
}

// upsertLocked prepends c, or replaces the known entry and moves it to
// the front. Locally known presence wins over the fetched snapshot.
func (s *Store) upsertLocked(c Conversation) {
	c = c.clone()
	applyPresence(&c, s.presenceLocked())

	if c.ID == s.active {
		c.UnreadCount = 0
	}

	if idx := s.indexLocked(c.ID); idx >= 0 {
		s.conversations[idx] = c
		s.moveToFrontLocked(idx)

		return
	}

	s.conversations = slices.Insert(s.conversations, 0, c)
}

type presence struct {
	online   bool
	lastSeen *time.Time
}

func (s *Store) presenceLocked() map[string]presence {
	out := make(map[string]presence)

	for _, c := range s.conversations {
		for _, p := range c.Participants {
			if _, ok := out[p.ID]; !ok {
				out[p.ID] = presence{online: p.IsOnline, lastSeen: p.LastSeen}
			}
		}
	}

	return out
}

func applyPresence(c *Conversation, known map[string]presence) {
	for i := range c.Participants {
		p, ok := known[c.Participants[i].ID]
		if !ok {
			continue
		}

		c.Participants[i].IsOnline = p.online
		c.Participants[i].LastSeen = nil

		if p.lastSeen != nil {
			ls := *p.lastSeen
			c.Participants[i].LastSeen = &ls
		}
	}
}
