package chat

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
)

// emitTimeout bounds emissions made from timers and Close, which have no
// caller context.
const emitTimeout = 5 * time.Second

// Emitter sends outbound push events.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) error
}

type pendingTyping struct {
	gen   uint64
	timer *time.Timer
}

// TypingController debounces the local user's typing indicator: one
// "typing" per burst and a trailing "stopped-typing" once input goes
// quiet for the TTL. One timer per conversation.
type TypingController struct {
	emitter Emitter
	ttl     time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingTyping
	gen     uint64
	closed  bool
}

// NewTypingController creates a controller emitting through emitter.
func NewTypingController(emitter Emitter, ttl time.Duration, logger *slog.Logger) *TypingController {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}

	return &TypingController{
		emitter: emitter,
		ttl:     ttl,
		logger:  logger,
		pending: make(map[string]*pendingTyping),
	}
}

// HandleTyping records a keystroke in a conversation. It emits "typing"
// only when no burst is pending and re-arms the trailing timer.
func (c *TypingController) HandleTyping(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	p, pending := c.pending[conversationID]
	if pending {
		p.timer.Stop()
	} else {
		p = &pendingTyping{}
		c.pending[conversationID] = p
	}

	c.gen++
	p.gen = c.gen
	gen := p.gen
	p.timer = time.AfterFunc(c.ttl, func() { c.expire(conversationID, gen) })
	c.mu.Unlock()

	if !pending {
		c.emit(ctx, realtime.EventTyping, conversationID)
	}
}

// HandleStopTyping ends any pending burst and emits "stopped-typing"
// whether or not one was pending. A repeated stop is harmless to peers.
func (c *TypingController) HandleStopTyping(ctx context.Context, conversationID string) {
	if conversationID == "" {
		return
	}

	c.mu.Lock()
	if p, ok := c.pending[conversationID]; ok {
		p.timer.Stop()
		delete(c.pending, conversationID)
	}
	c.mu.Unlock()

	c.emit(ctx, realtime.EventStoppedTyping, conversationID)
}

// Pending reports whether a typing burst is open for the conversation.
func (c *TypingController) Pending(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[conversationID]

	return ok
}

// Close stops every timer and emits "stopped-typing" for open bursts.
// Later calls to HandleTyping are ignored.
func (c *TypingController) Close() {
	c.mu.Lock()
	c.closed = true

	ids := make([]string, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		ids = append(ids, id)
	}

	clear(c.pending)
	c.mu.Unlock()

	for _, id := range ids {
		c.emit(context.Background(), realtime.EventStoppedTyping, id)
	}
}

func (c *TypingController) expire(conversationID string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[conversationID]
	fire := ok && p.gen == gen
	if fire {
		delete(c.pending, conversationID)
	}
	c.mu.Unlock()

	if fire {
		c.emit(context.Background(), realtime.EventStoppedTyping, conversationID)
	}
}

func (c *TypingController) emit(ctx context.Context, event, conversationID string) {
	ctx, cancel := context.WithTimeout(ctx, emitTimeout)
	defer cancel()

	err := c.emitter.Emit(ctx, event, realtime.RoomPayload{ConversationID: conversationID})
	if err == nil || errors.Is(err, chaterrors.ErrNotConnected) {
		return
	}

	c.logger.Debug("typing emit failed",
		slog.String("event", event),
		slog.String("conversation_id", conversationID),
		slog.String("error", err.Error()),
	)
}
