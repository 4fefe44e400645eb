package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/tidwall/gjson"
)

type handlerFunc func(data json.RawMessage) error

// Router maps inbound push events onto store mutations through an
// explicit dispatch table. It implements realtime.Sink.
//
// Each event is dispatched at most once. Malformed payloads are dropped,
// logged and counted; nothing is retried.
type Router struct {
	store    *Store
	logger   *slog.Logger
	metrics  *metrics.Metrics
	handlers map[string]handlerFunc
}

var _ realtime.Sink = (*Router)(nil)

// NewRouter creates a Router over store.
func NewRouter(store *Store, logger *slog.Logger, m *metrics.Metrics) *Router {
	r := &Router{
		store:   store,
		logger:  logger,
		metrics: m,
	}

	r.handlers = map[string]handlerFunc{
		realtime.EventMessageReceived:     r.onMessage,
		realtime.EventMessageSent:         r.onMessage,
		realtime.EventMessageRead:         r.onRead,
		realtime.EventUserTyping:          r.onTyping(true),
		realtime.EventUserStoppedTyping:   r.onTyping(false),
		realtime.EventUserOnline:          r.onPresence(true),
		realtime.EventUserOffline:         r.onPresence(false),
		realtime.EventConversationCreated: r.onConversationCreated,
		realtime.EventConversationUpdated: r.onConversationUpdated,
	}

	return r
}

// events returns the names the router handles.
func (r *Router) events() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}

	return out
}

// HandleEvent dispatches one inbound event.
func (r *Router) HandleEvent(event string, data json.RawMessage) {
	h, ok := r.handlers[event]
	if !ok {
		r.logger.Debug("unhandled push event", slog.String("event", event))
		r.metrics.EventDropped(event, "unknown")

		return
	}

	if err := h(data); err != nil {
		reason := "error"
		if errors.Is(err, chaterrors.ErrInvalidPayload) {
			reason = "invalid"
		}

		r.logger.Warn("dropping push event",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
		r.metrics.EventDropped(event, reason)
	}
}

// Resume closes the delivery gap after a reconnect.
func (r *Router) Resume(reconnected bool) {
	if reconnected {
		r.store.ScheduleResync()
	}
}

// Pause drops typing flags, which cannot be trusted across a gap.
func (r *Router) Pause(error) {
	r.store.ClearTyping()
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", chaterrors.ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// requireString returns the non-empty string at path.
func requireString(data []byte, path string) (string, error) {
	v := gjson.GetBytes(data, path)
	if v.Type != gjson.String || v.String() == "" {
		return "", invalid("missing %s", path)
	}

	return v.String(), nil
}

func validJSON(data []byte) error {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return invalid("not valid JSON")
	}

	return nil
}

func (r *Router) onMessage(data json.RawMessage) error {
	if err := validJSON(data); err != nil {
		return err
	}

	if _, err := requireString(data, "_id"); err != nil {
		return err
	}

	if _, err := requireString(data, "conversationId"); err != nil {
		return err
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return invalid("decoding message: %v", err)
	}

	if r.store.AddMessage(msg) {
		r.logger.Debug("message added",
			slog.String("conversation_id", msg.ConversationID),
			slog.String("message_id", msg.ID),
		)
	}

	return nil
}

func (r *Router) onRead(data json.RawMessage) error {
	if err := validJSON(data); err != nil {
		return err
	}

	cid, err := requireString(data, "conversationId")
	if err != nil {
		return err
	}

	ids := gjson.GetBytes(data, "messageIds")
	if !ids.IsArray() || len(ids.Array()) == 0 {
		return invalid("missing messageIds")
	}

	list := make([]string, 0, len(ids.Array()))

	for _, id := range ids.Array() {
		if id.Type != gjson.String || id.String() == "" {
			return invalid("messageIds must be non-empty strings")
		}

		list = append(list, id.String())
	}

	r.store.ApplyRead(cid, list)

	return nil
}

func (r *Router) onTyping(typing bool) handlerFunc {
	return func(data json.RawMessage) error {
		if err := validJSON(data); err != nil {
			return err
		}

		uid, err := requireString(data, "userId")
		if err != nil {
			return err
		}

		r.store.SetTyping(uid, typing)

		return nil
	}
}

func (r *Router) onPresence(online bool) handlerFunc {
	return func(data json.RawMessage) error {
		if err := validJSON(data); err != nil {
			return err
		}

		uid, err := requireString(data, "userId")
		if err != nil {
			return err
		}

		var lastSeen *time.Time

		if v := gjson.GetBytes(data, "lastSeen"); v.Exists() && v.Type != gjson.Null {
			t, err := time.Parse(time.RFC3339Nano, v.String())
			if err != nil {
				return invalid("lastSeen: %v", err)
			}

			lastSeen = &t
		}

		r.store.SetPresence(uid, online, lastSeen)

		return nil
	}
}

func decodeConversation(data json.RawMessage) (Conversation, error) {
	if err := validJSON(data); err != nil {
		return Conversation{}, err
	}

	if _, err := requireString(data, "_id"); err != nil {
		return Conversation{}, err
	}

	var c Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return Conversation{}, invalid("decoding conversation: %v", err)
	}

	return c, nil
}

func (r *Router) onConversationCreated(data json.RawMessage) error {
	c, err := decodeConversation(data)
	if err != nil {
		return err
	}

	r.store.UpsertConversation(c)

	return nil
}

func (r *Router) onConversationUpdated(data json.RawMessage) error {
	c, err := decodeConversation(data)
	if err != nil {
		return err
	}

	if !r.store.UpdateConversation(c) {
		r.logger.Debug("update for unknown conversation", slog.String("conversation_id", c.ID))
	}

	return nil
}
