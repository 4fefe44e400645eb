package chat

import (
	"log/slog"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/alexjbarnes/chat-sync/internal/realtime"
	"github.com/google/uuid"
)

// Connection is the push connection as seen by a Session.
type Connection interface {
	Rooms
	Emitter
	SetSink(s realtime.Sink)
	Disconnect() error
}

// SessionConfig holds the parameters of a Session.
type SessionConfig struct {
	LocalUserID string
	PageSize    int
	TypingTTL   time.Duration
	Metrics     *metrics.Metrics
}

// Session bundles the store, router and typing controller of one
// authenticated user. It is built after login and torn down by Close.
type Session struct {
	ID     string
	Store  *Store
	Router *Router
	Typing *TypingController

	conn   Connection
	logger *slog.Logger
}

// NewSession wires a store over api, routes conn's events into it and
// installs the router as conn's sink.
func NewSession(api HistoryAPI, conn Connection, cfg SessionConfig, logger *slog.Logger) *Session {
	id := uuid.NewString()
	logger = logger.With(slog.String("session_id", id))

	store := NewStore(api, conn, StoreConfig{
		LocalUserID: cfg.LocalUserID,
		PageSize:    cfg.PageSize,
		TypingTTL:   cfg.TypingTTL,
		Metrics:     cfg.Metrics,
	}, logger)

	router := NewRouter(store, logger, cfg.Metrics)
	conn.SetSink(router)

	return &Session{
		ID:     id,
		Store:  store,
		Router: router,
		Typing: NewTypingController(conn, cfg.TypingTTL, logger),
		conn:   conn,
		logger: logger,
	}
}

// Close ends the session: open typing bursts are closed, the connection
// is dropped and all in-memory state is discarded.
func (s *Session) Close() error {
	s.Typing.Close()

	err := s.conn.Disconnect()

	s.conn.SetSink(nil)
	s.Store.Close()
	s.logger.Info("session closed")

	return err
}
