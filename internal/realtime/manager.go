package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math/rand/v2"
	"net/http"
	"slices"
	"sync"
	"time"

	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/metrics"
	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 25 * time.Second
	disconnectAfter  = 60 * time.Second
	heartbeatCheckAt = 5 * time.Second

	// handshakeTimeout bounds dial, authenticate and rejoin together.
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second

	// wsReadLimit caps a single inbound frame. Push events carry one
	// message or conversation at most.
	wsReadLimit = 1 << 20

	inboundChanSize = 64
	opChanSize      = 64

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// backoffMultiplier is the exponential growth factor applied to the
	// delay after each consecutive failed attempt.
	backoffMultiplier = 2
)

// Defaults for Config fields left zero.
const (
	DefaultReconnectAttempts = 5
	DefaultReconnectMin      = 1 * time.Second
	DefaultReconnectMax      = 5 * time.Second
)

// errStopped is returned internally when Disconnect interrupts a connect
// or reconnect in progress.
var errStopped = errors.New("disconnected")

// State is the lifecycle state of the push connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// Sink receives inbound events and lifecycle notifications. All calls
// come from the connection goroutine, so implementations must not block
// on the Manager (Emit, JoinRoom, LeaveRoom) from inside a callback.
type Sink interface {
	HandleEvent(event string, data json.RawMessage)
	// Resume is called after every successful connect, once remembered
	// rooms have been rejoined.
	Resume(reconnected bool)
	// Pause is called whenever a live connection goes away. err is nil
	// for an explicit Disconnect.
	Pause(err error)
}

// Config holds the parameters of the push connection.
type Config struct {
	URL               string
	Token             string
	ReconnectAttempts int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	Metrics           *metrics.Metrics
}

// inboundMsg wraps a frame read by the reader goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// outbound is a frame submitted to the event loop. gen pins it to the
// connection it was created for; frames from an older connection are
// discarded rather than written to a new one.
type outbound struct {
	gen    uint64
	frame  []byte
	result chan error
}

// Manager owns the push connection: handshake, reconnect with bounded
// backoff, room membership and heartbeat.
//
// A reader goroutine feeds inboundCh with raw frames. A single event loop
// (Listen) dispatches inbound frames to the sink, performs every write
// (emits, joins, leaves, pings) and runs the heartbeat. During connect the
// handshake and rejoin frames are written before the reader starts, so no
// inbound event can be delivered ahead of the rejoin.
type Manager struct {
	logger  *slog.Logger
	metrics *metrics.Metrics
	url     string
	dial    dialFunc

	attempts   int
	backoffMin time.Duration
	backoffMax time.Duration

	opCh chan outbound

	// inboundCh is replaced per connection and only touched by the
	// goroutine running Listen.
	inboundCh chan inboundMsg

	mu     sync.Mutex
	token  string
	sink   Sink
	state  State
	conn   wsConn
	userID string
	rooms  map[string]struct{}

	// gen increments each time a connection becomes live.
	gen uint64

	// live is closed when the current connection is lost or shut down.
	live chan struct{}

	// stop is closed by Disconnect and recreated by Connect.
	stop chan struct{}

	// connCancel cancels the per-connection context, stopping the reader
	// goroutine and forcing Listen to reconnect.
	connCancel context.CancelFunc

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewManager creates a disconnected Manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = DefaultReconnectAttempts
	}

	bmin := cfg.ReconnectMin
	if bmin <= 0 {
		bmin = DefaultReconnectMin
	}

	bmax := cfg.ReconnectMax
	if bmax < bmin {
		bmax = max(bmin, DefaultReconnectMax)
	}

	return &Manager{
		logger:     logger,
		metrics:    cfg.Metrics,
		url:        cfg.URL,
		dial:       dialWebsocket,
		attempts:   attempts,
		backoffMin: bmin,
		backoffMax: bmax,
		opCh:       make(chan outbound, opChanSize),
		token:      cfg.Token,
		state:      StateDisconnected,
		rooms:      make(map[string]struct{}),
	}
}

// SetSink installs the receiver of inbound events. Events arriving with
// no sink installed are dropped.
func (m *Manager) SetSink(s Sink) {
	m.mu.Lock()
	m.sink = s
	m.mu.Unlock()
}

// SetToken replaces the bearer credential used by the next handshake.
// Call Reconnect to apply it to a live connection.
func (m *Manager) SetToken(token string) {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
}

// State reports the connection lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.state
}

// UserID returns the user id confirmed by the last successful handshake.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.userID
}

// Rooms returns the remembered room set in sorted order.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Sorted(maps.Keys(m.rooms))
}

// Connect dials, authenticates and rejoins remembered rooms, retrying
// transient failures with bounded backoff. Authentication failures are
// terminal and returned as ErrUnauthorized. Connect on a live or
// connecting Manager is a no-op.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()

	switch m.state {
	case StateConnected, StateConnecting, StateReconnecting:
		m.mu.Unlock()
		return nil
	}

	m.stop = make(chan struct{})
	stop := m.stop
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	if err := m.connectWithRetry(ctx, stop, false); err != nil {
		if errors.Is(err, errStopped) {
			return fmt.Errorf("connecting: %w", chaterrors.ErrNotConnected)
		}

		m.failConnect(err)

		return fmt.Errorf("connecting: %w", err)
	}

	m.resume(false)

	return nil
}

// failConnect records the state after a connect attempt gave up.
func (m *Manager) failConnect(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateDisconnected {
		return
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.setStateLocked(StateDisconnected)
		return
	}

	m.setStateLocked(StateFailed)
}

// connectWithRetry runs open up to m.attempts times. The first attempt of
// an initial connect is immediate; a reconnect waits before every attempt.
func (m *Manager) connectWithRetry(ctx context.Context, stop <-chan struct{}, reconnect bool) error {
	var (
		wait    time.Duration
		lastErr error
	)

	if reconnect {
		wait = m.backoffMin
	}

	for attempt := 1; ; attempt++ {
		if wait > 0 {
			jitter := time.Duration(rand.Int64N(int64(wait)/jitterDivisor + 1)) //nolint:gosec // G404: math/rand is fine for reconnect jitter, no security impact

			timer := time.NewTimer(wait + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-stop:
				timer.Stop()
				return errStopped
			case <-timer.C:
			}
		}

		err := m.open(ctx, stop)
		if err == nil {
			m.metrics.ConnectAttempt("ok")
			return nil
		}

		if errors.Is(err, errStopped) {
			return err
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		if errors.Is(err, chaterrors.ErrUnauthorized) {
			m.metrics.ConnectAttempt("unauthorized")
			return err
		}

		m.metrics.ConnectAttempt("error")

		lastErr = err

		m.logger.Warn("push connection attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.attempts),
			slog.String("error", err.Error()),
		)

		if attempt >= m.attempts {
			break
		}

		if wait == 0 {
			wait = m.backoffMin
		} else {
			wait = min(wait*backoffMultiplier, m.backoffMax)
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", chaterrors.ErrReconnectExhausted, m.attempts, lastErr)
}

// open performs one dial, handshake and rejoin. On success the connection
// is live and stored in m.conn.
func (m *Manager) open(ctx context.Context, stop <-chan struct{}) error {
	m.mu.Lock()
	token := m.token
	m.mu.Unlock()

	if token == "" {
		return fmt.Errorf("%w: no bearer token", chaterrors.ErrUnauthorized)
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	m.logger.Debug("connecting", slog.String("url", m.url))

	conn, resp, err := m.dial(hctx, m.url, http.Header{
		"Authorization": []string{"Bearer " + token},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: handshake rejected (%d)", chaterrors.ErrUnauthorized, resp.StatusCode)
		}

		return fmt.Errorf("dialing websocket: %w", err)
	}

	userID, err := m.handshake(hctx, conn, token)
	if err != nil {
		return err
	}

	return m.rejoin(hctx, conn, userID, stop)
}

// handshake sends the authenticate frame and waits for the verdict. The
// connection is closed on failure.
func (m *Manager) handshake(ctx context.Context, conn wsConn, token string) (string, error) {
	conn.SetReadLimit(wsReadLimit)
	m.touchLastMessage()

	frame, err := encodeFrame(EventAuthenticate, authPayload{Token: token})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "authenticate failed")
		return "", err
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "authenticate failed")
		return "", fmt.Errorf("sending authenticate: %w", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "auth read failed")
			return "", fmt.Errorf("reading auth response: %w", err)
		}

		m.touchLastMessage()

		if typ != websocket.MessageText || !gjson.ValidBytes(data) {
			continue
		}

		switch event := gjson.GetBytes(data, "event").String(); event {
		case EventAuthenticated:
			userID := gjson.GetBytes(data, "data.userId").String()
			m.logger.Info("push connection authenticated", slog.String("user_id", userID))

			return userID, nil

		case EventUnauthorized:
			msg := gjson.GetBytes(data, "data.message").String()
			if msg == "" {
				msg = "token rejected"
			}

			conn.Close(websocket.StatusNormalClosure, "auth failed")

			return "", fmt.Errorf("%w: %s", chaterrors.ErrUnauthorized, msg)

		default:
			m.logger.Debug("ignoring frame before authentication", slog.String("event", event))
		}
	}
}

// rejoin writes one join per remembered room, then marks the connection
// live. Joins and leaves issued while rejoin runs are folded in before the
// state flips, so every remembered room is joined exactly once.
func (m *Manager) rejoin(ctx context.Context, conn wsConn, userID string, stop <-chan struct{}) error {
	joined := make(map[string]struct{})

	for {
		m.mu.Lock()

		select {
		case <-stop:
			m.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "bye")

			return errStopped
		default:
		}

		var joins, leaves []string

		for id := range m.rooms {
			if _, ok := joined[id]; !ok {
				joins = append(joins, id)
			}
		}

		for id := range joined {
			if _, ok := m.rooms[id]; !ok {
				leaves = append(leaves, id)
			}
		}

		if len(joins) == 0 && len(leaves) == 0 {
			m.conn = conn
			m.userID = userID
			m.gen++
			m.live = make(chan struct{})
			m.setStateLocked(StateConnected)
			m.mu.Unlock()

			return nil
		}

		m.mu.Unlock()

		slices.Sort(joins)
		slices.Sort(leaves)

		for _, id := range joins {
			if err := m.writeRoom(ctx, conn, EventJoinConversation, id); err != nil {
				return err
			}

			joined[id] = struct{}{}
		}

		for _, id := range leaves {
			if err := m.writeRoom(ctx, conn, EventLeaveConversation, id); err != nil {
				return err
			}

			delete(joined, id)
		}
	}
}

func (m *Manager) writeRoom(ctx context.Context, conn wsConn, event, id string) error {
	frame, err := encodeFrame(event, RoomPayload{ConversationID: id})
	if err != nil {
		return err
	}

	if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
		conn.Close(websocket.StatusInternalError, "rejoin failed")
		return fmt.Errorf("sending %s %s: %w", event, id, err)
	}

	return nil
}

// startReader launches a goroutine that reads from conn and feeds a fresh
// inboundCh. The goroutine captures ch and conn by value so a reader left
// over from a previous connection cannot deliver into the new channel.
func (m *Manager) startReader(connCtx context.Context, conn wsConn) {
	ch := make(chan inboundMsg, inboundChanSize)
	m.inboundCh = ch

	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen runs the event loop with automatic reconnection. It returns nil
// after Disconnect, ctx.Err() on cancellation, ErrUnauthorized if a
// reconnect is rejected, or ErrReconnectExhausted once the attempt
// ceiling is reached. Connect must have succeeded first.
func (m *Manager) Listen(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return chaterrors.ErrNotConnected
	}

	stop := m.stop
	conn := m.conn
	m.mu.Unlock()

	for {
		connCtx, connCancel := context.WithCancel(ctx)
		m.setConnCancel(connCancel)
		m.startReader(connCtx, conn)

		err := m.eventLoop(ctx, connCtx, conn, stop)

		connCancel()

		if err == nil {
			return nil
		}

		select {
		case <-stop:
			return nil
		default:
		}

		lost := m.markLost()
		if lost != nil {
			lost.Close(websocket.StatusGoingAway, "reconnecting")
		}

		m.pause(err)

		if ctx.Err() != nil {
			m.setState(StateDisconnected)
			return ctx.Err()
		}

		m.logger.Warn("push connection lost, reconnecting",
			slog.String("error", err.Error()),
		)

		if err := m.connectWithRetry(ctx, stop, true); err != nil {
			if errors.Is(err, errStopped) {
				return nil
			}

			if ctx.Err() != nil {
				m.setState(StateDisconnected)
				return ctx.Err()
			}

			m.setState(StateFailed)

			return fmt.Errorf("reconnecting: %w", err)
		}

		m.metrics.Reconnected()
		m.logger.Info("push connection reconnected")

		m.mu.Lock()
		conn = m.conn
		m.mu.Unlock()

		m.resume(true)
	}
}

// eventLoop serves one connection. Returns nil on Disconnect, otherwise
// the reason the connection ended.
func (m *Manager) eventLoop(ctx, connCtx context.Context, conn wsConn, stop <-chan struct{}) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading frame: %w", msg.err)
			}

			m.touchLastMessage()

			if msg.typ != websocket.MessageText {
				m.logger.Debug("unexpected binary frame", slog.Int("bytes", len(msg.data)))
				continue
			}

			m.dispatch(msg.data)

		case op := <-m.opCh:
			if err := m.handleOp(ctx, conn, op); err != nil {
				return err
			}

		case <-ticker.C:
			m.lastMsgMu.Lock()
			elapsed := time.Since(m.lastMessage)
			m.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				m.logger.Warn("push connection timed out",
					slog.Duration("silence", elapsed),
				)

				return errors.New("heartbeat timeout")
			}

			if elapsed > pingAfter {
				frame, _ := encodeFrame(EventPing, nil)

				wctx, cancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Write(wctx, websocket.MessageText, frame)

				cancel()

				if err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-stop:
			return nil

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// dispatch hands one inbound frame to the sink.
func (m *Manager) dispatch(data []byte) {
	if !gjson.ValidBytes(data) {
		m.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
		m.metrics.EventDropped("", "malformed")

		return
	}

	event := gjson.GetBytes(data, "event")
	if event.Type != gjson.String || event.String() == "" {
		m.logger.Debug("frame without event name", slog.Int("bytes", len(data)))
		m.metrics.EventDropped("", "malformed")

		return
	}

	name := event.String()
	if name == EventPong || name == EventPing {
		return
	}

	m.metrics.EventReceived(name)

	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink == nil {
		return
	}

	sink.HandleEvent(name, json.RawMessage(gjson.GetBytes(data, "data").Raw))
}

// handleOp writes one submitted frame. A write error ends the connection.
func (m *Manager) handleOp(ctx context.Context, conn wsConn, op outbound) error {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()

	if op.gen != gen {
		op.result <- chaterrors.ErrNotConnected
		return nil
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := conn.Write(wctx, websocket.MessageText, op.frame)

	cancel()

	if err != nil {
		err = fmt.Errorf("writing frame: %w", err)
		op.result <- err

		return err
	}

	op.result <- nil

	return nil
}

// Emit sends an event through the event loop. It returns ErrNotConnected
// without side effects when the connection is not live.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	op, live, ok := m.newOpLocked(frame)
	m.mu.Unlock()

	if !ok {
		return chaterrors.ErrNotConnected
	}

	return m.await(ctx, op, live)
}

// JoinRoom remembers the room and, if connected, emits join-conversation.
// A room joined while disconnected is joined on the next connect.
func (m *Manager) JoinRoom(ctx context.Context, conversationID string) error {
	return m.updateRoom(ctx, EventJoinConversation, conversationID, true)
}

// LeaveRoom forgets the room and, if connected, emits leave-conversation.
func (m *Manager) LeaveRoom(ctx context.Context, conversationID string) error {
	return m.updateRoom(ctx, EventLeaveConversation, conversationID, false)
}

func (m *Manager) updateRoom(ctx context.Context, event, id string, join bool) error {
	if id == "" {
		return nil
	}

	frame, err := encodeFrame(event, RoomPayload{ConversationID: id})
	if err != nil {
		return err
	}

	m.mu.Lock()

	_, member := m.rooms[id]
	if member == join {
		m.mu.Unlock()
		return nil
	}

	if join {
		m.rooms[id] = struct{}{}
	} else {
		delete(m.rooms, id)
	}

	op, live, ok := m.newOpLocked(frame)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	err = m.await(ctx, op, live)
	if errors.Is(err, chaterrors.ErrNotConnected) {
		// Membership is remembered; the next connect applies it.
		return nil
	}

	return err
}

// newOpLocked creates an outbound op for the live connection.
func (m *Manager) newOpLocked(frame []byte) (outbound, <-chan struct{}, bool) {
	if m.state != StateConnected || m.live == nil {
		return outbound{}, nil, false
	}

	return outbound{gen: m.gen, frame: frame, result: make(chan error, 1)}, m.live, true
}

func (m *Manager) await(ctx context.Context, op outbound, live <-chan struct{}) error {
	select {
	case m.opCh <- op:
	case <-live:
		return chaterrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-op.result:
		return err
	case <-live:
		return chaterrors.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect drops the live connection so Listen re-handshakes, picking up
// a token installed with SetToken.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	cancel := m.connCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Disconnect stops the event loop, closes the socket with a normal
// closure and forgets remembered rooms. It is idempotent.
func (m *Manager) Disconnect() error {
	m.mu.Lock()

	wasConnected := m.state == StateConnected

	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}

	m.closeLiveLocked()

	conn := m.conn
	m.conn = nil
	cancel := m.connCancel
	m.connCancel = nil
	clear(m.rooms)
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "bye")
	}

	if wasConnected {
		m.pause(nil)
	}

	return err
}

// markLost moves a live connection to reconnecting and returns it.
func (m *Manager) markLost() wsConn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closeLiveLocked()

	conn := m.conn
	m.conn = nil
	m.connCancel = nil

	if m.state == StateConnected {
		m.setStateLocked(StateReconnecting)
	}

	return conn
}

func (m *Manager) closeLiveLocked() {
	if m.live != nil {
		close(m.live)
		m.live = nil
	}
}

func (m *Manager) setConnCancel(cancel context.CancelFunc) {
	m.mu.Lock()
	m.connCancel = cancel
	m.mu.Unlock()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.setStateLocked(s)
	m.mu.Unlock()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}

	m.logger.Debug("push connection state",
		slog.String("from", string(m.state)),
		slog.String("to", string(s)),
	)
	m.state = s
	m.metrics.SetConnected(s == StateConnected)
}

func (m *Manager) resume(reconnected bool) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.Resume(reconnected)
	}
}

func (m *Manager) pause(err error) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.Pause(err)
	}
}

func (m *Manager) touchLastMessage() {
	m.lastMsgMu.Lock()
	m.lastMessage = time.Now()
	m.lastMsgMu.Unlock()
}
