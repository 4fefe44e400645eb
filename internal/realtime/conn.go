package realtime

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// wsConn abstracts the WebSocket connection so Manager can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a connection. The response is returned on failure so
// the caller can classify rejected handshakes.
type dialFunc func(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error)

func dialWebsocket(ctx context.Context, url string, header http.Header) (wsConn, *http.Response, error) {
	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: header,
	})
	if err != nil {
		return nil, resp, err
	}

	return conn, resp, nil
}
