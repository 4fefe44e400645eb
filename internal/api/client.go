package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/chat-sync/internal/chat"
	chaterrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/google/uuid"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller may retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads. History pages are
	// small JSON documents.
	maxAPIResponseBytes = 4 * 1024 * 1024
)

// Client talks to the chat History API.
type Client struct {
	httpClient *http.Client
	baseURL    string

	tokenMu sync.RWMutex
	token   string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so the bearer token never leaks to
// another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for baseURL (for example
// "https://chat.example.com/api/v1"). If httpClient is nil, a client with
// a 30-second timeout and same-host redirect policy is created.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// SetToken sets the bearer credential sent with every request.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.token
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and decodes the envelope's data field into result.
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	var env envelope

	envErr := json.Unmarshal(respBody, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := sanitizeResponseBody(respBody)
		if envErr == nil && env.text() != "" {
			detail = env.text()
		}

		return statusError(endpoint, resp.StatusCode, detail)
	}

	if result == nil {
		return nil
	}

	if envErr != nil {
		return fmt.Errorf("%w: decoding envelope from %s: %v", chaterrors.ErrAPIResponse, endpoint, envErr)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("%w: %s returned no data", chaterrors.ErrAPIResponse, endpoint)
	}

	if err := json.Unmarshal(env.Data, result); err != nil {
		return fmt.Errorf("%w: decoding data from %s: %v", chaterrors.ErrAPIResponse, endpoint, err)
	}

	return nil
}

// statusError classifies a non-2xx response.
func statusError(endpoint string, code int, detail string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return fmt.Errorf("API %s (%d): %s: %w", endpoint, code, detail, chaterrors.ErrUnauthorized)
	case code == http.StatusNotFound:
		return fmt.Errorf("API %s (%d): %s: %w", endpoint, code, detail, chaterrors.ErrNotFound)
	case isTransientStatus(code):
		return &TransientError{Err: fmt.Errorf("API %s (%d): %s: %w", endpoint, code, detail, chaterrors.ErrAPIRequest)}
	default:
		return fmt.Errorf("API %s (%d): %s: %w", endpoint, code, detail, chaterrors.ErrAPIRequest)
	}
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Login exchanges email and password for an access token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResponse, error) {
	var resp LoginResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", nil, LoginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: %w: empty access token", chaterrors.ErrAPIResponse)
	}

	return &resp, nil
}

// ListConversations returns every conversation of the local user.
func (c *Client) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, nil, &convs); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	if convs == nil {
		convs = []chat.Conversation{}
	}

	return convs, nil
}

// GetConversation returns one conversation by id.
func (c *Client) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id), nil, nil, &conv); err != nil {
		return nil, fmt.Errorf("getting conversation %s: %w", id, err)
	}

	return &conv, nil
}

// CreateConversation opens a conversation with receiverID. The server
// returns the existing conversation when one already exists.
func (c *Client) CreateConversation(ctx context.Context, receiverID string) (*chat.Conversation, error) {
	var conv chat.Conversation
	if err := c.do(ctx, http.MethodPost, "/conversations", nil, CreateConversationRequest{ReceiverID: receiverID}, &conv); err != nil {
		return nil, fmt.Errorf("creating conversation: %w", err)
	}

	return &conv, nil
}

// ListMessages returns one page of history. Pages are 1-indexed; a limit
// of zero lets the server pick its default.
func (c *Client) ListMessages(ctx context.Context, conversationID string, page, limit int) (*chat.MessagePage, error) {
	q := url.Values{}
	if page > 0 {
		q.Set("page", strconv.Itoa(page))
	}

	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var mp chat.MessagePage
	if err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", q, nil, &mp); err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	if mp.Messages == nil {
		mp.Messages = []chat.Message{}
	}

	return &mp, nil
}

// SendMessage posts a new message and returns the stored copy.
func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) (*chat.Message, error) {
	var msg chat.Message
	if err := c.do(ctx, http.MethodPost, "/messages", nil, req, &msg); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &msg, nil
}

// MarkAsRead flags the given messages as read by the local user.
func (c *Client) MarkAsRead(ctx context.Context, messageIDs []string) error {
	if err := c.do(ctx, http.MethodPost, "/messages/mark-as-read", nil, MarkAsReadRequest{MessageIDs: messageIDs}, nil); err != nil {
		return fmt.Errorf("marking messages read: %w", err)
	}

	return nil
}

// SearchUsers finds accounts matching query. An empty query returns no
// results without contacting the server.
func (c *Client) SearchUsers(ctx context.Context, query string) ([]chat.User, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []chat.User{}, nil
	}

	var users []chat.User
	if err := c.do(ctx, http.MethodGet, "/users/search", url.Values{"q": {query}}, nil, &users); err != nil {
		return nil, fmt.Errorf("searching users: %w", err)
	}

	if users == nil {
		users = []chat.User{}
	}

	return users, nil
}
