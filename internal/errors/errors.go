package errors

import "errors"

// Client errors.
var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not found")
	ErrInvalidMessage = errors.New("invalid message")
)

// Push transport errors.
var (
	ErrInvalidPayload     = errors.New("invalid event payload")
	ErrNotConnected       = errors.New("not connected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
