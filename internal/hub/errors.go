package hub

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyConnecting is returned by Connect unless the client is disconnected.
	ErrAlreadyConnecting = errors.New("cannot connect")

	// ErrConnectionClosed fails requests still pending when the socket closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected is returned when a request is issued without an
	// authenticated connection.
	ErrNotConnected = errors.New("hub not connected")
)

// AuthError is returned by Connect when the hub rejects the access token.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Message
}

// RequestError is a hub-side failure of a single request (success=false).
type RequestError struct {
	ID      int64
	Code    string
	Message string
}

func (e *RequestError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// UnknownFrameError reports a frame whose type tag is not part of the protocol.
type UnknownFrameError struct {
	Type string
}

func (e *UnknownFrameError) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}
