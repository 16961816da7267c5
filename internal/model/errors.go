package model

import "errors"

var (
	// ErrBridgeSessionNotFound is returned when a bridge session record does not exist.
	ErrBridgeSessionNotFound = errors.New("bridge session not found")

	// ErrHubUnavailable is returned when the shared hub connection is not usable.
	ErrHubUnavailable = errors.New("hub unavailable")
)
