// Package hub implements a client for the home-automation hub WebSocket API.
//
// The package implements:
//   - Frames: the closed set of hub frames, decoded at the connection boundary
//   - Client: one upstream connection performing the hub auth handshake,
//     correlating concurrent requests by message ID and dispatching
//     subscribed events to handlers
//   - Reconnection with linear backoff after an established connection drops
//
// A Client is safe for concurrent use. Requests share one socket and may
// complete in any order; each response is matched to its request by ID.
// Event handlers for one connection run sequentially in arrival order on a
// delivery goroutine; the reader keeps reading while a handler waits on a
// request of its own.
package hub
