package model

import (
	"time"
)

// BridgeSessionStatus represents the lifecycle status of a bridge session.
type BridgeSessionStatus string

const (
	BridgeSessionStatusOpen   BridgeSessionStatus = "open"
	BridgeSessionStatusClosed BridgeSessionStatus = "closed"
)

// BridgeSession is the audit record of one downstream connection and the
// upstream hub socket paired with it.
type BridgeSession struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	RemoteAddr    string              `json:"remoteAddr"`
	Status        BridgeSessionStatus `json:"status"`
	Authenticated bool                `json:"authenticated"`
	FramesUp      int64               `json:"framesUp"`
	FramesDown    int64               `json:"framesDown"`
	CloseCode     *int                `json:"closeCode,omitempty"`
	CloseReason   string              `json:"closeReason,omitempty"`
	StartedAt     time.Time           `json:"startedAt"`
	EndedAt       *time.Time          `json:"endedAt,omitempty"`
}

// Duration returns how long the session was (or has been) open.
func (s *BridgeSession) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// BridgeSessionClose carries the final state of a bridge session.
type BridgeSessionClose struct {
	Authenticated bool
	FramesUp      int64
	FramesDown    int64
	CloseCode     int
	CloseReason   string
	EndedAt       time.Time
}
