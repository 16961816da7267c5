// Package handlers provides HTTP API request handlers.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casa-bonita/backend/internal/model"
)

// BridgeSessionStore reads bridge session audit records.
type BridgeSessionStore interface {
	GetByID(ctx context.Context, id string) (*model.BridgeSession, error)
	ListRecent(ctx context.Context, limit int) ([]*model.BridgeSession, error)
	CountOpen(ctx context.Context) (int, error)
}

// ActiveCounter reports the number of live bridge sessions.
type ActiveCounter interface {
	ActiveSessions() int
}

// SessionHandler serves the bridge session audit trail.
type SessionHandler struct {
	store  BridgeSessionStore
	active ActiveCounter
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(store BridgeSessionStore, active ActiveCounter) *SessionHandler {
	return &SessionHandler{
		store:  store,
		active: active,
	}
}

// SessionResponse represents a bridge session in API responses.
type SessionResponse struct {
	ID            string `json:"id"`
	UserID        string `json:"userId"`
	RemoteAddr    string `json:"remoteAddr"`
	Status        string `json:"status"`
	Authenticated bool   `json:"authenticated"`
	FramesUp      int64  `json:"framesUp"`
	FramesDown    int64  `json:"framesDown"`
	CloseCode     *int   `json:"closeCode,omitempty"`
	CloseReason   string `json:"closeReason,omitempty"`
	Duration      string `json:"duration"`
	StartedAt     string `json:"startedAt"`
	EndedAt       string `json:"endedAt,omitempty"`
}

// SessionListResponse is the body of GET /api/bridge/sessions.
type SessionListResponse struct {
	// Active counts sessions live in this process; Open counts records not
	// yet closed in the audit table.
	Active   int                `json:"active"`
	Open     int                `json:"open"`
	Sessions []*SessionResponse `json:"sessions"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// toSessionResponse converts a model.BridgeSession to SessionResponse.
func toSessionResponse(s *model.BridgeSession) *SessionResponse {
	resp := &SessionResponse{
		ID:            s.ID,
		UserID:        s.UserID,
		RemoteAddr:    s.RemoteAddr,
		Status:        string(s.Status),
		Authenticated: s.Authenticated,
		FramesUp:      s.FramesUp,
		FramesDown:    s.FramesDown,
		CloseCode:     s.CloseCode,
		CloseReason:   s.CloseReason,
		Duration:      formatDuration(s.Duration()),
		StartedAt:     s.StartedAt.Format(time.RFC3339),
	}
	if s.EndedAt != nil {
		resp.EndedAt = s.EndedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return time.Duration(h*time.Hour + m*time.Minute + s*time.Second).String()
	}
	if m > 0 {
		return time.Duration(m*time.Minute + s*time.Second).String()
	}
	return time.Duration(s * time.Second).String()
}

// sendError sends an error response with the appropriate status code.
func sendError(c *gin.Context, statusCode int, code, message string) {
	c.JSON(statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// List handles GET /api/bridge/sessions - lists recent bridge sessions.
func (h *SessionHandler) List(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	sessions, err := h.store.ListRecent(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list bridge sessions: "+err.Error())
		return
	}

	open, err := h.store.CountOpen(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to count open bridge sessions: "+err.Error())
		return
	}

	response := SessionListResponse{
		Active:   h.active.ActiveSessions(),
		Open:     open,
		Sessions: make([]*SessionResponse, len(sessions)),
	}
	for i, s := range sessions {
		response.Sessions[i] = toSessionResponse(s)
	}

	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/bridge/sessions/:id - gets one bridge session.
func (h *SessionHandler) Get(c *gin.Context) {
	sessionID := c.Param("id")
	if sessionID == "" {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Session ID is required")
		return
	}

	sess, err := h.store.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, model.ErrBridgeSessionNotFound) {
			sendError(c, http.StatusNotFound, "SESSION_NOT_FOUND", "Session "+sessionID+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get bridge session: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toSessionResponse(sess))
}

// RegisterRoutes registers the session handler routes on a Gin router group.
func (h *SessionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	sessions := rg.Group("/bridge/sessions")
	{
		sessions.GET("", h.List)
		sessions.GET("/:id", h.Get)
	}
}
