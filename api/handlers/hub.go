package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/casa-bonita/backend/internal/hub"
	"github.com/casa-bonita/backend/internal/model"
)

const hubRequestTimeout = 10 * time.Second

// HubClient is the shared hub connection used by the REST endpoints.
// *hub.Client satisfies it.
type HubClient interface {
	State() hub.State
	GetStates(ctx context.Context) ([]hub.EntityState, error)
	GetConfig(ctx context.Context) (map[string]any, error)
	GetServices(ctx context.Context) (map[string]any, error)
	GetPanels(ctx context.Context) (map[string]any, error)
	CallService(ctx context.Context, domain, service string, data map[string]any, target *hub.Target, returnResponse bool) (json.RawMessage, error)
	FireEvent(ctx context.Context, eventType string, data map[string]any) (json.RawMessage, error)
}

// HubHandler exposes the shared hub connection over HTTP.
type HubHandler struct {
	client HubClient
}

// NewHubHandler creates a new HubHandler.
func NewHubHandler(client HubClient) *HubHandler {
	return &HubHandler{client: client}
}

// CallServiceRequest is the body of POST /api/hub/services/:domain/:service.
type CallServiceRequest struct {
	Data           map[string]any `json:"data"`
	Target         *hub.Target    `json:"target"`
	ReturnResponse bool           `json:"returnResponse"`
}

// FireEventRequest is the body of POST /api/hub/events/:eventType.
type FireEventRequest struct {
	Data map[string]any `json:"data"`
}

// Status handles GET /api/hub/status.
func (h *HubHandler) Status(c *gin.Context) {
	state := h.client.State()
	c.JSON(http.StatusOK, gin.H{
		"state":     state,
		"connected": state == hub.StateConnected,
	})
}

// States handles GET /api/hub/states.
func (h *HubHandler) States(c *gin.Context) {
	h.call(c, func(ctx context.Context) (any, error) { return h.client.GetStates(ctx) })
}

// Config handles GET /api/hub/config.
func (h *HubHandler) Config(c *gin.Context) {
	h.call(c, func(ctx context.Context) (any, error) { return h.client.GetConfig(ctx) })
}

// Services handles GET /api/hub/services.
func (h *HubHandler) Services(c *gin.Context) {
	h.call(c, func(ctx context.Context) (any, error) { return h.client.GetServices(ctx) })
}

// Panels handles GET /api/hub/panels.
func (h *HubHandler) Panels(c *gin.Context) {
	h.call(c, func(ctx context.Context) (any, error) { return h.client.GetPanels(ctx) })
}

// CallService handles POST /api/hub/services/:domain/:service.
func (h *HubHandler) CallService(c *gin.Context) {
	var req CallServiceRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	domain, service := c.Param("domain"), c.Param("service")
	h.call(c, func(ctx context.Context) (any, error) {
		return h.client.CallService(ctx, domain, service, req.Data, req.Target, req.ReturnResponse)
	})
}

// FireEvent handles POST /api/hub/events/:eventType.
func (h *HubHandler) FireEvent(c *gin.Context) {
	var req FireEventRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
			return
		}
	}

	eventType := c.Param("eventType")
	h.call(c, func(ctx context.Context) (any, error) {
		return h.client.FireEvent(ctx, eventType, req.Data)
	})
}

// call runs fn against the hub and writes its result or the mapped error.
func (h *HubHandler) call(c *gin.Context, fn func(ctx context.Context) (any, error)) {
	if h.client.State() != hub.StateConnected {
		sendError(c, http.StatusServiceUnavailable, "HUB_UNAVAILABLE", model.ErrHubUnavailable.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), hubRequestTimeout)
	defer cancel()

	result, err := fn(ctx)
	if err != nil {
		sendHubError(c, err)
		return
	}
	if raw, ok := result.(json.RawMessage); ok && len(raw) == 0 {
		result = nil
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func sendHubError(c *gin.Context, err error) {
	var reqErr *hub.RequestError
	switch {
	case errors.As(err, &reqErr):
		c.JSON(http.StatusBadGateway, ErrorResponse{
			Error: ErrorDetail{
				Code:    "HUB_ERROR",
				Message: reqErr.Message,
				Details: map[string]any{"hubCode": reqErr.Code},
			},
		})
	case errors.Is(err, hub.ErrNotConnected), errors.Is(err, hub.ErrConnectionClosed):
		sendError(c, http.StatusServiceUnavailable, "HUB_UNAVAILABLE", model.ErrHubUnavailable.Error())
	case errors.Is(err, context.DeadlineExceeded):
		sendError(c, http.StatusGatewayTimeout, "HUB_TIMEOUT", "Hub did not answer in time")
	default:
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Hub request failed: "+err.Error())
	}
}

// RegisterRoutes registers the hub routes on a Gin router group.
func (h *HubHandler) RegisterRoutes(rg *gin.RouterGroup) {
	group := rg.Group("/hub")
	{
		group.GET("/status", h.Status)
		group.GET("/states", h.States)
		group.GET("/config", h.Config)
		group.GET("/services", h.Services)
		group.GET("/panels", h.Panels)
		group.POST("/services/:domain/:service", h.CallService)
		group.POST("/events/:eventType", h.FireEvent)
	}
}
