package hub

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// FrameType is the "type" tag of a hub frame.
type FrameType string

const (
	// Hub -> client
	TypeAuthRequired FrameType = "auth_required"
	TypeAuthOK       FrameType = "auth_ok"
	TypeAuthInvalid  FrameType = "auth_invalid"
	TypeResult       FrameType = "result"
	TypeEvent        FrameType = "event"
	TypePong         FrameType = "pong"

	// Client -> hub
	TypeAuth              FrameType = "auth"
	TypeCallService       FrameType = "call_service"
	TypeSubscribeEvents   FrameType = "subscribe_events"
	TypeSubscribeTrigger  FrameType = "subscribe_trigger"
	TypeUnsubscribeEvents FrameType = "unsubscribe_events"
	TypeGetStates         FrameType = "get_states"
	TypeGetConfig         FrameType = "get_config"
	TypeGetServices       FrameType = "get_services"
	TypeGetPanels         FrameType = "get_panels"
	TypeFireEvent         FrameType = "fire_event"
	TypePing              FrameType = "ping"
	TypeSupportedFeatures FrameType = "supported_features"
)

// Frame is an inbound hub frame. The concrete type is one of AuthRequired,
// AuthOK, AuthInvalid, ResultFrame, EventFrame or PongFrame.
type Frame interface {
	Type() FrameType
}

type AuthRequired struct {
	HAVersion string
}

type AuthOK struct {
	HAVersion string
}

type AuthInvalid struct {
	Message string
}

// ResultFrame answers the request with the same ID.
type ResultFrame struct {
	ID      int64
	Success bool
	Result  json.RawMessage
	Error   *ErrorInfo
}

// EventFrame delivers an event for the subscription with the same ID.
type EventFrame struct {
	ID    int64
	Event Event
}

type PongFrame struct {
	ID int64
}

func (AuthRequired) Type() FrameType { return TypeAuthRequired }
func (AuthOK) Type() FrameType       { return TypeAuthOK }
func (AuthInvalid) Type() FrameType  { return TypeAuthInvalid }
func (ResultFrame) Type() FrameType  { return TypeResult }
func (EventFrame) Type() FrameType   { return TypeEvent }
func (PongFrame) Type() FrameType    { return TypePong }

// ErrorInfo is the error body of a failed result.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Context identifies the origin of a state change or event.
type Context struct {
	ID       string  `json:"id"`
	ParentID *string `json:"parent_id"`
	UserID   *string `json:"user_id"`
}

// Event is the normalized record passed to subscription handlers.
type Event struct {
	EventType string         `json:"event_type"`
	Data      map[string]any `json:"data"`
	Origin    string         `json:"origin"`
	TimeFired string         `json:"time_fired"`
	Context   Context        `json:"context"`
}

// rawEvent covers both subscribe_events payloads and subscribe_trigger
// payloads, which carry "variables" instead of "data".
type rawEvent struct {
	Event
	Variables map[string]any `json:"variables"`
}

func (r rawEvent) normalize() Event {
	ev := r.Event
	if ev.Data == nil {
		ev.Data = r.Variables
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return ev
}

// envelope is the union of all inbound frame fields.
type envelope struct {
	Type      FrameType       `json:"type"`
	ID        int64           `json:"id"`
	HAVersion string          `json:"ha_version"`
	Message   string          `json:"message"`
	Success   bool            `json:"success"`
	Result    json.RawMessage `json:"result"`
	Error     *ErrorInfo      `json:"error"`
	Event     *rawEvent       `json:"event"`
}

// DecodeFrame decodes a single JSON frame object.
func DecodeFrame(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	switch env.Type {
	case TypeAuthRequired:
		return AuthRequired{HAVersion: env.HAVersion}, nil
	case TypeAuthOK:
		return AuthOK{HAVersion: env.HAVersion}, nil
	case TypeAuthInvalid:
		return AuthInvalid{Message: env.Message}, nil
	case TypeResult:
		return ResultFrame{ID: env.ID, Success: env.Success, Result: env.Result, Error: env.Error}, nil
	case TypeEvent:
		if env.Event == nil {
			return nil, fmt.Errorf("event frame %d has no event payload", env.ID)
		}
		return EventFrame{ID: env.ID, Event: env.Event.normalize()}, nil
	case TypePong:
		return PongFrame{ID: env.ID}, nil
	default:
		return nil, &UnknownFrameError{Type: string(env.Type)}
	}
}

// DecodeFrames decodes one socket message, which is either a single frame or,
// with message coalescing enabled, a JSON array of frames. Frames that decode
// are returned in order even when others in the same batch fail.
func DecodeFrames(data []byte) ([]Frame, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '[' {
		f, err := DecodeFrame(data)
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil
	}

	var batch []json.RawMessage
	if err := json.Unmarshal(trimmed, &batch); err != nil {
		return nil, fmt.Errorf("failed to decode frame batch: %w", err)
	}

	frames := make([]Frame, 0, len(batch))
	var errs []error
	for _, raw := range batch {
		f, err := DecodeFrame(raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		frames = append(frames, f)
	}
	return frames, errors.Join(errs...)
}

// Header carries the fields common to every request frame. The client
// assigns the ID when the request is sent.
type Header struct {
	ID   int64     `json:"id"`
	Type FrameType `json:"type"`
}

func (h *Header) header() *Header { return h }

// Request is an outbound command frame.
type Request interface {
	header() *Header
}

// Target selects the entities a service call applies to.
type Target struct {
	EntityID []string `json:"entity_id,omitempty"`
	DeviceID []string `json:"device_id,omitempty"`
	AreaID   []string `json:"area_id,omitempty"`
	FloorID  []string `json:"floor_id,omitempty"`
	LabelID  []string `json:"label_id,omitempty"`
}

// AuthMessage answers auth_required with the hub access token.
type AuthMessage struct {
	Type        FrameType `json:"type"`
	AccessToken string    `json:"access_token"`
}

type CallServiceRequest struct {
	Header
	Domain         string         `json:"domain"`
	Service        string         `json:"service"`
	ServiceData    map[string]any `json:"service_data,omitempty"`
	Target         *Target        `json:"target,omitempty"`
	ReturnResponse bool           `json:"return_response,omitempty"`
}

type SubscribeEventsRequest struct {
	Header
	EventType string `json:"event_type,omitempty"`
}

type SubscribeTriggerRequest struct {
	Header
	Trigger any `json:"trigger"`
}

type UnsubscribeEventsRequest struct {
	Header
	Subscription int64 `json:"subscription"`
}

type FireEventRequest struct {
	Header
	EventType string         `json:"event_type"`
	EventData map[string]any `json:"event_data,omitempty"`
}

type SupportedFeaturesRequest struct {
	Header
	Features map[string]int `json:"features"`
}

// CommandRequest is a request with no payload besides its type, such as
// get_states or ping.
type CommandRequest struct {
	Header
}

// NewAuthMessage returns the auth frame for token.
func NewAuthMessage(token string) AuthMessage {
	return AuthMessage{Type: TypeAuth, AccessToken: token}
}

// NewCommand returns a payload-less request of the given type.
func NewCommand(t FrameType) *CommandRequest {
	return &CommandRequest{Header: Header{Type: t}}
}
