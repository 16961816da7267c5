package hub

import (
	"context"
	"encoding/json"
	"fmt"
)

// EntityState is one entry of the get_states result.
type EntityState struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged string         `json:"last_changed"`
	LastUpdated string         `json:"last_updated"`
	Context     Context        `json:"context"`
}

// CallService invokes domain.service. The raw result is returned; it carries
// the service response when returnResponse is set.
func (c *Client) CallService(ctx context.Context, domain, service string, data map[string]any, target *Target, returnResponse bool) (json.RawMessage, error) {
	return c.send(ctx, &CallServiceRequest{
		Header:         Header{Type: TypeCallService},
		Domain:         domain,
		Service:        service,
		ServiceData:    data,
		Target:         target,
		ReturnResponse: returnResponse,
	}, nil)
}

// GetStates returns the state of every entity.
func (c *Client) GetStates(ctx context.Context) ([]EntityState, error) {
	raw, err := c.send(ctx, NewCommand(TypeGetStates), nil)
	if err != nil {
		return nil, err
	}
	var states []EntityState
	if err := json.Unmarshal(raw, &states); err != nil {
		return nil, fmt.Errorf("failed to decode states: %w", err)
	}
	return states, nil
}

// GetConfig returns the hub core configuration.
func (c *Client) GetConfig(ctx context.Context) (map[string]any, error) {
	return c.getObject(ctx, TypeGetConfig)
}

// GetServices returns the available services keyed by domain.
func (c *Client) GetServices(ctx context.Context) (map[string]any, error) {
	return c.getObject(ctx, TypeGetServices)
}

// GetPanels returns the registered frontend panels.
func (c *Client) GetPanels(ctx context.Context) (map[string]any, error) {
	return c.getObject(ctx, TypeGetPanels)
}

func (c *Client) getObject(ctx context.Context, t FrameType) (map[string]any, error) {
	raw, err := c.send(ctx, NewCommand(t), nil)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", t, err)
	}
	return out, nil
}

// FireEvent fires an event on the hub bus.
func (c *Client) FireEvent(ctx context.Context, eventType string, data map[string]any) (json.RawMessage, error) {
	return c.send(ctx, &FireEventRequest{
		Header:    Header{Type: TypeFireEvent},
		EventType: eventType,
		EventData: data,
	}, nil)
}

// Ping round-trips a ping/pong keepalive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.send(ctx, NewCommand(TypePing), nil)
	return err
}

// SubscribeEvents subscribes to events of eventType, or all events when it is
// empty. The returned subscription ID is the ID of the subscribe request.
// handler only receives events once the hub has acknowledged the subscription;
// a nil handler subscribes without local delivery.
func (c *Client) SubscribeEvents(ctx context.Context, eventType string, handler EventHandler) (int64, error) {
	req := &SubscribeEventsRequest{
		Header:    Header{Type: TypeSubscribeEvents},
		EventType: eventType,
	}
	if _, err := c.send(ctx, req, handler); err != nil {
		return 0, err
	}
	return req.ID, nil
}

// SubscribeTrigger subscribes to one trigger definition or a list of them.
func (c *Client) SubscribeTrigger(ctx context.Context, trigger any, handler EventHandler) (int64, error) {
	req := &SubscribeTriggerRequest{
		Header:  Header{Type: TypeSubscribeTrigger},
		Trigger: trigger,
	}
	if _, err := c.send(ctx, req, handler); err != nil {
		return 0, err
	}
	return req.ID, nil
}

// Unsubscribe cancels a subscription. The local handler is removed before the
// request is sent, so it stays removed even if the hub reports an error.
func (c *Client) Unsubscribe(ctx context.Context, subscriptionID int64) error {
	c.removeSubscription(subscriptionID)

	_, err := c.send(ctx, &UnsubscribeEventsRequest{
		Header:       Header{Type: TypeUnsubscribeEvents},
		Subscription: subscriptionID,
	}, nil)
	return err
}
