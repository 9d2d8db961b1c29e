package device

import (
	"errors"
	"fmt"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// Dispatcher is the part of the registry the client needs
type Dispatcher interface {
	Tell(id types.ActorID, msg any) error
	TellExisting(id types.ActorID, msg any) error
}

// Client is the entry point the transport layer uses to talk to device actors
type Client struct {
	dispatcher Dispatcher
}

// NewClient creates a device client
func NewClient(d Dispatcher) *Client {
	return &Client{dispatcher: d}
}

// Subscribe registers a session for a device stream
func (c *Client) Subscribe(tenantID, deviceID, sessionID uuid.UUID, t types.SubscriptionType) error {
	if !t.Valid() {
		return fmt.Errorf("invalid subscription type %q", t)
	}
	return c.dispatcher.Tell(types.DeviceActorID(tenantID, deviceID), Subscribe{SessionID: sessionID, Type: t})
}

// Unsubscribe removes a session from a device stream
func (c *Client) Unsubscribe(tenantID, deviceID, sessionID uuid.UUID, t types.SubscriptionType) error {
	return c.tellExisting(types.DeviceActorID(tenantID, deviceID), Unsubscribe{SessionID: sessionID, Type: t})
}

// SessionActivity reports traffic on a session
func (c *Client) SessionActivity(tenantID, deviceID, sessionID uuid.UUID) error {
	return c.tellExisting(types.DeviceActorID(tenantID, deviceID), SessionActivity{SessionID: sessionID})
}

// SessionClosed removes a session from both streams
func (c *Client) SessionClosed(tenantID, deviceID, sessionID uuid.UUID) error {
	return c.tellExisting(types.DeviceActorID(tenantID, deviceID), SessionClosed{SessionID: sessionID})
}

// FanOut delivers an update to the sessions subscribed to t
func (c *Client) FanOut(tenantID, deviceID uuid.UUID, t types.SubscriptionType, payload map[string]any, report func(FanOutReport)) error {
	return c.dispatcher.Tell(types.DeviceActorID(tenantID, deviceID), FanOutUpdate{Type: t, Payload: payload, Report: report})
}

// SendRpc queues a request for a device and returns the handle to await.
// A deleted tenant is reported as actor.ErrTenantDeleted, which is final;
// every other dispatch failure is ErrUnavailable and may be retried.
func (c *Client) SendRpc(tenantID, deviceID uuid.UUID, req RpcRequest) (*RpcHandle, error) {
	handle := newRpcHandle()
	if err := c.dispatcher.Tell(types.DeviceActorID(tenantID, deviceID), SendRpc{Request: req, Handle: handle}); err != nil {
		if errors.Is(err, actor.ErrTenantDeleted) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return handle, nil
}

// RespondRpc hands a device's answer to the actor. Answers for devices
// without a live actor are dropped, as are answers to unknown requests.
func (c *Client) RespondRpc(tenantID, deviceID uuid.UUID, requestID int32, payload any, deviceErr string) error {
	return c.tellExisting(types.DeviceActorID(tenantID, deviceID), RpcResponse{RequestID: requestID, Payload: payload, Error: deviceErr})
}

func (c *Client) tellExisting(id types.ActorID, msg any) error {
	err := c.dispatcher.TellExisting(id, msg)
	if errors.Is(err, actor.ErrActorNotFound) {
		return nil
	}
	return err
}
