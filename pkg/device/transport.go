package device

import (
	"context"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// ToSessionMsg is what a device actor hands to the transport layer
type ToSessionMsg struct {
	Type       types.SubscriptionType `json:"type"`
	TenantID   uuid.UUID              `json:"tenant_id"`
	DeviceID   uuid.UUID              `json:"device_id"`
	Attributes map[string]any         `json:"attributes,omitempty"`
	Rpc        *ToDeviceRpc           `json:"rpc,omitempty"`
}

// ToDeviceRpc is the wire view of a request sent to a device session
type ToDeviceRpc struct {
	RequestID int32  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	Oneway    bool   `json:"oneway,omitempty"`
	// ExpirationTime is the deadline in epoch milliseconds
	ExpirationTime int64 `json:"expirationTime"`
}

// Transport delivers messages to connected sessions. Deliver is called
// from inside the device actor and must hand the message off without
// waiting on the network.
type Transport interface {
	Deliver(ctx context.Context, sessionID uuid.UUID, msg ToSessionMsg) error
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, sessionID uuid.UUID, msg ToSessionMsg) error

// Deliver calls f
func (f TransportFunc) Deliver(ctx context.Context, sessionID uuid.UUID, msg ToSessionMsg) error {
	return f(ctx, sessionID, msg)
}
