package device

import (
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// Subscribe registers a session for the attribute or RPC stream
type Subscribe struct {
	SessionID uuid.UUID
	Type      types.SubscriptionType
}

// Unsubscribe removes a session from one stream
type Unsubscribe struct {
	SessionID uuid.UUID
	Type      types.SubscriptionType
}

// SessionActivity refreshes a session's last-activity timestamp
type SessionActivity struct {
	SessionID uuid.UUID
}

// SessionClosed removes a session from both streams
type SessionClosed struct {
	SessionID uuid.UUID
}

// FanOutUpdate delivers an update to every session subscribed to Type
type FanOutUpdate struct {
	Type    types.SubscriptionType
	Payload map[string]any
	// Report, if set, receives the delivery outcome
	Report func(FanOutReport)
}

// FanOutReport lists the sessions an update reached and the ones that failed
type FanOutReport struct {
	Delivered []uuid.UUID
	Failed    map[uuid.UUID]error
}

// Fail reports that the update never reached the actor
func (m FanOutUpdate) Fail(err error) {
	if m.Report != nil {
		m.Report(FanOutReport{Failed: map[uuid.UUID]error{uuid.Nil: fmt.Errorf("%w: %v", ErrUnavailable, err)}})
	}
}

// SendRpc asks the device actor to deliver a request. Use Client.SendRpc to
// obtain the handle.
type SendRpc struct {
	Request RpcRequest
	Handle  *RpcHandle
}

// Fail completes the handle when the message can no longer be processed
func (m SendRpc) Fail(err error) {
	if m.Handle != nil {
		m.Handle.complete(nil, fmt.Errorf("%w: %v", ErrUnavailable, err))
	}
}

// RpcResponse carries the device's answer to a pending request
type RpcResponse struct {
	RequestID int32
	Payload   any
	// Error is the device-reported failure, empty on success
	Error string
}

// SweepExpired times out every pending request whose deadline passed
type SweepExpired struct {
	Now time.Time
}

// rpcDeadline is the self-message scheduled for each request deadline
type rpcDeadline struct {
	requestID int32
}
