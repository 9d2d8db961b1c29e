package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
)

var (
	// ErrRpcTimeout is returned when the device did not answer before the deadline
	ErrRpcTimeout = errors.New("rpc timed out")
	// ErrUnavailable is returned when the runtime could not take or keep the
	// request; the caller may retry
	ErrUnavailable = errors.New("device actor unavailable")
)

// DeviceError is a failure reported by the device itself
type DeviceError struct {
	RequestID int32
	Message   string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device rejected rpc %d: %s", e.RequestID, e.Message)
}

// RpcRequest is one outbound call to a device
type RpcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
	// Deadline is absolute; zero means now plus the configured default timeout
	Deadline time.Time `json:"deadline"`
	// Oneway requests complete as soon as they are delivered
	Oneway bool `json:"oneway,omitempty"`
}

// RpcHandle lets the caller await the outcome of an RPC
type RpcHandle struct {
	requestID *atomic.Int32
	done      chan struct{}
	once      sync.Once
	payload   any
	err       error
}

func newRpcHandle() *RpcHandle {
	return &RpcHandle{
		requestID: atomic.NewInt32(0),
		done:      make(chan struct{}),
	}
}

// RequestID returns the id allocated by the device actor, or 0 before the
// request was accepted
func (h *RpcHandle) RequestID() int32 {
	return h.requestID.Load()
}

// Done is closed once the outcome is known
func (h *RpcHandle) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome; it must only be called after Done is closed
func (h *RpcHandle) Result() (any, error) {
	return h.payload, h.err
}

// Wait blocks until the outcome is known or ctx is done
func (h *RpcHandle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.payload, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete records the outcome; only the first call has an effect
func (h *RpcHandle) complete(payload any, err error) bool {
	completed := false
	h.once.Do(func() {
		h.payload, h.err = payload, err
		close(h.done)
		completed = true
	})
	return completed
}

// rpcMetadata is one entry of the pending table
type rpcMetadata struct {
	requestID  int32
	request    RpcRequest
	deadline   time.Time
	delivered  bool
	inFlight   bool
	retryCount int
	handle     *RpcHandle
}

// PendingRpc is the read-only view of a pending table entry
type PendingRpc struct {
	RequestID  int32     `json:"request_id"`
	Method     string    `json:"method"`
	Deadline   time.Time `json:"deadline"`
	Delivered  bool      `json:"delivered"`
	RetryCount int       `json:"retry_count"`
}
