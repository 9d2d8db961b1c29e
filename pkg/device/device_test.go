package device

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockTransport struct {
	mock.Mock
}

func (m *mockTransport) Deliver(ctx context.Context, sessionID uuid.UUID, msg ToSessionMsg) error {
	args := m.Called(sessionID, msg)
	return args.Error(0)
}

func (m *mockTransport) deliveriesTo(sessionID uuid.UUID) []ToSessionMsg {
	var out []ToSessionMsg
	for _, call := range m.Calls {
		if call.Arguments.Get(0).(uuid.UUID) == sessionID {
			out = append(out, call.Arguments.Get(1).(ToSessionMsg))
		}
	}
	return out
}

type harness struct {
	reg       *actor.Registry
	client    *Client
	clock     *fakeClock
	transport *mockTransport
	tenantID  uuid.UUID
	deviceID  uuid.UUID
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		transport: &mockTransport{},
		tenantID:  uuid.New(),
		deviceID:  uuid.New(),
	}
	h.reg = actor.NewRegistry(actor.Config{Clock: h.clock})
	h.reg.RegisterKind(types.KindDevice, NewCreator(h.transport, cfg))
	h.client = NewClient(h.reg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.reg.Stop(ctx)
	})
	return h
}

func (h *harness) id() types.ActorID {
	return types.DeviceActorID(h.tenantID, h.deviceID)
}

func (h *harness) tell(t *testing.T, msg any) {
	t.Helper()
	require.NoError(t, h.reg.Tell(h.id(), msg))
}

// snapshot waits for every message sent so far and for the deliveries they
// started, then returns the actor tables
func (h *harness) snapshot(t *testing.T) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		s, err := h.reg.Inspect(context.Background(), h.id())
		require.NoError(t, err)
		snap = s.State.(Snapshot)
		return snap.PendingDeliveries == 0
	}, 2*time.Second, time.Millisecond)
	return snap
}

func waitHandle(t *testing.T, h *RpcHandle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	payload, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle was never completed")
	return payload, err
}

// TestSubscriptionTableSize tests that the tables hold exactly the net-positive sessions
func TestSubscriptionTableSize(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1234} {
		seed := seed
		t.Run("seed", func(t *testing.T) {
			h := newHarness(t, Config{})
			rng := rand.New(rand.NewSource(seed))

			sessions := make([]uuid.UUID, 5)
			for i := range sessions {
				sessions[i] = uuid.New()
			}
			kinds := []types.SubscriptionType{types.SubscriptionAttributes, types.SubscriptionRPC}
			model := map[types.SubscriptionType]map[uuid.UUID]bool{
				types.SubscriptionAttributes: {},
				types.SubscriptionRPC:        {},
			}

			h.transport.On("Deliver", mock.Anything, mock.Anything).Return(nil).Maybe()
			for i := 0; i < 200; i++ {
				s := sessions[rng.Intn(len(sessions))]
				k := kinds[rng.Intn(len(kinds))]
				if rng.Intn(2) == 0 {
					h.tell(t, Subscribe{SessionID: s, Type: k})
					model[k][s] = true
				} else {
					h.tell(t, Unsubscribe{SessionID: s, Type: k})
					delete(model[k], s)
				}
			}

			snap := h.snapshot(t)
			assert.Len(t, snap.AttributeSubscriptions, len(model[types.SubscriptionAttributes]))
			assert.Len(t, snap.RpcSubscriptions, len(model[types.SubscriptionRPC]))
		})
	}
}

// TestSubscribeIsIdempotent tests duplicate subscriptions
func TestSubscribeIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()

	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionAttributes})
	first := h.snapshot(t).AttributeSubscriptions[0].LastActivity

	h.clock.Advance(time.Second)
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionAttributes})
	snap := h.snapshot(t)

	require.Len(t, snap.AttributeSubscriptions, 1)
	assert.True(t, snap.AttributeSubscriptions[0].LastActivity.After(first), "subscribe refreshes last activity")
}

// TestSubscriptionKindsAreTrackedSeparately tests that one session can hold two entries
func TestSubscriptionKindsAreTrackedSeparately(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()

	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionAttributes})
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionRPC})
	snap := h.snapshot(t)
	assert.Len(t, snap.AttributeSubscriptions, 1)
	assert.Len(t, snap.RpcSubscriptions, 1)

	h.tell(t, Unsubscribe{SessionID: session, Type: types.SubscriptionRPC})
	snap = h.snapshot(t)
	assert.Len(t, snap.AttributeSubscriptions, 1)
	assert.Empty(t, snap.RpcSubscriptions)

	// never subscribed: silent no-op
	h.tell(t, Unsubscribe{SessionID: uuid.New(), Type: types.SubscriptionAttributes})
	assert.Len(t, h.snapshot(t).AttributeSubscriptions, 1)

	h.tell(t, SessionClosed{SessionID: session})
	assert.Empty(t, h.snapshot(t).AttributeSubscriptions)
}

// TestFanOutUpdate tests delivery to subscribed sessions only
func TestFanOutUpdate(t *testing.T) {
	h := newHarness(t, Config{})
	sessionA := uuid.New()
	h.transport.On("Deliver", sessionA, mock.Anything).Return(nil)

	h.tell(t, Subscribe{SessionID: sessionA, Type: types.SubscriptionAttributes})
	h.tell(t, FanOutUpdate{Type: types.SubscriptionAttributes, Payload: map[string]any{"temp": 21}})
	h.snapshot(t)

	deliveries := h.transport.deliveriesTo(sessionA)
	require.Len(t, deliveries, 1)
	assert.Equal(t, 21, deliveries[0].Attributes["temp"])
	assert.Equal(t, h.deviceID, deliveries[0].DeviceID)

	h.tell(t, Unsubscribe{SessionID: sessionA, Type: types.SubscriptionAttributes})
	h.tell(t, FanOutUpdate{Type: types.SubscriptionAttributes, Payload: map[string]any{"temp": 22}})
	h.snapshot(t)

	assert.Len(t, h.transport.deliveriesTo(sessionA), 1)
}

// TestFanOutReportsFailures tests best-effort delivery
func TestFanOutReportsFailures(t *testing.T) {
	h := newHarness(t, Config{})
	ok, broken := uuid.New(), uuid.New()
	h.transport.On("Deliver", ok, mock.Anything).Return(nil)
	h.transport.On("Deliver", broken, mock.Anything).Return(errors.New("connection reset"))

	h.tell(t, Subscribe{SessionID: ok, Type: types.SubscriptionAttributes})
	h.tell(t, Subscribe{SessionID: broken, Type: types.SubscriptionAttributes})

	reports := make(chan FanOutReport, 1)
	require.NoError(t, h.client.FanOut(h.tenantID, h.deviceID, types.SubscriptionAttributes,
		map[string]any{"temp": 21}, func(r FanOutReport) { reports <- r }))

	report := <-reports
	assert.Equal(t, []uuid.UUID{ok}, report.Delivered)
	require.Contains(t, report.Failed, broken)
	assert.EqualError(t, report.Failed[broken], "connection reset")

	h.snapshot(t)
	assert.Len(t, h.transport.deliveriesTo(broken), 1, "failed deliveries are not retried")
	assert.Len(t, h.snapshot(t).AttributeSubscriptions, 2, "failure does not drop the session")
}

// TestRpcTimeout tests that an unanswered request times out exactly once
func TestRpcTimeout(t *testing.T) {
	h := newHarness(t, Config{})
	t0 := h.clock.Now()

	handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot", Deadline: t0.Add(5 * time.Second)})
	require.NoError(t, err)
	other, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "status", Deadline: t0.Add(10 * time.Second)})
	require.NoError(t, err)

	require.Len(t, h.snapshot(t).PendingRpcs, 2)

	h.tell(t, SweepExpired{Now: t0.Add(6 * time.Second)})
	_, err = waitHandle(t, handle)
	require.ErrorIs(t, err, ErrRpcTimeout)

	snap := h.snapshot(t)
	require.Len(t, snap.PendingRpcs, 1)
	assert.Equal(t, other.RequestID(), snap.PendingRpcs[0].RequestID)

	h.tell(t, SweepExpired{Now: t0.Add(11 * time.Second)})
	_, err = waitHandle(t, other)
	require.ErrorIs(t, err, ErrRpcTimeout)
	assert.Empty(t, h.snapshot(t).PendingRpcs)
}

// TestRpcTimeoutWithoutSweepMessage tests lazy expiry on regular traffic
func TestRpcTimeoutWithoutSweepMessage(t *testing.T) {
	h := newHarness(t, Config{})

	handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot", Deadline: h.clock.Now().Add(5 * time.Second)})
	require.NoError(t, err)
	require.Len(t, h.snapshot(t).PendingRpcs, 1)

	h.clock.Advance(6 * time.Second)
	h.tell(t, SessionActivity{SessionID: uuid.New()})

	_, err = waitHandle(t, handle)
	require.ErrorIs(t, err, ErrRpcTimeout)
	assert.Empty(t, h.snapshot(t).PendingRpcs)
}

// TestRpcResponse tests matching responses to pending requests
func TestRpcResponse(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()
	h.transport.On("Deliver", session, mock.Anything).Return(nil)
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionRPC})

	first, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "getTemp"})
	require.NoError(t, err)
	second, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "getHumidity"})
	require.NoError(t, err)
	h.snapshot(t)

	deliveries := h.transport.deliveriesTo(session)
	require.Len(t, deliveries, 2)
	assert.Equal(t, int32(1), deliveries[0].Rpc.RequestID)
	assert.Equal(t, int32(2), deliveries[1].Rpc.RequestID)
	assert.Equal(t, "getTemp", deliveries[0].Rpc.Method)

	// responses may arrive out of order
	require.NoError(t, h.client.RespondRpc(h.tenantID, h.deviceID, second.RequestID(), 55, ""))
	require.NoError(t, h.client.RespondRpc(h.tenantID, h.deviceID, first.RequestID(), 21, ""))

	payload, err := waitHandle(t, first)
	require.NoError(t, err)
	assert.Equal(t, 21, payload)
	payload, err = waitHandle(t, second)
	require.NoError(t, err)
	assert.Equal(t, 55, payload)

	// duplicate response is ignored
	require.NoError(t, h.client.RespondRpc(h.tenantID, h.deviceID, first.RequestID(), 99, ""))
	assert.Empty(t, h.snapshot(t).PendingRpcs)
	payload, _ = first.Result()
	assert.Equal(t, 21, payload)
}

// TestRpcOutcomesAreDistinguishable tests timeout, device error and unavailable outcomes
func TestRpcOutcomesAreDistinguishable(t *testing.T) {
	h := newHarness(t, Config{})

	rejected, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "setMode"})
	require.NoError(t, err)
	h.snapshot(t)
	require.NoError(t, h.client.RespondRpc(h.tenantID, h.deviceID, rejected.RequestID(), nil, "unsupported mode"))

	_, err = waitHandle(t, rejected)
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "unsupported mode", devErr.Message)
	assert.NotErrorIs(t, err, ErrRpcTimeout)
	assert.NotErrorIs(t, err, ErrUnavailable)

	evicted, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot"})
	require.NoError(t, err)
	h.snapshot(t)
	done, ok := h.reg.Evict(h.id())
	require.True(t, ok)
	<-done

	_, err = waitHandle(t, evicted)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.False(t, errors.As(err, &devErr))
}

// TestSendRpcToDeletedTenant tests that a deleted tenant is a final outcome
func TestSendRpcToDeletedTenant(t *testing.T) {
	h := newHarness(t, Config{})
	h.reg.DeleteTenant(h.tenantID)

	_, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot"})
	require.ErrorIs(t, err, actor.ErrTenantDeleted)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.False(t, actor.IsRetryable(err))
	assert.False(t, h.reg.Lookup(h.id()))
}

// TestSendRpcWhenStopped tests that other dispatch failures surface as unavailable
func TestSendRpcWhenStopped(t *testing.T) {
	h := newHarness(t, Config{})
	require.NoError(t, h.reg.Stop(context.Background()))

	_, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot"})
	require.ErrorIs(t, err, ErrUnavailable)
}

// TestPendingRpcDeliveredOnSubscribe tests delivery of requests queued before a session existed
func TestPendingRpcDeliveredOnSubscribe(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()
	h.transport.On("Deliver", session, mock.Anything).Return(nil)

	handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot"})
	require.NoError(t, err)

	snap := h.snapshot(t)
	require.Len(t, snap.PendingRpcs, 1)
	assert.False(t, snap.PendingRpcs[0].Delivered)

	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionRPC})
	snap = h.snapshot(t)
	require.Len(t, snap.PendingRpcs, 1)
	assert.True(t, snap.PendingRpcs[0].Delivered)

	deliveries := h.transport.deliveriesTo(session)
	require.Len(t, deliveries, 1)
	assert.Equal(t, handle.RequestID(), deliveries[0].Rpc.RequestID)
}

// TestRpcDeliveryRetriesExhausted tests that rejected requests give up after MaxRpcRetries
func TestRpcDeliveryRetriesExhausted(t *testing.T) {
	h := newHarness(t, Config{MaxRpcRetries: 1})
	session := uuid.New()
	h.transport.On("Deliver", session, mock.Anything).Return(errors.New("queue full"))
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionRPC})

	handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "reboot"})
	require.NoError(t, err)
	snap := h.snapshot(t)
	require.Len(t, snap.PendingRpcs, 1)
	assert.Equal(t, 1, snap.PendingRpcs[0].RetryCount)

	h.tell(t, SessionActivity{SessionID: session})
	_, err = waitHandle(t, handle)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Empty(t, h.snapshot(t).PendingRpcs)
}

// TestOnewayRpc tests that oneway requests complete on delivery
func TestOnewayRpc(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()
	h.transport.On("Deliver", session, mock.Anything).Return(nil)
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionRPC})

	handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "blink", Oneway: true})
	require.NoError(t, err)

	payload, err := waitHandle(t, handle)
	require.NoError(t, err)
	assert.Nil(t, payload)
	assert.Empty(t, h.snapshot(t).PendingRpcs)
}

// TestRequestIDsAreMonotonic tests id allocation
func TestRequestIDsAreMonotonic(t *testing.T) {
	h := newHarness(t, Config{})

	var handles []*RpcHandle
	for i := 0; i < 5; i++ {
		handle, err := h.client.SendRpc(h.tenantID, h.deviceID, RpcRequest{Method: "ping"})
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	snap := h.snapshot(t)
	assert.Equal(t, int32(5), snap.NextRequestID)
	for i, handle := range handles {
		assert.Equal(t, int32(i+1), handle.RequestID())
	}
}

// TestRequestIDSkipsPendingAfterWrap tests that ids are never reused while pending
func TestRequestIDSkipsPendingAfterWrap(t *testing.T) {
	a := &Actor{}
	require.NoError(t, a.Init(nil))

	a.pending[1] = &rpcMetadata{requestID: 1}
	a.pending[2] = &rpcMetadata{requestID: 2}
	a.nextRequestID = 1<<31 - 1

	assert.Equal(t, int32(3), a.allocateRequestID())
}

// TestSessionTimeout tests removal of inactive sessions
func TestSessionTimeout(t *testing.T) {
	h := newHarness(t, Config{SessionTimeout: time.Minute})
	active, stale := uuid.New(), uuid.New()

	h.tell(t, Subscribe{SessionID: stale, Type: types.SubscriptionAttributes})
	h.tell(t, Subscribe{SessionID: active, Type: types.SubscriptionRPC})
	h.clock.Advance(45 * time.Second)
	h.tell(t, SessionActivity{SessionID: active})
	h.clock.Advance(30 * time.Second)

	h.tell(t, SweepExpired{Now: h.clock.Now()})
	snap := h.snapshot(t)
	assert.Empty(t, snap.AttributeSubscriptions)
	require.Len(t, snap.RpcSubscriptions, 1)
	assert.Equal(t, active, snap.RpcSubscriptions[0].SessionID)
}

// TestSlowTransportDoesNotHoldWorkers tests that a stalled delivery leaves
// the worker pool to other devices
func TestSlowTransportDoesNotHoldWorkers(t *testing.T) {
	release := make(chan struct{})
	started := make(chan uuid.UUID, 3)
	transport := TransportFunc(func(ctx context.Context, sessionID uuid.UUID, msg ToSessionMsg) error {
		started <- sessionID
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	reg := actor.NewRegistry(actor.Config{Workers: 1})
	reg.RegisterKind(types.KindDevice, NewCreator(transport, Config{DeliveryTimeout: time.Minute}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = reg.Stop(ctx)
	})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	tenantID := uuid.New()
	slow := types.DeviceActorID(tenantID, uuid.New())
	for i := 0; i < 3; i++ {
		require.NoError(t, reg.Tell(slow, Subscribe{SessionID: uuid.New(), Type: types.SubscriptionAttributes}))
	}
	reports := make(chan FanOutReport, 1)
	require.NoError(t, reg.Tell(slow, FanOutUpdate{
		Type:    types.SubscriptionAttributes,
		Payload: map[string]any{"temp": 21},
		Report:  func(r FanOutReport) { reports <- r },
	}))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("delivery never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	other := types.DeviceActorID(tenantID, uuid.New())
	require.NoError(t, reg.Tell(other, Subscribe{SessionID: uuid.New(), Type: types.SubscriptionAttributes}))
	s, err := reg.Inspect(ctx, other)
	require.NoError(t, err, "another device is served while the delivery is stalled")
	assert.Len(t, s.State.(Snapshot).AttributeSubscriptions, 1)

	s, err = reg.Inspect(ctx, slow)
	require.NoError(t, err, "the stalled device itself keeps answering")
	assert.Equal(t, 1, s.State.(Snapshot).PendingDeliveries)

	select {
	case <-reports:
		t.Fatal("report before the deliveries finished")
	default:
	}

	unblock()
	select {
	case report := <-reports:
		assert.Len(t, report.Delivered, 3)
		assert.Empty(t, report.Failed)
	case <-time.After(2 * time.Second):
		t.Fatal("fan-out report never arrived")
	}
}

// TestDeliveriesKeepOrder tests that updates reach a session in the order they were sent
func TestDeliveriesKeepOrder(t *testing.T) {
	h := newHarness(t, Config{})
	session := uuid.New()
	h.transport.On("Deliver", session, mock.Anything).Return(nil)
	h.tell(t, Subscribe{SessionID: session, Type: types.SubscriptionAttributes})

	for i := 0; i < 20; i++ {
		h.tell(t, FanOutUpdate{Type: types.SubscriptionAttributes, Payload: map[string]any{"seq": i}})
	}
	h.snapshot(t)

	deliveries := h.transport.deliveriesTo(session)
	require.Len(t, deliveries, 20)
	for i, d := range deliveries {
		assert.Equal(t, i, d.Attributes["seq"])
	}
}
