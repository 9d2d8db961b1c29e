package device

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/cuemby/fleetd/pkg/actor"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
)

// Config holds device actor configuration
type Config struct {
	// DefaultRpcTimeout applies to requests without a deadline
	DefaultRpcTimeout time.Duration
	// SessionTimeout drops sessions without activity; 0 keeps them forever
	SessionTimeout time.Duration
	// MaxRpcRetries bounds redelivery of requests the transport rejected
	MaxRpcRetries int
	// DeliveryTimeout bounds a single Transport.Deliver call. Deliveries
	// run on the registry I/O pool, never on an actor worker.
	DeliveryTimeout time.Duration
}

// DefaultConfig returns the device actor defaults
func DefaultConfig() Config {
	return Config{
		DefaultRpcTimeout: 10 * time.Second,
		SessionTimeout:    10 * time.Minute,
		MaxRpcRetries:     3,
		DeliveryTimeout:   time.Second,
	}
}

// Actor owns the live session bookkeeping of one device. Its state is
// ephemeral: it starts empty after eviction or restart.
type Actor struct {
	id        types.ActorID
	cfg       Config
	transport Transport

	attributeSubscriptions map[uuid.UUID]*types.SessionInfo
	rpcSubscriptions       map[uuid.UUID]*types.SessionInfo
	pending                map[int32]*rpcMetadata
	nextRequestID          int32

	// outbox holds delivery batches in order; one batch is in flight at a
	// time so a session sees updates in the order the actor produced them
	outbox  []outbound
	sending bool
}

// outbound is one message for a set of sessions. done runs in the actor
// with the sessions the transport rejected.
type outbound struct {
	sessions []uuid.UUID
	msg      ToSessionMsg
	done     func(ctx *actor.Context, failed map[uuid.UUID]error)
}

// NewCreator returns the registry creator for device actors
func NewCreator(transport Transport, cfg Config) actor.Creator {
	def := DefaultConfig()
	if cfg.DefaultRpcTimeout <= 0 {
		cfg.DefaultRpcTimeout = def.DefaultRpcTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}

	return func(id types.ActorID) (actor.Actor, error) {
		if id.Kind != types.KindDevice {
			return nil, fmt.Errorf("device actor cannot own %s", id.Kind)
		}
		return &Actor{id: id, cfg: cfg, transport: transport}, nil
	}
}

// Init resets the tables
func (a *Actor) Init(ctx *actor.Context) error {
	a.attributeSubscriptions = make(map[uuid.UUID]*types.SessionInfo)
	a.rpcSubscriptions = make(map[uuid.UUID]*types.SessionInfo)
	a.pending = make(map[int32]*rpcMetadata)
	a.nextRequestID = 0
	a.outbox = nil
	a.sending = false
	return nil
}

// Destroy fails every pending request so callers can retry
func (a *Actor) Destroy(ctx *actor.Context) {
	for id, md := range a.pending {
		a.finish(id, md, nil, fmt.Errorf("%w: device actor stopped", ErrUnavailable), "unavailable")
	}
}

// Receive processes one message
func (a *Actor) Receive(ctx *actor.Context, msg any) {
	if m, ok := msg.(SweepExpired); ok {
		a.sweepExpired(ctx, m.Now)
		return
	}
	a.sweepExpired(ctx, ctx.Now())

	switch m := msg.(type) {
	case Subscribe:
		a.subscribe(ctx, m.SessionID, m.Type)
	case Unsubscribe:
		a.unsubscribe(m.SessionID, m.Type)
	case SessionActivity:
		a.touch(ctx, m.SessionID)
	case SessionClosed:
		delete(a.attributeSubscriptions, m.SessionID)
		delete(a.rpcSubscriptions, m.SessionID)
	case FanOutUpdate:
		a.fanOut(ctx, m)
	case SendRpc:
		a.sendRpc(ctx, m.Request, m.Handle)
	case RpcResponse:
		a.onRpcResponse(m)
	case rpcDeadline:
		// expired entries were swept above
	default:
		ctx.Logger().Warn().Str("type", fmt.Sprintf("%T", msg)).Msg("Unknown device message")
	}
}

func (a *Actor) table(t types.SubscriptionType) map[uuid.UUID]*types.SessionInfo {
	switch t {
	case types.SubscriptionAttributes:
		return a.attributeSubscriptions
	case types.SubscriptionRPC:
		return a.rpcSubscriptions
	}
	return nil
}

func (a *Actor) subscribe(ctx *actor.Context, sessionID uuid.UUID, t types.SubscriptionType) {
	tbl := a.table(t)
	if tbl == nil {
		ctx.Logger().Warn().Str("type", string(t)).Msg("Ignoring subscription of unknown type")
		return
	}

	now := ctx.Now()
	if info, ok := tbl[sessionID]; ok {
		info.LastActivity = now
	} else {
		tbl[sessionID] = &types.SessionInfo{SessionID: sessionID, Type: t, LastActivity: now}
		ctx.Logger().Debug().Str("session_id", sessionID.String()).Str("type", string(t)).Msg("Session subscribed")
	}

	if t == types.SubscriptionRPC {
		a.deliverPending(ctx, sessionID)
	}
}

func (a *Actor) unsubscribe(sessionID uuid.UUID, t types.SubscriptionType) {
	if tbl := a.table(t); tbl != nil {
		delete(tbl, sessionID)
	}
}

func (a *Actor) touch(ctx *actor.Context, sessionID uuid.UUID) {
	now := ctx.Now()
	touched := false
	if info, ok := a.attributeSubscriptions[sessionID]; ok {
		info.LastActivity = now
		touched = true
	}
	if info, ok := a.rpcSubscriptions[sessionID]; ok {
		info.LastActivity = now
		touched = true
	}
	if touched {
		a.deliverPending(ctx, uuid.Nil)
	}
}

func (a *Actor) fanOut(ctx *actor.Context, m FanOutUpdate) {
	t := m.Type
	sessions := sortedSessions(a.table(t))
	if len(sessions) == 0 {
		if m.Report != nil {
			m.Report(FanOutReport{Failed: map[uuid.UUID]error{}})
		}
		return
	}

	a.send(ctx, outbound{
		sessions: sessions,
		msg: ToSessionMsg{
			Type:       t,
			TenantID:   a.id.TenantID,
			DeviceID:   a.id.EntityID,
			Attributes: m.Payload,
		},
		done: func(ctx *actor.Context, failed map[uuid.UUID]error) {
			report := FanOutReport{Failed: failed}
			for _, sessionID := range sessions {
				if err, ok := failed[sessionID]; ok {
					metrics.SessionDeliveriesTotal.WithLabelValues(string(t), "failed").Inc()
					ctx.Logger().Debug().Err(err).Str("session_id", sessionID.String()).Msg("Update delivery failed")
					continue
				}
				report.Delivered = append(report.Delivered, sessionID)
				metrics.SessionDeliveriesTotal.WithLabelValues(string(t), "delivered").Inc()
			}
			if m.Report != nil {
				m.Report(report)
			}
		},
	})
}

// send queues a batch and starts it unless another batch is in flight
func (a *Actor) send(ctx *actor.Context, batch outbound) {
	a.outbox = append(a.outbox, batch)
	if !a.sending {
		a.flush(ctx)
	}
}

// flush hands the next batch to the transport on the I/O pool. The
// outcome re-enters the mailbox, then the following batch starts.
func (a *Actor) flush(ctx *actor.Context) {
	if len(a.outbox) == 0 {
		a.sending = false
		return
	}
	batch := a.outbox[0]
	a.outbox = a.outbox[1:]
	a.sending = true

	transport, timeout := a.transport, a.cfg.DeliveryTimeout
	ctx.Async(func(runCtx context.Context) (any, error) {
		failed := make(map[uuid.UUID]error)
		for _, sessionID := range batch.sessions {
			dctx, cancel := context.WithTimeout(runCtx, timeout)
			if err := transport.Deliver(dctx, sessionID, batch.msg); err != nil {
				failed[sessionID] = err
			}
			cancel()
		}
		return failed, nil
	}, func(result any, err error) {
		failed, _ := result.(map[uuid.UUID]error)
		if err != nil {
			failed = make(map[uuid.UUID]error, len(batch.sessions))
			for _, sessionID := range batch.sessions {
				failed[sessionID] = err
			}
		}
		batch.done(ctx, failed)
		a.flush(ctx)
	})
}

func (a *Actor) sendRpc(ctx *actor.Context, req RpcRequest, handle *RpcHandle) {
	if handle == nil {
		handle = newRpcHandle()
	}

	now := ctx.Now()
	deadline := req.Deadline
	if deadline.IsZero() {
		deadline = now.Add(a.cfg.DefaultRpcTimeout)
	}
	if !deadline.After(now) {
		metrics.RPCRequestsTotal.WithLabelValues("timeout").Inc()
		handle.complete(nil, ErrRpcTimeout)
		return
	}

	id := a.allocateRequestID()
	handle.requestID.Store(id)
	md := &rpcMetadata{requestID: id, request: req, deadline: deadline, handle: handle}
	a.pending[id] = md
	metrics.RPCPending.Inc()

	ctx.ScheduleOnce(deadline.Sub(now), rpcDeadline{requestID: id})
	a.deliverRpc(ctx, md, uuid.Nil)
}

// allocateRequestID returns the next id that has no pending entry
func (a *Actor) allocateRequestID() int32 {
	for {
		if a.nextRequestID == math.MaxInt32 {
			a.nextRequestID = 0
		}
		a.nextRequestID++
		if _, taken := a.pending[a.nextRequestID]; !taken {
			return a.nextRequestID
		}
	}
}

// deliverPending sends undelivered requests, to one session or, with
// uuid.Nil, to every RPC session
func (a *Actor) deliverPending(ctx *actor.Context, sessionID uuid.UUID) {
	ids := make([]int32, 0, len(a.pending))
	for id, md := range a.pending {
		if !md.delivered && !md.inFlight {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		if md, ok := a.pending[id]; ok {
			a.deliverRpc(ctx, md, sessionID)
		}
	}
}

func (a *Actor) deliverRpc(ctx *actor.Context, md *rpcMetadata, only uuid.UUID) {
	sessions := sortedSessions(a.rpcSubscriptions)
	if only != uuid.Nil {
		sessions = []uuid.UUID{only}
	}
	if len(sessions) == 0 {
		return
	}

	msg := ToSessionMsg{
		Type:     types.SubscriptionRPC,
		TenantID: a.id.TenantID,
		DeviceID: a.id.EntityID,
		Rpc: &ToDeviceRpc{
			RequestID:      md.requestID,
			Method:         md.request.Method,
			Params:         md.request.Params,
			Oneway:         md.request.Oneway,
			ExpirationTime: types.UnixMilli(md.deadline),
		},
	}

	md.inFlight = true
	a.send(ctx, outbound{
		sessions: sessions,
		msg:      msg,
		done: func(ctx *actor.Context, failed map[uuid.UUID]error) {
			md.inFlight = false
			var lastErr error
			for _, sessionID := range sessions {
				if err, ok := failed[sessionID]; ok {
					lastErr = err
					metrics.SessionDeliveriesTotal.WithLabelValues(string(types.SubscriptionRPC), "failed").Inc()
					continue
				}
				md.delivered = true
				metrics.SessionDeliveriesTotal.WithLabelValues(string(types.SubscriptionRPC), "delivered").Inc()
			}
			if a.pending[md.requestID] != md {
				// answered or expired while the delivery was in flight
				return
			}
			a.afterRpcDelivery(ctx, md, lastErr)
		},
	})
}

func (a *Actor) afterRpcDelivery(ctx *actor.Context, md *rpcMetadata, lastErr error) {
	if md.delivered {
		if md.request.Oneway {
			a.finish(md.requestID, md, nil, nil, "success")
		}
		return
	}

	md.retryCount++
	ctx.Logger().Debug().Err(lastErr).Int32("request_id", md.requestID).Int("retry", md.retryCount).Msg("RPC delivery failed")
	if md.retryCount > a.cfg.MaxRpcRetries {
		a.finish(md.requestID, md, nil, fmt.Errorf("%w: delivery failed after %d attempts: %v", ErrUnavailable, md.retryCount, lastErr), "unavailable")
	}
}

func (a *Actor) onRpcResponse(m RpcResponse) {
	md, ok := a.pending[m.RequestID]
	if !ok {
		// late or duplicate response
		return
	}

	if m.Error != "" {
		a.finish(m.RequestID, md, nil, &DeviceError{RequestID: m.RequestID, Message: m.Error}, "device_error")
		return
	}
	a.finish(m.RequestID, md, m.Payload, nil, "success")
}

func (a *Actor) sweepExpired(ctx *actor.Context, now time.Time) {
	for id, md := range a.pending {
		if !now.Before(md.deadline) {
			a.finish(id, md, nil, ErrRpcTimeout, "timeout")
		}
	}

	if a.cfg.SessionTimeout <= 0 {
		return
	}
	for _, tbl := range []map[uuid.UUID]*types.SessionInfo{a.attributeSubscriptions, a.rpcSubscriptions} {
		for sessionID, info := range tbl {
			if now.Sub(info.LastActivity) > a.cfg.SessionTimeout {
				delete(tbl, sessionID)
				ctx.Logger().Debug().Str("session_id", sessionID.String()).Str("type", string(info.Type)).Msg("Session timed out")
			}
		}
	}
}

func (a *Actor) finish(id int32, md *rpcMetadata, payload any, err error, outcome string) {
	delete(a.pending, id)
	metrics.RPCPending.Dec()
	metrics.RPCRequestsTotal.WithLabelValues(outcome).Inc()
	md.handle.complete(payload, err)
}

// Snapshot is the read-only view of a device actor
type Snapshot struct {
	AttributeSubscriptions []types.SessionInfo `json:"attribute_subscriptions"`
	RpcSubscriptions       []types.SessionInfo `json:"rpc_subscriptions"`
	PendingRpcs            []PendingRpc        `json:"pending_rpcs"`
	NextRequestID          int32               `json:"next_request_id"`

	// PendingDeliveries counts batches queued or in flight to the transport
	PendingDeliveries int `json:"pending_deliveries"`
}

// Inspect returns a copy of the actor's tables
func (a *Actor) Inspect() any {
	s := Snapshot{
		AttributeSubscriptions: copySessions(a.attributeSubscriptions),
		RpcSubscriptions:       copySessions(a.rpcSubscriptions),
		PendingRpcs:            make([]PendingRpc, 0, len(a.pending)),
		NextRequestID:          a.nextRequestID,
		PendingDeliveries:      len(a.outbox),
	}
	if a.sending {
		s.PendingDeliveries++
	}
	for _, md := range a.pending {
		s.PendingRpcs = append(s.PendingRpcs, PendingRpc{
			RequestID:  md.requestID,
			Method:     md.request.Method,
			Deadline:   md.deadline,
			Delivered:  md.delivered,
			RetryCount: md.retryCount,
		})
	}
	sort.Slice(s.PendingRpcs, func(i, j int) bool { return s.PendingRpcs[i].RequestID < s.PendingRpcs[j].RequestID })
	return s
}

func copySessions(tbl map[uuid.UUID]*types.SessionInfo) []types.SessionInfo {
	out := make([]types.SessionInfo, 0, len(tbl))
	for _, info := range tbl {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID.String() < out[j].SessionID.String() })
	return out
}

func sortedSessions(tbl map[uuid.UUID]*types.SessionInfo) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(tbl))
	for id := range tbl {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
