/*
Package device implements the device actor: the per-device owner of live
transport-session bookkeeping.

Each device actor keeps three tables, all private to the actor and reset
when it is evicted or restarted:

	attribute subscriptions  session id -> SessionInfo
	rpc subscriptions        session id -> SessionInfo
	pending rpcs             request id -> metadata (deadline, handle, retries)

A session subscribed to both streams has one entry in each table. Request
ids come from a private counter and are never reused while pending.

RPC outcomes are distinct errors so callers can choose a retry policy:
ErrRpcTimeout when the deadline passed, *DeviceError when the device
answered with a failure, and ErrUnavailable when the runtime could not take
or keep the request. SendRpc for a deleted tenant fails with
actor.ErrTenantDeleted, which is not retryable. Expired requests are swept
lazily on every message, on the deadline self-message, and on an explicit
SweepExpired.

Deliveries never run on an actor worker. The actor queues each update or
request as a batch and hands one batch at a time to the Transport on the
registry I/O pool; the outcome re-enters the mailbox, where fan-out reports
are built and failed requests are counted for retry. A stalled session
therefore delays only its own device's deliveries.
*/
package device
