/*
Package actor implements the per-entity actor runtime of fleetd.

Every device and every calculated-field entity is owned by exactly one
actor. An actor is a plain Go value implementing Actor; the registry gives
it a mailbox and guarantees that its methods are never called concurrently,
so actor code keeps its tables in ordinary maps without locks.

# Architecture

	┌────────────────────────── REGISTRY ───────────────────────────┐
	│                                                                 │
	│  Tell(id, msg) ──► cells: concurrent-map[ActorID.String()]      │
	│                     │  SetIfAbsent on first message             │
	│                     ▼                                            │
	│   ┌────────────── cell ──────────────┐                          │
	│   │ mailbox: system │ regular │ low  │◄── Async results,        │
	│   │ stash                            │    timers, inspect,      │
	│   │ actor (Init/Receive/Destroy)     │    stop, idle checks     │
	│   └───────────────┬──────────────────┘                          │
	│                   │ scheduled flag (one worker per cell)        │
	│                   ▼                                             │
	│   worker pool: semaphore(Workers), Throughput msgs per turn     │
	│   I/O pool:    semaphore(IOWorkers) for Context.Async           │
	│                                                                 │
	└─────────────────────────────────────────────────────────────────┘

# Message Flow

A message sent with Tell lands in the regular lane. TellPriority uses the
system lane and TellLow the low lane; the scheduler posts refresh ticks
there so they never delay device traffic. Within a lane delivery is FIFO.
A cell with pending messages is scheduled on the worker pool once; the
worker processes up to Throughput messages and then yields.

Handlers must not block on I/O. Context.Async runs an operation on the I/O
pool and feeds its outcome back through the mailbox, where the
continuation runs on the actor's consumer like any other message:

	ctx.Stash(next)                 // hold other work
	ctx.Async(load, func(v any, err error) {
		a.state = v             // safe, runs inside the actor
		ctx.Unstash()
	})

# Lifecycle

  - Creation: the first Tell for an ActorID registers a cell and calls the
    kind's Creator and Init. If that fails the cell is removed, messages
    queued meanwhile are failed and the caller gets ErrActorInit, which is
    retryable.
  - Eviction: Evict makes Tell return ErrActorStopping, drains the mailbox
    and outstanding Async work, calls Destroy and removes the cell. The
    channel returned by Evict closes at that point.
  - Idle eviction: the sweeper posts an idle check to actors without
    activity for IdleTimeout. An actor with an empty mailbox, no stash, no
    I/O and no timers is removed; the next Tell creates a fresh one.
  - Crash: a panic in Receive fails the offending message with
    ErrActorCrashed and replaces the actor with a new instance. Async
    results and timers of the crashed instance are discarded.
  - Tenants: DeleteTenant tombstones a tenant so Tell rejects its actors
    with ErrTenantDeleted while the lifecycle coordinator evicts them.

# Introspection

Inspect posts a query behind the messages already queued and returns a
Snapshot with mailbox statistics and, for actors implementing Inspectable,
their own read-only view. Nothing in a snapshot can be used to mutate an
actor.
*/
package actor
