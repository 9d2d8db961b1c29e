/*
Package lifecycle coordinates the cleanup that follows entity and tenant
deletion.

A deletion is accepted by persisting a housekeeper task in the durable
queue and publishing entity.deleted or tenant.deleted. A background loop
then runs each task until every actor of the entity (or tenant) has been
evicted and every persisted state and field binding is gone.

# Architecture

	DeleteEntity / DeleteTenant
	        │
	        ▼
	┌──────────────────┐   EnqueueTask    ┌─────────────────┐
	│   Coordinator    │─────────────────▶│ housekeeper     │
	│                  │◀──── recover ────│ task queue      │
	└────────┬─────────┘    on Start      └─────────────────┘
	         │ poll / wake-up
	         ▼
	┌──────────────────────────────────────────────────────┐
	│ 1. EntityDeleted to calculated-field actors (entity) │
	│ 2. Evict actors, wait until drained (task_timeout)   │
	│ 3. Delete states and field bindings                  │
	│ 4. Remove the task                                   │
	└──────────────────────────────────────────────────────┘

# Failure Handling

A failed attempt is retried with exponential backoff. After MaxAttempts the
task is removed and logged as dead-lettered; DeadLetters counts them. Every
step is idempotent, so a task recovered after a restart simply runs again.

# Drain Predicate

Lag is the number of outstanding tasks and Drained reports Lag() == 0.
TenantDrained reports that a deleted tenant has no outstanding task and no
live actor. Deleting a tenant tombstones it in the actor registry first, so
late messages cannot recreate its actors and the predicate never flips back
to false. Repeated deletes of a tombstoned tenant are no-ops.
*/
package lifecycle
