/*
Package scheduler drives the periodic refresh of calculated fields with
dynamic arguments.

The scheduler keeps an index of calculated-field actors that own at least
one scheduled field and, on every tick, posts a low-priority RefreshTick to
each of them. It holds no field state: each actor compares the tick time
with the field's last refresh and its ScheduledUpdateInterval and decides
on its own whether anything is due. A lost or duplicated tick therefore
only delays or repeats a no-op.

# Architecture

	  cf.scheduled / cf.unscheduled            ┌──────────────┐
	  entity.deleted / tenant.deleted ───────▶ │  index       │
	                                           │ ActorID →    │
	                                           │  {fieldID}   │
	                                           └──────┬───────┘
	                                                  │ every interval
	                                                  ▼
	                                  TellLow(RefreshTick{Now, FieldIDs})
	                                                  │
	                                                  ▼
	                                        calculated-field actors

The index is fed by the event broker. On startup the manager replays the
persisted geofencing states into it with Register, so fields are refreshed
even if their actor was never recreated since the restart.

# Usage

	sched := scheduler.NewScheduler(registry, broker, types.SystemClock, 10*time.Second)
	sched.Start()
	defer sched.Stop()

Ticks go to the low-priority lane, so inputs and lifecycle messages are
always processed first. Posting a tick to a deleted tenant drops the
tenant from the index.
*/
package scheduler
