/*
Package calc implements calculated fields: values derived from an entity's
telemetry and attributes, kept per entity by one actor.

# Field types

	SIMPLE      an expr-lang expression over the arguments, one output key
	SCRIPT      a Lua function calculate(ctx) returning a table of outputs
	GEOFENCING  zone membership of the entity's latitude/longitude,
	            reported as transition events and presence status

# Processing

	Input / RefreshTick
	        │
	        ▼
	┌───────────────┐  restore on first use   ┌────────────┐
	│ calc.Actor    │◀────────────────────────│ StateStore │
	│ (per entity)  │─────── Put ────────────▶│            │
	└──────┬────────┘                         └────────────┘
	       │ Notify (after Put succeeded)
	       ▼
	   rule pipeline

Every change is applied to a copy of the field state, evaluated, persisted
and handed to the pipeline. Only then does the copy replace the in-memory
state, so a failed write leaves the actor exactly as it was. Storage
failures are retried with exponential backoff; messages that arrive in the
meantime are stashed and replayed in order.

Geofencing fields with dynamic arguments (zones fetched from related
assets) are re-evaluated on RefreshTick once ScheduledUpdateInterval has
elapsed since the last refresh. The refresh timestamp never moves backwards.
*/
package calc
