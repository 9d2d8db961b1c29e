/*
Package log provides structured logging for fleetd using zerolog.

The package wraps a single global zerolog.Logger that every component derives
child loggers from. Child loggers carry the fields operators filter on when a
single device or calculated-field binding misbehaves:

	┌──────────────────── LOGGING SYSTEM ─────────────────────┐
	│                                                          │
	│  Global Logger (log.Init)                                │
	│    - level: debug/info/warn/error                        │
	│    - format: JSON or console                             │
	│                     │                                    │
	│  Component Loggers  ▼                                    │
	│    - WithComponent("registry")                           │
	│    - WithTenantID("8f83eeca-...")                        │
	│    - WithActorID("DEVICE:8f83eeca-...:688b529d-...")     │
	│    - WithSessionID("c0e3031c-...")                       │
	└──────────────────────────────────────────────────────────┘

# Usage

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

	logger := log.WithComponent("scheduler")
	logger.Info().Int("actors", n).Msg("refresh tick posted")

Actor code never logs through the global helpers; the registry hands each actor
a logger that already carries the actor_id field so every line a handler writes
can be correlated with the mailbox that produced it.
*/
package log
