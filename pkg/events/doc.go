/*
Package events provides an in-memory event broker for fleetd's internal
notifications.

The broker decouples the components that change scheduling or lifecycle
state (calculated-field actors, the lifecycle manager, the actor registry)
from the components that react to it (the refresh scheduler, logging).

# Architecture

	┌──────────────────── EVENT BROKER ──────────────────────┐
	│                                                          │
	│  Publish ──▶ event channel (buffer: 1024)               │
	│                    │                                     │
	│                    ▼                                     │
	│              broadcast loop                              │
	│                    │  type filter per subscriber         │
	│          ┌─────────┼─────────┐                           │
	│          ▼         ▼         ▼                           │
	│     subscriber  subscriber  subscriber  (buffer: 256)    │
	└──────────────────────────────────────────────────────────┘

# Event Types

Calculated fields:
  - cf.scheduled: a field with dynamic arguments needs periodic refresh
  - cf.unscheduled: a field (or, with a nil field id, the whole entity)
    no longer needs refresh
  - cf.bound, cf.unbound: a binding was stored or removed

Lifecycle:
  - entity.deleted, tenant.deleted: a cleanup task was accepted
  - actor.evicted: the registry stopped an actor

# Delivery

Publish never blocks the caller unless the event channel is full. The
broadcast loop waits up to the delivery timeout for a slow subscriber
before dropping the event for that subscriber; drops are counted and
reported by Dropped. Scheduling events must not be lost silently, so
subscribers are expected to drain their channel promptly.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe(events.EventFieldScheduled, events.EventFieldUnscheduled)
	defer broker.Unsubscribe(sub)

	for event := range sub {
		log.Info().Str("type", string(event.Type)).Msg("Event")
	}

Subscribe with no types receives every event.
*/
package events
