/*
Package manager wires the fleetd runtime together.

The manager builds every component from a config.Config, starts them in
dependency order and stops them in reverse. It is the only package that
knows which storage backend, rule pipeline and session transport are in
use; everything below it talks to interfaces.

# Architecture

	┌─────────────────────────────── MANAGER ───────────────────────────────┐
	│                                                                       │
	│   device.Client        BindField / Input         DeleteEntity         │
	│         │                      │                 DeleteTenant         │
	│         ▼                      ▼                       │              │
	│  ┌────────────────────────────────────────────┐        ▼              │
	│  │              actor.Registry                │   ┌───────────┐       │
	│  │  DEVICE actors       CALCULATED_FIELD      │◄──│ lifecycle │       │
	│  │      │               actors                │   │Coordinator│       │
	│  └──────┼───────────────────┬──────────▲──────┘   └────┬──────┘       │
	│         │                   │          │ RefreshTick   │              │
	│         ▼                   │     ┌────┴──────┐        │              │
	│   device.Transport          │     │ scheduler │◄── events.Broker      │
	│   (MQTT or log)             │     └───────────┘        │              │
	│                             ▼                          ▼              │
	│                      calc.Notifier            storage: bolt fields    │
	│                      (NATS or log)            and tasks, bolt or      │
	│                                               redis states            │
	└───────────────────────────────────────────────────────────────────────┘

# Startup

Start runs the broker and the registry, then the lifecycle coordinator.
The coordinator reloads housekeeper tasks and re-tombstones tenants whose
deletion was still in progress. Only then is the scheduler index rebuilt
from durable geofencing states, so a deleted tenant is never scheduled
again. The scheduler and the metrics collector start last.

# Optional sinks

An empty pipeline URL or MQTT broker does not fail startup. Results and
session messages are logged at debug level instead, which is how fleetd
runs in development. Options replaces any collaborator, which is how tests
inject recording notifiers and transports.

# Shutdown

Shutdown stops the collector, coordinator and scheduler first so no new
work is produced, then stops the registry (actors finish their current
message), then closes the pipeline, transport and stores.

# Usage

	cfg, err := config.Load("/etc/fleetd/fleetd.yaml")
	if err != nil {
		return err
	}
	mgr, err := manager.NewManager(cfg, manager.Options{})
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx); err != nil {
		return err
	}
	defer mgr.Shutdown(context.Background())
*/
package manager
