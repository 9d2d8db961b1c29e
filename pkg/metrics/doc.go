/*
Package metrics provides Prometheus metrics and component health for fleetd.

All metrics are registered with the Prometheus DefaultRegistry at package
init and exposed by Handler on the admin API's /metrics path. The same
package tracks the health of runtime components, which backs the /health,
/ready and /live endpoints and the gRPC health service.

# Architecture

	┌─────────────────────── METRICS ───────────────────────┐
	│                                                       │
	│   registry   calc actors   scheduler   housekeeper    │
	│       │           │            │            │         │
	│       └───────────┴─────┬──────┴────────────┘         │
	│                         │ Inc / Observe               │
	│                  ┌──────▼───────┐                     │
	│   Collector ────▶│  Prometheus  │◀──── /metrics       │
	│   (gauges)       │   registry   │                     │
	│                  └──────────────┘                     │
	│                                                       │
	│   RegisterComponent / UpdateComponent                 │
	│                         │                             │
	│                  ┌──────▼───────┐                     │
	│                  │   health     │◀──── /health /ready │
	│                  │   registry   │      /live          │
	│                  └──────────────┘                     │
	└───────────────────────────────────────────────────────┘

Counters and histograms are updated inline by the components that own the
events. Gauges that mirror component state (live actors, housekeeper lag,
scheduled entities, event subscribers) are sampled by the Collector on an
interval, so they cannot drift from the components' own counts.

# Metrics Catalog

Actor runtime:

	fleetd_actors_active{kind}                         gauge
	fleetd_actors_created_total{kind}                  counter
	fleetd_actors_evicted_total{kind, reason}          counter
	fleetd_actor_restarts_total{kind}                  counter
	fleetd_actor_init_failures_total{kind}             counter
	fleetd_messages_processed_total{kind}              counter
	fleetd_message_processing_duration_seconds{kind}   histogram
	fleetd_mailbox_depth{kind}                         histogram

Devices:

	fleetd_rpc_pending                                 gauge
	fleetd_rpc_requests_total{outcome}                 counter
	fleetd_session_deliveries_total{type, status}      counter

Calculated fields:

	fleetd_cf_evaluations_total{type, result}          counter
	fleetd_cf_persist_total{status}                    counter
	fleetd_cf_persist_duration_seconds                 histogram
	fleetd_scheduler_ticks_total                       counter
	fleetd_scheduler_scheduled_entities                gauge
	fleetd_scheduler_cycle_duration_seconds            histogram

Lifecycle and internals:

	fleetd_housekeeper_lag                             gauge
	fleetd_housekeeper_tasks_total{type, status}       counter
	fleetd_housekeeper_task_duration_seconds{type}     histogram
	fleetd_event_subscribers                           gauge
	fleetd_events_dropped                              gauge
	fleetd_api_requests_total{path, status}            counter
	fleetd_api_request_duration_seconds{path}          histogram

# Health

Components register once and then report their state:

	metrics.RegisterComponent("registry", true, "")
	metrics.ReportComponent("storage", store.Ping())

GetHealth aggregates every component: a failing critical component makes
the node unhealthy, any other failure makes it degraded. GetReadiness only
considers CriticalComponents, so a lost MQTT connection degrades health
without taking the node out of rotation.

# Usage

	timer := metrics.NewTimer()
	err := store.Put(ctx, key, data)
	timer.ObserveDuration(metrics.CFPersistDuration)

	timer = metrics.NewTimer()
	handle(msg)
	timer.ObserveDurationVec(metrics.MessageProcessingDuration, string(kind))

	http.Handle("/metrics", metrics.Handler())
*/
package metrics
