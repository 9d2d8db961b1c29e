/*
Package api serves the fleetd administrative surface: health, metrics and
read-only introspection of the actor runtime.

Two listeners are exposed. Neither can change runtime state; entity and
tenant deletion go through the manager from the embedding service.

	┌── HTTP (api.http_addr) ─────────────────────────────────┐
	│ GET /health                          component health   │
	│ GET /ready                           critical readiness │
	│ GET /live                            process liveness   │
	│ GET /metrics                         Prometheus         │
	│ GET /actors?kind=&tenant=            live actor ids     │
	│ GET /actors/{kind}/{tenant}/{entity} snapshot           │
	│ GET /lifecycle                       housekeeper status │
	└─────────────────────────────────────────────────────────┘

	┌── gRPC (api.grpc_addr) ─────────────────────────────────┐
	│ grpc.health.v1.Health/Check                             │
	│   ""          overall readiness                         │
	│   "storage"   one registered component                  │
	│ interceptors: metrics, read-only                        │
	└─────────────────────────────────────────────────────────┘

# Readiness

The registry, storage and housekeeper components must be registered and
healthy before /ready returns 200. Each readiness request (and each gRPC
Check) first asks the backend to refresh storage and sink health, so a lost
Redis or NATS connection shows up on the next check.

# Actor snapshots

GET /actors/{kind}/{tenant}/{entity} answers from inside the actor's
mailbox: the snapshot reflects every message enqueued before the request.
A busy actor is given five seconds before the request fails with 504.
Actors that are not live return 404; the endpoint never creates one.

	$ curl -s localhost:9090/actors/CALCULATED_FIELD/$TENANT/$ENTITY | jq .state.fields

# Metrics

Every request is counted in fleetd_api_requests_total by route pattern (or
gRPC method) and status, and timed in fleetd_api_request_duration_seconds.
*/
package api
