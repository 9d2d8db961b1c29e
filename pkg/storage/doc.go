/*
Package storage provides durable persistence for calculated-field state,
field bindings and the housekeeper task queue.

Two StateStore backends are provided. BoltStore keeps everything in one
embedded bbolt file and is the default for single-node deployments.
RedisStore keeps state in a shared Redis so several fleetd processes can
hand entities to each other without copying files.

# Architecture

	┌──────────────────── STATE STORAGE ───────────────────────┐
	│                                                            │
	│  calc actors ──Put/Get──▶ StateStore                      │
	│  housekeeper ──DeleteEntity/DeleteTenant──▶ StateStore    │
	│                              │                             │
	│            ┌─────────────────┴──────────────┐             │
	│            ▼                                ▼             │
	│  ┌──────────────────────┐   ┌─────────────────────────┐  │
	│  │ BoltStore            │   │ RedisStore               │  │
	│  │ <dataDir>/fleetd.db  │   │ fleetd:cf:state:*        │  │
	│  │ cf_states            │   │ fleetd:cf:entity:* (set) │  │
	│  │ calculated_fields    │   │ fleetd:cf:tenant:* (set) │  │
	│  │ housekeeper_tasks    │   └─────────────────────────┘  │
	│  └──────────────────────┘                                 │
	└────────────────────────────────────────────────────────┘

# Keys

State keys are tenant/entity/field. In bbolt the keys are stored in that
textual form, so every state of an entity, and every entity of a tenant,
is one contiguous cursor range. Entity and tenant deletes seek to the
prefix and delete forward. Field bindings use the same layout in the
calculated_fields bucket.

Values are opaque bytes. The calc package writes a versioned JSON envelope
and is the only reader.

# Errors

ErrNotFound means the key has never been written or was deleted. Backend
failures are wrapped in ErrUnavailable so callers can retry:

	data, err := store.Get(ctx, key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		// start from an empty state
	case errors.Is(err, storage.ErrUnavailable):
		// retry later
	}

# Compaction

bbolt never shrinks its file. Compact copies a closed database into a new
file, which cmd/fleetd-compact exposes for offline maintenance.
*/
package storage
