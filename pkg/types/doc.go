/*
Package types defines the data model shared by the fleetd runtime.

The types here carry no behavior beyond validation helpers and are safe to
pass between goroutines by value or as read-only pointers.

# Identity

Every actor is named by an ActorID: the owning tenant, the entity and the
entity kind. Device actors use KindDevice and the device id; all calculated
fields bound to one entity share a single KindCalculatedField actor.

	id := types.CalculatedFieldActorID(tenantID, entityID)
	fmt.Println(id) // CALCULATED_FIELD_ENTITY:<tenant>:<entity>

	parsed, err := types.ParseActorID(id.String())

# Calculated fields

A CalculatedField binds a derived value to an entity. Type selects the
evaluation rule:

  - SIMPLE: an arithmetic expression over numeric arguments
  - SCRIPT: a Lua script that returns a table of output values
  - GEOFENCING: zone presence and transitions for latitude and longitude

Arguments marked Dynamic can change without telemetry (zone sets, thresholds
provisioned elsewhere). A field with dynamic arguments and a positive
ScheduledUpdateInterval is re-evaluated periodically by the scheduler:

	field := &types.CalculatedField{
		ID:       uuid.New(),
		TenantID: tenantID,
		EntityID: deviceID,
		Name:     "depot-presence",
		Type:     types.FieldTypeGeofencing,
		Arguments: map[string]types.Argument{
			"latitude":  {Key: "lat", Type: types.ArgumentTimeSeries},
			"longitude": {Key: "lon", Type: types.ArgumentTimeSeries},
			"depots":    {Key: "depots", Type: types.ArgumentAttribute, Dynamic: true},
		},
		Output:                  types.Output{Type: types.OutputTimeSeries},
		ScheduledUpdateInterval: time.Minute,
	}

# Housekeeping

HousekeeperTask records durable cleanup work created by entity and tenant
deletion. Tasks are persisted before the deletion is acknowledged and
retried until they succeed or exhaust their attempts.

# Sessions

SessionInfo tracks a transport session subscribed to a device's attribute
or RPC stream. LastActivity drives session expiry in the device actor.
*/
package types
