package types

import (
	"time"

	"github.com/google/uuid"
)

// FieldType is the evaluation rule of a calculated field
type FieldType string

const (
	FieldTypeSimple     FieldType = "SIMPLE"
	FieldTypeScript     FieldType = "SCRIPT"
	FieldTypeGeofencing FieldType = "GEOFENCING"
)

// ArgumentType is the source of an argument value
type ArgumentType string

const (
	ArgumentTimeSeries ArgumentType = "TS_LATEST"
	ArgumentAttribute  ArgumentType = "ATTRIBUTE"
)

// OutputType selects where derived values are written by the rule pipeline
type OutputType string

const (
	OutputTimeSeries OutputType = "TIME_SERIES"
	OutputAttributes OutputType = "ATTRIBUTES"
)

// Geofencing argument keys for the entity coordinates
const (
	LatitudeArgumentKey  = "latitude"
	LongitudeArgumentKey = "longitude"
)

// GeofencingEvent is a zone transition or presence status reported by a geofencing field
type GeofencingEvent string

const (
	GeofencingEntered GeofencingEvent = "ENTERED"
	GeofencingInside  GeofencingEvent = "INSIDE"
	GeofencingLeft    GeofencingEvent = "LEFT"
	GeofencingOutside GeofencingEvent = "OUTSIDE"
)

// GeofencingReportStrategy selects what a geofencing field emits
type GeofencingReportStrategy string

const (
	ReportTransitionEventsOnly              GeofencingReportStrategy = "REPORT_TRANSITION_EVENTS_ONLY"
	ReportPresenceStatusOnly                GeofencingReportStrategy = "REPORT_PRESENCE_STATUS_ONLY"
	ReportTransitionEventsAndPresenceStatus GeofencingReportStrategy = "REPORT_TRANSITION_EVENTS_AND_PRESENCE_STATUS"
)

// CalculatedField is the binding of a derived value to an entity
type CalculatedField struct {
	ID         uuid.UUID           `json:"id"`
	TenantID   uuid.UUID           `json:"tenantId"`
	EntityID   uuid.UUID           `json:"entityId"`
	Name       string              `json:"name"`
	Type       FieldType           `json:"type"`
	Arguments  map[string]Argument `json:"arguments"`
	Expression string              `json:"expression,omitempty"` // Simple expression or Lua script body
	Output     Output              `json:"output"`

	// AlwaysPersist re-persists and re-emits even when the result is unchanged
	AlwaysPersist bool `json:"alwaysPersist,omitempty"`

	// ScheduledUpdateInterval enables periodic re-evaluation of dynamic arguments
	ScheduledUpdateInterval time.Duration `json:"scheduledUpdateInterval,omitempty"`

	Geofencing *GeofencingConfig `json:"geofencing,omitempty"`
	Version    int64             `json:"version"`
}

// Argument describes one input of a calculated field
type Argument struct {
	Key          string       `json:"key"`
	Type         ArgumentType `json:"type"`
	Dynamic      bool         `json:"dynamic,omitempty"` // value may change without telemetry
	DefaultValue any          `json:"defaultValue,omitempty"`
}

// Output describes where the derived value goes
type Output struct {
	Name  string     `json:"name,omitempty"` // key of the derived value (simple fields)
	Type  OutputType `json:"type"`
	Scope string     `json:"scope,omitempty"` // attribute scope for ATTRIBUTES outputs
}

// GeofencingConfig holds the zone group settings of a geofencing field
type GeofencingConfig struct {
	ZoneGroups     map[string]ZoneGroupConfig `json:"zoneGroups"` // keyed by argument name
	ReportStrategy GeofencingReportStrategy   `json:"reportStrategy"`
}

// ZoneGroupConfig controls reporting for one zone group argument
type ZoneGroupConfig struct {
	ReportPrefix string            `json:"reportPrefix"`
	ReportEvents []GeofencingEvent `json:"reportEvents"`
}

// HasDynamicArguments reports whether the field needs scheduled re-evaluation
func (f *CalculatedField) HasDynamicArguments() bool {
	if f.ScheduledUpdateInterval <= 0 {
		return false
	}
	for _, arg := range f.Arguments {
		if arg.Dynamic {
			return true
		}
	}
	return false
}
