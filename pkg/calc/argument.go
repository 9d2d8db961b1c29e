package calc

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"
)

// EntryKind discriminates argument entries
type EntryKind string

const (
	EntrySingleValue EntryKind = "SINGLE_VALUE"
	EntryGeofencing  EntryKind = "GEOFENCING"
)

// ArgumentEntry is the latest known value of one field argument
type ArgumentEntry struct {
	Kind    EntryKind          `json:"kind"`
	Ts      int64              `json:"ts,omitempty"`
	Version int64              `json:"version,omitempty"`
	Value   any                `json:"value,omitempty"`
	Zones   map[uuid.UUID]Zone `json:"zones,omitempty"`
}

// Zone is one polygon of a geofencing zone group.
// Points are [latitude, longitude] pairs.
type Zone struct {
	Polygon [][2]float64 `json:"polygon"`
	Ts      int64        `json:"ts"`
}

// SingleValue returns a single-value entry
func SingleValue(ts int64, value any) *ArgumentEntry {
	return &ArgumentEntry{Kind: EntrySingleValue, Ts: ts, Value: value}
}

// GeofencingZones returns a geofencing entry
func GeofencingZones(zones map[uuid.UUID]Zone) *ArgumentEntry {
	return &ArgumentEntry{Kind: EntryGeofencing, Zones: zones}
}

// IsEmpty reports whether the entry carries no usable value
func (e *ArgumentEntry) IsEmpty() bool {
	if e == nil {
		return true
	}
	switch e.Kind {
	case EntryGeofencing:
		return len(e.Zones) == 0
	default:
		return e.Value == nil
	}
}

// Clone returns a deep copy of the entry
func (e *ArgumentEntry) Clone() *ArgumentEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.Value = normalize(e.Value)
	if e.Zones != nil {
		c.Zones = make(map[uuid.UUID]Zone, len(e.Zones))
		for id, z := range e.Zones {
			c.Zones[id] = Zone{Polygon: append([][2]float64(nil), z.Polygon...), Ts: z.Ts}
		}
	}
	return &c
}

// update merges a newer entry into e and reports whether anything changed.
// Single values older than the current one are ignored.
func (e *ArgumentEntry) update(next *ArgumentEntry) (bool, error) {
	if e.Kind != next.Kind {
		return false, &ValidationError{Reason: fmt.Sprintf("Unsupported argument entry type for %s argument entry: %s",
			entryName(e.Kind), next.Kind)}
	}

	switch e.Kind {
	case EntryGeofencing:
		if reflect.DeepEqual(e.Zones, next.Zones) {
			return false, nil
		}
		e.Zones = next.Clone().Zones
		return true, nil
	default:
		if next.Ts < e.Ts || (next.Ts == e.Ts && next.Version < e.Version) {
			return false, nil
		}
		value := normalize(next.Value)
		if next.Ts == e.Ts && next.Version == e.Version && reflect.DeepEqual(e.Value, value) {
			return false, nil
		}
		e.Ts, e.Version, e.Value = next.Ts, next.Version, value
		return true, nil
	}
}

func entryName(k EntryKind) string {
	if k == EntryGeofencing {
		return "geofencing"
	}
	return "single value"
}

// Float returns the entry value as a float64
func (e *ArgumentEntry) Float() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch v := e.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}
