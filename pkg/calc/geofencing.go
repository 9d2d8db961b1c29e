package calc

import (
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// geofencingEvaluator tracks entity presence in zone groups. A group is
// INSIDE when the entity's coordinates fall in any of its zones.
type geofencingEvaluator struct {
	cfg *types.GeofencingConfig
}

func newGeofencing(f *types.CalculatedField) *geofencingEvaluator {
	return &geofencingEvaluator{cfg: f.Geofencing}
}

func (e *geofencingEvaluator) evaluate(s State, now time.Time) (outcome, error) {
	gs, ok := s.(*GeofencingState)
	if !ok {
		return outcome{}, fmt.Errorf("geofencing evaluator got %s state", s.Kind())
	}

	args := gs.Arguments
	lat, okLat := args[types.LatitudeArgumentKey].Float()
	lon, okLon := args[types.LongitudeArgumentKey].Float()
	if !okLat || !okLon {
		return outcome{}, validationf("Coordinates arguments must be numeric")
	}
	point := orb.Point{lon, lat}
	ts := now.UnixMilli()

	if gs.Zones == nil {
		gs.Zones = make(map[uuid.UUID]ZoneMembership)
	}
	if gs.Groups == nil {
		gs.Groups = make(map[string]GroupStatus)
	}

	result := make(map[string]any)
	changed := false

	for _, group := range sortedKeys(e.cfg.ZoneGroups) {
		entry := args[group]
		if entry == nil {
			continue
		}

		inside := false
		for zoneID, zone := range entry.Zones {
			in := zoneContains(zone, point)
			inside = inside || in

			prev, known := gs.Zones[zoneID]
			if !known || prev.Inside != in || prev.Group != group {
				gs.Zones[zoneID] = ZoneMembership{Group: group, Inside: in, Since: ts}
			}
		}
		for zoneID, m := range gs.Zones {
			if _, ok := entry.Zones[zoneID]; m.Group == group && !ok {
				delete(gs.Zones, zoneID)
			}
		}

		var event types.GeofencingEvent
		prev, known := gs.Groups[group]
		switch {
		case !known && inside:
			event = types.GeofencingEntered
		case known && prev.Inside != inside && inside:
			event = types.GeofencingEntered
		case known && prev.Inside != inside && !inside:
			event = types.GeofencingLeft
		}
		if !known || prev.Inside != inside {
			gs.Groups[group] = GroupStatus{Inside: inside, Since: ts}
			changed = true
		}

		status := types.GeofencingOutside
		if inside {
			status = types.GeofencingInside
		}

		cfg := e.cfg.ZoneGroups[group]
		if event != "" && e.reportsEvents() && reports(cfg, event) {
			result[cfg.ReportPrefix+"Event"] = string(event)
		}
		if e.reportsStatus() && reports(cfg, status) {
			result[cfg.ReportPrefix+"Status"] = string(status)
		}
	}

	if gs.LastScheduledRefreshTs == 0 {
		gs.markRefreshed(now)
	}

	return outcome{Result: result, Changed: changed}, nil
}

func (e *geofencingEvaluator) reportsEvents() bool {
	return e.cfg.ReportStrategy != types.ReportPresenceStatusOnly
}

func (e *geofencingEvaluator) reportsStatus() bool {
	return e.cfg.ReportStrategy != types.ReportTransitionEventsOnly
}

func reports(cfg types.ZoneGroupConfig, ev types.GeofencingEvent) bool {
	for _, e := range cfg.ReportEvents {
		if e == ev {
			return true
		}
	}
	return false
}

// zoneContains reports whether point lies in the zone polygon
func zoneContains(z Zone, point orb.Point) bool {
	if len(z.Polygon) < 3 {
		return false
	}
	ring := make(orb.Ring, 0, len(z.Polygon)+1)
	for _, p := range z.Polygon {
		ring = append(ring, orb.Point{p[1], p[0]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return planar.PolygonContains(orb.Polygon{ring}, point)
}
