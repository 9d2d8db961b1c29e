package calc

import (
	"strings"

	"github.com/cuemby/fleetd/pkg/types"
)

// ValidateField checks a calculated-field configuration before it is bound
func ValidateField(f *types.CalculatedField) error {
	if f == nil {
		return validationf("Calculated field must be specified!")
	}
	if strings.TrimSpace(f.Name) == "" {
		return validationf("Calculated field name must be specified!")
	}

	switch f.Type {
	case types.FieldTypeSimple, types.FieldTypeScript:
		if len(f.Arguments) == 0 {
			return validationf("Calculated field arguments must be specified!")
		}
		if strings.TrimSpace(f.Expression) == "" {
			return validationf("Calculated field expression must be specified!")
		}
		if f.Type == types.FieldTypeSimple && strings.TrimSpace(f.Output.Name) == "" {
			return validationf("Output name must be specified for simple calculated field!")
		}
		if _, err := compile(f); err != nil {
			return err
		}
		return nil
	case types.FieldTypeGeofencing:
		return validateGeofencing(f)
	default:
		return validationf("Unsupported calculated field type: %s", f.Type)
	}
}

func validateGeofencing(f *types.CalculatedField) error {
	if len(f.Arguments) == 0 {
		return validationf("Geofencing calculated field arguments must be specified!")
	}

	for _, key := range []string{types.LatitudeArgumentKey, types.LongitudeArgumentKey} {
		arg, ok := f.Arguments[key]
		if !ok {
			return validationf("Missing required coordinates argument: %s!", key)
		}
		if arg.Type != types.ArgumentTimeSeries {
			return validationf("Argument '%s' must be of type %s!", key, types.ArgumentTimeSeries)
		}
		if arg.Dynamic {
			return validationf("Dynamic source is not allowed for '%s' argument!", key)
		}
	}

	var zoneArgs []string
	for name := range f.Arguments {
		if !isCoordinate(name) {
			zoneArgs = append(zoneArgs, name)
		}
	}
	if len(zoneArgs) == 0 {
		return validationf("Geofencing calculated field must contain at least one geofencing zone group defined!")
	}

	if f.Geofencing == nil || len(f.Geofencing.ZoneGroups) == 0 {
		return validationf("Zone groups configuration should be specified!")
	}

	switch f.Geofencing.ReportStrategy {
	case types.ReportTransitionEventsOnly, types.ReportPresenceStatusOnly, types.ReportTransitionEventsAndPresenceStatus:
	default:
		return validationf("Unsupported report strategy: %q", f.Geofencing.ReportStrategy)
	}

	prefixes := make(map[string]bool)
	for _, name := range sortedKeys(f.Arguments) {
		if isCoordinate(name) {
			continue
		}
		if f.Arguments[name].Type != types.ArgumentAttribute {
			return validationf("Argument '%s' must be of type %s!", name, types.ArgumentAttribute)
		}
		group, ok := f.Geofencing.ZoneGroups[name]
		if !ok {
			return validationf("Zone group configuration is not configured for '%s' argument!", name)
		}
		if strings.TrimSpace(group.ReportPrefix) == "" {
			return validationf("Report telemetry prefix should be specified for '%s' argument!", name)
		}
		if len(group.ReportEvents) == 0 {
			return validationf("Zone group configuration report events must be specified for '%s' argument!", name)
		}
		if prefixes[group.ReportPrefix] {
			return validationf("Duplicate report telemetry prefix found: '%s'. Must be unique!", group.ReportPrefix)
		}
		prefixes[group.ReportPrefix] = true
	}
	return nil
}

// validateEntries checks incoming argument entries against the field's
// argument kinds
func validateEntries(f *types.CalculatedField, values map[string]*ArgumentEntry) error {
	for _, name := range sortedKeys(values) {
		entry := values[name]
		if entry == nil {
			return validationf("Argument '%s' has no value", name)
		}
		if _, ok := f.Arguments[name]; !ok {
			return validationf("Unknown argument '%s' for calculated field %s", name, f.ID)
		}

		want := EntrySingleValue
		if f.Type == types.FieldTypeGeofencing && !isCoordinate(name) {
			want = EntryGeofencing
		}
		if entry.Kind != want {
			return validationf("Unsupported argument entry type for %s argument: %s. Only %s type is allowed.",
				name, entry.Kind, want)
		}
	}
	return nil
}

func isCoordinate(name string) bool {
	return name == types.LatitudeArgumentKey || name == types.LongitudeArgumentKey
}
