package calc

import (
	"testing"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	allowedZoneID    = uuid.MustParse("c0e3031c-7df1-45e4-9590-cfd621a4d714")
	restrictedZoneID = uuid.MustParse("e7da6200-2096-4038-a343-ade9ea4fa3e4")

	allowedZone = Zone{Polygon: [][2]float64{
		{50.472000, 30.504000}, {50.472000, 30.506000}, {50.474000, 30.506000}, {50.474000, 30.504000},
	}}
	restrictedZone = Zone{Polygon: [][2]float64{
		{50.475000, 30.510000}, {50.475000, 30.512000}, {50.477000, 30.512000}, {50.477000, 30.510000},
	}}
)

var allGeofencingEvents = []types.GeofencingEvent{
	types.GeofencingEntered, types.GeofencingInside, types.GeofencingLeft, types.GeofencingOutside,
}

func geofencingField(tenantID, entityID uuid.UUID, strategy types.GeofencingReportStrategy) *types.CalculatedField {
	return &types.CalculatedField{
		ID:       uuid.New(),
		TenantID: tenantID,
		EntityID: entityID,
		Name:     "zones",
		Type:     types.FieldTypeGeofencing,
		Arguments: map[string]types.Argument{
			types.LatitudeArgumentKey:  {Key: "latitude", Type: types.ArgumentTimeSeries},
			types.LongitudeArgumentKey: {Key: "longitude", Type: types.ArgumentTimeSeries},
			"allowedZones":             {Key: "zone", Type: types.ArgumentAttribute, Dynamic: true},
			"restrictedZones":          {Key: "zone", Type: types.ArgumentAttribute, Dynamic: true},
		},
		Output:                  types.Output{Type: types.OutputTimeSeries},
		ScheduledUpdateInterval: 10 * time.Minute,
		Geofencing: &types.GeofencingConfig{
			ZoneGroups: map[string]types.ZoneGroupConfig{
				"allowedZones":    {ReportPrefix: "allowedZones", ReportEvents: allGeofencingEvents},
				"restrictedZones": {ReportPrefix: "restrictedZones", ReportEvents: allGeofencingEvents},
			},
			ReportStrategy: strategy,
		},
	}
}

func zoneArgs(lat, lon float64) map[string]*ArgumentEntry {
	return map[string]*ArgumentEntry{
		types.LatitudeArgumentKey:  SingleValue(1, lat),
		types.LongitudeArgumentKey: SingleValue(1, lon),
		"allowedZones":             GeofencingZones(map[uuid.UUID]Zone{allowedZoneID: allowedZone}),
		"restrictedZones":          GeofencingZones(map[uuid.UUID]Zone{restrictedZoneID: restrictedZone}),
	}
}

func moveTo(lat, lon float64, ts int64) map[string]*ArgumentEntry {
	return map[string]*ArgumentEntry{
		types.LatitudeArgumentKey:  SingleValue(ts, lat),
		types.LongitudeArgumentKey: SingleValue(ts, lon),
	}
}

// TestGeofencingTransitions tests events and statuses as the entity moves between zones
func TestGeofencingTransitions(t *testing.T) {
	f := geofencingField(uuid.New(), uuid.New(), types.ReportTransitionEventsAndPresenceStatus)
	s, err := NewState(f)
	require.NoError(t, err)
	eval := newGeofencing(f)
	now := time.Now()

	_, err = s.Base().apply(zoneArgs(50.4730, 30.5050))
	require.NoError(t, err)
	require.True(t, s.Base().ready(f))

	out, err := eval.evaluate(s, now)
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, map[string]any{
		"allowedZonesEvent":     "ENTERED",
		"allowedZonesStatus":    "INSIDE",
		"restrictedZonesStatus": "OUTSIDE",
	}, out.Result)

	// move from the allowed zone into the restricted one
	_, err = s.Base().apply(moveTo(50.4760, 30.5110, 2))
	require.NoError(t, err)

	out, err = eval.evaluate(s, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, map[string]any{
		"allowedZonesEvent":     "LEFT",
		"allowedZonesStatus":    "OUTSIDE",
		"restrictedZonesEvent":  "ENTERED",
		"restrictedZonesStatus": "INSIDE",
	}, out.Result)

	// staying put changes nothing
	out, err = eval.evaluate(s, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, out.Changed)
}

// TestGeofencingReportStrategies tests what each report strategy emits
func TestGeofencingReportStrategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy types.GeofencingReportStrategy
		want     map[string]any
	}{
		{
			name:     "transition events only",
			strategy: types.ReportTransitionEventsOnly,
			want:     map[string]any{"allowedZonesEvent": "ENTERED"},
		},
		{
			name:     "presence status only",
			strategy: types.ReportPresenceStatusOnly,
			want:     map[string]any{"allowedZonesStatus": "INSIDE", "restrictedZonesStatus": "OUTSIDE"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := geofencingField(uuid.New(), uuid.New(), tt.strategy)
			s, err := NewState(f)
			require.NoError(t, err)
			_, err = s.Base().apply(zoneArgs(50.4730, 30.5050))
			require.NoError(t, err)

			out, err := newGeofencing(f).evaluate(s, time.Now())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Result)
		})
	}
}

// TestGeofencingReportEventsFilter tests that unlisted events are not reported
func TestGeofencingReportEventsFilter(t *testing.T) {
	f := geofencingField(uuid.New(), uuid.New(), types.ReportTransitionEventsAndPresenceStatus)
	f.Geofencing.ZoneGroups["allowedZones"] = types.ZoneGroupConfig{
		ReportPrefix: "allowedZones",
		ReportEvents: []types.GeofencingEvent{types.GeofencingLeft},
	}

	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(zoneArgs(50.4730, 30.5050))
	require.NoError(t, err)

	out, err := newGeofencing(f).evaluate(s, time.Now())
	require.NoError(t, err)
	assert.NotContains(t, out.Result, "allowedZonesEvent")
	assert.NotContains(t, out.Result, "allowedZonesStatus")
	assert.Contains(t, out.Result, "restrictedZonesStatus")
}

// TestRefreshDue tests the level-triggered refresh condition at the interval boundary
func TestRefreshDue(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &GeofencingState{RefreshInterval: 10 * time.Minute}

	assert.False(t, s.RefreshDue(base), "never evaluated")

	s.markRefreshed(base)
	assert.False(t, s.RefreshDue(base.Add(9*time.Minute)))
	assert.False(t, s.RefreshDue(base.Add(10*time.Minute-time.Millisecond)))
	assert.True(t, s.RefreshDue(base.Add(10*time.Minute)))
	assert.True(t, s.RefreshDue(base.Add(11*time.Minute)))

	// still due until a refresh advances the timestamp
	assert.True(t, s.RefreshDue(base.Add(30*time.Minute)))
}

// TestMarkRefreshedMonotonic tests that the refresh timestamp never moves backwards
func TestMarkRefreshedMonotonic(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := &GeofencingState{RefreshInterval: time.Minute}

	var last int64
	for _, offset := range []time.Duration{0, 5 * time.Minute, 2 * time.Minute, -time.Hour, 7 * time.Minute, 7 * time.Minute} {
		s.markRefreshed(base.Add(offset))
		assert.GreaterOrEqual(t, s.LastScheduledRefreshTs, last)
		last = s.LastScheduledRefreshTs
	}
	assert.Equal(t, base.Add(7*time.Minute).UnixMilli(), last)
}

// TestApplyEntryTypeMismatch tests the messages for mismatched argument entries
func TestApplyEntryTypeMismatch(t *testing.T) {
	f := geofencingField(uuid.New(), uuid.New(), types.ReportTransitionEventsAndPresenceStatus)
	zones := GeofencingZones(map[uuid.UUID]Zone{allowedZoneID: allowedZone})

	err := validateEntries(f, map[string]*ArgumentEntry{types.LatitudeArgumentKey: zones})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, "Unsupported argument entry type for latitude argument: GEOFENCING. Only SINGLE_VALUE type is allowed.", err.Error())

	err = validateEntries(f, map[string]*ArgumentEntry{"allowedZones": SingleValue(1, 50.0)})
	require.Error(t, err)
	assert.Equal(t, "Unsupported argument entry type for allowedZones argument: SINGLE_VALUE. Only GEOFENCING type is allowed.", err.Error())

	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(map[string]*ArgumentEntry{"allowedZones": zones})
	require.NoError(t, err)
	_, err = s.Base().apply(map[string]*ArgumentEntry{"allowedZones": SingleValue(1, 50.0)})
	require.Error(t, err)
	assert.Equal(t, "Unsupported argument entry type for geofencing argument entry: SINGLE_VALUE", err.Error())
}

// TestApplyIgnoresStaleValues tests that older single values do not replace newer ones
func TestApplyIgnoresStaleValues(t *testing.T) {
	s := &SimpleState{}

	changed, err := s.apply(map[string]*ArgumentEntry{"t": SingleValue(10, 21)})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.apply(map[string]*ArgumentEntry{"t": SingleValue(5, 30)})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, 21.0, s.Arguments["t"].Value)

	changed, err = s.apply(map[string]*ArgumentEntry{"t": SingleValue(10, 21)})
	require.NoError(t, err)
	assert.False(t, changed)

	changed, err = s.apply(map[string]*ArgumentEntry{"t": SingleValue(11, 22)})
	require.NoError(t, err)
	assert.True(t, changed)
}

// TestStateEnvelope tests that decoding restores the variant and its fields
func TestStateEnvelope(t *testing.T) {
	f := geofencingField(uuid.New(), uuid.New(), types.ReportTransitionEventsAndPresenceStatus)
	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(zoneArgs(50.4730, 30.5050))
	require.NoError(t, err)
	out, err := newGeofencing(f).evaluate(s, time.Now())
	require.NoError(t, err)
	s.Base().Result = out.Result
	s.Base().Version = 3

	data, err := EncodeState(s)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"GEOFENCING"`)

	decoded, err := DecodeState(data)
	require.NoError(t, err)
	require.IsType(t, &GeofencingState{}, decoded)
	assert.Equal(t, s, decoded)

	_, err = DecodeState([]byte(`{"kind":"ALARM","state":{}}`))
	assert.Error(t, err)
}

// TestSimpleExpression tests expression evaluation and change detection
func TestSimpleExpression(t *testing.T) {
	f := &types.CalculatedField{
		ID:         uuid.New(),
		Name:       "fahrenheit",
		Type:       types.FieldTypeSimple,
		Arguments:  map[string]types.Argument{"c": {Key: "temperature", Type: types.ArgumentTimeSeries}},
		Expression: "c * 9 / 5 + 32",
		Output:     types.Output{Name: "temperatureF", Type: types.OutputTimeSeries},
	}
	require.NoError(t, ValidateField(f))

	eval, err := compile(f)
	require.NoError(t, err)
	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(map[string]*ArgumentEntry{"c": SingleValue(1, 100)})
	require.NoError(t, err)

	out, err := eval.evaluate(s, time.Now())
	require.NoError(t, err)
	assert.True(t, out.Changed)
	assert.Equal(t, map[string]any{"temperatureF": 212.0}, out.Result)

	s.Base().Result = out.Result
	out, err = eval.evaluate(s, time.Now())
	require.NoError(t, err)
	assert.False(t, out.Changed)
}

// TestScriptField tests Lua script evaluation
func TestScriptField(t *testing.T) {
	f := &types.CalculatedField{
		ID:   uuid.New(),
		Name: "power",
		Type: types.FieldTypeScript,
		Arguments: map[string]types.Argument{
			"voltage": {Key: "voltage", Type: types.ArgumentTimeSeries},
			"current": {Key: "current", Type: types.ArgumentTimeSeries},
		},
		Expression: `
function calculate(ctx)
  local p = ctx.voltage * ctx.current
  return { power = p, overload = p > 1000, ts = ctx.latestTs }
end`,
		Output: types.Output{Type: types.OutputTimeSeries},
	}
	require.NoError(t, ValidateField(f))

	eval, err := compile(f)
	require.NoError(t, err)
	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(map[string]*ArgumentEntry{
		"voltage": SingleValue(5, 230),
		"current": SingleValue(7, 5),
	})
	require.NoError(t, err)

	out, err := eval.evaluate(s, time.Now())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"power": 1150.0, "overload": true, "ts": 7.0}, out.Result)
}

// TestScriptErrors tests syntax and runtime failures of scripts
func TestScriptErrors(t *testing.T) {
	f := &types.CalculatedField{
		ID:         uuid.New(),
		Name:       "broken",
		Type:       types.FieldTypeScript,
		Arguments:  map[string]types.Argument{"x": {Key: "x", Type: types.ArgumentTimeSeries}},
		Expression: "function calculate(ctx",
	}
	err := ValidateField(f)
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	f.Expression = "function calculate(ctx) return 42 end"
	eval, err := compile(f)
	require.NoError(t, err)
	s, err := NewState(f)
	require.NoError(t, err)
	_, err = s.Base().apply(map[string]*ArgumentEntry{"x": SingleValue(1, 1)})
	require.NoError(t, err)

	_, err = eval.evaluate(s, time.Now())
	var evalErr *EvaluationError
	assert.ErrorAs(t, err, &evalErr)
}

// TestValidateGeofencing tests configuration validation messages
func TestValidateGeofencing(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *types.CalculatedField)
		want   string
	}{
		{
			name:   "no arguments",
			mutate: func(f *types.CalculatedField) { f.Arguments = nil },
			want:   "Geofencing calculated field arguments must be specified!",
		},
		{
			name:   "missing latitude",
			mutate: func(f *types.CalculatedField) { delete(f.Arguments, types.LatitudeArgumentKey) },
			want:   "Missing required coordinates argument: latitude!",
		},
		{
			name: "longitude of wrong type",
			mutate: func(f *types.CalculatedField) {
				f.Arguments[types.LongitudeArgumentKey] = types.Argument{Key: "longitude", Type: types.ArgumentAttribute}
			},
			want: "Argument 'longitude' must be of type TS_LATEST!",
		},
		{
			name: "dynamic coordinates",
			mutate: func(f *types.CalculatedField) {
				f.Arguments[types.LatitudeArgumentKey] = types.Argument{Key: "latitude", Type: types.ArgumentTimeSeries, Dynamic: true}
			},
			want: "Dynamic source is not allowed for 'latitude' argument!",
		},
		{
			name: "no zone groups",
			mutate: func(f *types.CalculatedField) {
				delete(f.Arguments, "allowedZones")
				delete(f.Arguments, "restrictedZones")
			},
			want: "Geofencing calculated field must contain at least one geofencing zone group defined!",
		},
		{
			name:   "missing zone group configuration",
			mutate: func(f *types.CalculatedField) { f.Geofencing.ZoneGroups = nil },
			want:   "Zone groups configuration should be specified!",
		},
		{
			name:   "unconfigured zone group argument",
			mutate: func(f *types.CalculatedField) { delete(f.Geofencing.ZoneGroups, "allowedZones") },
			want:   "Zone group configuration is not configured for 'allowedZones' argument!",
		},
		{
			name: "blank prefix",
			mutate: func(f *types.CalculatedField) {
				f.Geofencing.ZoneGroups["allowedZones"] = types.ZoneGroupConfig{ReportPrefix: "  ", ReportEvents: allGeofencingEvents}
			},
			want: "Report telemetry prefix should be specified for 'allowedZones' argument!",
		},
		{
			name: "no report events",
			mutate: func(f *types.CalculatedField) {
				f.Geofencing.ZoneGroups["allowedZones"] = types.ZoneGroupConfig{ReportPrefix: "allowed"}
			},
			want: "Zone group configuration report events must be specified for 'allowedZones' argument!",
		},
		{
			name: "duplicate prefix",
			mutate: func(f *types.CalculatedField) {
				f.Geofencing.ZoneGroups["allowedZones"] = types.ZoneGroupConfig{ReportPrefix: "same", ReportEvents: allGeofencingEvents}
				f.Geofencing.ZoneGroups["restrictedZones"] = types.ZoneGroupConfig{ReportPrefix: "same", ReportEvents: allGeofencingEvents}
			},
			want: "Duplicate report telemetry prefix found: 'same'. Must be unique!",
		},
		{
			name: "zone group of wrong type",
			mutate: func(f *types.CalculatedField) {
				f.Arguments["allowedZones"] = types.Argument{Key: "zone", Type: types.ArgumentTimeSeries}
			},
			want: "Argument 'allowedZones' must be of type ATTRIBUTE!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := geofencingField(uuid.New(), uuid.New(), types.ReportTransitionEventsAndPresenceStatus)
			tt.mutate(f)
			err := ValidateField(f)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Equal(t, tt.want, err.Error())
		})
	}

	require.NoError(t, ValidateField(geofencingField(uuid.New(), uuid.New(), types.ReportPresenceStatusOnly)))
}
