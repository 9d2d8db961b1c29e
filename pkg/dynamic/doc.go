// Package dynamic provides sources for dynamic calculated-field arguments,
// values such as geofencing zones that change without telemetry from the
// entity. Scheduled refreshes fetch them before re-evaluating a field.
package dynamic
