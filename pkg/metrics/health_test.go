package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = newHealthChecker()
}

// startNode reports the components in the order a node start does: the
// critical ones first, then storage together with the external sinks
func startNode(storage, pipeline, transport error) {
	RegisterComponent("registry", true, "")
	RegisterComponent("housekeeper", true, "")
	ReportComponent("storage", storage)
	ReportComponent("pipeline", pipeline)
	ReportComponent("transport", transport)
}

func serve(t *testing.T, h http.HandlerFunc, path string) (int, HealthStatus) {
	t.Helper()
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, path, nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

// TestNodeHealthScenarios tests health and readiness as component checks report in
func TestNodeHealthScenarios(t *testing.T) {
	lost := errors.New("not connected to MQTT broker")

	tests := []struct {
		name       string
		storage    error
		pipeline   error
		transport  error
		health     string
		healthCode int
		ready      string
		readyCode  int
	}{
		{
			name:       "all up",
			health:     StatusHealthy,
			healthCode: http.StatusOK,
			ready:      StatusReady,
			readyCode:  http.StatusOK,
		},
		{
			name:       "transport lost",
			transport:  lost,
			health:     StatusDegraded,
			healthCode: http.StatusOK,
			ready:      StatusReady,
			readyCode:  http.StatusOK,
		},
		{
			name:       "pipeline and transport lost",
			pipeline:   errors.New("kafka: client has run out of available brokers"),
			transport:  lost,
			health:     StatusDegraded,
			healthCode: http.StatusOK,
			ready:      StatusReady,
			readyCode:  http.StatusOK,
		},
		{
			name:       "storage down",
			storage:    errors.New("database not open"),
			health:     StatusUnhealthy,
			healthCode: http.StatusServiceUnavailable,
			ready:      StatusNotReady,
			readyCode:  http.StatusServiceUnavailable,
		},
		{
			name:       "storage down outranks degraded transport",
			storage:    errors.New("redis: connection refused"),
			transport:  lost,
			health:     StatusUnhealthy,
			healthCode: http.StatusServiceUnavailable,
			ready:      StatusNotReady,
			readyCode:  http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			startNode(tt.storage, tt.pipeline, tt.transport)

			code, health := serve(t, HealthHandler(), "/health")
			assert.Equal(t, tt.healthCode, code)
			assert.Equal(t, tt.health, health.Status)
			assert.Len(t, health.Components, 5)

			code, ready := serve(t, ReadyHandler(), "/ready")
			assert.Equal(t, tt.readyCode, code)
			assert.Equal(t, tt.ready, ready.Status)
			assert.Len(t, ready.Components, len(CriticalComponents), "readiness lists only critical components")
		})
	}
}

// TestHealthMessageNamesFailures tests that failing components are listed in order
func TestHealthMessageNamesFailures(t *testing.T) {
	resetHealth(t)
	startNode(nil, errors.New("broker down"), errors.New("not connected"))

	health := GetHealth()
	assert.Equal(t, "failing: pipeline, transport", health.Message)
	assert.Equal(t, "unhealthy: not connected", health.Components["transport"])
	assert.Equal(t, StatusHealthy, health.Components["storage"])
}

// TestReadinessBeforeStart tests that a node is not ready until every critical component registers
func TestReadinessBeforeStart(t *testing.T) {
	resetHealth(t)

	ready := GetReadiness()
	assert.Equal(t, StatusNotReady, ready.Status)
	assert.Equal(t, "waiting for registry initialization", ready.Message)
	for _, name := range CriticalComponents {
		assert.Equal(t, "not registered", ready.Components[name])
	}

	RegisterComponent("registry", true, "")
	RegisterComponent("housekeeper", false, "task store unreadable")
	ready = GetReadiness()
	assert.Equal(t, "waiting for housekeeper", ready.Message, "the first blocking component is named")
	assert.Equal(t, "not ready: task store unreadable", ready.Components["housekeeper"])

	ReportComponent("housekeeper", nil)
	ReportComponent("storage", nil)
	assert.Equal(t, StatusReady, GetReadiness().Status)
}

// TestReportComponentRecovery tests that repeated failures are counted and cleared on recovery
func TestReportComponentRecovery(t *testing.T) {
	resetHealth(t)
	err := errors.New("not connected")

	ReportComponent("transport", err)
	ReportComponent("transport", err)
	c, ok := Component("transport")
	require.True(t, ok)
	assert.False(t, c.Healthy)
	assert.Equal(t, 2, c.Failures)
	assert.Equal(t, "not connected", c.Message)

	ReportComponent("transport", nil)
	c, _ = Component("transport")
	assert.True(t, c.Healthy)
	assert.Zero(t, c.Failures)
	assert.Empty(t, c.Message)

	_, ok = Component("pipeline")
	assert.False(t, ok)
}

// TestIsCritical tests the readiness gate membership
func TestIsCritical(t *testing.T) {
	for _, name := range []string{"registry", "storage", "housekeeper"} {
		assert.True(t, IsCritical(name), name)
	}
	for _, name := range []string{"transport", "pipeline", ""} {
		assert.False(t, IsCritical(name), name)
	}
}

// TestHealthVersion tests that the version set at startup is reported
func TestHealthVersion(t *testing.T) {
	resetHealth(t)
	SetVersion("0.9.1")
	startNode(nil, nil, nil)

	assert.Equal(t, "0.9.1", GetHealth().Version)
	assert.Equal(t, "0.9.1", GetReadiness().Version)
	assert.NotEmpty(t, GetHealth().Uptime)
}

// TestLivenessHandler tests that liveness ignores component state
func TestLivenessHandler(t *testing.T) {
	resetHealth(t)
	RegisterComponent("storage", false, "database not open")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
