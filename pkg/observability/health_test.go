package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Check(t *testing.T) {
	tests := []struct {
		name     string
		checks   []*HealthCheck
		expected HealthStatus
	}{
		{
			name:     "no_checks",
			checks:   nil,
			expected: HealthStatusHealthy,
		},
		{
			name: "all_passing",
			checks: []*HealthCheck{
				{Name: "store", CheckFunc: func(context.Context) error { return nil }, Critical: true},
				{Name: "orchestrator", CheckFunc: func(context.Context) error { return nil }},
			},
			expected: HealthStatusHealthy,
		},
		{
			name: "critical_failing",
			checks: []*HealthCheck{
				{Name: "store", CheckFunc: func(context.Context) error { return errors.New("connection refused") }, Critical: true},
			},
			expected: HealthStatusUnhealthy,
		},
		{
			name: "noncritical_failing_degrades",
			checks: []*HealthCheck{
				{Name: "store", CheckFunc: func(context.Context) error { return nil }, Critical: true},
				{Name: "orchestrator", CheckFunc: func(context.Context) error { return errors.New("unreachable") }},
			},
			expected: HealthStatusDegraded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hc := NewHealthChecker()
			for _, check := range tt.checks {
				hc.RegisterCheck(check)
			}

			resp := hc.Check(context.Background())
			assert.Equal(t, tt.expected, resp.Status)
			assert.Len(t, resp.Checks, len(tt.checks))
			assert.Greater(t, resp.System.NumGoroutines, 0)
		})
	}
}

func TestHealthChecker_CheckTimeout(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(&HealthCheck{
		Name: "slow",
		CheckFunc: func(ctx context.Context) error {
			select {
			case <-time.After(5 * time.Second):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
		Timeout:  50 * time.Millisecond,
		Critical: true,
	})

	resp := hc.Check(context.Background())
	require.Contains(t, resp.Checks, "slow")
	assert.Equal(t, HealthStatusUnhealthy, resp.Status)
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["slow"].Status)
	assert.NotEmpty(t, resp.Checks["slow"].Message)
}

func TestHealthHandler(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return nil }))
	hc.RegisterCheck(OrchestratorCheck(func(context.Context) error { return errors.New("dial tcp: refused") }))

	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	// Orchestrator being down only degrades the service.
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Equal(t, HealthStatusHealthy, resp.Checks["store"].Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks["orchestrator"].Status)
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	hc := NewHealthChecker()
	hc.RegisterCheck(StoreCheck(func(context.Context) error { return errors.New("store closed") }))

	rec := httptest.NewRecorder()
	hc.HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadinessHandler(t *testing.T) {
	hc := NewHealthChecker()
	ok := func(context.Context) error { return nil }

	hc.RegisterCheck(StoreCheck(ok))
	rec := httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// A degraded service is not ready.
	hc.RegisterCheck(OrchestratorCheck(func(context.Context) error { return errors.New("unreachable") }))
	rec = httptest.NewRecorder()
	hc.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
}
