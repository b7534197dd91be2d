package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetProbes(t *testing.T) {
	t.Helper()
	registry.mu.Lock()
	saved := registry.probes
	registry.probes = make(map[string]probeEntry)
	registry.mu.Unlock()
	t.Cleanup(func() {
		registry.mu.Lock()
		registry.probes = saved
		registry.mu.Unlock()
	})
}

func staticProbe(state State, detail string) Probe {
	return func(context.Context) Check {
		return Check{State: state, Detail: detail}
	}
}

func TestSnapshotEmptyRegistryIsStarting(t *testing.T) {
	resetProbes(t)

	report := Snapshot(context.Background())
	assert.Equal(t, StateStarting, report.Status)
	assert.False(t, report.Ready)
}

func TestSnapshotAllReady(t *testing.T) {
	resetProbes(t)
	RegisterProbe("persistence", true, staticProbe(StateReady, ""))
	RegisterProbe("lease", true, staticProbe(StateReady, ""))

	report := Snapshot(context.Background())
	assert.Equal(t, StateReady, report.Status)
	assert.True(t, report.Ready)
	assert.Len(t, report.Components, 2)
}

func TestCriticalStartingBlocksReadinessNotHealth(t *testing.T) {
	resetProbes(t)
	RegisterProbe("persistence", true, staticProbe(StateReady, ""))
	// An engine mid-backfill is alive but must not receive traffic.
	RegisterProbe("vector-indexes", true,
		staticProbe(StateStarting, "1 backfilling"))

	report := Snapshot(context.Background())
	assert.Equal(t, StateStarting, report.Status)
	assert.False(t, report.Ready)

	health := httptest.NewRecorder()
	HealthHandler()(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code, "a backfilling engine is healthy")

	ready := httptest.NewRecorder()
	ReadyHandler()(ready, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, ready.Code)
}

func TestCriticalFailureFailsHealth(t *testing.T) {
	resetProbes(t)
	RegisterProbe("persistence", true, staticProbe(StateReady, ""))
	RegisterProbe("lease", true, staticProbe(StateFailed, "lease preempted"))

	report := Snapshot(context.Background())
	assert.Equal(t, StateFailed, report.Status)
	assert.False(t, report.Ready)
	assert.Equal(t, "lease preempted", report.Components["lease"].Detail)

	health := httptest.NewRecorder()
	HealthHandler()(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, health.Code)
}

func TestNonCriticalFailureOnlyDegrades(t *testing.T) {
	resetProbes(t)
	RegisterProbe("persistence", true, staticProbe(StateReady, ""))
	RegisterProbe("log-sinks", false, staticProbe(StateFailed, "sink unreachable"))

	report := Snapshot(context.Background())
	assert.Equal(t, StateDegraded, report.Status)
	assert.True(t, report.Ready, "a broken side-channel does not stop serving")

	health := httptest.NewRecorder()
	HealthHandler()(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, health.Code)

	ready := httptest.NewRecorder()
	ReadyHandler()(ready, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, ready.Code)
}

func TestLivenessAlwaysAnswers(t *testing.T) {
	resetProbes(t)

	rec := httptest.NewRecorder()
	LivenessHandler()(rec, httptest.NewRequest(http.MethodGet, "/live", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}
