package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"muniworks/prelude/internal/harness"
	"muniworks/prelude/internal/orchestrator"
	"muniworks/prelude/internal/sequencer"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock client implementations ---

// instantDB prepares the database without touching one.
type instantDB struct{}

func (m *instantDB) EnsureDatabase(_ context.Context) error { return nil }
func (m *instantDB) ValidateSchema(_ context.Context) error { return nil }
func (m *instantDB) Probe(_ context.Context) orchestrator.ProbeResult {
	return orchestrator.ProbeResult{Name: "database", OK: true, LatencyMs: 1}
}

// instantCloud initializes cloud storage without touching Azure.
type instantCloud struct{}

func (m *instantCloud) Initialize(_ context.Context) error { return nil }
func (m *instantCloud) Probe(_ context.Context) orchestrator.ProbeResult {
	return orchestrator.ProbeResult{Name: "azure", OK: true, LatencyMs: 1}
}

// --- Integration test ---

// TestStartupFlow_202ThenReady verifies the full startup happy-path:
//  1. POST /api/v1/startup returns 202 Accepted
//  2. GET /ready eventually returns 200 once the background run completes
//  3. GET /api/v1/startup/report serves the finished report
func TestStartupFlow_202ThenReady(t *testing.T) {
	t.Parallel()

	sup := orchestrator.New(
		&instantDB{},
		&instantCloud{},
		nil,
		harness.Hooks{},
		nil,
		orchestrator.Config{
			ObservationWindow: 200 * time.Millisecond,
			FallbackClose:     200 * time.Millisecond,
		},
	)

	router := NewRouter(sup)
	srv := httptest.NewServer(router.Handler())
	defer srv.Close()

	client := srv.Client()

	// Step 1: POST /api/v1/startup returns 202
	resp, err := client.Post(srv.URL+"/api/v1/startup", "application/json", strings.NewReader(""))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "startup should return 202 Accepted")

	var startBody map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&startBody))
	assert.Equal(t, "accepted", startBody["status"])

	// Step 2: poll GET /ready until 200 (the run happens in a background goroutine)
	deadline := time.Now().Add(5 * time.Second)
	var lastCode int
	for time.Now().Before(deadline) {
		r, err := client.Get(srv.URL + "/ready")
		require.NoError(t, err)
		r.Body.Close()

		lastCode = r.StatusCode
		if lastCode == http.StatusOK {
			break
		}

		time.Sleep(50 * time.Millisecond)
	}

	require.Equal(t, http.StatusOK, lastCode, "GET /ready should return 200 after the run completes")

	// Step 3: the report endpoint serves the finished run.
	r, err := client.Get(srv.URL + "/api/v1/startup/report")
	require.NoError(t, err)
	defer r.Body.Close()

	require.Equal(t, http.StatusOK, r.StatusCode)

	var report orchestrator.StartupReport
	require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
	assert.Equal(t, orchestrator.StatusOK, report.Status)
	assert.Equal(t, []string{
		sequencer.StepEnsureDatabase,
		sequencer.StepValidateSchema,
		sequencer.StepInitializeAzure,
	}, report.StepOrder)
	assert.Contains(t, report.Metrics, sequencer.MetricTotal)
	assert.Contains(t, report.Events, harness.EventSplashShown)
	assert.Contains(t, report.Events, harness.EventSplashClosed)
}
