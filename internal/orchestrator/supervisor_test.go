package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muniworks/prelude/internal/harness"
	"muniworks/prelude/internal/sequencer"
)

// --- mock implementations ---

type mockDatabasePreparer struct {
	ensureErr   error
	validateErr error
	probe       ProbeResult
}

func (m *mockDatabasePreparer) EnsureDatabase(_ context.Context) error { return m.ensureErr }
func (m *mockDatabasePreparer) ValidateSchema(_ context.Context) error { return m.validateErr }
func (m *mockDatabasePreparer) Probe(_ context.Context) ProbeResult    { return m.probe }

type mockCloudInitializer struct {
	initErr error
	probe   ProbeResult
}

func (m *mockCloudInitializer) Initialize(_ context.Context) error  { return m.initErr }
func (m *mockCloudInitializer) Probe(_ context.Context) ProbeResult { return m.probe }

type mockReportSink struct {
	name      string
	recordErr error
	probe     ProbeResult

	mu      sync.Mutex
	reports []*StartupReport
}

func (m *mockReportSink) Name() string { return m.name }

func (m *mockReportSink) Record(_ context.Context, r *StartupReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, r)
	return m.recordErr
}

func (m *mockReportSink) Probe(_ context.Context) ProbeResult { return m.probe }

func (m *mockReportSink) recorded() []*StartupReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*StartupReport(nil), m.reports...)
}

// blockingDatabasePreparer blocks in EnsureDatabase until released,
// used to test the concurrent startup guard.
type blockingDatabasePreparer struct {
	ready chan struct{} // closed when EnsureDatabase is entered
	done  chan struct{} // close to unblock EnsureDatabase
}

func (b *blockingDatabasePreparer) EnsureDatabase(_ context.Context) error {
	close(b.ready)
	<-b.done
	return nil
}
func (b *blockingDatabasePreparer) ValidateSchema(_ context.Context) error { return nil }
func (b *blockingDatabasePreparer) Probe(_ context.Context) ProbeResult {
	return ProbeResult{Name: "database", OK: true}
}

// --- helpers ---

func okDB() *mockDatabasePreparer {
	return &mockDatabasePreparer{probe: ProbeResult{Name: "database", OK: true}}
}

func okCloud() *mockCloudInitializer {
	return &mockCloudInitializer{probe: ProbeResult{Name: "azure", OK: true}}
}

func okSink(name string) *mockReportSink {
	return &mockReportSink{name: name, probe: ProbeResult{Name: name, OK: true}}
}

func testConfig() Config {
	return Config{ObservationWindow: time.Second, FallbackClose: time.Second}
}

func newTestSupervisor(db DatabasePreparer, cloud CloudInitializer, sinks ...ReportSink) *Supervisor {
	return New(db, cloud, sinks, harness.Hooks{}, nil, testConfig())
}

// --- tests ---

func TestRunStartup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		db            *mockDatabasePreparer
		cloud         *mockCloudInitializer
		wantStatus    string
		wantError     string
		wantStepOrder []string
		wantMetrics   bool
	}{
		{
			name:          "all steps succeed",
			db:            okDB(),
			cloud:         okCloud(),
			wantStatus:    StatusOK,
			wantStepOrder: []string{"ensure_database", "validate_schema", "initialize_azure"},
			wantMetrics:   true,
		},
		{
			name:          "ensure database fails",
			db:            &mockDatabasePreparer{ensureErr: errors.New("create database refused")},
			cloud:         okCloud(),
			wantStatus:    StatusError,
			wantError:     "create database refused",
			wantStepOrder: []string{"ensure_database"},
		},
		{
			name:          "schema validation fails",
			db:            &mockDatabasePreparer{validateErr: errors.New("missing table: budget_periods")},
			cloud:         okCloud(),
			wantStatus:    StatusError,
			wantError:     "missing table: budget_periods",
			wantStepOrder: []string{"ensure_database", "validate_schema"},
		},
		{
			name:          "azure initialization fails",
			db:            okDB(),
			cloud:         &mockCloudInitializer{initErr: errors.New("container create: 403")},
			wantStatus:    StatusError,
			wantError:     "container create: 403",
			wantStepOrder: []string{"ensure_database", "validate_schema", "initialize_azure"},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sink := okSink("nats")
			s := newTestSupervisor(tc.db, tc.cloud, sink)

			report, err := s.RunStartup(context.Background())

			require.NoError(t, err)
			require.NotNil(t, report)
			assert.Equal(t, tc.wantStatus, report.Status)
			assert.Equal(t, tc.wantError, report.Error)
			assert.Equal(t, tc.wantStepOrder, report.StepOrder)
			assert.NotEmpty(t, report.Events)
			assert.NotZero(t, report.StartedAt)
			assert.NotZero(t, report.CompletedAt)

			if tc.wantMetrics {
				require.NotNil(t, report.Metrics)
				assert.Len(t, report.Metrics, 4)
				assert.Contains(t, report.Metrics, "total_ms")
			} else {
				assert.Nil(t, report.Metrics)
			}

			// The sink received the exact report the caller got.
			recorded := sink.recorded()
			require.Len(t, recorded, 1)
			assert.Same(t, report, recorded[0])
		})
	}
}

func TestRunStartup_EventNarrative(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(okDB(), okCloud())
	report, err := s.RunStartup(context.Background())

	require.NoError(t, err)
	assert.Equal(t, []string{
		harness.EventSplashShown,
		harness.EventBackgroundComplete,
		harness.EventSplashClosed,
	}, report.Events)
}

func TestRunStartup_IsReady(t *testing.T) {
	t.Parallel()

	t.Run("not ready before startup", func(t *testing.T) {
		t.Parallel()
		s := newTestSupervisor(okDB(), okCloud())
		assert.False(t, s.IsReady())
		assert.Nil(t, s.LastReport())
	})

	t.Run("ready after successful startup", func(t *testing.T) {
		t.Parallel()
		s := newTestSupervisor(okDB(), okCloud())
		report, err := s.RunStartup(context.Background())
		require.NoError(t, err)
		assert.True(t, s.IsReady())
		assert.Same(t, report, s.LastReport())
	})

	t.Run("not ready after failed startup", func(t *testing.T) {
		t.Parallel()
		s := newTestSupervisor(&mockDatabasePreparer{ensureErr: errors.New("down")}, okCloud())
		_, err := s.RunStartup(context.Background())
		require.NoError(t, err)
		assert.False(t, s.IsReady())
	})
}

func TestRunStartup_InProgressGuard(t *testing.T) {
	t.Parallel()

	blocker := &blockingDatabasePreparer{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	s := newTestSupervisor(blocker, okCloud())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = s.RunStartup(context.Background())
	}()

	// Wait until the first run has entered the database step.
	<-blocker.ready

	_, err := s.RunStartup(context.Background())
	assert.ErrorIs(t, err, ErrStartupInProgress)
	assert.True(t, s.IsStartupInProgress())

	close(blocker.done)
	wg.Wait()
	assert.False(t, s.IsStartupInProgress())

	// The guard clears after completion; a fresh run is accepted.
	s2 := newTestSupervisor(okDB(), okCloud())
	_, err = s2.RunStartup(context.Background())
	assert.NoError(t, err)
}

func TestRunStartup_Cancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := &blockingValidate{ready: make(chan struct{})}
	s := newTestSupervisor(db, okCloud())

	reportCh := make(chan *StartupReport, 1)
	go func() {
		report, err := s.RunStartup(ctx)
		assert.NoError(t, err)
		reportCh <- report
	}()

	// Cancel once the run is inside the schema validation step.
	<-db.ready
	cancel()

	report := <-reportCh
	require.NotNil(t, report)
	assert.Equal(t, StatusCancelled, report.Status)
	assert.Equal(t, []string{"ensure_database", "validate_schema"}, report.StepOrder)
	assert.Nil(t, report.Metrics)
}

// blockingValidate holds ValidateSchema open until its context is
// cancelled, used to land a cancellation mid-sequence.
type blockingValidate struct {
	ready chan struct{} // closed when ValidateSchema is entered
}

func (b *blockingValidate) EnsureDatabase(_ context.Context) error { return nil }

func (b *blockingValidate) ValidateSchema(ctx context.Context) error {
	close(b.ready)
	<-ctx.Done()
	return ctx.Err()
}

func (b *blockingValidate) Probe(_ context.Context) ProbeResult {
	return ProbeResult{Name: "database", OK: true}
}

func TestRunStartup_SinkFailureTolerated(t *testing.T) {
	t.Parallel()

	sink := &mockReportSink{name: "redis", recordErr: errors.New("SET failed")}
	s := newTestSupervisor(okDB(), okCloud(), sink)

	report, err := s.RunStartup(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StatusOK, report.Status)
	assert.Len(t, sink.recorded(), 1)
}

func TestRunDeepHealth(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		db     *mockDatabasePreparer
		cloud  *mockCloudInitializer
		sinks  []ReportSink
		wantOK map[string]bool
	}{
		{
			name:  "all healthy",
			db:    okDB(),
			cloud: okCloud(),
			sinks: []ReportSink{okSink("nats"), okSink("redis")},
			wantOK: map[string]bool{
				"database": true,
				"azure":    true,
				"nats":     true,
				"redis":    true,
			},
		},
		{
			name:  "database unhealthy",
			db:    &mockDatabasePreparer{probe: ProbeResult{Name: "database", OK: false, Error: "timeout"}},
			cloud: okCloud(),
			sinks: []ReportSink{okSink("nats")},
			wantOK: map[string]bool{
				"database": false,
				"azure":    true,
				"nats":     true,
			},
		},
		{
			name:  "no sinks configured",
			db:    okDB(),
			cloud: okCloud(),
			wantOK: map[string]bool{
				"database": true,
				"azure":    true,
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			s := New(tc.db, tc.cloud, tc.sinks, harness.Hooks{}, nil, testConfig())
			results := s.RunDeepHealth(context.Background())

			assert.Len(t, results, len(tc.wantOK))
			for name, wantOK := range tc.wantOK {
				probe, ok := results[name]
				require.True(t, ok, "expected result for %q", name)
				assert.Equal(t, wantOK, probe.OK, "probe %q OK mismatch", name)
			}
		})
	}
}

func TestRunStartup_MetricsCoverEveryStep(t *testing.T) {
	t.Parallel()

	s := newTestSupervisor(okDB(), okCloud())
	report, err := s.RunStartup(context.Background())

	require.NoError(t, err)
	require.NotNil(t, report.Metrics)
	for _, key := range []string{
		sequencer.MetricEnsureDatabase,
		sequencer.MetricValidateSchema,
		sequencer.MetricInitializeAzure,
		sequencer.MetricTotal,
	} {
		assert.Contains(t, report.Metrics, key)
	}
}
