package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muniworks/prelude/internal/clients"
	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/orchestrator"
)

// fakePublisher is a test double for natsPublisher. It records published
// messages and returns preconfigured errors.
type fakePublisher struct {
	publishErr error
	flushErr   error

	subjects []string
	payloads [][]byte
	flushes  int
}

func (f *fakePublisher) Publish(subj string, data []byte) error {
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return f.publishErr
}

func (f *fakePublisher) Flush() error {
	f.flushes++
	return f.flushErr
}

// makeNATSSink builds a NATSSink backed by the provided fakePublisher.
func makeNATSSink(pub natsPublisher, cb *gobreaker.CircuitBreaker) *NATSSink {
	return &NATSSink{
		subject: DefaultSubject,
		cb:      cb,
		newConn: func(_ string) (natsPublisher, func(), error) {
			return pub, func() {}, nil
		},
		url: "nats://localhost:4222",
	}
}

// makeNATSSinkWithConnErr builds a NATSSink whose connection always fails.
func makeNATSSinkWithConnErr(connErr error, cb *gobreaker.CircuitBreaker) *NATSSink {
	return &NATSSink{
		subject: DefaultSubject,
		cb:      cb,
		newConn: func(_ string) (natsPublisher, func(), error) {
			return nil, func() {}, connErr
		},
		url: "nats://localhost:4222",
	}
}

func sampleReport() *orchestrator.StartupReport {
	return &orchestrator.StartupReport{
		Status:    orchestrator.StatusOK,
		StepOrder: []string{"ensure_database", "validate_schema", "initialize_azure"},
		Metrics:   map[string]float64{"total_ms": 12.5},
		Host:      "clerk-ws-04",
	}
}

func TestNewNATSSink(t *testing.T) {
	t.Parallel()

	cb := clients.NewCircuitBreaker("new-nats-sink")
	sink := NewNATSSink(config.NATSConfig{URL: "nats://fleet:4222"}, cb)

	assert.Equal(t, "nats", sink.Name())
	assert.Equal(t, DefaultSubject, sink.subject, "empty subject falls back to the default")
	assert.NotNil(t, sink.newConn)

	custom := NewNATSSink(config.NATSConfig{URL: "nats://fleet:4222", Subject: "ops.startup"}, cb)
	assert.Equal(t, "ops.startup", custom.subject)
}

func TestNATSRecord_PublishesReport(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{}
	sink := makeNATSSink(pub, clients.NewCircuitBreaker("nats-record"))

	err := sink.Record(context.Background(), sampleReport())

	require.NoError(t, err)
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, DefaultSubject, pub.subjects[0])
	assert.Equal(t, 1, pub.flushes, "publish must be flushed")

	var got orchestrator.StartupReport
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	assert.Equal(t, orchestrator.StatusOK, got.Status)
	assert.Equal(t, "clerk-ws-04", got.Host)
	assert.Len(t, got.StepOrder, 3)
}

func TestNATSRecord_PublishError(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{publishErr: errors.New("no responders")}
	sink := makeNATSSink(pub, clients.NewCircuitBreaker("nats-record-err"))

	err := sink.Record(context.Background(), sampleReport())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "publishing to "+DefaultSubject)
}

func TestNATSRecord_FlushError(t *testing.T) {
	t.Parallel()

	pub := &fakePublisher{flushErr: errors.New("connection reset")}
	sink := makeNATSSink(pub, clients.NewCircuitBreaker("nats-flush-err"))

	err := sink.Record(context.Background(), sampleReport())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "flushing publish")
}

func TestNATSRecord_ConnectError(t *testing.T) {
	t.Parallel()

	sink := makeNATSSinkWithConnErr(errors.New("dial tcp: connection refused"), clients.NewCircuitBreaker("nats-conn-err"))

	err := sink.Record(context.Background(), sampleReport())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connecting to NATS")
}

func TestNATSProbe_Success(t *testing.T) {
	t.Parallel()

	sink := makeNATSSink(&fakePublisher{}, clients.NewCircuitBreaker("nats-probe-ok"))
	result := sink.Probe(context.Background())

	assert.Equal(t, "nats", result.Name)
	assert.True(t, result.OK)
	assert.Empty(t, result.Error)
}

func TestNATSProbe_ConnectionFailure(t *testing.T) {
	t.Parallel()

	sink := makeNATSSinkWithConnErr(errors.New("connection refused"), clients.NewCircuitBreaker("nats-probe-fail"))
	result := sink.Probe(context.Background())

	assert.Equal(t, "nats", result.Name)
	assert.False(t, result.OK)
	assert.Contains(t, result.Error, "connection refused")
}

func TestNATSProbe_CircuitOpenAfterThreeFailures(t *testing.T) {
	t.Parallel()

	cb := clients.NewCircuitBreaker("nats-probe-cb-open")
	sink := makeNATSSinkWithConnErr(errors.New("connection refused"), cb)

	for i := range 3 {
		result := sink.Probe(context.Background())
		assert.False(t, result.OK, "probe %d should fail", i+1)
		assert.NotEqual(t, "circuit open", result.Error,
			"probe %d should not be circuit-open yet", i+1)
	}

	result := sink.Probe(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, "circuit open", result.Error)
}
