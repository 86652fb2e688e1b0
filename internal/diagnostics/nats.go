// Package diagnostics publishes finished startup reports to optional
// fleet sinks so operators can watch workstation startup health in one
// place.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sony/gobreaker"

	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/orchestrator"
)

const (
	natsSinkName = "nats"

	// DefaultSubject is used when no subject is configured.
	DefaultSubject = "prelude.startup.report"
)

// natsPublisher is the subset of *nats.Conn the sink uses. Defining an
// interface here allows test doubles to be injected without a live
// NATS server.
type natsPublisher interface {
	Publish(subj string, data []byte) error
	Flush() error
}

// NATSSink publishes each startup report as JSON to a fleet subject.
type NATSSink struct {
	subject string
	cb      *gobreaker.CircuitBreaker
	newConn func(url string) (natsPublisher, func(), error)
	url     string
}

// NewNATSSink constructs a NATSSink. No connection is made at
// construction time; connections are opened lazily inside Record and
// Probe.
func NewNATSSink(cfg config.NATSConfig, cb *gobreaker.CircuitBreaker) *NATSSink {
	subject := cfg.Subject
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{
		subject: subject,
		cb:      cb,
		newConn: realNewConn,
		url:     cfg.URL,
	}
}

// Name identifies the sink in probe maps and log lines.
func (s *NATSSink) Name() string { return natsSinkName }

// Record publishes the report to the configured subject and flushes so
// a broker-side failure surfaces here rather than silently later.
func (s *NATSSink) Record(ctx context.Context, report *orchestrator.StartupReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshalling startup report: %w", err)
	}

	_, err = s.cb.Execute(func() (any, error) {
		conn, cleanup, err := s.newConn(s.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		if err := conn.Publish(s.subject, payload); err != nil {
			return nil, fmt.Errorf("publishing to %s: %w", s.subject, err)
		}
		if err := conn.Flush(); err != nil {
			return nil, fmt.Errorf("flushing publish: %w", err)
		}
		return nil, nil
	})
	return err
}

// Probe verifies the broker is reachable with a connect and flush
// round-trip.
func (s *NATSSink) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := s.cb.Execute(func() (any, error) {
		conn, cleanup, err := s.newConn(s.url)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		defer cleanup()

		if err := conn.Flush(); err != nil {
			return nil, fmt.Errorf("flush: %w", err)
		}
		return nil, nil
	})

	latency := time.Since(start).Milliseconds()

	if err != nil {
		errMsg := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			errMsg = "circuit open"
		}
		return orchestrator.ProbeResult{
			Name:      natsSinkName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      natsSinkName,
		OK:        true,
		LatencyMs: latency,
	}
}

// realNewConn opens a real NATS connection and returns it plus a
// cleanup function that closes it.
func realNewConn(url string) (natsPublisher, func(), error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, func() {}, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, func() { nc.Close() }, nil
}
