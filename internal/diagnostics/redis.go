package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/orchestrator"
)

const redisSinkName = "redis"

// redisCommander is the interface used by RedisSink for storing reports
// and health probing. It is implemented by the real go-redis client and
// by test doubles.
type redisCommander interface {
	SetResult(ctx context.Context, key string, value any, ttl time.Duration) (string, error)
	PingResult(ctx context.Context) (string, error)
	Close() error
}

// realRedisCommander wraps a *redis.Client and adapts it to the
// redisCommander interface. The wrapper exists so tests can inject a
// fake without needing to construct real *redis.StatusCmd values.
type realRedisCommander struct {
	client *redis.Client
}

func (r *realRedisCommander) SetResult(ctx context.Context, key string, value any, ttl time.Duration) (string, error) {
	return r.client.Set(ctx, key, value, ttl).Result()
}

func (r *realRedisCommander) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisCommander) Close() error {
	return r.client.Close()
}

// RedisSink stores each workstation's latest startup report under a
// per-host key with a TTL, so a fleet dashboard can scan the prefix.
type RedisSink struct {
	cfg       config.RedisConfig
	cb        *gobreaker.CircuitBreaker
	commander redisCommander
}

// NewRedisSink creates a RedisSink. No connection is opened at
// construction time; the real go-redis client is built lazily per call.
func NewRedisSink(cfg config.RedisConfig, cb *gobreaker.CircuitBreaker) *RedisSink {
	return &RedisSink{
		cfg: cfg,
		cb:  cb,
	}
}

// Name identifies the sink in probe maps and log lines.
func (s *RedisSink) Name() string { return redisSinkName }

// Record stores the JSON report under <key_prefix><host>. Reports from
// a host with no name fall under the "unknown" key rather than being
// dropped.
func (s *RedisSink) Record(ctx context.Context, report *orchestrator.StartupReport) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshalling startup report: %w", err)
	}

	host := report.Host
	if host == "" {
		host = "unknown"
	}
	key := s.cfg.KeyPrefix + host

	_, err = s.cb.Execute(func() (any, error) {
		c, done := s.acquire()
		defer done()

		if _, err := c.SetResult(ctx, key, payload, s.cfg.TTL); err != nil {
			return nil, fmt.Errorf("storing report at %s: %w", key, err)
		}
		return nil, nil
	})
	return err
}

// Probe sends a PING command to Redis and validates the PONG response.
func (s *RedisSink) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := s.cb.Execute(func() (any, error) {
		c, done := s.acquire()
		defer done()

		val, err := c.PingResult(ctx)
		if err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}
		if val != "PONG" {
			return nil, fmt.Errorf("unexpected PING response: %q", val)
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
			Name:      redisSinkName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      redisSinkName,
		OK:        true,
		LatencyMs: latency,
	}
}

// acquire returns the injected commander, or builds a real client for
// the duration of one call. The done func closes only what acquire
// opened.
func (s *RedisSink) acquire() (redisCommander, func()) {
	if s.commander != nil {
		return s.commander, func() {}
	}
	c := &realRedisCommander{
		client: redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
			Password: s.cfg.Password,
			DB:       s.cfg.DB,
		}),
	}
	return c, func() { c.Close() } //nolint:errcheck
}
