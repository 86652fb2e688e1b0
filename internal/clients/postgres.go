package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"muniworks/prelude/internal/config"
	"muniworks/prelude/internal/orchestrator"
)

const databaseProbeName = "database"

// pgDuplicateDatabase is the SQLSTATE Postgres reports when the database
// already exists at CREATE time.
const pgDuplicateDatabase = "42P04"

// requiredTables is the schema contract the host application needs
// before it can open its main window.
var requiredTables = []string{
	"schema_migrations",
	"accounts",
	"meter_readings",
	"budget_periods",
}

// dbPool abstracts the pgxpool.Pool methods used by the client so that
// tests can inject a fake without standing up a real database.
type dbPool interface {
	Ping(ctx context.Context) error
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresClient prepares and validates the host application's database.
// Pools are opened lazily per operation and every operation runs inside
// the client's circuit breaker.
type PostgresClient struct {
	cfg     config.PostgresConfig
	cb      *gobreaker.CircuitBreaker
	connect func(ctx context.Context, cfg config.PostgresConfig, database string) (dbPool, error)
}

// NewPostgresClient creates a PostgresClient. No connection is made at
// construction time.
func NewPostgresClient(cfg config.PostgresConfig, cb *gobreaker.CircuitBreaker) *PostgresClient {
	return &PostgresClient{
		cfg:     cfg,
		cb:      cb,
		connect: realConnect,
	}
}

// EnsureDatabase creates the application database when it does not exist
// yet, going through the maintenance database. Losing a create race to
// another process counts as success.
func (c *PostgresClient) EnsureDatabase(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg, c.cfg.MaintenanceDB)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var one int
		row := pool.QueryRow(ctx, "SELECT 1 FROM pg_database WHERE datname=$1", c.cfg.DB)
		err = row.Scan(&one)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("checking pg_database: %w", err)
		}

		_, err = pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{c.cfg.DB}.Sanitize())
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgDuplicateDatabase {
			// Lost the race; the database is there, which is all we need.
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("creating database %s: %w", c.cfg.DB, err)
		}
		return nil, nil
	})
	return err
}

// ValidateSchema verifies every table the application depends on exists
// in the public schema of the application database. All missing tables
// are reported at once.
func (c *PostgresClient) ValidateSchema(ctx context.Context) error {
	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg, c.cfg.DB)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var missing []string
		for _, table := range requiredTables {
			var one int
			row := pool.QueryRow(ctx,
				"SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name=$1",
				table,
			)
			if err := row.Scan(&one); err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					missing = append(missing, table)
					continue
				}
				return nil, fmt.Errorf("checking table %s: %w", table, err)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("missing tables: %s", strings.Join(missing, ", "))
		}
		return nil, nil
	})
	return err
}

// Probe pings the application database and verifies the
// schema_migrations table exists in the public schema. Persistent
// failures trip the breaker after three consecutive errors.
func (c *PostgresClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()

	_, err := c.cb.Execute(func() (any, error) {
		pool, err := c.connect(ctx, c.cfg, c.cfg.DB)
		if err != nil {
			return nil, err
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping: %w", err)
		}

		var one int
		row := pool.QueryRow(ctx,
			"SELECT 1 FROM information_schema.tables WHERE table_schema='public' AND table_name='schema_migrations'",
		)
		if err := row.Scan(&one); err != nil {
			return nil, fmt.Errorf("schema_migrations table not found: %w", err)
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
			Name:      databaseProbeName,
			OK:        false,
			LatencyMs: latency,
			Error:     errMsg,
		}
	}

	return orchestrator.ProbeResult{
		Name:      databaseProbeName,
		OK:        true,
		LatencyMs: latency,
	}
}

// realConnect opens a pgxpool.Pool against the named database.
func realConnect(ctx context.Context, cfg config.PostgresConfig, database string) (dbPool, error) {
	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, database, cfg.SSLMode,
	)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}

	return pool, nil
}
