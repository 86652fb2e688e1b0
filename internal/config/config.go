package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for prelude.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Startup     StartupConfig     `mapstructure:"startup"`
	Diagnostics DiagnosticsConfig `mapstructure:"diagnostics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name"`
	LogLevel     string `mapstructure:"log_level"`
}

// StartupConfig drives the splash-to-main-window narrative and the
// three startup steps behind it.
type StartupConfig struct {
	ObservationWindow time.Duration   `mapstructure:"observation_window"`
	FallbackClose     time.Duration   `mapstructure:"fallback_close"`
	Timeout           time.Duration   `mapstructure:"timeout"`
	Rehearsal         RehearsalConfig `mapstructure:"rehearsal"`
	Postgres          PostgresConfig  `mapstructure:"postgres"`
	Azure             AzureConfig     `mapstructure:"azure"`
}

// RehearsalConfig adds artificial latency to the stand-in UI hooks so
// the timing narrative (including the fallback close) can be exercised
// from the command line.
type RehearsalConfig struct {
	SplashDelay time.Duration `mapstructure:"splash_delay"`
	MainDelay   time.Duration `mapstructure:"main_delay"`
}

type PostgresConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	DB            string `mapstructure:"db"`
	MaintenanceDB string `mapstructure:"maintenance_db"`
	SSLMode       string `mapstructure:"ssl_mode"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

type AzureConfig struct {
	AccountURL string `mapstructure:"account_url"`
}

// DiagnosticsConfig configures the optional startup-report sinks. A
// sink with an empty URL or host is not wired at all.
type DiagnosticsConfig struct {
	NATS  NATSConfig  `mapstructure:"nats"`
	Redis RedisConfig `mapstructure:"redis"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type RedisConfig struct {
	Host      string        `mapstructure:"host"`
	Port      int           `mapstructure:"port"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Load reads config from the optional YAML file at path, then overlays
// environment variables with the PRELUDE_ prefix (e.g. PRELUDE_SERVER_PORT).
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("PRELUDE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	// Telemetry is opt-in on workstations; an empty endpoint disables
	// the OTLP exporters entirely.
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.otlp_insecure", true)
	v.SetDefault("telemetry.service_name", "muni-prelude")
	v.SetDefault("telemetry.log_level", "info")

	v.SetDefault("startup.observation_window", 3*time.Second)
	v.SetDefault("startup.fallback_close", 10*time.Second)
	v.SetDefault("startup.timeout", 2*time.Minute)

	v.SetDefault("startup.postgres.host", "localhost")
	v.SetDefault("startup.postgres.port", 5432)
	v.SetDefault("startup.postgres.user", "muniworks")
	v.SetDefault("startup.postgres.db", "muni_budget")
	v.SetDefault("startup.postgres.maintenance_db", "postgres")
	v.SetDefault("startup.postgres.ssl_mode", "disable")
	v.SetDefault("startup.postgres.max_conns", 5)

	v.SetDefault("diagnostics.nats.subject", "prelude.startup.report")

	v.SetDefault("diagnostics.redis.port", 6379)
	v.SetDefault("diagnostics.redis.db", 0)
	v.SetDefault("diagnostics.redis.key_prefix", "prelude:startup:")
	v.SetDefault("diagnostics.redis.ttl", 168*time.Hour)
}
