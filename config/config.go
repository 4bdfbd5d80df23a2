// Package config centralises runtime configuration for execgate services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where execgate operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Credentials captures API credentials used for authenticated requests.
type Credentials struct {
	APIKey    string `yaml:"apiKey"`
	AccountID string `yaml:"accountID"`
}

// BrokerSettings aggregates transport and credential configuration for the
// trading API.
type BrokerSettings struct {
	Name          string        `yaml:"name"`
	RESTBaseURL   string        `yaml:"restBaseURL"`
	Credentials   Credentials   `yaml:"credentials"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout"`
	OrdersPerSec  float64       `yaml:"ordersPerSec"`
	LatencyTarget time.Duration `yaml:"latencyTarget"`
}

// PoolSettings configures the connection pool.
type PoolSettings struct {
	Size                int           `yaml:"size"`
	MaxIdleTime         time.Duration `yaml:"maxIdleTime"`
	AcquireTimeout      time.Duration `yaml:"acquireTimeout"`
	HealthCheckWindow   time.Duration `yaml:"healthCheckWindow"`
	MaintenanceInterval time.Duration `yaml:"maintenanceInterval"`
}

// ReconnectSettings configures the reconnection manager.
type ReconnectSettings struct {
	MaxRetries        int           `yaml:"maxRetries"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffFactor     float64       `yaml:"backoffFactor"`
	CircuitResetAfter time.Duration `yaml:"circuitResetAfter"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

// RetrySettings configures the rejection retry loop.
type RetrySettings struct {
	MaxAttempts     int             `yaml:"maxAttempts"`
	PollInterval    time.Duration   `yaml:"pollInterval"`
	BackoffDelays   []time.Duration `yaml:"backoffDelays"`
	MarketHoursWait time.Duration   `yaml:"marketHoursWait"`
	Workers         int             `yaml:"workers"`
	QueueDepth      int             `yaml:"queueDepth"`
}

// FeedSettings configures the dashboard event feed server.
type FeedSettings struct {
	Addr string `yaml:"addr"`
}

// DatabaseSettings configures the order audit log.
type DatabaseSettings struct {
	DSN string `yaml:"dsn"`
}

// TelemetrySettings configures the OpenTelemetry exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Settings contains the execgate configuration tree loaded from defaults and
// overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Broker      BrokerSettings    `yaml:"broker"`
	Pool        PoolSettings      `yaml:"pool"`
	Reconnect   ReconnectSettings `yaml:"reconnect"`
	Retry       RetrySettings     `yaml:"retry"`
	Feed        FeedSettings      `yaml:"feed"`
	Database    DatabaseSettings  `yaml:"database"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default execgate configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Broker: BrokerSettings{
			Name:          "oanda",
			RESTBaseURL:   "https://api-fxpractice.oanda.com",
			Credentials:   Credentials{APIKey: "", AccountID: ""},
			HTTPTimeout:   10 * time.Second,
			OrdersPerSec:  20,
			LatencyTarget: 100 * time.Millisecond,
		},
		Pool: PoolSettings{
			Size:                5,
			MaxIdleTime:         5 * time.Minute,
			AcquireTimeout:      5 * time.Second,
			HealthCheckWindow:   30 * time.Second,
			MaintenanceInterval: 60 * time.Second,
		},
		Reconnect: ReconnectSettings{
			MaxRetries:        5,
			InitialDelay:      time.Second,
			MaxDelay:          30 * time.Second,
			BackoffFactor:     2.0,
			CircuitResetAfter: 5 * time.Minute,
			SweepInterval:     30 * time.Second,
		},
		Retry: RetrySettings{
			MaxAttempts:     3,
			PollInterval:    time.Second,
			BackoffDelays:   []time.Duration{time.Second, 5 * time.Second, 15 * time.Second},
			MarketHoursWait: 15 * time.Minute,
			Workers:         4,
			QueueDepth:      64,
		},
		Feed:      FeedSettings{Addr: "localhost:8787"},
		Database:  DatabaseSettings{DSN: ""},
		Telemetry: TelemetrySettings{OTLPEndpoint: "", ServiceName: "execgate"},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("EXECGATE_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_BROKER_BASE_URL")); v != "" {
		cfg.Broker.RESTBaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_BROKER_API_KEY")); v != "" {
		cfg.Broker.Credentials.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_BROKER_ACCOUNT_ID")); v != "" {
		cfg.Broker.Credentials.AccountID = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_HTTP_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Broker.HTTPTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_POOL_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.Size = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_DATABASE_DSN")); v != "" {
		cfg.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_FEED_ADDR")); v != "" {
		cfg.Feed.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("EXECGATE_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	return cfg
}

// LoadFile reads settings from a YAML file layered over FromEnv values.
// A missing file is not an error; the env-derived settings are returned.
func LoadFile(path string) (Settings, bool, error) {
	cfg := FromEnv()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, false, nil
	}
	raw, err := os.ReadFile(trimmed)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, false, nil
		}
		return cfg, false, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, false, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, true, nil
}

// Validate reports configuration mistakes that would prevent startup.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.Broker.RESTBaseURL) == "" {
		return fmt.Errorf("broker REST base URL required")
	}
	if s.Pool.Size <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", s.Pool.Size)
	}
	if s.Reconnect.MaxRetries <= 0 {
		return fmt.Errorf("reconnect max retries must be positive, got %d", s.Reconnect.MaxRetries)
	}
	if s.Reconnect.BackoffFactor < 1 {
		return fmt.Errorf("reconnect backoff factor must be >= 1, got %v", s.Reconnect.BackoffFactor)
	}
	if s.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive, got %d", s.Retry.MaxAttempts)
	}
	if len(s.Retry.BackoffDelays) == 0 {
		return fmt.Errorf("retry backoff delay table must not be empty")
	}
	return nil
}
