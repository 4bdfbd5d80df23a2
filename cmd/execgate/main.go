// Command execgate launches the broker execution gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meridianfx/execgate/config"
	"github.com/meridianfx/execgate/internal/broker"
	"github.com/meridianfx/execgate/internal/connpool"
	"github.com/meridianfx/execgate/internal/executor"
	"github.com/meridianfx/execgate/internal/feed"
	"github.com/meridianfx/execgate/internal/fills"
	"github.com/meridianfx/execgate/internal/observability"
	"github.com/meridianfx/execgate/internal/reconnect"
	"github.com/meridianfx/execgate/internal/store/orderlog"
	"github.com/meridianfx/execgate/internal/store/postgres"
	"github.com/meridianfx/execgate/internal/telemetry"
	"github.com/meridianfx/execgate/lib/async"
)

const (
	defaultConfigPath        = "config/execgate.yaml"
	shutdownTimeout          = 30 * time.Second
	feedShutdownTimeout      = 5 * time.Second
	handlerShutdownTimeout   = 5 * time.Second
	reconnectShutdownTimeout = 5 * time.Second
	poolShutdownTimeout      = 5 * time.Second
	workerShutdownTimeout    = 10 * time.Second
	storeShutdownTimeout     = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	bootstrapTimeout         = 30 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := observability.NewSlogLogger(nil)
	observability.SetLogger(logger)

	cfg, loadedFromFile, err := config.LoadFile(cfgPath)
	if err != nil {
		fatal(logger, "load config", err)
	}
	if !loadedFromFile {
		logger.Info("configuration file not found, using env and defaults",
			observability.F("path", cfgPath))
	}
	if err := cfg.Validate(); err != nil {
		fatal(logger, "validate config", err)
	}
	logger.Info("configuration initialised",
		observability.F("environment", string(cfg.Environment)),
		observability.F("broker", cfg.Broker.Name),
		observability.F("pool_size", cfg.Pool.Size))

	collector, telemetryShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatal(logger, "initialise telemetry", err)
	}
	observability.SetMetrics(collector)

	audit, err := openAuditStore(ctx, logger, cfg.Database)
	if err != nil {
		fatal(logger, "initialise order log", err)
	}

	workers, err := async.NewPool(cfg.Retry.Workers, cfg.Retry.QueueDepth)
	if err != nil {
		fatal(logger, "initialise worker pool", err)
	}

	auth := broker.StaticAuthenticator{
		BaseURL: cfg.Broker.RESTBaseURL,
		APIKey:  cfg.Broker.Credentials.APIKey,
	}
	clientCfg := broker.ClientConfig{
		HTTPTimeout:  cfg.Broker.HTTPTimeout,
		OrdersPerSec: cfg.Broker.OrdersPerSec,
	}

	pool := connpool.New(auth, connpool.Config{
		Size:                cfg.Pool.Size,
		MaxIdleTime:         cfg.Pool.MaxIdleTime,
		AcquireTimeout:      cfg.Pool.AcquireTimeout,
		HealthCheckWindow:   cfg.Pool.HealthCheckWindow,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		ClientConfig:        clientCfg,
	})

	manager := reconnect.New(reconnect.Config{
		MaxRetries:        cfg.Reconnect.MaxRetries,
		InitialDelay:      cfg.Reconnect.InitialDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		BackoffFactor:     cfg.Reconnect.BackoffFactor,
		CircuitResetAfter: cfg.Reconnect.CircuitResetAfter,
		SweepInterval:     cfg.Reconnect.SweepInterval,
	})
	if accountID := cfg.Broker.Credentials.AccountID; accountID != "" {
		manager.Register(accountID, accountProbe(auth, clientCfg, accountID))
	}

	feedServer := feed.NewServer(cfg.Feed.Addr)
	feedAddr, err := feedServer.Start()
	if err != nil {
		fatal(logger, "start event feed", err)
	}
	manager.Subscribe(feedServer)
	logger.Info("event feed listening", observability.F("addr", feedAddr))

	exec := executor.New(pool, audit, workers, executor.Config{
		LatencyTarget: cfg.Broker.LatencyTarget,
	})

	handler := fills.NewHandler(exec, audit, workers, fills.Config{
		Policy: fills.Policy{
			MaxAttempts:     cfg.Retry.MaxAttempts,
			BackoffDelays:   cfg.Retry.BackoffDelays,
			MarketHoursWait: cfg.Retry.MarketHoursWait,
		},
		PollInterval: cfg.Retry.PollInterval,
	})

	logger.Info("execgate started, awaiting shutdown signal")
	<-ctx.Done()
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		feed:              feedServer,
		handler:           handler,
		manager:           manager,
		pool:              pool,
		workers:           workers,
		audit:             audit,
		telemetryShutdown: telemetryShutdown,
	})
	logger.Info("shutdown completed", observability.F("elapsed", time.Since(shutdownStart).String()))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "path to the execgate configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func fatal(logger observability.Logger, step string, err error) {
	logger.Error(step+" failed", observability.F("error", err.Error()))
	os.Exit(1)
}

// openAuditStore connects the PostgreSQL order log when a DSN is configured
// and falls back to the in-memory no-op sink otherwise.
func openAuditStore(ctx context.Context, logger observability.Logger, cfg config.DatabaseSettings) (orderlog.Store, error) {
	if cfg.DSN == "" {
		logger.Info("order log database not configured, audit records discarded")
		return orderlog.NopStore{}, nil
	}
	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	defer cancel()
	if err := postgres.Migrate(bootCtx, cfg.DSN); err != nil {
		return nil, fmt.Errorf("migrate order log: %w", err)
	}
	store, err := postgres.Connect(bootCtx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect order log: %w", err)
	}
	return store, nil
}

// accountProbe builds the reconnection attempt for one account: authenticate
// fresh credentials and verify them with the account summary endpoint.
func accountProbe(auth broker.Authenticator, clientCfg broker.ClientConfig, accountID string) reconnect.ReconnectFunc {
	return func(ctx context.Context) error {
		session, err := auth.Authenticate(ctx, accountID)
		if err != nil {
			return err
		}
		client := broker.NewClient(session, clientCfg)
		if _, err := client.CheckAccount(ctx); err != nil {
			return err
		}
		return nil
	}
}

type gracefulShutdownConfig struct {
	feed              *feed.Server
	handler           *fills.Handler
	manager           *reconnect.Manager
	pool              *connpool.Pool
	workers           *async.Pool
	audit             orderlog.Store
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger observability.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Info("shutdown step started", observability.F("step", name))
		if err := fn(stepCtx); err != nil {
			logger.Warn("shutdown step failed",
				observability.F("step", name), observability.F("error", err.Error()))
			return
		}
		logger.Info("shutdown step completed", observability.F("step", name))
	}

	if cfg.feed != nil {
		shutdownStep("stopping event feed", feedShutdownTimeout, cfg.feed.Shutdown)
	}
	if cfg.handler != nil {
		shutdownStep("stopping retry handler", handlerShutdownTimeout, func(context.Context) error {
			cfg.handler.Close()
			return nil
		})
	}
	if cfg.manager != nil {
		shutdownStep("stopping reconnection manager", reconnectShutdownTimeout, func(context.Context) error {
			cfg.manager.Shutdown()
			return nil
		})
	}
	if cfg.pool != nil {
		shutdownStep("closing connection pool", poolShutdownTimeout, func(context.Context) error {
			cfg.pool.Close()
			return nil
		})
	}
	if cfg.workers != nil {
		shutdownStep("draining worker pool", workerShutdownTimeout, cfg.workers.Shutdown)
	}
	if cfg.audit != nil {
		shutdownStep("closing order log", storeShutdownTimeout, func(context.Context) error {
			cfg.audit.Close()
			return nil
		})
	}
	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}
