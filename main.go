// Package main provides the entry point for the Cat-Emails core engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/catemails/engine/cmd/server"
	"github.com/catemails/engine/internal/config"
)

const (
	defaultConfigPath     = "."
	defaultStartupRetries = 3
	defaultRetryDelay     = 5 * time.Second
)

var (
	serverStartupTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catemails_engine_startup_timestamp",
		Help: "Timestamp when the engine process started",
	})

	serverShutdownTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catemails_engine_shutdown_timestamp",
		Help: "Timestamp when the engine process shut down",
	})

	startupAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catemails_engine_startup_attempts_total",
		Help: "Total number of engine startup attempts",
	})

	startupErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catemails_engine_startup_errors_total",
		Help: "Total number of engine startup errors",
	})
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer logger.Sync()

	cfg, err := config.Load(defaultConfigPath, os.Getenv("ENV"))
	if err != nil {
		logger.Fatal("failed to load configuration",
			zap.Error(err),
			zap.String("config_path", defaultConfigPath),
		)
	}

	srv, err := initializeServer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize server",
			zap.Error(err),
			zap.Int("max_retries", defaultStartupRetries),
		)
	}

	serverStartupTime.SetToCurrentTime()

	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	sig := <-setupSignalHandler()
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	serverShutdownTime.SetToCurrentTime()

	shutdownGrace := cfg.ShutdownTimeout
	if shutdownGrace <= 0 {
		shutdownGrace = config.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown server gracefully",
			zap.Error(err),
			zap.Duration("timeout", shutdownGrace),
		)
		os.Exit(1)
	}

	logger.Info("server shutdown completed successfully")
}

// setupSignalHandler creates a channel fed by the signals that should
// trigger a graceful shutdown.
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	return sigChan
}

// initializeServer attempts to construct the server with retries, since a
// transient DSN/DNS failure at startup shouldn't be fatal on the first try.
func initializeServer(cfg *config.Config, logger *zap.Logger) (*server.Server, error) {
	var srv *server.Server
	var err error

	for attempt := 1; attempt <= defaultStartupRetries; attempt++ {
		startupAttempts.Inc()

		srv, err = server.NewServer(cfg, logger)
		if err == nil {
			return srv, nil
		}

		startupErrors.Inc()
		logger.Warn("server initialization attempt failed",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", defaultStartupRetries),
		)

		if attempt < defaultStartupRetries {
			time.Sleep(defaultRetryDelay * time.Duration(attempt))
		}
	}

	return nil, err
}
