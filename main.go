// Relay Agent - remote workspace execution server for orchestrating agents
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/workspace/relay-agent/internal/config"
	"github.com/workspace/relay-agent/internal/logging"
	"github.com/workspace/relay-agent/internal/server"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("Relay agent failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("relay-agent", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", os.Getenv("RELAY_CONFIG"), "path to a YAML config file")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: json, text")
	if err := flags.Parse(args); err != nil {
		return err
	}

	logging.Setup(logging.Options{Level: *logLevel, Format: *logFormat, Service: "relay-agent"})
	slog.Info("Starting relay agent...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	slog.Info("Configuration loaded", "port", cfg.Port, "api", cfg.HatchVMAPIURL, "sshHost", cfg.HatchVMSSHHost)

	srv, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case serveErr = <-errCh:
		slog.Error("Server error", "error", serveErr)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("Relay agent stopped")
	return serveErr
}
