package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/newsdigest/watchtower/internal/alerting"
	"github.com/newsdigest/watchtower/internal/audit"
	"github.com/newsdigest/watchtower/internal/config"
	"github.com/newsdigest/watchtower/internal/monitor"
	"github.com/newsdigest/watchtower/internal/server"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring service",
	Long: `Run intake, detection, alerting, escalation and notification, and serve
the REST API, the alert stream and /metrics.

Configuration is read from --config (YAML), then WATCHTOWER_* environment
variables. Changes to the log level in the file are applied without a restart.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, configPath)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "/etc/watchtower/config.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, path string) error {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	mon, err := monitor.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}
	defer mon.Close()
	auditLog := mon.Audit()
	defer auditLog.Close()
	logger := mon.Logger()

	srv, err := server.NewServer(cfg, mon, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return err
	}

	correlationID := audit.GenerateCorrelationID()
	_ = auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithCorrelationID(correlationID).
		WithActor(alerting.SystemActor).
		WithDescription("watchtower started").
		WithMetadata("addr", srv.Addr()))

	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s watchtower listening on %s\n", green("✓"), srv.Addr())

	go watchConfig(ctx, mgr, auditLog, logger)

	runErr := mon.Run(ctx)
	if runErr != nil {
		logger.Error("monitor stopped with error", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}

	_ = auditLog.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).
		WithCorrelationID(correlationID).
		WithActor(alerting.SystemActor).
		WithDescription("watchtower stopped"))
	fmt.Println("Shutdown complete")
	return runErr
}

// watchConfig applies live-reloadable settings from config file changes.
// Everything else needs a restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, auditLog audit.Logger, logger *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			result := audit.ResultSuccess
			err := auditLog.SetLevel(cfg.Logging.Level)
			if err != nil {
				result = audit.ResultFailure
				logger.Warn("config reload: bad log level", zap.String("level", cfg.Logging.Level), zap.Error(err))
			} else {
				logger.Info("config reloaded", zap.String("log_level", cfg.Logging.Level))
			}
			ev := audit.NewEvent(audit.EventConfigReload).
				WithActor(alerting.SystemActor).
				WithResult(result).
				WithMetadata("log_level", cfg.Logging.Level).
				WithMetadata("reloaded_at", time.Now().UTC())
			if err != nil {
				ev = ev.WithError(err)
			}
			_ = auditLog.Log(ctx, ev)
		}
	}
}
