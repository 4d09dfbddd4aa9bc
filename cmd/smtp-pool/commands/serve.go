package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/IshanDwivedii/smtp-pool/internal/api"
	"github.com/IshanDwivedii/smtp-pool/internal/config"
	"github.com/IshanDwivedii/smtp-pool/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pool, health monitor and HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "API listen address (overrides config)")
	serveCmd.Flags().String("log-level", "", "log level (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.API.ListenAddr = listen
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	logger, logCloser, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.monitor.Run(gctx)
	})

	if cfg.API.Enabled {
		srv, err := api.NewServer(cfg.API, svc.apiDeps(), logger)
		if err != nil {
			_ = svc.close()
			return err
		}
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	logger.Info("smtp-pool started",
		"version", Version,
		"api", cfg.API.Enabled,
		"max_total", cfg.Pool.MaxTotal)

	runErr := g.Wait()
	logger.Info("shutting down")
	if err := svc.close(); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	logger.Info("shutdown complete")
	return runErr
}

// loadConfig reads --config and prints validation warnings to stderr
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, result, err := config.LoadConfig(configPath)
	if result != nil {
		for _, w := range result.Warnings {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s\n", w.Error())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	logger, closer, err := logging.Setup(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		File:      cfg.Logging.File,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, closer, nil
}

// quietLogger is used by one-shot commands so pool chatter stays off stdout
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}
