package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/waggle-router/internal/config"
	"github.com/rmacdonaldsmith/waggle-router/internal/service"
)

func newRunCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the router",
		Long: `Run the router stages described by the configuration file. WAGGLE_*
environment variables override the file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, logLevel)
			if err != nil {
				return err
			}
			return runService(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	return cmd
}

// loadConfig reads path, or builds the configuration from defaults and the
// environment when path is empty.
func loadConfig(path, logLevel string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
		if err := cfg.Log.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
	}
	return cfg, nil
}

func runService(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.New(ctx, cfg, service.Deps{})
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing router: %v\n", err)
		}
	}()

	logger := svc.Logger()
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start router: %w", err)
	}
	logger.Info("Router running", zap.String("version", appVersion))

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case runErr = <-svc.Errors():
		logger.Error("Server failed, shutting down", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Warn("Error during graceful stop", zap.Error(err))
	}
	return runErr
}
