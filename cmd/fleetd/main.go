package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/fleetd/pkg/api"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/manager"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "fleetd - per-entity actor runtime for device fleets",
	Long: `fleetd keeps one actor per device and per entity with calculated
fields. Device actors track sessions, subscriptions and pending RPCs;
calculated-field actors evaluate, persist and periodically refresh derived
values and hand results to the rule pipeline.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides the config file)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON instead of console output")

	serveCmd.Flags().String("http-addr", "", "Admin HTTP listen address (overrides the config file)")
	serveCmd.Flags().String("grpc-addr", "", "Admin gRPC listen address (overrides the config file)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads the config file, then applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("log-level") {
		cfg.Log.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Log.JSON, _ = flags.GetBool("log-json")
	}
	if flags.Lookup("http-addr") != nil && flags.Changed("http-addr") {
		cfg.API.HTTPAddr, _ = flags.GetString("http-addr")
	}
	if flags.Lookup("grpc-addr") != nil && flags.Changed("grpc-addr") {
		cfg.API.GRPCAddr, _ = flags.GetString("grpc-addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg, nil
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the actor runtime",
	Long: `Run the actor runtime with its scheduler, housekeeper and admin API.

Results go to the NATS rule pipeline and session messages to the MQTT
broker when configured; otherwise both are logged.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		metrics.SetVersion(Version)
		logger := log.WithComponent("main")

		mgr, err := manager.NewManager(cfg, manager.Options{})
		if err != nil {
			return fmt.Errorf("failed to create manager: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := mgr.Start(ctx); err != nil {
			_ = mgr.Shutdown(context.Background())
			return fmt.Errorf("failed to start manager: %w", err)
		}

		httpServer := api.NewHTTPServer(mgr)
		grpcServer := api.NewServer(mgr)
		errCh := make(chan error, 2)
		go func() {
			if err := httpServer.Start(cfg.API.HTTPAddr); err != nil {
				errCh <- fmt.Errorf("HTTP API error: %w", err)
			}
		}()
		if cfg.API.GRPCAddr != "" {
			go func() {
				if err := grpcServer.Start(cfg.API.GRPCAddr); err != nil {
					errCh <- fmt.Errorf("gRPC API error: %w", err)
				}
			}()
		}

		logger.Info().
			Str("version", Version).
			Str("http_addr", cfg.API.HTTPAddr).
			Str("grpc_addr", cfg.API.GRPCAddr).
			Msg("fleetd is running")

		var runErr error
		select {
		case <-ctx.Done():
			logger.Info().Msg("Shutting down")
		case runErr = <-errCh:
			logger.Error().Err(runErr).Msg("Admin API failed, shutting down")
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		grpcServer.Stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("HTTP API shutdown")
		}
		if err := mgr.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shutdown: %w", err)
		}

		logger.Info().Msg("Shutdown complete")
		return runErr
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fleetd version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
