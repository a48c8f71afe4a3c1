package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/api"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/coordinator"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/storage"
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
	Use:   "drover",
	Short: "Drover - Autonomous task orchestration core",
	Long: `Drover schedules dependency-aware task graphs across a fleet of
agents, balancing load with per-agent circuit breakers and recovering
state from its write-ahead log after a restart.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core",
	Long: `Run the scheduler, agent registry, load balancer, coordinator, and
health monitor as a single process. State is persisted to the data
directory and restored on the next start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataDir, _ := cmd.Flags().GetString("data-dir")
		logLevel, _ := cmd.Flags().GetString("log-level")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if dataDir != "" {
			cfg.DataDir = dataDir
		}
		if logLevel != "" {
			cfg.Log.Level = logLevel
		}

		log.Init(log.Config{
			Level:      log.Level(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
		})
		logger := log.WithComponent("main")

		var store storage.Store = storage.NopStore{}
		if cfg.Durability {
			store, err = storage.NewBoltStore(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("failed to open store: %w", err)
			}
		}

		sys, err := coordinator.NewSystem(cfg.System(), nil, store, newShellExecutor(cfg.DataDir))
		if err != nil {
			return fmt.Errorf("failed to assemble system: %w", err)
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		sys.Start(ctx)

		apiServer := api.NewServer(sys)
		errCh := make(chan error, 2)
		go func() {
			if err := apiServer.Start(cfg.API.Listen); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server error: %w", err)
			}
		}()
		if cfg.API.ReadOnlyListen != "" {
			roSrv := &http.Server{
				Addr:    cfg.API.ReadOnlyListen,
				Handler: apiServer.ReadOnlyHandler(),
			}
			defer roSrv.Close()
			go func() {
				logger.Info().Str("addr", cfg.API.ReadOnlyListen).Msg("read-only api listening")
				if err := roSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- fmt.Errorf("read-only api server error: %w", err)
				}
			}()
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("shutting down")
		case err := <-errCh:
			logger.Error().Err(err).Msg("listener failed")
		}

		apiServer.Stop()
		cancel()
		sys.Stop()
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate a configuration file",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		sys := cfg.System()
		fmt.Printf("Configuration OK\n")
		fmt.Printf("  Data Directory: %s\n", cfg.DataDir)
		fmt.Printf("  Scheduler Strategy: %s\n", sys.Scheduler.Strategy)
		fmt.Printf("  Starvation Mode: %s\n", sys.Scheduler.StarvationMode)
		fmt.Printf("  Balancer Strategy: %s\n", sys.Balancer.Strategy)
		fmt.Printf("  Durability: %v\n", cfg.Durability)
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file")
	serveCmd.Flags().String("data-dir", "", "Override the data directory")
	serveCmd.Flags().String("log-level", "", "Override the log level")

	checkCmd.Flags().String("config", "", "Path to configuration file")
	checkCmd.MarkFlagRequired("config")
}
