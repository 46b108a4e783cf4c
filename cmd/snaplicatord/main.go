package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snaplicator/snaplicator/internal/api"
	"github.com/snaplicator/snaplicator/internal/btrfs"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/docker"
	"github.com/snaplicator/snaplicator/internal/inventory"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/netutil"
	"github.com/snaplicator/snaplicator/internal/provision"
	"github.com/snaplicator/snaplicator/internal/replication"
)

var (
	// Version info (set by ldflags)
	version = "dev"

	// Flags
	configPath string
	debug      bool
	sudoBtrfs  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "snaplicatord",
		Short: "Snaplicator clone provisioning daemon",
		Long: `snaplicatord provisions disposable PostgreSQL clones from copy-on-write
filesystem snapshots. It serves an HTTP API for snapshot and clone
lifecycle management and for observing the replica's copy progress and lag.

Direct Run:
  snaplicatord run [--debug]    Run in foreground mode`,
		Version: version,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/snaplicator/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(newRunCmd())

	if err := rootCmd.Execute(); err != nil {
		// Error already printed by cobra
		os.Exit(1)
	}
}

// newRunCmd creates the run subcommand for foreground execution
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run daemon in foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground()
		},
	}
	cmd.Flags().BoolVar(&sudoBtrfs, "sudo-btrfs", false, "run filesystem commands through sudo")
	return cmd
}

// runForeground runs the daemon in foreground mode.
func runForeground() error {
	var cfg *config.Config
	var err error

	if configPath != "" {
		cfg, err = config.LoadFromPath(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logLevel := logger.LevelInfo
	if debug {
		logLevel = logger.LevelDebug
	}
	logFile := ""
	if homeDir, err := os.UserHomeDir(); err == nil {
		logFile = filepath.Join(homeDir, ".config", "snaplicator", "snaplicatord.log")
	}
	logger.Init(logLevel, logFile)
	defer logger.Close()
	logger.Info("snaplicatord starting", "version", version,
		"root_data_dir", cfg.Btrfs.RootDataDir, "main_data_dir", cfg.Btrfs.MainDataDir)

	ctx := context.Background()

	fs := btrfs.NewManager(sudoBtrfs)
	containers := docker.NewClient()
	if err := containers.EnsureAvailable(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: container runtime unavailable: %v\n", err)
		os.Exit(1)
	}

	descriptions := btrfs.NewDescriptionStore(cfg.Btrfs.RootDataDir)
	instance := provision.NewLocalInstanceClient(cfg.Postgres)
	provisioner := provision.NewProvisioner(cfg, fs, containers, netutil.NewAllocator(), instance)
	lifecycle := provision.NewLifecycle(cfg, fs, containers, descriptions)
	reconciler := inventory.NewReconciler(cfg, fs, containers, descriptions)

	observer, err := replication.NewObserver(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating replica observer: %v\n", err)
		os.Exit(1)
	}
	defer observer.Close()

	server := api.NewServer(cfg.HTTP, reconciler, lifecycle, provisioner, observer)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting API server: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping API server: %v\n", err)
		os.Exit(1)
	}
	return nil
}
