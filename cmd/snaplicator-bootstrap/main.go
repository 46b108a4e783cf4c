// snaplicator-bootstrap runs once inside a freshly started replica container
// and brings it into logical replication with the upstream primary. It exits
// non-zero only for a malformed environment: any runtime failure is logged
// and the instance is left running unreplicated.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/snaplicator/snaplicator/internal/bootstrap"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/logger"
)

var version = "dev"

func main() {
	logLevel := logger.LevelInfo
	if os.Getenv("BOOTSTRAP_DEBUG") != "" {
		logLevel = logger.LevelDebug
	}
	logger.InitConsole(logLevel)

	cfg, err := config.BootstrapFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("replication bootstrap starting", "version", version,
		"primary", fmt.Sprintf("%s:%d", cfg.PrimaryHost, cfg.PrimaryPort),
		"subscription", cfg.SubscriptionName)

	runner := bootstrap.NewRunner(cfg)
	if err := runner.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
