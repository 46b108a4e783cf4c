package provision

import (
	"context"
	"time"

	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/pg"
)

// LocalInstanceClient talks to clone instances on the local host over their
// published port.
type LocalInstanceClient struct {
	cfg  config.PostgresConfig
	host string
}

// NewLocalInstanceClient creates an instance client using the configured
// local superuser credentials.
func NewLocalInstanceClient(cfg config.PostgresConfig) *LocalInstanceClient {
	return &LocalInstanceClient{cfg: cfg, host: "127.0.0.1"}
}

func (c *LocalInstanceClient) params(port int) pg.ConnParams {
	return pg.ConnParams{
		Host:            c.host,
		Port:            port,
		Database:        c.cfg.Database,
		User:            c.cfg.User,
		Password:        c.cfg.Password,
		SSLMode:         c.cfg.SSLMode,
		ApplicationName: "snaplicator-provision",
	}
}

// WaitReady polls the instance until it accepts queries or the timeout elapses.
func (c *LocalInstanceClient) WaitReady(ctx context.Context, port int, timeout, interval time.Duration) error {
	return pg.WaitReady(ctx, c.params(port), timeout, interval)
}

// DisableSubscriptions disables every inherited logical replication
// subscription on the instance. Individual failures are collected, not
// fatal: the sweep continues past them.
func (c *LocalInstanceClient) DisableSubscriptions(ctx context.Context, port int) (DisableReport, error) {
	report := DisableReport{Failures: map[string]string{}}

	conn, err := pg.Connect(ctx, c.params(port))
	if err != nil {
		return report, err
	}
	defer conn.Close(ctx)

	subs, err := pg.ListSubscriptions(ctx, conn)
	if err != nil {
		return report, err
	}

	for _, sub := range subs {
		if !sub.Enabled {
			continue
		}
		if err := pg.DisableSubscription(ctx, conn, sub.Name); err != nil {
			report.Failures[sub.Name] = err.Error()
			continue
		}
		report.Disabled = append(report.Disabled, sub.Name)
	}
	return report, nil
}
