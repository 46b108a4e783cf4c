// Package bootstrap brings a freshly created replica instance into logical
// replication with the upstream primary. It runs exactly once inside the
// replica container; every stage is idempotent, so a crash before the final
// subscription exists is safe to re-run.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/pg"
)

const (
	waitPrimaryTimeout  = 90 * time.Second
	waitPrimaryInterval = 3 * time.Second
	slotNameAttempts    = 5
	subscribeAttempts   = 3
)

// schemaDumper produces schema-only DDL from the primary, optionally scoped
// to specific tables or schemas.
type schemaDumper func(ctx context.Context, primary pg.ConnParams, tables []pg.QualifiedTable, schemas []string) (string, error)

// Runner executes the replication bootstrap state machine.
type Runner struct {
	cfg  *config.BootstrapConfig
	dump schemaDumper
}

// NewRunner creates a bootstrap runner for the given environment contract.
func NewRunner(cfg *config.BootstrapConfig) *Runner {
	return &Runner{cfg: cfg, dump: pgDump}
}

func (r *Runner) localParams() pg.ConnParams {
	// Inside the replica container the engine trusts loopback connections.
	return pg.ConnParams{
		Host:            "127.0.0.1",
		Port:            5432,
		Database:        r.cfg.PostgresDB,
		User:            r.cfg.PostgresUser,
		ApplicationName: "snaplicator-bootstrap",
	}
}

func (r *Runner) primaryParams() pg.ConnParams {
	return pg.ConnParams{
		Host:            r.cfg.PrimaryHost,
		Port:            r.cfg.PrimaryPort,
		Database:        r.cfg.PrimaryDB,
		User:            r.cfg.PrimaryUser,
		Password:        r.cfg.PrimaryPassword,
		SSLMode:         r.cfg.SSLMode,
		ApplicationName: "snaplicator-bootstrap",
	}
}

// Run walks the bootstrap stages in order: wait for the primary, clone the
// schema, reconcile extensions, create the subscription. A stage failure
// stops the remaining stages but never fails the surrounding instance
// startup: an unreplicated instance that comes up is preferable to a
// container crash loop. Run returns an error only for malformed input.
func (r *Runner) Run(ctx context.Context) error {
	primary := r.primaryParams()

	if err := pg.WaitReady(ctx, primary, waitPrimaryTimeout, waitPrimaryInterval); err != nil {
		logger.Warn("primary unreachable; skipping replication setup, instance starts unreplicated",
			"primary", fmt.Sprintf("%s:%d", primary.Host, primary.Port), "error", err)
		return nil
	}

	primaryConn, err := pg.Connect(ctx, primary)
	if err != nil {
		logger.Error("could not connect to primary after readiness", "error", err)
		return nil
	}
	defer primaryConn.Close(ctx)

	localConn, err := pg.Connect(ctx, r.localParams())
	if err != nil {
		logger.Error("could not connect to local instance", "error", err)
		return nil
	}
	defer localConn.Close(ctx)

	if err := r.cloneSchema(ctx, localConn, primaryConn, primary); err != nil {
		logger.Error("schema clone failed; skipping subscription setup", "error", err)
		return nil
	}

	if err := r.createSubscription(ctx, localConn, primaryConn, primary); err != nil {
		logger.Error("subscription setup failed; instance starts unreplicated", "error", err)
		return nil
	}

	logger.Info("replication bootstrap complete", "subscription", r.cfg.SubscriptionName)
	return nil
}

// cloneSchema dumps DDL from the primary (scoped to the publication's table
// set when a publication is configured) and applies it locally. Required
// schemas are pre-created and unavailable extensions are neutralized so
// partial extension support never blocks schema convergence.
func (r *Runner) cloneSchema(ctx context.Context, local, primaryConn *pgx.Conn, primary pg.ConnParams) error {
	var tables []pg.QualifiedTable

	if r.cfg.PublicationName != "" {
		var err error
		tables, err = pg.PublicationTables(ctx, primaryConn, r.cfg.PublicationName)
		if err != nil {
			return err
		}
		if len(tables) == 0 {
			logger.Info("publication has no member tables; nothing to apply",
				"publication", r.cfg.PublicationName)
			return nil
		}
	}

	ddl, err := r.dump(ctx, primary, tables, r.cfg.DumpSchemas)
	if err != nil {
		return fmt.Errorf("dump schema: %w", err)
	}

	for _, schema := range requiredSchemas(tables, r.cfg.DumpSchemas) {
		sql := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pgx.Identifier{schema}.Sanitize())
		if _, err := local.Exec(ctx, sql); err != nil {
			return fmt.Errorf("pre-create schema %s: %w", schema, err)
		}
	}

	ddl, err = r.reconcileExtensions(ctx, local, primaryConn, ddl)
	if err != nil {
		return err
	}

	if strings.TrimSpace(ddl) == "" {
		logger.Info("schema dump empty; nothing to apply")
		return nil
	}

	if _, err := local.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("apply schema DDL: %w", err)
	}
	logger.Info("schema applied", "tables", len(tables))
	return nil
}

// reconcileExtensions best-effort installs every extension referenced by the
// DDL or present on the primary. Extensions that cannot be installed locally
// have their statements neutralized instead of aborting the whole apply.
func (r *Runner) reconcileExtensions(ctx context.Context, local, primaryConn *pgx.Conn, ddl string) (string, error) {
	wanted := ExtractExtensions(ddl)

	primaryExts, err := pg.ListExtensions(ctx, primaryConn)
	if err != nil {
		logger.Warn("could not list primary extensions", "error", err)
	} else {
		seen := make(map[string]bool, len(wanted))
		for _, name := range wanted {
			seen[name] = true
		}
		for _, name := range primaryExts {
			if !seen[name] {
				wanted = append(wanted, name)
			}
		}
	}

	unavailable := make(map[string]bool)
	for _, name := range wanted {
		if name == "plpgsql" {
			continue // preinstalled
		}
		sql := fmt.Sprintf("CREATE EXTENSION IF NOT EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := local.Exec(ctx, sql); err != nil {
			logger.Warn("extension unavailable locally, neutralizing its DDL",
				"extension", name, "error", err)
			unavailable[name] = true
		}
	}

	return NeutralizeExtensions(ddl, unavailable), nil
}

// createSubscription creates the logical replication subscription with a
// collision-safe slot name. An existing subscription of the configured name
// makes this a no-op.
func (r *Runner) createSubscription(ctx context.Context, local, primaryConn *pgx.Conn, primary pg.ConnParams) error {
	exists, err := pg.SubscriptionExists(ctx, local, r.cfg.SubscriptionName)
	if err != nil {
		return err
	}
	if exists {
		logger.Info("subscription already exists; nothing to do",
			"subscription", r.cfg.SubscriptionName)
		return nil
	}

	// Session timeouts stay off for the setup connection: a large initial
	// copy must not be killed by statement or lock timeouts.
	setupParams := primary
	setupParams.DisableTimeouts = true
	connInfo := setupParams.KeywordValue()

	createSlot := true
	slotName := r.cfg.PrecreatedSlotName
	if slotName != "" {
		// The operator pre-created the slot; the subscription must not
		// try to create another one.
		createSlot = false
	} else {
		slotName, err = ResolveSlotName(ctx, primaryConn, r.cfg.SubscriptionName, slotNameAttempts)
		if err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < subscribeAttempts; attempt++ {
		if attempt > 0 {
			// A collision raced us between probe and create; derive a
			// fresh name and try again.
			slotName, err = ResolveSlotName(ctx, primaryConn, r.cfg.SubscriptionName, slotNameAttempts)
			if err != nil {
				return err
			}
		}

		sql := fmt.Sprintf(
			"CREATE SUBSCRIPTION %s CONNECTION '%s' PUBLICATION %s WITH (copy_data = true, create_slot = %t, slot_name = %s)",
			pgx.Identifier{r.cfg.SubscriptionName}.Sanitize(),
			strings.ReplaceAll(connInfo, "'", "''"),
			pgx.Identifier{r.cfg.PublicationName}.Sanitize(),
			createSlot,
			pgx.Identifier{slotName}.Sanitize(),
		)

		if _, err := local.Exec(ctx, sql); err != nil {
			lastErr = fmt.Errorf("create subscription (slot %s): %w", slotName, err)
			if createSlot && strings.Contains(err.Error(), "already exists") {
				continue
			}
			return lastErr
		}

		logger.Info("subscription created",
			"subscription", r.cfg.SubscriptionName, "slot", slotName, "create_slot", createSlot)
		return nil
	}
	return lastErr
}

// requiredSchemas returns the distinct schemas the DDL apply needs, from the
// publication table set or the configured dump schemas.
func requiredSchemas(tables []pg.QualifiedTable, dumpSchemas []string) []string {
	seen := make(map[string]bool)
	var schemas []string
	add := func(name string) {
		if name != "" && name != "public" && !seen[name] {
			seen[name] = true
			schemas = append(schemas, name)
		}
	}
	for _, t := range tables {
		add(t.Schema)
	}
	for _, s := range dumpSchemas {
		add(s)
	}
	return schemas
}

// pgDump shells out to pg_dump for schema-only DDL. The password travels via
// the environment, never argv.
func pgDump(ctx context.Context, primary pg.ConnParams, tables []pg.QualifiedTable, schemas []string) (string, error) {
	args := []string{
		"--schema-only",
		"--no-owner",
		"--no-privileges",
		"-h", primary.Host,
		"-p", strconv.Itoa(primary.Port),
		"-U", primary.User,
		"-d", primary.Database,
	}
	for _, t := range tables {
		args = append(args, "--table="+t.String())
	}
	for _, s := range schemas {
		args = append(args, "--schema="+s)
	}

	cmd := exec.CommandContext(ctx, "pg_dump", args...)
	cmd.Env = append(cmd.Environ(),
		"PGPASSWORD="+primary.Password,
		"PGSSLMODE="+primary.SSLMode,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pg_dump: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
