// Package replication observes the replica's initial-copy progress and lag
// by polling the engine's own progress and replication-state views. Every
// call is a single non-blocking poll: it returns the most recent readable
// state or an explicit "unavailable" result, never waits for progress.
package replication

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/models"
	"github.com/snaplicator/snaplicator/internal/pg"
)

// activeTableLimit bounds the per-table progress list in one poll.
const activeTableLimit = 10

const pollTimeout = 5 * time.Second

// Observer polls one replica instance.
type Observer struct {
	pool *pgxpool.Pool
}

// NewObserver creates an observer for the configured replica. The pool
// connects lazily; an unreachable replica surfaces as an unavailable poll
// result, not a construction error.
func NewObserver(ctx context.Context, cfg *config.Config) (*Observer, error) {
	params := pg.ConnParams{
		Host:            cfg.Replica.Host,
		Port:            cfg.Replica.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		ApplicationName: "snaplicator-observer",
	}
	pool, err := pg.NewPool(ctx, params)
	if err != nil {
		return nil, err
	}
	return &Observer{pool: pool}, nil
}

// Close releases the underlying pool.
func (o *Observer) Close() {
	o.pool.Close()
}

// CopyProgress returns one poll of the engine's bulk-copy accounting:
// finished/total tables from the subscription relation states, and per-table
// byte progress for copies currently in flight.
func (o *Observer) CopyProgress(ctx context.Context) models.CopyProgress {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	var total, finished int
	err := o.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE srsubstate IN ('r', 's'))
		FROM pg_subscription_rel
	`).Scan(&total, &finished)
	if err != nil {
		return models.CopyProgress{Available: false, State: models.CopyStateIdle,
			Reason: fmt.Sprintf("progress views not readable: %v", err)}
	}

	progress := models.CopyProgress{
		Available:      true,
		TablesTotal:    total,
		TablesFinished: finished,
	}

	switch {
	case total == 0:
		progress.State = models.CopyStateIdle
	case finished == total:
		progress.State = models.CopyStateComplete
		progress.PercentDone = 100
	default:
		progress.State = models.CopyStateCopying
		progress.PercentDone = float64(finished) / float64(total) * 100
	}

	// Per-table byte progress for in-flight copies. Missing rows are normal
	// between table syncs; a query error only degrades the detail.
	rows, err := o.pool.Query(ctx, `
		SELECT n.nspname, c.relname, p.bytes_processed, p.bytes_total
		FROM pg_stat_progress_copy p
		JOIN pg_class c ON c.oid = p.relid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		ORDER BY p.bytes_processed DESC
		LIMIT $1
	`, activeTableLimit)
	if err != nil {
		logger.Debug("per-table copy progress not readable", "error", err)
		return progress
	}
	defer rows.Close()

	for rows.Next() {
		var t models.TableCopyProgress
		if err := rows.Scan(&t.Schema, &t.Table, &t.BytesProcessed, &t.BytesTotal); err != nil {
			logger.Debug("scan copy progress row", "error", err)
			break
		}
		if t.BytesTotal > 0 {
			t.Display = fmt.Sprintf("%s / %s",
				humanize.Bytes(uint64(t.BytesProcessed)), humanize.Bytes(uint64(t.BytesTotal)))
		} else {
			t.Display = humanize.Bytes(uint64(t.BytesProcessed))
		}
		progress.ActiveTables = append(progress.ActiveTables, t)
	}
	return progress
}

// Lag returns one poll of the subscriber-side lag scalars: network lag
// (send to receipt) and apply lag (receipt to local apply).
func (o *Observer) Lag(ctx context.Context) models.ReplicationLag {
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	var applyLag, networkLag float64
	err := o.pool.QueryRow(ctx, `
		SELECT
			COALESCE(MAX(EXTRACT(EPOCH FROM (now() - st.latest_end_time))), 0),
			COALESCE(MAX(EXTRACT(EPOCH FROM (st.last_msg_receipt_time - st.last_msg_send_time))), 0)
		FROM pg_stat_subscription st
	`).Scan(&applyLag, &networkLag)
	if err != nil {
		return models.ReplicationLag{Available: false,
			Reason: fmt.Sprintf("replication views not readable: %v", err)}
	}

	return models.ReplicationLag{
		Available:         true,
		NetworkLagSeconds: networkLag,
		ApplyLagSeconds:   applyLag,
	}
}

// Check summarizes replication health: each subscription's enabled state and
// whether an apply worker is attached, plus a lag snapshot and any recent
// warnings from the daemon's own log buffer.
func (o *Observer) Check(ctx context.Context) models.CheckResult {
	pollCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	rows, err := o.pool.Query(pollCtx, `
		SELECT s.subname, s.subenabled,
		       EXISTS (
		           SELECT 1 FROM pg_stat_subscription st
		           WHERE st.subname = s.subname AND st.pid IS NOT NULL
		       )
		FROM pg_subscription s
		ORDER BY s.subname
	`)
	if err != nil {
		return models.CheckResult{Available: false,
			Reason: fmt.Sprintf("subscription state not readable: %v", err)}
	}
	defer rows.Close()

	result := models.CheckResult{Available: true, Healthy: true}
	for rows.Next() {
		var s models.SubscriptionStatus
		if err := rows.Scan(&s.Name, &s.Enabled, &s.WorkerPresent); err != nil {
			return models.CheckResult{Available: false,
				Reason: fmt.Sprintf("scan subscription state: %v", err)}
		}
		if !s.Enabled || !s.WorkerPresent {
			result.Healthy = false
		}
		result.Subscriptions = append(result.Subscriptions, s)
	}
	if len(result.Subscriptions) == 0 {
		result.Healthy = false
		result.Reason = "no subscriptions configured"
	}

	lag := o.Lag(ctx)
	result.Lag = &lag

	for _, entry := range logger.RecentWarnings() {
		result.RecentIssues = append(result.RecentIssues, entry.Format())
	}
	if n := len(result.RecentIssues); n > 10 {
		result.RecentIssues = result.RecentIssues[n-10:]
	}

	return result
}
