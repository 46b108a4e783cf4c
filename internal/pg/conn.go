// Package pg wraps database-engine access for snaplicator: key/value
// connection strings, readiness polling, and logical replication queries.
package pg

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/snaplicator/snaplicator/internal/logger"
)

// ConnParams describes a connection as discrete keyword/value parameters.
// Connections are never built as URIs: passwords routinely carry characters
// that break URI encoding.
type ConnParams struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// DisableTimeouts turns off statement and lock timeouts for the
	// session. Large initial copies must not be killed mid-flight.
	DisableTimeouts bool

	// ApplicationName is reported to the server for diagnostics.
	ApplicationName string
}

// KeywordValue renders the libpq keyword/value connection string.
func (p ConnParams) KeywordValue() string {
	kv := map[string]string{
		"host":   p.Host,
		"port":   fmt.Sprintf("%d", p.Port),
		"dbname": p.Database,
		"user":   p.User,
	}
	if p.Password != "" {
		kv["password"] = p.Password
	}
	if p.SSLMode != "" {
		kv["sslmode"] = p.SSLMode
	}
	if p.ApplicationName != "" {
		kv["application_name"] = p.ApplicationName
	}
	if p.DisableTimeouts {
		kv["options"] = "-c statement_timeout=0 -c lock_timeout=0 -c idle_in_transaction_session_timeout=0"
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(kv))
	for _, k := range keys {
		parts = append(parts, k+"="+quoteKV(kv[k]))
	}
	return strings.Join(parts, " ")
}

// quoteKV quotes a libpq keyword/value parameter value. Single quotes and
// backslashes are escaped with a backslash.
func quoteKV(v string) string {
	if v != "" && !strings.ContainsAny(v, " '\\") {
		return v
	}
	escaped := strings.ReplaceAll(v, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `'`, `\'`)
	return "'" + escaped + "'"
}

// Connect opens a single connection.
func Connect(ctx context.Context, params ConnParams) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, params.KeywordValue())
	if err != nil {
		return nil, fmt.Errorf("connect to %s:%d/%s: %w", params.Host, params.Port, params.Database, err)
	}
	return conn, nil
}

// NewPool opens a small connection pool for repeated polling.
func NewPool(ctx context.Context, params ConnParams) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(params.KeywordValue())
	if err != nil {
		return nil, fmt.Errorf("parse connection config: %w", err)
	}

	poolConfig.MaxConns = 4
	poolConfig.MinConns = 0
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	return pool, nil
}

// WaitReady polls the instance with a fixed interval until it accepts a
// trivial query or the timeout elapses.
func WaitReady(ctx context.Context, params ConnParams, timeout, interval time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, interval*2)
		conn, err := pgx.Connect(attemptCtx, params.KeywordValue())
		if err == nil {
			var one int
			err = conn.QueryRow(attemptCtx, "SELECT 1").Scan(&one)
			_ = conn.Close(attemptCtx)
			cancel()
			if err == nil {
				return nil
			}
		} else {
			cancel()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}

	logger.Warn("instance readiness wait timed out", "host", params.Host, "port", params.Port, "error", lastErr)
	return fmt.Errorf("instance at %s:%d not ready after %s: %w", params.Host, params.Port, timeout, lastErr)
}
