package pg

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Subscription is one row of pg_subscription as seen on a replica or clone.
type Subscription struct {
	Name    string
	Enabled bool
}

// ListSubscriptions returns every logical replication subscription on the
// connected instance.
func ListSubscriptions(ctx context.Context, conn *pgx.Conn) ([]Subscription, error) {
	rows, err := conn.Query(ctx, "SELECT subname, subenabled FROM pg_subscription ORDER BY subname")
	if err != nil {
		return nil, fmt.Errorf("query pg_subscription: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.Name, &s.Enabled); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	return subs, nil
}

// DisableSubscription disables (never drops) a subscription. Dropping would
// destroy the primary-side slot the live replica may still depend on.
func DisableSubscription(ctx context.Context, conn *pgx.Conn, name string) error {
	sql := fmt.Sprintf("ALTER SUBSCRIPTION %s DISABLE", pgx.Identifier{name}.Sanitize())
	if _, err := conn.Exec(ctx, sql); err != nil {
		return fmt.Errorf("disable subscription %s: %w", name, err)
	}
	return nil
}

// SubscriptionExists reports whether a subscription of the given name exists.
func SubscriptionExists(ctx context.Context, conn *pgx.Conn, name string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_subscription WHERE subname = $1)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subscription %s: %w", name, err)
	}
	return exists, nil
}

// SlotExists reports whether a replication slot of the given name exists on
// the connected (primary) instance.
func SlotExists(ctx context.Context, conn *pgx.Conn, slot string) (bool, error) {
	var exists bool
	err := conn.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_replication_slots WHERE slot_name = $1)", slot,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check replication slot %s: %w", slot, err)
	}
	return exists, nil
}

// ListExtensions returns the installed extension names on the connected
// instance.
func ListExtensions(ctx context.Context, conn *pgx.Conn) ([]string, error) {
	rows, err := conn.Query(ctx, "SELECT extname FROM pg_extension ORDER BY extname")
	if err != nil {
		return nil, fmt.Errorf("query pg_extension: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan extension row: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// PublicationTables returns the schema-qualified tables belonging to a named
// publication on the primary. An empty result is valid: a publication can
// exist with zero member tables.
func PublicationTables(ctx context.Context, conn *pgx.Conn, publication string) ([]QualifiedTable, error) {
	rows, err := conn.Query(ctx,
		"SELECT schemaname, tablename FROM pg_publication_tables WHERE pubname = $1 ORDER BY schemaname, tablename",
		publication,
	)
	if err != nil {
		return nil, fmt.Errorf("query pg_publication_tables for %s: %w", publication, err)
	}
	defer rows.Close()

	var tables []QualifiedTable
	for rows.Next() {
		var t QualifiedTable
		if err := rows.Scan(&t.Schema, &t.Name); err != nil {
			return nil, fmt.Errorf("scan publication table row: %w", err)
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// QualifiedTable is a schema-qualified table name.
type QualifiedTable struct {
	Schema string
	Name   string
}

// String renders the table as schema.name.
func (t QualifiedTable) String() string {
	return t.Schema + "." + t.Name
}
