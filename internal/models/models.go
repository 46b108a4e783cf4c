// Package models defines the derived view types served by snaplicator.
// Nothing here is persisted; every value is recomputed from filesystem and
// container-runtime ground truth on each request.
package models

import "time"

// Snapshot is a read-only point-in-time copy of the primary dataset.
type Snapshot struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	ReadOnly    bool   `json:"readonly"`
	Description string `json:"description,omitempty"`
}

// Clone is a writable subvolume paired (by naming convention and labels)
// with a database-instance container.
type Clone struct {
	Name          string     `json:"name"`
	SubvolumePath string     `json:"subvolume_path"`
	ContainerName string     `json:"container_name,omitempty"`
	Running       bool       `json:"running"`
	HostPort      int        `json:"host_port,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	Description   string     `json:"description,omitempty"`
	// HasContainer is false for an orphaned subvolume with no matching
	// container; such clones are reported, never hidden.
	HasContainer bool `json:"has_container"`
}

// ProvisionStatus classifies the outcome of a provisioning pipeline run.
type ProvisionStatus string

const (
	// ProvisionOK means every stage completed.
	ProvisionOK ProvisionStatus = "ok"
	// ProvisionDegraded means the clone is usable but at least one
	// best-effort stage failed (for example a subscription could not be
	// disabled).
	ProvisionDegraded ProvisionStatus = "degraded"
	// ProvisionFailed means a required stage failed.
	ProvisionFailed ProvisionStatus = "failed"
)

// ProvisionResult reports the outcome of a clone provisioning run.
type ProvisionResult struct {
	OperationID   string          `json:"operation_id"`
	Status        ProvisionStatus `json:"status"`
	Snapshot      string          `json:"snapshot,omitempty"`
	CloneName     string          `json:"clone_name,omitempty"`
	SubvolumePath string          `json:"subvolume_path,omitempty"`
	ContainerName string          `json:"container_name,omitempty"`
	HostPort      int             `json:"host_port,omitempty"`
	// LastStage is the last stage that completed, so a caller can resume
	// manual cleanup from there instead of guessing.
	LastStage string   `json:"last_stage,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// TableCopyProgress is per-table byte progress for an in-flight initial copy.
type TableCopyProgress struct {
	Schema         string `json:"schema"`
	Table          string `json:"table"`
	BytesProcessed int64  `json:"bytes_processed"`
	BytesTotal     int64  `json:"bytes_total"`
	Display        string `json:"display,omitempty"`
}

// CopyState classifies the overall initial-copy state.
type CopyState string

const (
	CopyStateIdle     CopyState = "idle"
	CopyStateCopying  CopyState = "copying"
	CopyStateComplete CopyState = "complete"
)

// CopyProgress is a single poll of the engine's bulk-copy accounting.
type CopyProgress struct {
	Available      bool                `json:"available"`
	State          CopyState           `json:"state"`
	TablesTotal    int                 `json:"tables_total"`
	TablesFinished int                 `json:"tables_finished"`
	PercentDone    float64             `json:"percent_done"`
	ActiveTables   []TableCopyProgress `json:"active_tables,omitempty"`
	Reason         string              `json:"reason,omitempty"`
}

// ReplicationLag is a single poll of subscriber-side lag scalars.
type ReplicationLag struct {
	Available         bool    `json:"available"`
	NetworkLagSeconds float64 `json:"network_lag_seconds"`
	ApplyLagSeconds   float64 `json:"apply_lag_seconds"`
	Reason            string  `json:"reason,omitempty"`
}

// SubscriptionStatus is one subscription's health as seen from the replica.
type SubscriptionStatus struct {
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	WorkerPresent bool   `json:"worker_present"`
}

// CheckResult summarizes replication health for /replication/check.
type CheckResult struct {
	Available     bool                 `json:"available"`
	Healthy       bool                 `json:"healthy"`
	Subscriptions []SubscriptionStatus `json:"subscriptions,omitempty"`
	Lag           *ReplicationLag      `json:"lag,omitempty"`
	RecentIssues  []string             `json:"recent_issues,omitempty"`
	Reason        string               `json:"reason,omitempty"`
}
