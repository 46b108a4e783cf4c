// Package provision implements the clone provisioning pipeline: snapshot
// selection, writable derivative, instance start, and the post-boot
// subscription freeze that keeps a clone from fighting the live replica for
// the primary's replication slot.
package provision

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/snaplicator/snaplicator/internal/btrfs"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/docker"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/models"
)

// Container labels used to correlate clones across the two external stores.
const (
	LabelRole        = "snaplicator.role"
	LabelSubvolume   = "snaplicator.subvolume"
	LabelSource      = "snaplicator.source"
	LabelDescription = "snaplicator.description"

	RoleClone = "clone"
)

// Identity the official postgres image runs as.
const (
	postgresUID = 999
	postgresGID = 999
)

const (
	dataDirPerms     = "u+rwX,go-rwx"
	containerDataDir = "/var/lib/postgresql/data"
)

// FilesystemGateway is the snapshot filesystem boundary.
type FilesystemGateway interface {
	Show(ctx context.Context, path string) (btrfs.SubvolumeInfo, error)
	Snapshot(ctx context.Context, src, dst string, readonly bool) error
	Delete(ctx context.Context, path string) error
	ListSubvolumesUnder(ctx context.Context, root string) ([]btrfs.SubvolumeInfo, error)
	Chown(ctx context.Context, path string, uid, gid int) error
	Chmod(ctx context.Context, path, mode string) error
}

// ContainerGateway is the container runtime boundary.
type ContainerGateway interface {
	EnsureNetwork(ctx context.Context, name string) error
	Run(ctx context.Context, opts docker.RunOptions) (string, error)
	Logs(ctx context.Context, container string, tailLines int) (string, error)
	Stop(ctx context.Context, container string) error
	Remove(ctx context.Context, container string) error
	IsRunning(ctx context.Context, container string) (bool, error)
	Inspect(ctx context.Context, container string) (*docker.ContainerInfo, error)
	ListByLabel(ctx context.Context, label string) ([]string, error)
}

// PortAllocator finds a free host port by linear probe from a preferred value.
type PortAllocator interface {
	Allocate(preferred, attempts int) (int, error)
}

// DisableReport is the outcome of the post-boot subscription sweep.
type DisableReport struct {
	Disabled []string
	// Failures maps subscription name to the disable error. A clone with
	// entries here is usable but degraded.
	Failures map[string]string
}

// InstanceClient talks to the booted clone instance over its host port.
type InstanceClient interface {
	WaitReady(ctx context.Context, port int, timeout, interval time.Duration) error
	DisableSubscriptions(ctx context.Context, port int) (DisableReport, error)
}

// Request selects the source and options for one clone provisioning run.
type Request struct {
	// SourceSnapshot is an explicit snapshot name. Empty means "latest
	// available" unless FromLive is set.
	SourceSnapshot string
	// FromLive clones the live primary dataset itself (the first-clone path).
	FromLive bool
	// Description is stored as a container label.
	Description string
	// AllowWritableSource permits a non-read-only source in interactive
	// contexts. Unattended runs must leave this false: a non-snapshot
	// source silently degrades the point-in-time guarantee.
	AllowWritableSource bool
	// PreferredPort overrides the configured preferred port when non-zero.
	PreferredPort int
}

// Provisioner runs the clone provisioning pipeline.
type Provisioner struct {
	cfg        *config.Config
	fs         FilesystemGateway
	containers ContainerGateway
	ports      PortAllocator
	instance   InstanceClient

	now func() time.Time
}

// NewProvisioner wires a provisioner from its collaborators.
func NewProvisioner(cfg *config.Config, fs FilesystemGateway, containers ContainerGateway, ports PortAllocator, instance InstanceClient) *Provisioner {
	return &Provisioner{
		cfg:        cfg,
		fs:         fs,
		containers: containers,
		ports:      ports,
		instance:   instance,
		now:        time.Now,
	}
}

// Provision executes the pipeline and returns a result describing either a
// running, replication-frozen clone or the stage at which provisioning
// stopped. A partially created derivative is never rolled back automatically;
// it would destroy the evidence needed to diagnose the failure, and the
// reconciler surfaces it as a container-less or stopped clone. A container
// started before the failure is stopped so the allocated port is released,
// but kept so its logs remain inspectable.
func (p *Provisioner) Provision(ctx context.Context, req Request) models.ProvisionResult {
	opID := uuid.NewString()
	result := models.ProvisionResult{OperationID: opID}

	log := logger.With("operation_id", opID)
	log.Info("provisioning clone",
		"source", req.SourceSnapshot, "from_live", req.FromLive)

	var (
		srcPath   string
		srcName   string
		cloneName string
		clonePath string
		pgdataEnv string
		hostPort  int
	)

	stages := []Stage{
		{
			Name:     "resolve-source",
			Required: true,
			Run: func(ctx context.Context) error {
				path, name, warn, err := p.resolveSource(ctx, req)
				if err != nil {
					return err
				}
				if warn != "" {
					result.Warnings = append(result.Warnings, warn)
				}
				srcPath, srcName = path, name
				result.Snapshot = name
				return nil
			},
		},
		{
			Name:     "create-derivative",
			Required: true,
			Run: func(ctx context.Context) error {
				name, path, err := p.createDerivative(ctx, srcPath)
				if err != nil {
					return err
				}
				cloneName, clonePath = name, path
				result.CloneName = cloneName
				result.SubvolumePath = clonePath
				return nil
			},
		},
		{
			Name:     "fix-ownership",
			Required: true,
			Run: func(ctx context.Context) error {
				if err := p.fs.Chown(ctx, clonePath, postgresUID, postgresGID); err != nil {
					return err
				}
				if err := p.fs.Chmod(ctx, clonePath, dataDirPerms); err != nil {
					return err
				}
				// Readability anomalies are reported, not fatal.
				if _, err := os.Stat(clonePath); err != nil {
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("clone path not readable after chmod: %v", err))
				}
				return nil
			},
		},
		{
			Name:     "detect-layout",
			Required: true,
			Run: func(ctx context.Context) error {
				env, err := detectDataLayout(clonePath)
				if err != nil {
					return err
				}
				pgdataEnv = env
				return nil
			},
		},
		{
			Name:     "allocate-port",
			Required: true,
			Run: func(ctx context.Context) error {
				preferred := req.PreferredPort
				if preferred == 0 {
					preferred = p.cfg.Provision.PreferredPort
				}
				port, err := p.ports.Allocate(preferred, p.cfg.Provision.PortAttempts)
				if err != nil {
					return err
				}
				hostPort = port
				result.HostPort = port
				return nil
			},
		},
		{
			Name:     "start-instance",
			Required: true,
			Run: func(ctx context.Context) error {
				if err := p.containers.EnsureNetwork(ctx, p.cfg.Docker.Network); err != nil {
					return err
				}
				_, err := p.containers.Run(ctx, p.runOptions(req, srcName, cloneName, clonePath, pgdataEnv, hostPort))
				if err != nil {
					return err
				}
				result.ContainerName = cloneName
				return nil
			},
		},
		{
			Name:     "wait-ready",
			Required: true,
			Run: func(ctx context.Context) error {
				err := p.instance.WaitReady(ctx, hostPort,
					p.cfg.Provision.ReadyTimeout, p.cfg.Provision.ReadyInterval)
				if err == nil {
					return nil
				}
				// Logs are captured before the failure handling stops the
				// container; attach them so the caller can diagnose without
				// digging.
				if logs, logErr := p.containers.Logs(ctx, cloneName, 50); logErr == nil && logs != "" {
					return fmt.Errorf("%w\nrecent instance logs:\n%s", err, logs)
				}
				return err
			},
		},
		{
			// Correctness-critical but best-effort per subscription: a clone
			// with an un-disabled subscription is usable, just degraded.
			Name:     "disable-subscriptions",
			Required: false,
			Run: func(ctx context.Context) error {
				report, err := p.instance.DisableSubscriptions(ctx, hostPort)
				if err != nil {
					return err
				}
				for _, name := range report.Disabled {
					log.Info("disabled inherited subscription", "subscription", name)
				}
				if len(report.Failures) > 0 {
					var parts []string
					for name, msg := range report.Failures {
						parts = append(parts, fmt.Sprintf("%s: %s", name, msg))
					}
					return fmt.Errorf("failed to disable subscriptions: %s", strings.Join(parts, "; "))
				}
				return nil
			},
		},
	}

	outcome := runPipeline(ctx, opID, stages)

	result.LastStage = outcome.LastCompleted()
	result.Warnings = append(result.Warnings, outcome.Warnings...)

	switch {
	case outcome.Err != nil:
		result.Status = models.ProvisionFailed
		result.Error = outcome.Err.Error()
		if result.ContainerName != "" {
			// Stop, never remove: a stopped container releases the port but
			// keeps its logs for diagnosis. A detached context covers the
			// case where the pipeline failed on cancellation.
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if stopErr := p.containers.Stop(stopCtx, result.ContainerName); stopErr != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("failed to stop container %s: %v", result.ContainerName, stopErr))
			}
			cancel()
		}
		log.Error("provisioning failed",
			"failed_stage", outcome.FailedStage, "last_completed", result.LastStage)
	case outcome.Degraded || len(result.Warnings) > 0:
		result.Status = models.ProvisionDegraded
		log.Warn("provisioning completed degraded", "warnings", len(result.Warnings))
	default:
		result.Status = models.ProvisionOK
		log.Info("provisioning completed",
			"clone", result.CloneName, "port", result.HostPort)
	}

	return result
}

// resolveSource picks and validates the source subvolume. It returns the
// source path, its name, and an optional warning.
func (p *Provisioner) resolveSource(ctx context.Context, req Request) (path, name, warning string, err error) {
	root := p.cfg.Btrfs.RootDataDir

	if req.FromLive {
		// First-clone path: the live primary dataset itself. It is a
		// writable subvolume by nature, so read-only validation is skipped.
		name = p.cfg.Btrfs.MainDataDir
		path = filepath.Join(root, name)
		info, showErr := p.fs.Show(ctx, path)
		if showErr != nil {
			return "", "", "", showErr
		}
		if !info.IsSubvolume {
			return "", "", "", fmt.Errorf("live dataset %s is not a subvolume", path)
		}
		return path, name, "", nil
	}

	if req.SourceSnapshot != "" {
		name = req.SourceSnapshot
		path = filepath.Join(root, name)
		info, showErr := p.fs.Show(ctx, path)
		if showErr != nil {
			return "", "", "", fmt.Errorf("source snapshot %s: %w", name, showErr)
		}
		if !info.IsSubvolume {
			return "", "", "", fmt.Errorf("source %s is not a snapshot subvolume", name)
		}
		if !info.ReadOnly {
			if !req.AllowWritableSource {
				return "", "", "", fmt.Errorf("source %s is not read-only; refusing in unattended mode", name)
			}
			warning = fmt.Sprintf("source %s is not read-only; point-in-time guarantee is weakened", name)
		}
		return path, name, warning, nil
	}

	// "Latest available": names are timestamp-sortable, so the lexicographic
	// maximum among verified snapshots wins. Invalid entries are skipped.
	infos, listErr := p.fs.ListSubvolumesUnder(ctx, root)
	if listErr != nil {
		return "", "", "", listErr
	}
	prefix := btrfs.SnapshotPrefix(p.cfg.Btrfs.MainDataDir)
	for i := len(infos) - 1; i >= 0; i-- {
		info := infos[i]
		base := filepath.Base(info.Path)
		if !strings.HasPrefix(base, prefix) {
			continue
		}
		if !info.ReadOnly {
			logger.Warn("skipping writable snapshot candidate", "name", base)
			continue
		}
		return info.Path, base, "", nil
	}
	return "", "", "", fmt.Errorf("no valid snapshot found under %s", root)
}

// createDerivative materializes the writable clone subvolume with a fresh
// timestamp suffix. The filesystem either returns a fully formed subvolume
// or an error; a name collision within the same second is re-stamped.
func (p *Provisioner) createDerivative(ctx context.Context, srcPath string) (name, path string, err error) {
	ts := p.now()
	for attempt := 0; attempt < 3; attempt++ {
		name = btrfs.CloneName(p.cfg.Btrfs.MainDataDir, ts.Add(time.Duration(attempt)*time.Second))
		path = filepath.Join(p.cfg.Btrfs.RootDataDir, name)
		if _, statErr := os.Stat(path); statErr == nil {
			continue
		}
		if err = p.fs.Snapshot(ctx, srcPath, path, false); err != nil {
			return "", "", err
		}
		return name, path, nil
	}
	return "", "", fmt.Errorf("could not find a free clone name under %s", p.cfg.Btrfs.RootDataDir)
}

// detectDataLayout probes the two known data-directory layouts and returns
// the PGDATA value for the container. Guessing a wrong layout makes the
// engine initdb over real data, so an unknown layout aborts.
func detectDataLayout(clonePath string) (string, error) {
	if _, err := os.Stat(filepath.Join(clonePath, "PG_VERSION")); err == nil {
		return containerDataDir, nil
	}
	if _, err := os.Stat(filepath.Join(clonePath, "pgdata", "PG_VERSION")); err == nil {
		return containerDataDir + "/pgdata", nil
	}
	return "", fmt.Errorf("no PG_VERSION marker at %s or %s/pgdata; unknown data directory layout",
		clonePath, clonePath)
}

func (p *Provisioner) runOptions(req Request, srcName, cloneName, clonePath, pgdataEnv string, hostPort int) docker.RunOptions {
	labels := map[string]string{
		LabelRole:      RoleClone,
		LabelSubvolume: cloneName,
		LabelSource:    srcName,
	}
	if req.Description != "" {
		labels[LabelDescription] = req.Description
	}

	return docker.RunOptions{
		Name:    cloneName,
		Image:   p.cfg.Docker.Image,
		Network: p.cfg.Docker.Network,
		Env: map[string]string{
			"POSTGRES_USER":     p.cfg.Postgres.User,
			"POSTGRES_PASSWORD": p.cfg.Postgres.Password,
			"POSTGRES_DB":       p.cfg.Postgres.Database,
			"PGDATA":            pgdataEnv,
		},
		Labels:   labels,
		Mounts:   map[string]string{clonePath: containerDataDir},
		HostPort: hostPort,
		// Belt and braces: even before the subscription sweep runs, the
		// clone boots with no replication workers available.
		ExtraArgs: []string{"-c", "max_logical_replication_workers=0"},
	}
}
