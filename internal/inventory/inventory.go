// Package inventory re-derives the logical snapshot and clone lists from
// filesystem and container-runtime ground truth on every call. Nothing is
// cached: both substrates change out-of-band under manual operator action.
package inventory

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/snaplicator/snaplicator/internal/btrfs"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/models"
	"github.com/snaplicator/snaplicator/internal/provision"
)

// Reconciler lists snapshots and clones.
type Reconciler struct {
	cfg          *config.Config
	fs           provision.FilesystemGateway
	containers   provision.ContainerGateway
	descriptions *btrfs.DescriptionStore
}

// NewReconciler wires an inventory reconciler.
func NewReconciler(cfg *config.Config, fs provision.FilesystemGateway, containers provision.ContainerGateway, descriptions *btrfs.DescriptionStore) *Reconciler {
	return &Reconciler{
		cfg:          cfg,
		fs:           fs,
		containers:   containers,
		descriptions: descriptions,
	}
}

// ListSnapshots enumerates verified snapshot subvolumes under the configured
// root, sorted by name (timestamp order).
func (r *Reconciler) ListSnapshots(ctx context.Context) ([]models.Snapshot, error) {
	infos, err := r.fs.ListSubvolumesUnder(ctx, r.cfg.Btrfs.RootDataDir)
	if err != nil {
		return nil, err
	}

	prefix := btrfs.SnapshotPrefix(r.cfg.Btrfs.MainDataDir)
	snapshots := make([]models.Snapshot, 0, len(infos))
	for _, info := range infos {
		name := filepath.Base(info.Path)
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		snapshots = append(snapshots, models.Snapshot{
			Name:        name,
			Path:        info.Path,
			ReadOnly:    info.ReadOnly,
			Description: r.descriptions.Get(name),
		})
	}
	return snapshots, nil
}

// ListClones enumerates clone subvolumes and left-joins them against
// container-runtime state. A subvolume with no matching container is
// reported as a container-less clone, never hidden.
func (r *Reconciler) ListClones(ctx context.Context) ([]models.Clone, error) {
	infos, err := r.fs.ListSubvolumesUnder(ctx, r.cfg.Btrfs.RootDataDir)
	if err != nil {
		return nil, err
	}

	prefix := btrfs.ClonePrefix(r.cfg.Btrfs.MainDataDir)
	clones := make([]models.Clone, 0, len(infos))
	for _, info := range infos {
		name := filepath.Base(info.Path)
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		clone := models.Clone{
			Name:          name,
			SubvolumePath: info.Path,
		}

		cinfo, err := r.containers.Inspect(ctx, name)
		if err != nil {
			logger.Warn("could not inspect clone container", "clone", name, "error", err)
		}
		if cinfo != nil {
			clone.HasContainer = true
			clone.ContainerName = cinfo.Name
			clone.Running = cinfo.Running
			clone.HostPort = cinfo.HostPort
			clone.StartedAt = cinfo.StartedAt
			clone.Description = cinfo.Labels[provision.LabelDescription]
		}

		clones = append(clones, clone)
	}
	return clones, nil
}
