package provision

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/snaplicator/snaplicator/internal/btrfs"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/logger"
	"github.com/snaplicator/snaplicator/internal/models"
)

// Sentinel errors for callers (the HTTP layer) to classify failures.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrPrecondition = errors.New("precondition failed")
)

// TeardownError reports a partial clone teardown: the two underlying
// operations (container removal, subvolume deletion) are independent and can
// fail independently. This state is recoverable by the operator, not fatal.
type TeardownError struct {
	Clone            string
	ContainerRemoved bool
	Err              error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("teardown of %s incomplete (container removed: %t): %v",
		e.Clone, e.ContainerRemoved, e.Err)
}

func (e *TeardownError) Unwrap() error { return e.Err }

// Lifecycle implements snapshot creation/deletion and clone teardown.
type Lifecycle struct {
	cfg          *config.Config
	fs           FilesystemGateway
	containers   ContainerGateway
	descriptions *btrfs.DescriptionStore
	now          func() time.Time
}

// NewLifecycle wires the lifecycle operations.
func NewLifecycle(cfg *config.Config, fs FilesystemGateway, containers ContainerGateway, descriptions *btrfs.DescriptionStore) *Lifecycle {
	return &Lifecycle{
		cfg:          cfg,
		fs:           fs,
		containers:   containers,
		descriptions: descriptions,
		now:          time.Now,
	}
}

// CreateSnapshot takes a new read-only snapshot of the live primary dataset.
func (l *Lifecycle) CreateSnapshot(ctx context.Context, description string) (models.Snapshot, error) {
	root := l.cfg.Btrfs.RootDataDir
	src := filepath.Join(root, l.cfg.Btrfs.MainDataDir)

	info, err := l.fs.Show(ctx, src)
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("%w: source path %s: %v", ErrNotFound, src, err)
	}
	if !info.IsSubvolume {
		return models.Snapshot{}, fmt.Errorf("%w: source %s is not a subvolume", ErrPrecondition, src)
	}

	name := btrfs.SnapshotName(l.cfg.Btrfs.MainDataDir, l.now())
	target := filepath.Join(root, name)
	if existing, err := l.fs.Show(ctx, target); err == nil && existing.IsSubvolume {
		return models.Snapshot{}, fmt.Errorf("%w: snapshot %s already exists", ErrConflict, name)
	}

	if err := l.fs.Snapshot(ctx, src, target, true); err != nil {
		return models.Snapshot{}, err
	}

	if description != "" {
		if err := l.descriptions.Set(name, description); err != nil {
			logger.Warn("failed to store snapshot description", "snapshot", name, "error", err)
		}
	}

	return models.Snapshot{
		Name:        name,
		Path:        target,
		ReadOnly:    true,
		Description: description,
	}, nil
}

// DeleteSnapshot removes a snapshot. A best-effort dependency check refuses
// the delete while a clone container still declares this snapshot as its
// source; there is no durable ownership tracking beyond that label.
func (l *Lifecycle) DeleteSnapshot(ctx context.Context, name string) error {
	if err := validateResourceName(name, btrfs.SnapshotPrefix(l.cfg.Btrfs.MainDataDir)); err != nil {
		return err
	}

	path := filepath.Join(l.cfg.Btrfs.RootDataDir, name)
	info, err := l.fs.Show(ctx, path)
	if err != nil || !info.IsSubvolume {
		return fmt.Errorf("%w: snapshot %s", ErrNotFound, name)
	}

	dependents, err := l.containers.ListByLabel(ctx, LabelSource+"="+name)
	if err != nil {
		logger.Warn("dependency check failed, proceeding with delete", "snapshot", name, "error", err)
	} else if len(dependents) > 0 {
		return fmt.Errorf("%w: snapshot %s is the source of clone containers: %s",
			ErrConflict, name, strings.Join(dependents, ", "))
	}

	if err := l.fs.Delete(ctx, path); err != nil {
		return err
	}
	if err := l.descriptions.Delete(name); err != nil {
		logger.Warn("failed to remove snapshot description", "snapshot", name, "error", err)
	}
	return nil
}

// DeleteClone tears down a clone: container removal first, then subvolume
// deletion. Both must succeed for a clean delete; a busy subvolume after a
// successful container removal surfaces as a TeardownError for the operator.
func (l *Lifecycle) DeleteClone(ctx context.Context, name string) error {
	if err := validateResourceName(name, btrfs.ClonePrefix(l.cfg.Btrfs.MainDataDir)); err != nil {
		return err
	}

	path := filepath.Join(l.cfg.Btrfs.RootDataDir, name)
	info, err := l.fs.Show(ctx, path)
	subvolumeExists := err == nil && info.IsSubvolume

	cinfo, err := l.containers.Inspect(ctx, name)
	if err != nil {
		logger.Warn("could not determine container state before teardown", "clone", name, "error", err)
	}
	containerExists := cinfo != nil

	if !subvolumeExists && !containerExists {
		return fmt.Errorf("%w: clone %s", ErrNotFound, name)
	}

	if err := l.containers.Remove(ctx, name); err != nil {
		return &TeardownError{Clone: name, ContainerRemoved: false, Err: err}
	}

	if subvolumeExists {
		if err := l.fs.Delete(ctx, path); err != nil {
			return &TeardownError{Clone: name, ContainerRemoved: true, Err: err}
		}
	}

	logger.Info("deleted clone", "clone", name)
	return nil
}

// validateResourceName rejects names outside the expected convention, which
// also guards against path traversal through the HTTP surface.
func validateResourceName(name, prefix string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid resource name %q", ErrPrecondition, name)
	}
	if !strings.HasPrefix(name, prefix) {
		return fmt.Errorf("%w: name %q does not match convention %s<timestamp>", ErrPrecondition, name, prefix)
	}
	return nil
}
