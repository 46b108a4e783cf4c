// Package btrfs is the gateway to the copy-on-write filesystem. It shells out
// to the btrfs CLI and translates every non-zero exit into a typed error
// carrying the offending path and the command's last diagnostic output.
package btrfs

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/snaplicator/snaplicator/internal/logger"
)

// CommandError is a failed btrfs (or mount) invocation.
type CommandError struct {
	Op     string
	Path   string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("btrfs %s %s: %v: %s", e.Op, e.Path, e.Err, e.Stderr)
	}
	return fmt.Sprintf("btrfs %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// SubvolumeInfo describes one path as the filesystem sees it.
type SubvolumeInfo struct {
	Path        string
	IsSubvolume bool
	ReadOnly    bool
}

// runner executes an external command and returns combined stdout, stderr.
type runner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out, errBuf bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errBuf
	err := cmd.Run()
	return out.Bytes(), errBuf.Bytes(), err
}

// Manager issues snapshot operations against the filesystem.
type Manager struct {
	// Sudo prefixes every btrfs/mount invocation; the daemon normally runs
	// unprivileged with sudoers rules for exactly these commands.
	Sudo bool

	run        runner
	mountsPath string
}

// NewManager creates a filesystem gateway.
func NewManager(sudo bool) *Manager {
	return &Manager{
		Sudo:       sudo,
		run:        execRunner,
		mountsPath: "/proc/self/mounts",
	}
}

func (m *Manager) command(ctx context.Context, args ...string) ([]byte, []byte, error) {
	if m.Sudo {
		return m.run(ctx, "sudo", args...)
	}
	return m.run(ctx, args[0], args[1:]...)
}

// Show reports whether path is a subvolume and whether it is read-only.
// A path that exists but is not a subvolume is not an error.
func (m *Manager) Show(ctx context.Context, path string) (SubvolumeInfo, error) {
	info := SubvolumeInfo{Path: path}

	stdout, stderr, err := m.command(ctx, "btrfs", "subvolume", "show", path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return info, &CommandError{Op: "show", Path: path, Stderr: strings.TrimSpace(string(stderr)), Err: statErr}
		}
		// Exists but btrfs does not recognize it as a subvolume.
		return info, nil
	}

	info.IsSubvolume = true
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "Flags:") && strings.Contains(line, "readonly") {
			info.ReadOnly = true
		}
	}
	return info, nil
}

// Snapshot creates dst as a snapshot of src. The CLI either produces a fully
// formed subvolume or fails; no partial artifact is left behind.
func (m *Manager) Snapshot(ctx context.Context, src, dst string, readonly bool) error {
	args := []string{"btrfs", "subvolume", "snapshot"}
	if readonly {
		args = append(args, "-r")
	}
	args = append(args, src, dst)

	if _, stderr, err := m.command(ctx, args...); err != nil {
		return &CommandError{Op: "snapshot", Path: dst, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	logger.Info("created snapshot", "src", src, "dst", dst, "readonly", readonly)
	return nil
}

// Delete removes a subvolume. Nested mounts under the subvolume are unmounted
// first; a busy delete is retried once after a forced unmount of the
// subvolume's own mount subtree. Anything still failing after that surfaces
// as an error for the operator.
func (m *Manager) Delete(ctx context.Context, path string) error {
	if err := m.unmountNested(ctx, path); err != nil {
		logger.Warn("failed to unmount nested mounts before delete", "path", path, "error", err)
	}

	_, stderr, err := m.command(ctx, "btrfs", "subvolume", "delete", path)
	if err == nil {
		logger.Info("deleted subvolume", "path", path)
		return nil
	}

	if !isBusy(stderr) {
		return &CommandError{Op: "delete", Path: path, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}

	logger.Warn("subvolume busy, forcing unmount and retrying once", "path", path)
	if err := m.unmountNested(ctx, path); err != nil {
		logger.Warn("forced unmount failed", "path", path, "error", err)
	}

	_, stderr, err = m.command(ctx, "btrfs", "subvolume", "delete", path)
	if err != nil {
		return &CommandError{Op: "delete", Path: path, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	logger.Info("deleted subvolume after retry", "path", path)
	return nil
}

// ListSubvolumesUnder returns the names of immediate children of root that
// are genuine subvolumes, sorted by name (timestamp-sortable).
func (m *Manager) ListSubvolumesUnder(ctx context.Context, root string) ([]SubvolumeInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("list subvolumes under %s: %w", root, err)
	}

	var infos []SubvolumeInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := m.Show(ctx, filepath.Join(root, entry.Name()))
		if err != nil {
			logger.Warn("skipping unreadable entry", "path", entry.Name(), "error", err)
			continue
		}
		if info.IsSubvolume {
			infos = append(infos, info)
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// unmountNested unmounts every mount point at or below path, deepest first.
// Unmounts are scoped strictly to this subtree so other clones' mounts are
// never disturbed.
func (m *Manager) unmountNested(ctx context.Context, path string) error {
	mounts, err := m.mountsUnder(path)
	if err != nil {
		return err
	}

	var firstErr error
	for _, mount := range mounts {
		if _, stderr, err := m.command(ctx, "umount", mount); err != nil {
			if firstErr == nil {
				firstErr = &CommandError{Op: "umount", Path: mount, Stderr: strings.TrimSpace(string(stderr)), Err: err}
			}
		}
	}
	return firstErr
}

// mountsUnder reads the mount table and returns mount points at or below
// path, deepest first.
func (m *Manager) mountsUnder(path string) ([]string, error) {
	data, err := os.ReadFile(m.mountsPath)
	if err != nil {
		return nil, fmt.Errorf("read mount table: %w", err)
	}

	prefix := strings.TrimSuffix(path, "/")
	var mounts []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		mp := fields[1]
		if mp == prefix || strings.HasPrefix(mp, prefix+"/") {
			mounts = append(mounts, mp)
		}
	}

	// Deepest first so nested mounts release before their parents.
	sort.Slice(mounts, func(i, j int) bool { return len(mounts[i]) > len(mounts[j]) })
	return mounts, nil
}

func isBusy(stderr []byte) bool {
	s := strings.ToLower(string(stderr))
	return strings.Contains(s, "busy") || strings.Contains(s, "device or resource busy")
}

// Chown recursively changes ownership of path to uid:gid.
func (m *Manager) Chown(ctx context.Context, path string, uid, gid int) error {
	spec := fmt.Sprintf("%d:%d", uid, gid)
	if _, stderr, err := m.command(ctx, "chown", "-R", spec, path); err != nil {
		return &CommandError{Op: "chown", Path: path, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	return nil
}

// Chmod applies the database-engine data directory permission mask.
func (m *Manager) Chmod(ctx context.Context, path, mode string) error {
	if _, stderr, err := m.command(ctx, "chmod", "-R", mode, path); err != nil {
		return &CommandError{Op: "chmod", Path: path, Stderr: strings.TrimSpace(string(stderr)), Err: err}
	}
	return nil
}

// TimestampFormat is the suffix layout shared by snapshot and clone names.
const TimestampFormat = "20060102-150405"

// SnapshotName builds "<base>-snapshot-<ts>".
func SnapshotName(base string, t time.Time) string {
	return fmt.Sprintf("%s-snapshot-%s", base, t.Format(TimestampFormat))
}

// CloneName builds "<base>-clone-<ts>".
func CloneName(base string, t time.Time) string {
	return fmt.Sprintf("%s-clone-%s", base, t.Format(TimestampFormat))
}

// SnapshotPrefix is the listing prefix for snapshots of base.
func SnapshotPrefix(base string) string { return base + "-snapshot-" }

// ClonePrefix is the listing prefix for clones of base.
func ClonePrefix(base string) string { return base + "-clone-" }
