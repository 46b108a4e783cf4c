package provision

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snaplicator/snaplicator/internal/btrfs"
	"github.com/snaplicator/snaplicator/internal/config"
	"github.com/snaplicator/snaplicator/internal/docker"
	"github.com/snaplicator/snaplicator/internal/models"
)

// fakeFS implements FilesystemGateway over a map of known subvolumes. Snapshot
// materializes a real directory so the layout and readability probes see it.
type fakeFS struct {
	subvolumes map[string]btrfs.SubvolumeInfo
	// nestedLayout puts PG_VERSION under pgdata/ in created derivatives.
	nestedLayout bool

	snapshotErr error
	chownErr    error
	deleteErr   error

	snapshots [][2]string // src, dst pairs
	deleted   []string
	chowned   []string
	chmodded  []string
}

func (f *fakeFS) Show(ctx context.Context, path string) (btrfs.SubvolumeInfo, error) {
	if info, ok := f.subvolumes[path]; ok {
		return info, nil
	}
	if _, err := os.Stat(path); err == nil {
		return btrfs.SubvolumeInfo{Path: path}, nil
	}
	return btrfs.SubvolumeInfo{Path: path}, errors.New("no such subvolume")
}

func (f *fakeFS) Snapshot(ctx context.Context, src, dst string, readonly bool) error {
	if f.snapshotErr != nil {
		return f.snapshotErr
	}
	dataDir := dst
	if f.nestedLayout {
		dataDir = filepath.Join(dst, "pgdata")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dataDir, "PG_VERSION"), []byte("17\n"), 0600); err != nil {
		return err
	}
	if f.subvolumes == nil {
		f.subvolumes = make(map[string]btrfs.SubvolumeInfo)
	}
	f.subvolumes[dst] = btrfs.SubvolumeInfo{Path: dst, IsSubvolume: true, ReadOnly: readonly}
	f.snapshots = append(f.snapshots, [2]string{src, dst})
	return nil
}

func (f *fakeFS) Delete(ctx context.Context, path string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.subvolumes, path)
	f.deleted = append(f.deleted, path)
	return nil
}

func (f *fakeFS) ListSubvolumesUnder(ctx context.Context, root string) ([]btrfs.SubvolumeInfo, error) {
	var infos []btrfs.SubvolumeInfo
	for _, info := range f.subvolumes {
		if filepath.Dir(info.Path) == root && info.IsSubvolume {
			infos = append(infos, info)
		}
	}
	// Sorted by path, matching the real gateway.
	for i := range infos {
		for j := i + 1; j < len(infos); j++ {
			if infos[j].Path < infos[i].Path {
				infos[i], infos[j] = infos[j], infos[i]
			}
		}
	}
	return infos, nil
}

func (f *fakeFS) Chown(ctx context.Context, path string, uid, gid int) error {
	if f.chownErr != nil {
		return f.chownErr
	}
	f.chowned = append(f.chowned, path)
	return nil
}

func (f *fakeFS) Chmod(ctx context.Context, path, mode string) error {
	f.chmodded = append(f.chmodded, path)
	return nil
}

// fakeContainers implements ContainerGateway in memory.
type fakeContainers struct {
	runErr     error
	stopErr    error
	removeErr  error
	logsOutput string
	byLabel    []string
	byLabelErr error
	inspected  map[string]*docker.ContainerInfo

	runOpts  []docker.RunOptions
	stopped  []string
	removed  []string
	networks []string
}

func (f *fakeContainers) EnsureNetwork(ctx context.Context, name string) error {
	f.networks = append(f.networks, name)
	return nil
}

func (f *fakeContainers) Run(ctx context.Context, opts docker.RunOptions) (string, error) {
	if f.runErr != nil {
		return "", f.runErr
	}
	f.runOpts = append(f.runOpts, opts)
	return "container-id", nil
}

func (f *fakeContainers) Logs(ctx context.Context, container string, tailLines int) (string, error) {
	return f.logsOutput, nil
}

func (f *fakeContainers) Stop(ctx context.Context, container string) error {
	if f.stopErr != nil {
		return f.stopErr
	}
	f.stopped = append(f.stopped, container)
	return nil
}

func (f *fakeContainers) Remove(ctx context.Context, container string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, container)
	return nil
}

func (f *fakeContainers) IsRunning(ctx context.Context, container string) (bool, error) {
	info, ok := f.inspected[container]
	return ok && info.Running, nil
}

func (f *fakeContainers) Inspect(ctx context.Context, container string) (*docker.ContainerInfo, error) {
	return f.inspected[container], nil
}

func (f *fakeContainers) ListByLabel(ctx context.Context, label string) ([]string, error) {
	return f.byLabel, f.byLabelErr
}

type fakePorts struct {
	port int
	err  error
}

func (f *fakePorts) Allocate(preferred, attempts int) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	if f.port != 0 {
		return f.port, nil
	}
	return preferred, nil
}

type fakeInstance struct {
	waitErr    error
	disableErr error
	report     DisableReport
}

func (f *fakeInstance) WaitReady(ctx context.Context, port int, timeout, interval time.Duration) error {
	return f.waitErr
}

func (f *fakeInstance) DisableSubscriptions(ctx context.Context, port int) (DisableReport, error) {
	return f.report, f.disableErr
}

func testConfig(root string) *config.Config {
	return &config.Config{
		Btrfs: config.BtrfsConfig{
			RootDataDir: root,
			MainDataDir: "pgmain",
		},
		Docker: config.DockerConfig{
			Image:         "postgres:17",
			Network:       "snaplicator",
			ContainerBase: "pgmain",
		},
		Postgres: config.PostgresConfig{
			User:     "postgres",
			Password: "secret",
			Database: "postgres",
			SSLMode:  "disable",
		},
		Provision: config.ProvisionConfig{
			PreferredPort: 5500,
			PortAttempts:  10,
			ReadyTimeout:  time.Second,
			ReadyInterval: 10 * time.Millisecond,
		},
	}
}

// addSnapshot registers a read-only snapshot subvolume backed by a real dir.
func addSnapshot(t *testing.T, fs *fakeFS, root, name string, readonly bool) string {
	t.Helper()
	path := filepath.Join(root, name)
	if err := os.MkdirAll(path, 0700); err != nil {
		t.Fatal(err)
	}
	if fs.subvolumes == nil {
		fs.subvolumes = make(map[string]btrfs.SubvolumeInfo)
	}
	fs.subvolumes[path] = btrfs.SubvolumeInfo{Path: path, IsSubvolume: true, ReadOnly: readonly}
	return path
}

func newTestProvisioner(cfg *config.Config, fs *fakeFS, containers *fakeContainers, instance *fakeInstance) *Provisioner {
	p := NewProvisioner(cfg, fs, containers, &fakePorts{}, instance)
	p.now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return p
}

func TestProvision_ExplicitSnapshot(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	containers := &fakeContainers{}
	p := newTestProvisioner(cfg, fs, containers, &fakeInstance{})

	result := p.Provision(context.Background(), Request{
		SourceSnapshot: "pgmain-snapshot-20250601-110000",
		Description:    "for testing",
	})

	if result.Status != models.ProvisionOK {
		t.Fatalf("Status = %q (%s); want ok", result.Status, result.Error)
	}
	if result.CloneName != "pgmain-clone-20250601-120000" {
		t.Errorf("CloneName = %q; want pgmain-clone-20250601-120000", result.CloneName)
	}
	if result.HostPort != 5500 {
		t.Errorf("HostPort = %d; want 5500", result.HostPort)
	}
	if result.LastStage != "disable-subscriptions" {
		t.Errorf("LastStage = %q; want disable-subscriptions", result.LastStage)
	}
	if result.OperationID == "" {
		t.Error("OperationID is empty")
	}

	if len(containers.runOpts) != 1 {
		t.Fatalf("Run called %d times; want 1", len(containers.runOpts))
	}
	opts := containers.runOpts[0]
	if opts.Labels[LabelSource] != "pgmain-snapshot-20250601-110000" {
		t.Errorf("source label = %q", opts.Labels[LabelSource])
	}
	if opts.Labels[LabelRole] != RoleClone {
		t.Errorf("role label = %q; want %q", opts.Labels[LabelRole], RoleClone)
	}
	if opts.Labels[LabelDescription] != "for testing" {
		t.Errorf("description label = %q", opts.Labels[LabelDescription])
	}
	if opts.Env["PGDATA"] != containerDataDir {
		t.Errorf("PGDATA = %q; want %q", opts.Env["PGDATA"], containerDataDir)
	}
	if got := strings.Join(opts.ExtraArgs, " "); !strings.Contains(got, "max_logical_replication_workers=0") {
		t.Errorf("ExtraArgs = %q; missing replication worker freeze", got)
	}

	if len(fs.chowned) != 1 || len(fs.chmodded) != 1 {
		t.Errorf("chown/chmod calls = %d/%d; want 1/1", len(fs.chowned), len(fs.chmodded))
	}
}

func TestProvision_NestedLayout(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{nestedLayout: true}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	containers := &fakeContainers{}
	p := newTestProvisioner(cfg, fs, containers, &fakeInstance{})

	result := p.Provision(context.Background(), Request{SourceSnapshot: "pgmain-snapshot-20250601-110000"})

	if result.Status != models.ProvisionOK {
		t.Fatalf("Status = %q (%s); want ok", result.Status, result.Error)
	}
	if got := containers.runOpts[0].Env["PGDATA"]; got != containerDataDir+"/pgdata" {
		t.Errorf("PGDATA = %q; want %s/pgdata", got, containerDataDir)
	}
}

func TestProvision_LatestSkipsWritableSnapshot(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-100000", true)
	// Newest candidate is writable and must be skipped.
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", false)
	containers := &fakeContainers{}
	p := newTestProvisioner(cfg, fs, containers, &fakeInstance{})

	result := p.Provision(context.Background(), Request{})

	if result.Status != models.ProvisionOK {
		t.Fatalf("Status = %q (%s); want ok", result.Status, result.Error)
	}
	if result.Snapshot != "pgmain-snapshot-20250601-100000" {
		t.Errorf("Snapshot = %q; want the read-only candidate", result.Snapshot)
	}
}

func TestProvision_NoSnapshotAvailable(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	containers := &fakeContainers{}
	p := newTestProvisioner(cfg, &fakeFS{}, containers, &fakeInstance{})

	result := p.Provision(context.Background(), Request{})

	if result.Status != models.ProvisionFailed {
		t.Fatalf("Status = %q; want failed", result.Status)
	}
	if !strings.Contains(result.Error, "no valid snapshot") {
		t.Errorf("Error = %q; want no-valid-snapshot", result.Error)
	}
	if len(containers.stopped) != 0 {
		t.Errorf("stopped = %v; nothing was started", containers.stopped)
	}
}

func TestProvision_WritableSourceRefusedUnattended(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", false)
	p := newTestProvisioner(cfg, fs, &fakeContainers{}, &fakeInstance{})

	result := p.Provision(context.Background(), Request{SourceSnapshot: "pgmain-snapshot-20250601-110000"})

	if result.Status != models.ProvisionFailed {
		t.Fatalf("Status = %q; want failed", result.Status)
	}
	if !strings.Contains(result.Error, "not read-only") {
		t.Errorf("Error = %q; want read-only refusal", result.Error)
	}
	if len(fs.snapshots) != 0 {
		t.Error("derivative was created despite source refusal")
	}
}

func TestProvision_WritableSourceAllowedWithWarning(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", false)
	p := newTestProvisioner(cfg, fs, &fakeContainers{}, &fakeInstance{})

	result := p.Provision(context.Background(), Request{
		SourceSnapshot:      "pgmain-snapshot-20250601-110000",
		AllowWritableSource: true,
	})

	if result.Status != models.ProvisionDegraded {
		t.Fatalf("Status = %q; want degraded", result.Status)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "not read-only") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v; want point-in-time warning", result.Warnings)
	}
}

func TestProvision_FromLive(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	// The live dataset is a writable subvolume; FromLive must accept it.
	addSnapshot(t, fs, root, "pgmain", false)
	containers := &fakeContainers{}
	p := newTestProvisioner(cfg, fs, containers, &fakeInstance{})

	result := p.Provision(context.Background(), Request{FromLive: true})

	if result.Status != models.ProvisionOK {
		t.Fatalf("Status = %q (%s); want ok", result.Status, result.Error)
	}
	if result.Snapshot != "pgmain" {
		t.Errorf("Snapshot = %q; want pgmain", result.Snapshot)
	}
	if containers.runOpts[0].Labels[LabelSource] != "pgmain" {
		t.Errorf("source label = %q; want pgmain", containers.runOpts[0].Labels[LabelSource])
	}
}

func TestProvision_WaitReadyFailureAttachesLogs(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	containers := &fakeContainers{logsOutput: "FATAL: data directory has wrong ownership"}
	instance := &fakeInstance{waitErr: errors.New("instance not ready after 1s")}
	p := newTestProvisioner(cfg, fs, containers, instance)

	result := p.Provision(context.Background(), Request{SourceSnapshot: "pgmain-snapshot-20250601-110000"})

	if result.Status != models.ProvisionFailed {
		t.Fatalf("Status = %q; want failed", result.Status)
	}
	if !strings.Contains(result.Error, "wrong ownership") {
		t.Errorf("Error = %q; want attached instance logs", result.Error)
	}
	if result.LastStage != "start-instance" {
		t.Errorf("LastStage = %q; want start-instance", result.LastStage)
	}
	// The started container must not stay up holding the port; it is stopped
	// but kept, and the derivative stays, so the evidence survives.
	if len(containers.stopped) != 1 || containers.stopped[0] != result.CloneName {
		t.Errorf("stopped = %v; want the failed clone container", containers.stopped)
	}
	if len(containers.removed) != 0 || len(fs.deleted) != 0 {
		t.Error("failed provisioning rolled back artifacts; they must be preserved")
	}
}

func TestProvision_StopFailureAfterWaitReadyWarns(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	containers := &fakeContainers{stopErr: errors.New("daemon hung")}
	instance := &fakeInstance{waitErr: errors.New("instance not ready after 1s")}
	p := newTestProvisioner(cfg, fs, containers, instance)

	result := p.Provision(context.Background(), Request{SourceSnapshot: "pgmain-snapshot-20250601-110000"})

	if result.Status != models.ProvisionFailed {
		t.Fatalf("Status = %q; want failed", result.Status)
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "failed to stop container") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v; want stop-failure warning", result.Warnings)
	}
}

func TestProvision_DisableSubscriptionsFailureDegrades(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	instance := &fakeInstance{
		report: DisableReport{
			Disabled: []string{"sub_a"},
			Failures: map[string]string{"sub_b": "permission denied"},
		},
	}
	p := newTestProvisioner(cfg, fs, &fakeContainers{}, instance)

	result := p.Provision(context.Background(), Request{SourceSnapshot: "pgmain-snapshot-20250601-110000"})

	if result.Status != models.ProvisionDegraded {
		t.Fatalf("Status = %q; want degraded", result.Status)
	}
	if result.HostPort == 0 || result.CloneName == "" {
		t.Error("degraded result must still describe the usable clone")
	}
	found := false
	for _, w := range result.Warnings {
		if strings.Contains(w, "sub_b") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings = %v; want sub_b disable failure", result.Warnings)
	}
}

func TestDetectDataLayout_Unknown(t *testing.T) {
	dir := t.TempDir()
	if _, err := detectDataLayout(dir); err == nil {
		t.Error("detectDataLayout accepted a directory with no PG_VERSION marker")
	}
}

func TestCreateDerivative_RestampsOnCollision(t *testing.T) {
	root := t.TempDir()
	cfg := testConfig(root)
	fs := &fakeFS{}
	src := addSnapshot(t, fs, root, "pgmain-snapshot-20250601-110000", true)
	p := newTestProvisioner(cfg, fs, &fakeContainers{}, &fakeInstance{})

	// Occupy the first candidate name.
	if err := os.MkdirAll(filepath.Join(root, "pgmain-clone-20250601-120000"), 0700); err != nil {
		t.Fatal(err)
	}

	name, _, err := p.createDerivative(context.Background(), src)
	if err != nil {
		t.Fatalf("createDerivative: %v", err)
	}
	if name != "pgmain-clone-20250601-120001" {
		t.Errorf("name = %q; want re-stamped pgmain-clone-20250601-120001", name)
	}
}
