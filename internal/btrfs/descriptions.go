package btrfs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DescriptionStore keeps free-text snapshot descriptions as sidecar files
// under <root>/.snaplicator/. A read-only subvolume cannot carry the file
// itself and btrfs has no label store, so the sidecar lives next to the
// snapshots instead.
type DescriptionStore struct {
	dir string
}

// NewDescriptionStore creates a store rooted under rootDataDir.
func NewDescriptionStore(rootDataDir string) *DescriptionStore {
	return &DescriptionStore{dir: filepath.Join(rootDataDir, ".snaplicator")}
}

func (s *DescriptionStore) path(name string) string {
	return filepath.Join(s.dir, name+".desc")
}

// Set records a description for the named snapshot. An empty description
// removes any existing one.
func (s *DescriptionStore) Set(name, description string) error {
	if description == "" {
		return s.Delete(name)
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("create description dir: %w", err)
	}
	if err := os.WriteFile(s.path(name), []byte(description+"\n"), 0644); err != nil {
		return fmt.Errorf("write description for %s: %w", name, err)
	}
	return nil
}

// Get returns the stored description, or "" if none exists.
func (s *DescriptionStore) Get(name string) string {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Delete removes the description for the named snapshot, if present.
func (s *DescriptionStore) Delete(name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove description for %s: %w", name, err)
	}
	return nil
}
