// Package storage implements the persistent on-media layout (config.json,
// logs/) and an inotify-based removable-media presence monitor.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves the fixed persistent paths rooted at root.
type Layout struct {
	Root string
}

func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.json")
}

func (l Layout) LogsDir() string {
	return filepath.Join(l.Root, "logs")
}

func (l Layout) ManifestPath() string {
	return filepath.Join(l.LogsDir(), "manifest.json")
}

// Mount verifies root exists and is writable, creating logs/ if needed.
// Any error it returns is a StorageMissing condition.
func Mount(root string) (Layout, error) {
	l := Layout{Root: root}
	if err := os.MkdirAll(l.LogsDir(), 0o755); err != nil {
		return l, fmt.Errorf("storage: mount %s: %w", root, err)
	}
	probe := filepath.Join(l.LogsDir(), ".write-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return l, fmt.Errorf("storage: %s not writable: %w", root, err)
	}
	os.Remove(probe)
	return l, nil
}
