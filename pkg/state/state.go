// Package state owns the on-disk layout of a node: the store directory
// and the runtime state tree (audit, retention, media tmp, telemetry,
// crash and abort files). Directories are created with restrictive
// permissions and symlinks are refused.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Paths is the canonical folder layout under one node's data path.
type Paths struct {
	DB        string
	Store     string
	State     string
	Audit     string
	Retention string
	Tmp       string
	Tel       string
	Crash     string
	Abort     string
}

// PathsFor computes the layout for a data path without touching disk.
func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:        dbPath,
		Store:     filepath.Join(dbPath, "store"),
		State:     statePath,
		Audit:     filepath.Join(statePath, "audit"),
		Retention: filepath.Join(statePath, "retention"),
		Tmp:       filepath.Join(statePath, "tmp"),
		Tel:       filepath.Join(statePath, "telemetry"),
		Crash:     filepath.Join(statePath, "crash"),
		Abort:     filepath.Join(statePath, "abort"),
	}
}

var (
	// PathsVar is the layout of the running node, set by Init.
	PathsVar Paths
	initOnce sync.Once
	initErr  error
)

// Init computes and materializes the layout once. Safe to call from
// multiple packages; only the first dbPath wins.
func Init(dbPath string) error {
	initOnce.Do(func() {
		path := strings.TrimSpace(dbPath)
		if path == "" {
			path = "./holocron-data"
		}
		path = filepath.Clean(path)
		PathsVar = PathsFor(path)
		initErr = EnsureStateDirs(path)
	})
	return initErr
}

// EnsureStateDirs ensures the canonical runtime folder layout exists
// under dbPath. Paths must not be symlinks, must not be group or other
// writable, and must be writable by the process.
func EnsureStateDirs(dbPath string) error {
	p := PathsFor(dbPath)
	dirs := []string{p.Store, p.Audit, p.Retention, p.Tmp, p.Tel, p.Crash, p.Abort}

	for _, dir := range dirs {
		if err := os.MkdirAll(filepath.Dir(dir), 0o700); err != nil {
			return fmt.Errorf("cannot create parent for %s: %w", dir, err)
		}

		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink: %s", dir)
			}
			if !fi.IsDir() {
				return fmt.Errorf("path exists and is not a directory: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode (group/other write): %s", dir)
			}
		}

		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("cannot create path %s: %w", dir, err)
		}

		// re-check after creation to close the symlink race
		if fi, err := os.Lstat(dir); err == nil {
			if fi.Mode()&os.ModeSymlink != 0 {
				return fmt.Errorf("path is a symlink after creation: %s", dir)
			}
			if fi.Mode().Perm()&0o022 != 0 {
				return fmt.Errorf("path has permissive mode after creation: %s", dir)
			}
		}

		tmp, err := os.CreateTemp(dir, ".validate-*")
		if err != nil {
			return fmt.Errorf("path not writable: %s: %w", dir, err)
		}
		tmp.Close()
		_ = os.Remove(tmp.Name())
	}

	return nil
}
