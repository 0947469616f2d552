// Package tmpfile hands out scratch files under the store paths and
// cleans up leftovers from previous runs.
package tmpfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
)

const tmpDirName = "tmp"

// Mgr creates temporary files spread round-robin over one tmp
// directory per store path.
type Mgr struct {
	dirs   []string
	next   atomic.Uint32
	inited atomic.Bool
}

// NewMgr creates a manager for the given store paths. Call Init
// before handing out files.
func NewMgr(storePaths []string) *Mgr {
	dirs := make([]string, 0, len(storePaths))
	for _, p := range storePaths {
		dirs = append(dirs, filepath.Join(p, tmpDirName))
	}
	return &Mgr{dirs: dirs}
}

// Init creates the tmp directories and removes files left behind by a
// previous run.
func (m *Mgr) Init() error {
	if len(m.dirs) == 0 {
		return errors.New("tmpfile: no store paths")
	}

	for _, dir := range m.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("tmpfile: create %s: %w", dir, err)
		}
		if err := clearDir(dir); err != nil {
			return err
		}
	}

	m.inited.Store(true)
	return nil
}

func clearDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("tmpfile: scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("tmpfile: remove leftover %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Create opens a fresh scratch file named after prefix in the next
// tmp directory.
func (m *Mgr) Create(prefix string) (*os.File, error) {
	if !m.inited.Load() {
		return nil, errors.New("tmpfile: manager not initialized")
	}

	dir := m.dirs[int(m.next.Add(1)-1)%len(m.dirs)]
	f, err := os.CreateTemp(dir, prefix+"-*")
	if err != nil {
		return nil, fmt.Errorf("tmpfile: create in %s: %w", dir, err)
	}
	return f, nil
}

// Dirs returns the managed tmp directories.
func (m *Mgr) Dirs() []string {
	return m.dirs
}

// Release drops every scratch file and stops handing out new ones.
func (m *Mgr) Release() {
	if !m.inited.CompareAndSwap(true, false) {
		return
	}
	for _, dir := range m.dirs {
		// Leftovers that cannot be removed now are caught by the
		// next Init.
		_ = clearDir(dir)
	}
}
