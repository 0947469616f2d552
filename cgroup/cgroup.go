// Package cgroup places backend processes into control groups under a
// configured cgroup hierarchy root. Hosts without cgroup support run
// with the manager disabled.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// Mgr manages the cgroups under one hierarchy root.
type Mgr struct {
	root string

	mu      sync.Mutex
	enabled bool
	groups  map[string]string
}

// NewMgr creates a manager rooted at path. An empty path disables
// cgroup placement.
func NewMgr(path string) *Mgr {
	return &Mgr{root: path, groups: make(map[string]string)}
}

// Init probes the hierarchy root and enables the manager when it is
// usable. A missing or uncreatable root leaves the manager disabled
// without error so hosts without cgroups still come up.
func (m *Mgr) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.root == "" {
		return nil
	}

	info, err := os.Stat(m.root)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(m.root, 0o755); mkErr != nil {
			return nil
		}
		m.enabled = true
		return nil
	}
	if err != nil {
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("cgroup: root %s is not a directory", m.root)
	}

	m.enabled = true
	return nil
}

// Enabled reports whether cgroup placement is active.
func (m *Mgr) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled
}

// AddProcess moves pid into the named group, creating the group on
// first use. A disabled manager ignores the call.
func (m *Mgr) AddProcess(name string, pid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return nil
	}

	dir, ok := m.groups[name]
	if !ok {
		dir = filepath.Join(m.root, name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cgroup: create group %s: %w", name, err)
		}
		m.groups[name] = dir
	}

	procs := filepath.Join(dir, "cgroup.procs")
	if err := os.WriteFile(procs, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("cgroup: add pid %d to %s: %w", pid, name, err)
	}
	return nil
}

// GroupCount returns the number of groups created so far.
func (m *Mgr) GroupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Release forgets the created groups and disables placement.
func (m *Mgr) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
	m.groups = make(map[string]string)
}
