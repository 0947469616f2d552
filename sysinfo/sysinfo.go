package sysinfo

import (
	"errors"
	"fmt"

	"github.com/basaltdb/basalt/internal/memspec"
)

// ErrUnsupported is returned on platforms without a native fact source.
var ErrUnsupported = errors.New("sysinfo: unsupported platform")

// Provider reports system facts. Implementations must be safe for
// concurrent use.
type Provider interface {
	// MemLimit returns the process memory limit in bytes.
	MemLimit() int64
	// PhysicalMem returns the physical memory size in bytes.
	PhysicalMem() int64
	// FDLimit returns the soft limit on open file descriptors.
	FDLimit() (uint64, error)
}

// System is the live Provider backed by the operating system.
type System struct {
	memLimit int64
	physMem  int64
}

// New creates a System provider. memLimitSpec is resolved against physical
// memory (e.g. "80%" or an absolute byte count) and cached.
func New(memLimitSpec string) (*System, error) {
	phys := physicalMemory()

	limit, _, err := memspec.Parse(memLimitSpec, 0, phys)
	if err != nil {
		return nil, fmt.Errorf("sysinfo: resolve memory limit: %w", err)
	}

	return &System{
		memLimit: limit,
		physMem:  phys,
	}, nil
}

// MemLimit returns the resolved process memory limit in bytes.
func (s *System) MemLimit() int64 { return s.memLimit }

// PhysicalMem returns the physical memory size in bytes.
func (s *System) PhysicalMem() int64 { return s.physMem }

// FDLimit returns the current soft limit on open file descriptors.
func (s *System) FDLimit() (uint64, error) {
	return fdLimit()
}

// Static is a fixed-fact Provider for tests and embedded setups.
type Static struct {
	MemLimitBytes int64
	PhysMemBytes  int64
	FDs           uint64
	FDErr         error
}

func (s Static) MemLimit() int64    { return s.MemLimitBytes }
func (s Static) PhysicalMem() int64 { return s.PhysMemBytes }

func (s Static) FDLimit() (uint64, error) {
	if s.FDErr != nil {
		return 0, s.FDErr
	}
	return s.FDs, nil
}
