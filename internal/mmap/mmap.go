// Package mmap provides anonymous memory regions outside the Go heap.
//
// The chunk allocator parks large recycled buffers on free lists for
// the life of the process. Backing them with anonymous mappings keeps
// those bytes invisible to the garbage collector, so parked reserve
// memory never inflates GC pacing.
//
// Unix platforms use mmap(2) with MAP_ANON|MAP_PRIVATE; Windows uses
// VirtualAlloc with demand-paged commit. Release is idempotent, but
// the caller must guarantee nothing touches Bytes after Release
// returns.
package mmap

import (
	"errors"
	"sync/atomic"
)

// ErrInvalidSize is returned for zero or negative region sizes.
var ErrInvalidSize = errors.New("mmap: invalid region size")

// Region is one anonymous read-write mapping. It owns the underlying
// pages until Release.
type Region struct {
	data     []byte
	released atomic.Bool
	unmap    func([]byte) error
}

// MapAnon allocates a demand-paged anonymous region of size bytes.
func MapAnon(size int) (*Region, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}

	data, unmap, err := mapAnon(size)
	if err != nil {
		return nil, err
	}
	return &Region{data: data, unmap: unmap}, nil
}

// Bytes returns the region's memory, nil after Release.
func (r *Region) Bytes() []byte {
	if r.released.Load() {
		return nil
	}
	return r.data
}

// Size returns the region size in bytes.
func (r *Region) Size() int { return len(r.data) }

// Release returns the pages to the operating system. It is idempotent.
func (r *Region) Release() error {
	if r.released.Swap(true) {
		return nil
	}
	return r.unmap(r.data)
}
