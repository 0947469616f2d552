//go:build windows

package mmap

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// VirtualAlloc with MEM_COMMIT demand-pages like Unix mmap: physical
// backing arrives on first touch, not at allocation.
func mapAnon(size int) ([]byte, func([]byte) error, error) {
	const flags = windows.MEM_RESERVE | windows.MEM_COMMIT
	base, err := windows.VirtualAlloc(0, uintptr(size), flags, windows.PAGE_READWRITE)
	if err != nil {
		return nil, nil, err
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(base)), size)
	release := func([]byte) error {
		return windows.VirtualFree(base, 0, windows.MEM_RELEASE)
	}
	return buf, release, nil
}
