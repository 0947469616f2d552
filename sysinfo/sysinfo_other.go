//go:build !linux && !darwin

package sysinfo

func physicalMemory() int64 { return 0 }

func fdLimit() (uint64, error) { return 0, ErrUnsupported }
