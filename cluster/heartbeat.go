package cluster

import "sync/atomic"

// HeartbeatFlag is one bit of master-pushed behavior control.
type HeartbeatFlag uint64

const (
	// FlagRowsetFormatV2 switches newly written rowsets to the v2
	// segment format.
	FlagRowsetFormatV2 HeartbeatFlag = 1 << iota
	// FlagRejectLoads makes the backend refuse new load jobs, used to
	// drain a node before decommissioning.
	FlagRejectLoads
)

// HeartbeatFlags is the behavior bitmask the master pushes with each
// heartbeat. Reads are lock-free; the whole mask is replaced at once.
type HeartbeatFlags struct {
	bits atomic.Uint64
}

// NewHeartbeatFlags creates an empty flag set.
func NewHeartbeatFlags() *HeartbeatFlags {
	return &HeartbeatFlags{}
}

// Store replaces the whole mask.
func (f *HeartbeatFlags) Store(bits uint64) {
	f.bits.Store(bits)
}

// Bits returns the current mask.
func (f *HeartbeatFlags) Bits() uint64 {
	return f.bits.Load()
}

// Has reports whether the flag is set.
func (f *HeartbeatFlags) Has(flag HeartbeatFlag) bool {
	return f.bits.Load()&uint64(flag) != 0
}
