package arena

import "sync"

var (
	globalMu        sync.Mutex
	globalAllocator *ChunkAllocator
)

// CreateGlobalChunkAllocator builds the process-wide chunk allocator
// on first call. Later calls return the existing instance unchanged,
// so parked chunks survive environment restarts.
func CreateGlobalChunkAllocator(reserveLimitBytes int64, numSlots int, opts ...Option) (*ChunkAllocator, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalAllocator != nil {
		return globalAllocator, nil
	}

	a, err := NewChunkAllocator(reserveLimitBytes, numSlots, opts...)
	if err != nil {
		return nil, err
	}

	globalAllocator = a
	return a, nil
}

// GlobalChunkAllocator returns the process-wide chunk allocator, nil
// before CreateGlobalChunkAllocator succeeds.
func GlobalChunkAllocator() *ChunkAllocator {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalAllocator
}

// ResetGlobalChunkAllocatorForTesting drops the singleton so tests can
// rebuild it with different settings.
func ResetGlobalChunkAllocatorForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalAllocator != nil {
		globalAllocator.Clear()
	}
	globalAllocator = nil
}
