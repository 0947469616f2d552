package cache

import (
	"sync"

	"github.com/basaltdb/basalt/resource"
)

var (
	globalMu        sync.Mutex
	globalPageCache *PageCache
)

// CreateGlobalPageCache builds the process-wide page cache on first
// call. Later calls return the existing instance unchanged, so the
// cache survives environment restarts.
func CreateGlobalPageCache(capacity int64, indexPercent, shards int, tr *resource.Tracker) (*PageCache, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalPageCache != nil {
		return globalPageCache, nil
	}

	pc, err := NewPageCache(capacity, indexPercent, shards, tr)
	if err != nil {
		return nil, err
	}

	globalPageCache = pc
	return pc, nil
}

// GlobalPageCache returns the process-wide page cache, nil before
// CreateGlobalPageCache succeeds.
func GlobalPageCache() *PageCache {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalPageCache
}

// ResetGlobalPageCacheForTesting drops the singleton so tests can
// rebuild it with different settings.
func ResetGlobalPageCacheForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalPageCache = nil
}
