package segment

import "sync"

var (
	globalMu     sync.Mutex
	globalLoader *Loader
)

// CreateGlobalLoader builds the process-wide segment loader on first
// call. Later calls return the existing instance unchanged, so cached
// handles survive environment restarts.
func CreateGlobalLoader(capacity int) (*Loader, error) {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalLoader != nil {
		return globalLoader, nil
	}

	l, err := NewLoader(capacity)
	if err != nil {
		return nil, err
	}

	globalLoader = l
	return l, nil
}

// GlobalLoader returns the process-wide segment loader, nil before
// CreateGlobalLoader succeeds.
func GlobalLoader() *Loader {
	globalMu.Lock()
	defer globalMu.Unlock()
	return globalLoader
}

// ResetGlobalLoaderForTesting drops the singleton so tests can rebuild
// it with different settings.
func ResetGlobalLoaderForTesting() {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLoader = nil
}
