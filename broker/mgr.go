package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/basaltdb/basalt/cluster"
)

// ErrNoProvider is returned when no remote filesystem is registered
// for a scheme.
var ErrNoProvider = errors.New("broker: no provider for scheme")

// Schemes for the built-in providers.
const (
	SchemeS3    = "s3"
	SchemeMinio = "minio"
)

// Mgr is the address book of broker processes and the registry of
// remote filesystems loads and fetches go through.
type Mgr struct {
	mu        sync.RWMutex
	brokers   []cluster.Addr
	providers map[string]RemoteFS
	inited    bool

	next atomic.Uint32
}

// NewMgr creates an empty broker manager.
func NewMgr() *Mgr {
	return &Mgr{providers: make(map[string]RemoteFS)}
}

// RegisterProvider binds a remote filesystem to a scheme. Schemes are
// bound once.
func (m *Mgr) RegisterProvider(scheme string, fs RemoteFS) error {
	if scheme == "" {
		return errors.New("broker: provider scheme must not be empty")
	}
	if fs == nil {
		return fmt.Errorf("broker: nil provider for scheme %q", scheme)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.providers[scheme]; ok {
		return fmt.Errorf("broker: scheme %q already registered", scheme)
	}
	m.providers[scheme] = fs
	return nil
}

// Provider returns the remote filesystem bound to scheme.
func (m *Mgr) Provider(scheme string) (RemoteFS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fs, ok := m.providers[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoProvider, scheme)
	}
	return fs, nil
}

// ProviderCount returns the number of registered schemes.
func (m *Mgr) ProviderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.providers)
}

// AddBroker records a broker process address.
func (m *Mgr) AddBroker(addr cluster.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = append(m.brokers, addr)
}

// Brokers returns a copy of the known broker addresses.
func (m *Mgr) Brokers() []cluster.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]cluster.Addr, len(m.brokers))
	copy(out, m.brokers)
	return out
}

// NextBroker picks a broker round-robin.
func (m *Mgr) NextBroker() (cluster.Addr, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.brokers) == 0 {
		return cluster.Addr{}, errors.New("broker: no brokers registered")
	}
	return m.brokers[int(m.next.Add(1)-1)%len(m.brokers)], nil
}

// Init checks the registered providers. Calling it again is a no-op.
func (m *Mgr) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inited {
		return nil
	}
	for scheme, fs := range m.providers {
		if fs == nil {
			return fmt.Errorf("broker: nil provider for scheme %q", scheme)
		}
	}
	m.inited = true
	return nil
}

// Release drops the registered brokers and providers.
func (m *Mgr) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.brokers = nil
	m.providers = make(map[string]RemoteFS)
	m.inited = false
}
