// Package cluster carries what this backend knows about the rest of
// the cluster: which frontend is master and the behavior flags the
// master pushes with each heartbeat.
package cluster

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Addr is a frontend network address.
type Addr struct {
	Host string
	Port int
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// MasterInfo tracks the elected frontend master as reported by
// heartbeats. The epoch rises with each election, so an update
// carrying an older epoch is a stale heartbeat and is rejected.
type MasterInfo struct {
	mu        sync.RWMutex
	addr      Addr
	epoch     int64
	token     string
	backendID int64
}

// NewMasterInfo creates an empty master record.
func NewMasterInfo() *MasterInfo {
	return &MasterInfo{}
}

// Update records a heartbeat from the master. Heartbeats with an epoch
// below the recorded one are rejected.
func (m *MasterInfo) Update(addr Addr, epoch int64, token string, backendID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch < m.epoch {
		return fmt.Errorf("cluster: stale master epoch %d, current %d", epoch, m.epoch)
	}

	m.addr = addr
	m.epoch = epoch
	m.token = token
	m.backendID = backendID
	return nil
}

// Addr returns the master's address.
func (m *MasterInfo) Addr() Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.addr
}

// Epoch returns the master's election epoch.
func (m *MasterInfo) Epoch() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.epoch
}

// Token returns the cluster token issued by the master.
func (m *MasterInfo) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// BackendID returns the ID the master assigned to this backend.
func (m *MasterInfo) BackendID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backendID
}

// Reset clears the record back to its empty state.
func (m *MasterInfo) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addr = Addr{}
	m.epoch = 0
	m.token = ""
	m.backendID = 0
}
