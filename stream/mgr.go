// Package stream routes row-batch streams between fragment instances.
// Senders transmit batches addressed to a (fragment instance, exchange
// node) pair; receivers register under that pair and consume them.
package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/basaltdb/basalt/internal/uid"
)

var (
	// ErrReceiverNotFound is returned when a batch arrives for an
	// unknown or already deregistered receiver.
	ErrReceiverNotFound = errors.New("stream: receiver not found")
	// ErrReceiverClosed is returned when transmitting to a closed
	// receiver.
	ErrReceiverClosed = errors.New("stream: receiver closed")
	// ErrCanceled is returned from Recv when the stream was canceled.
	ErrCanceled = errors.New("stream: canceled")
)

// Batch is one transmitted slice of rows in wire form.
type Batch struct {
	Rows int
	Data []byte
	// EOS marks the sender's last batch.
	EOS bool
}

type receiverKey struct {
	instanceID uid.ID
	nodeID     int
}

// Receiver consumes the batches addressed to one exchange node of one
// fragment instance.
type Receiver struct {
	mgr *Mgr
	key receiverKey

	ch       chan *Batch
	cancelCh chan struct{}
	closed   sync.Once
}

// Recv returns the next batch. It blocks until a batch arrives, the
// stream is canceled, or ctx is done.
func (r *Receiver) Recv(ctx context.Context) (*Batch, error) {
	select {
	case b, ok := <-r.ch:
		if !ok {
			return nil, ErrReceiverClosed
		}
		return b, nil
	case <-r.cancelCh:
		return nil, ErrCanceled
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Mgr tracks the live receivers of this process. It is constructed at
// startup and, unlike most managers, survives environment teardown:
// in-flight fragments drain through it while the process exits.
type Mgr struct {
	mu        sync.RWMutex
	receivers map[receiverKey]*Receiver
}

// NewMgr creates an empty stream manager.
func NewMgr() *Mgr {
	return &Mgr{
		receivers: make(map[receiverKey]*Receiver),
	}
}

// CreateReceiver registers a receiver for the (instance, node) pair
// with the given batch buffer capacity.
func (m *Mgr) CreateReceiver(instanceID uid.ID, nodeID, bufferCapacity int) (*Receiver, error) {
	if bufferCapacity <= 0 {
		return nil, fmt.Errorf("stream: buffer capacity must be positive, got %d", bufferCapacity)
	}
	key := receiverKey{instanceID: instanceID, nodeID: nodeID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.receivers[key]; ok {
		return nil, fmt.Errorf("stream: receiver for %s node %d already registered", instanceID, nodeID)
	}

	r := &Receiver{
		mgr:      m,
		key:      key,
		ch:       make(chan *Batch, bufferCapacity),
		cancelCh: make(chan struct{}),
	}
	m.receivers[key] = r
	return r, nil
}

// Transmit delivers a batch to the registered receiver, blocking while
// its buffer is full.
func (m *Mgr) Transmit(ctx context.Context, instanceID uid.ID, nodeID int, b *Batch) error {
	m.mu.RLock()
	r, ok := m.receivers[receiverKey{instanceID: instanceID, nodeID: nodeID}]
	m.mu.RUnlock()

	if !ok {
		return ErrReceiverNotFound
	}

	select {
	case r.ch <- b:
		return nil
	case <-r.cancelCh:
		return ErrReceiverClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeregisterReceiver removes the receiver and wakes anyone blocked on
// it. Unknown pairs are ignored.
func (m *Mgr) DeregisterReceiver(instanceID uid.ID, nodeID int) {
	key := receiverKey{instanceID: instanceID, nodeID: nodeID}

	m.mu.Lock()
	r, ok := m.receivers[key]
	if ok {
		delete(m.receivers, key)
	}
	m.mu.Unlock()

	if ok {
		r.closed.Do(func() { close(r.cancelCh) })
	}
}

// Cancel tears down every receiver of the fragment instance, for
// example when the coordinator cancels the query.
func (m *Mgr) Cancel(instanceID uid.ID) {
	m.mu.Lock()
	var canceled []*Receiver
	for key, r := range m.receivers {
		if key.instanceID == instanceID {
			canceled = append(canceled, r)
			delete(m.receivers, key)
		}
	}
	m.mu.Unlock()

	for _, r := range canceled {
		r.closed.Do(func() { close(r.cancelCh) })
	}
}

// ReceiverCount returns the number of registered receivers.
func (m *Mgr) ReceiverCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.receivers)
}
