package load

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/basaltdb/basalt/internal/uid"
)

// ErrPipeNotFound is returned when no pipe is registered for a load id.
var ErrPipeNotFound = errors.New("load: pipe not found")

// ErrPipeExists is returned when a pipe is already registered for a
// load id.
var ErrPipeExists = errors.New("load: pipe already registered")

// Pipe connects one load's producer (the ingest handler) to its
// consumer (the plan fragment scanning the data). Writes block until
// the consumer reads, which bounds memory per in-flight load.
type Pipe struct {
	id uid.ID
	pr *io.PipeReader
	pw *io.PipeWriter
}

// ID returns the load id the pipe is registered under.
func (p *Pipe) ID() uid.ID {
	return p.id
}

// Write implements io.Writer for the producer side.
func (p *Pipe) Write(data []byte) (int, error) {
	return p.pw.Write(data)
}

// Read implements io.Reader for the consumer side.
func (p *Pipe) Read(data []byte) (int, error) {
	return p.pr.Read(data)
}

// CloseWriter finishes the producer side. A nil err yields io.EOF on
// the reader once drained; otherwise the reader observes err.
func (p *Pipe) CloseWriter(err error) error {
	return p.pw.CloseWithError(err)
}

// Close tears the pipe down from the consumer side. A blocked writer
// observes io.ErrClosedPipe.
func (p *Pipe) Close() error {
	return p.pr.Close()
}

// StreamMgr is the registry of in-flight load pipes.
type StreamMgr struct {
	mu    sync.Mutex
	pipes map[uid.ID]*Pipe
}

// NewStreamMgr creates an empty registry.
func NewStreamMgr() *StreamMgr {
	return &StreamMgr{pipes: make(map[uid.ID]*Pipe)}
}

// Create registers a fresh pipe for loadID.
func (m *StreamMgr) Create(loadID uid.ID) (*Pipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pipes[loadID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPipeExists, loadID)
	}

	pr, pw := io.Pipe()
	p := &Pipe{id: loadID, pr: pr, pw: pw}
	m.pipes[loadID] = p
	return p, nil
}

// Get returns the pipe registered for loadID.
func (m *StreamMgr) Get(loadID uid.ID) (*Pipe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pipes[loadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipeNotFound, loadID)
	}
	return p, nil
}

// Remove drops the pipe for loadID and closes it. Removing an unknown
// load is a no-op.
func (m *StreamMgr) Remove(loadID uid.ID) {
	m.mu.Lock()
	p, ok := m.pipes[loadID]
	delete(m.pipes, loadID)
	m.mu.Unlock()

	if ok {
		_ = p.CloseWriter(io.ErrClosedPipe)
		_ = p.Close()
	}
}

// PipeCount returns the number of registered pipes.
func (m *StreamMgr) PipeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pipes)
}

// Release closes and forgets every registered pipe.
func (m *StreamMgr) Release() {
	m.mu.Lock()
	pipes := m.pipes
	m.pipes = make(map[uid.ID]*Pipe)
	m.mu.Unlock()

	for _, p := range pipes {
		_ = p.CloseWriter(io.ErrClosedPipe)
		_ = p.Close()
	}
}
