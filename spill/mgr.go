// Package spill stages operator state that exceeds its memory budget
// on local disk. Blocks are written through a compressing framer into
// per-store-path spill directories and tracked in a roaring bitmap so
// leftover files from a dead process can be collected on startup.
package spill

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/basaltdb/basalt/resource"
)

const (
	spillDirName = "spill"
	spillFileExt = ".spill"
)

// ErrBlockNotFound is returned when reading a block id that is not
// live.
var ErrBlockNotFound = errors.New("spill: block not found")

// Logger is the logging interface used by the manager.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// Options configures a Mgr.
type Options struct {
	// Codec compresses spilled blocks. Defaults to LZ4.
	Codec Codec
	// BlockSize is the framing granularity in bytes. <= 0 selects the
	// codec default.
	BlockSize int
	// Tracker throttles spill IO against its byte-per-second budget.
	// Nil disables throttling.
	Tracker *resource.Tracker
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger Logger
}

// DefaultOptions hold the defaults for NewMgr.
var DefaultOptions = Options{
	Codec: CodecLZ4,
}

// Mgr owns the spill directories and the live-block bookkeeping.
type Mgr struct {
	opts Options
	dirs []string

	nextID atomic.Uint32
	rr     atomic.Uint32

	mu    sync.Mutex
	live  *roaring.Bitmap
	paths map[uint32]string

	inited atomic.Bool
}

// NewMgr creates a manager spilling under <store>/spill for each
// store path. Call Init before use.
func NewMgr(storePaths []string, optFns ...func(o *Options)) (*Mgr, error) {
	if len(storePaths) == 0 {
		return nil, errors.New("spill: at least one store path required")
	}

	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	dirs := make([]string, 0, len(storePaths))
	for _, p := range storePaths {
		dirs = append(dirs, filepath.Join(p, spillDirName))
	}

	return &Mgr{
		opts:  opts,
		dirs:  dirs,
		live:  roaring.New(),
		paths: make(map[uint32]string),
	}, nil
}

// Init creates the spill directories and removes files left behind by
// a previous run.
func (m *Mgr) Init() error {
	if m.inited.Load() {
		return nil
	}

	for _, dir := range m.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("spill: create %s: %w", dir, err)
		}
	}

	removed, err := m.GC(-1)
	if err != nil {
		return err
	}
	if removed > 0 {
		m.opts.Logger.Infof("spill: removed %d leftover files", removed)
	}

	m.inited.Store(true)
	return nil
}

// Writer streams one spilled block sequence to disk.
type Writer struct {
	// ID identifies the block for Read and Remove.
	ID uint32

	m    *Mgr
	file *os.File
	bw   *BlockWriter
}

// Write implements io.Writer.
func (w *Writer) Write(p []byte) (int, error) {
	return w.bw.Write(p)
}

// Close flushes buffered data and closes the file. The block becomes
// readable afterwards.
func (w *Writer) Close() error {
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// BytesWritten returns the framed on-disk size so far.
func (w *Writer) BytesWritten() int64 {
	return w.bw.BytesWritten()
}

// NewWriter allocates a block id, picks a spill directory round-robin
// and opens the backing file. ctx bounds IO throttling for the
// writer's lifetime.
func (m *Mgr) NewWriter(ctx context.Context) (*Writer, error) {
	if !m.inited.Load() {
		return nil, errors.New("spill: manager not initialized")
	}

	id := m.nextID.Add(1)
	dir := m.dirs[int(m.rr.Add(1)-1)%len(m.dirs)]
	path := filepath.Join(dir, strconv.FormatUint(uint64(id), 10)+spillFileExt)

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("spill: create block %d: %w", id, err)
	}

	m.mu.Lock()
	m.live.Add(id)
	m.paths[id] = path
	m.mu.Unlock()

	sink := resource.NewThrottledWriter(ctx, m.opts.Tracker, file)
	return &Writer{
		ID:   id,
		m:    m,
		file: file,
		bw:   NewBlockWriter(sink, m.opts.Codec, m.opts.BlockSize),
	}, nil
}

// Read returns the decompressed payload of a live block. ctx bounds
// the IO throttling, matching NewWriter.
func (m *Mgr) Read(ctx context.Context, id uint32) ([]byte, error) {
	m.mu.Lock()
	path, ok := m.paths[id]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrBlockNotFound, id)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("spill: read block %d: %w", id, err)
	}
	defer f.Close()

	data, err := io.ReadAll(resource.NewThrottledReader(ctx, m.opts.Tracker, f))
	if err != nil {
		return nil, fmt.Errorf("spill: read block %d: %w", id, err)
	}
	return DecompressAll(data, m.opts.Codec)
}

// Remove deletes a block's file and drops it from the live set.
// Removing an unknown id is a no-op.
func (m *Mgr) Remove(id uint32) error {
	m.mu.Lock()
	path, ok := m.paths[id]
	if ok {
		m.live.Remove(id)
		delete(m.paths, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("spill: remove block %d: %w", id, err)
	}
	return nil
}

// Contains reports whether id is live.
func (m *Mgr) Contains(id uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.Contains(id)
}

// LiveBlocks returns the number of live blocks.
func (m *Mgr) LiveBlocks() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.live.GetCardinality()
}

// GC removes spill files that are not in the live set, up to max
// files. max < 0 removes all. Returns the number of files removed.
func (m *Mgr) GC(max int) (int, error) {
	removed := 0
	for _, dir := range m.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("spill: scan %s: %w", dir, err)
		}

		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), spillFileExt) {
				continue
			}
			if max >= 0 && removed >= max {
				return removed, nil
			}

			idStr := strings.TrimSuffix(e.Name(), spillFileExt)
			if id, err := strconv.ParseUint(idStr, 10, 32); err == nil && m.Contains(uint32(id)) {
				continue
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
				m.opts.Logger.Errorf("spill: remove leftover %s: %v", e.Name(), err)
				continue
			}
			removed++
		}
	}
	return removed, nil
}
