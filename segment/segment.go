// Package segment caches open segment file handles so repeated scans
// do not reopen the same files and run the process out of
// descriptors.
package segment

import (
	"context"
	"fmt"
	"os"

	"github.com/basaltdb/basalt/cache"
)

// Segment is an open, immutable segment file of one rowset.
type Segment struct {
	rowsetID string
	id       uint32
	path     string
	f        *os.File
	size     int64
}

// Open opens a segment file for reading.
func Open(path, rowsetID string, id uint32) (*Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment %s: %w", path, err)
	}

	return &Segment{
		rowsetID: rowsetID,
		id:       id,
		path:     path,
		f:        f,
		size:     st.Size(),
	}, nil
}

// RowsetID returns the rowset the segment belongs to.
func (s *Segment) RowsetID() string { return s.rowsetID }

// ID returns the segment ordinal within its rowset.
func (s *Segment) ID() uint32 { return s.id }

// Path returns the segment file path.
func (s *Segment) Path() string { return s.path }

// Size returns the segment file size in bytes.
func (s *Segment) Size() int64 { return s.size }

// ReadPage reads n bytes at offset, going through the page cache when
// one is provided. The returned slice must be treated as read-only.
func (s *Segment) ReadPage(ctx context.Context, pc *cache.PageCache, pt cache.PageType, offset uint64, n int) ([]byte, error) {
	key := cache.Key{Path: s.path, Offset: offset}

	if pc != nil {
		if b, ok := pc.Get(ctx, pt, key); ok {
			return b, nil
		}
	}

	buf := make([]byte, n)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, fmt.Errorf("read segment %s at %d: %w", s.path, offset, err)
	}

	if pc != nil {
		pc.Set(ctx, pt, key, buf)
	}

	return buf, nil
}

// Close closes the underlying file.
func (s *Segment) Close() error {
	return s.f.Close()
}
