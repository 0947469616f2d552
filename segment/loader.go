package segment

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Key identifies the cached segments of one rowset.
type Key struct {
	RowsetID string
}

// Loader is an LRU over the open segments of rowsets, bounded by entry
// count. The capacity is derived from the process file descriptor
// limit so cached handles never exhaust it.
type Loader struct {
	mu        sync.Mutex
	capacity  int
	items     map[Key]*list.Element
	evictList *list.List

	hits   atomic.Int64
	misses atomic.Int64
}

type loaderEntry struct {
	key      Key
	segments []*Segment

	// pins counts handles currently borrowed by scans. An evicted
	// entry closes its segments only once the last pin is released.
	pins    int
	evicted bool
}

// NewLoader creates a segment loader holding at most capacity rowsets.
func NewLoader(capacity int) (*Loader, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("segment loader: capacity must be positive, got %d", capacity)
	}
	return &Loader{
		capacity:  capacity,
		items:     make(map[Key]*list.Element),
		evictList: list.New(),
	}, nil
}

// Handle pins a cached entry for the duration of a scan.
type Handle struct {
	loader *Loader
	entry  *loaderEntry
	once   sync.Once
}

// Segments returns the pinned segments. They stay open until Release.
func (h *Handle) Segments() []*Segment {
	return h.entry.segments
}

// Release unpins the entry. Safe to call more than once.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.loader.release(h.entry)
	})
}

// Load returns a pinned handle for the rowset's segments, opening them
// through open on a cache miss. The caller must Release the handle
// when the scan is done.
func (l *Loader) Load(ctx context.Context, key Key, open func(ctx context.Context) ([]*Segment, error)) (*Handle, error) {
	l.mu.Lock()
	if el, ok := l.items[key]; ok {
		l.hits.Add(1)
		l.evictList.MoveToFront(el)
		ent := el.Value.(*loaderEntry)
		ent.pins++
		l.mu.Unlock()
		return &Handle{loader: l, entry: ent}, nil
	}
	l.misses.Add(1)
	l.mu.Unlock()

	segments, err := open(ctx)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	// Another loader may have raced us here. Keep the first entry and
	// drop ours.
	if el, ok := l.items[key]; ok {
		l.evictList.MoveToFront(el)
		ent := el.Value.(*loaderEntry)
		ent.pins++
		l.mu.Unlock()
		for _, s := range segments {
			s.Close()
		}
		return &Handle{loader: l, entry: ent}, nil
	}

	ent := &loaderEntry{key: key, segments: segments, pins: 1}
	l.items[key] = l.evictList.PushFront(ent)
	for len(l.items) > l.capacity {
		oldest := l.evictList.Back()
		if oldest == nil {
			break
		}
		l.removeLocked(oldest)
	}
	l.mu.Unlock()

	return &Handle{loader: l, entry: ent}, nil
}

// Erase drops the rowset's segments from the cache, for example after
// the rowset was deleted by compaction. Pinned segments close once the
// last handle is released.
func (l *Loader) Erase(key Key) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if el, ok := l.items[key]; ok {
		l.removeLocked(el)
	}
}

// Len returns the number of cached rowsets.
func (l *Loader) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Capacity returns the maximum number of cached rowsets.
func (l *Loader) Capacity() int { return l.capacity }

// Stats returns hit and miss counts.
func (l *Loader) Stats() (hits, misses int64) {
	return l.hits.Load(), l.misses.Load()
}

func (l *Loader) release(ent *loaderEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ent.pins--
	if ent.evicted && ent.pins == 0 {
		closeAll(ent.segments)
	}
}

// removeLocked unlinks an entry and closes it when no scan holds a
// pin. Caller must hold l.mu.
func (l *Loader) removeLocked(el *list.Element) {
	ent := el.Value.(*loaderEntry)
	l.evictList.Remove(el)
	delete(l.items, ent.key)

	if ent.pins == 0 {
		closeAll(ent.segments)
		return
	}
	ent.evicted = true
}

func closeAll(segments []*Segment) {
	for _, s := range segments {
		s.Close()
	}
}
