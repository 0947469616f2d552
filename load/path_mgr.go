// Package load owns the ingest-side subsystems: scratch directories
// for staged load data, memory-limited load channels, the stream pipe
// registries and the executors that run load tasks on the shared
// batch pool.
package load

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const loadDirName = "load"

// Logger is the logging interface used by the load subsystem.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{})  {}
func (noopLogger) Errorf(format string, args ...interface{}) {}

// PathMgrOptions configures a PathMgr.
type PathMgrOptions struct {
	// TTL is how long staged load data survives before the sweeper
	// removes it.
	TTL time.Duration
	// SweepInterval is how often expired data is collected.
	SweepInterval time.Duration
	// Logger receives diagnostics. Defaults to a no-op logger.
	Logger Logger
}

// DefaultPathMgrOptions hold the defaults for NewPathMgr.
var DefaultPathMgrOptions = PathMgrOptions{
	TTL:           72 * time.Hour,
	SweepInterval: time.Hour,
}

// PathMgr hands out scratch directories for staged load data under
// <store>/load and sweeps directories whose data expired.
type PathMgr struct {
	opts PathMgrOptions
	dirs []string
	next atomic.Uint32

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewPathMgr creates a path manager over the store paths. Call Init
// before use.
func NewPathMgr(storePaths []string, optFns ...func(o *PathMgrOptions)) (*PathMgr, error) {
	if len(storePaths) == 0 {
		return nil, errors.New("load: at least one store path required")
	}

	opts := DefaultPathMgrOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultPathMgrOptions.TTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultPathMgrOptions.SweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	dirs := make([]string, 0, len(storePaths))
	for _, p := range storePaths {
		dirs = append(dirs, filepath.Join(p, loadDirName))
	}

	return &PathMgr{opts: opts, dirs: dirs}, nil
}

// Init creates the load directories and starts the expiry sweeper.
func (m *PathMgr) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}

	for _, dir := range m.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("load: create %s: %w", dir, err)
		}
	}

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.started = true
	go m.sweep()

	return nil
}

func (m *PathMgr) sweep() {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			removed, err := m.CleanExpired(time.Now())
			if err != nil {
				m.opts.Logger.Errorf("load: sweep staged data: %v", err)
			}
			if removed > 0 {
				m.opts.Logger.Infof("load: removed %d expired staging dirs", removed)
			}
		}
	}
}

// AllocDir returns a fresh staging directory for one load of db,
// spreading loads across the store paths.
func (m *PathMgr) AllocDir(db, label string) (string, error) {
	if db == "" || label == "" {
		return "", errors.New("load: db and label must not be empty")
	}
	if strings.ContainsRune(db, os.PathSeparator) || strings.ContainsRune(label, os.PathSeparator) {
		return "", fmt.Errorf("load: db %q and label %q must not contain path separators", db, label)
	}

	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return "", errors.New("load: path manager not initialized")
	}

	base := m.dirs[int(m.next.Add(1)-1)%len(m.dirs)]
	dir := filepath.Join(base, db, label+"_"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("load: alloc staging dir: %w", err)
	}
	return dir, nil
}

// CleanExpired removes staging directories whose data is older than
// the TTL at now. Returns the number of directories removed.
func (m *PathMgr) CleanExpired(now time.Time) (int, error) {
	cutoff := now.Add(-m.opts.TTL)
	removed := 0

	for _, base := range m.dirs {
		dbs, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return removed, fmt.Errorf("load: scan %s: %w", base, err)
		}

		for _, db := range dbs {
			if !db.IsDir() {
				continue
			}
			dbDir := filepath.Join(base, db.Name())
			loads, err := os.ReadDir(dbDir)
			if err != nil {
				continue
			}
			for _, l := range loads {
				if !l.IsDir() {
					continue
				}
				info, err := l.Info()
				if err != nil {
					continue
				}
				if info.ModTime().After(cutoff) {
					continue
				}
				if err := os.RemoveAll(filepath.Join(dbDir, l.Name())); err != nil {
					m.opts.Logger.Errorf("load: remove expired %s: %v", l.Name(), err)
					continue
				}
				removed++
			}
		}
	}
	return removed, nil
}

// Dirs returns the managed load directories.
func (m *PathMgr) Dirs() []string {
	out := make([]string, len(m.dirs))
	copy(out, m.dirs)
	return out
}

// Release stops the sweeper. Staged data is left on disk for the next
// Init to reclaim.
func (m *PathMgr) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return
	}
	m.started = false
	close(m.stopCh)
	<-m.doneCh
}
