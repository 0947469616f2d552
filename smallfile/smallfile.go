// Package smallfile caches small auxiliary files (UDF jars, format
// schemas, certificates) under a local directory, keyed by content
// digest and fetched from remote storage on miss.
package smallfile

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basaltdb/basalt/broker"
)

// ErrNotFound is returned when a file is neither cached nor available
// remotely.
var ErrNotFound = errors.New("smallfile: file not found")

// Options configures a Mgr.
type Options struct {
	// Remote is the filesystem misses are fetched from. Nil leaves
	// the manager local-only.
	Remote broker.RemoteFS
}

// Mgr is the small-file cache. Files live as "<name>.<md5>" under the
// cache dir and are verified against their digest before use.
type Mgr struct {
	dir    string
	remote broker.RemoteFS

	mu     sync.Mutex
	files  map[string]string
	inited bool
}

// NewMgr creates a manager over dir. Call Init before use.
func NewMgr(dir string, optFns ...func(o *Options)) (*Mgr, error) {
	if dir == "" {
		return nil, errors.New("smallfile: cache dir must not be empty")
	}

	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Mgr{
		dir:    dir,
		remote: opts.Remote,
		files:  make(map[string]string),
	}, nil
}

func cacheKey(name, digest string) string {
	return name + ":" + digest
}

// Init creates the cache dir and indexes the files already in it.
// Files whose content no longer matches their digest are removed.
func (m *Mgr) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inited {
		return nil
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("smallfile: create %s: %w", m.dir, err)
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return fmt.Errorf("smallfile: scan %s: %w", m.dir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		dot := strings.LastIndexByte(e.Name(), '.')
		if dot <= 0 {
			continue
		}
		name, digest := e.Name()[:dot], e.Name()[dot+1:]
		path := filepath.Join(m.dir, e.Name())

		actual, err := fileDigest(path)
		if err != nil || actual != digest {
			_ = os.Remove(path)
			continue
		}
		m.files[cacheKey(name, digest)] = path
	}

	m.inited = true
	return nil
}

// Digest returns the hex digest used to key data in the cache.
func Digest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

func fileDigest(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return Digest(data), nil
}

// Get returns the local path of the file with the given digest,
// fetching it from remote storage on a cache miss.
func (m *Mgr) Get(ctx context.Context, name, digest string) (string, error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return "", fmt.Errorf("smallfile: name %q must not contain path separators", name)
	}
	if digest == "" {
		return "", errors.New("smallfile: digest must not be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inited {
		return "", errors.New("smallfile: manager not initialized")
	}

	key := cacheKey(name, digest)
	if path, ok := m.files[key]; ok {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		delete(m.files, key)
	}

	if m.remote == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return m.fetchLocked(ctx, name, digest)
}

// fetchLocked downloads into a scratch file, verifies the digest and
// moves the file into place. Caller must hold m.mu.
func (m *Mgr) fetchLocked(ctx context.Context, name, digest string) (string, error) {
	tmp, err := os.CreateTemp(m.dir, name+"-*")
	if err != nil {
		return "", fmt.Errorf("smallfile: scratch file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := m.remote.Download(ctx, name, tmp); err != nil {
		if errors.Is(err, broker.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return "", fmt.Errorf("smallfile: download %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	actual, err := fileDigest(tmp.Name())
	if err != nil {
		return "", err
	}
	if actual != digest {
		return "", fmt.Errorf("smallfile: digest mismatch for %s: got %s want %s", name, actual, digest)
	}

	path := filepath.Join(m.dir, name+"."+digest)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("smallfile: install %s: %w", name, err)
	}

	m.files[cacheKey(name, digest)] = path
	return path, nil
}

// Save stores data in the cache and returns its digest and path.
func (m *Mgr) Save(name string, data []byte) (digest, path string, err error) {
	if strings.ContainsRune(name, os.PathSeparator) {
		return "", "", fmt.Errorf("smallfile: name %q must not contain path separators", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.inited {
		return "", "", errors.New("smallfile: manager not initialized")
	}

	sum := md5.Sum(data)
	digest = hex.EncodeToString(sum[:])
	path = filepath.Join(m.dir, name+"."+digest)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("smallfile: write %s: %w", name, err)
	}

	m.files[cacheKey(name, digest)] = path
	return digest, path, nil
}

// FileCount returns the number of cached files.
func (m *Mgr) FileCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}
