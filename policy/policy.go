// Package policy manages tiered-storage policies. A policy names the
// remote resource cold data migrates to and when the migration
// triggers, either after a fixed TTL or at an absolute datetime.
// Policies are versioned; updates only ever move forward.
package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Policy describes one tiered-storage rule.
type Policy struct {
	// Name identifies the policy across the cluster.
	Name string
	// Version increases monotonically with every change.
	Version int64
	// Resource names the remote storage the policy migrates to.
	Resource string
	// CooldownTTL migrates data this long after it was written.
	// Ignored when CooldownAt is set.
	CooldownTTL time.Duration
	// CooldownAt migrates data at an absolute point in time.
	CooldownAt time.Time
}

// ShouldCooldown reports whether data written at dataTime is due for
// migration at now.
func (p Policy) ShouldCooldown(dataTime, now time.Time) bool {
	if !p.CooldownAt.IsZero() {
		return !now.Before(p.CooldownAt)
	}
	if p.CooldownTTL > 0 {
		return !now.Before(dataTime.Add(p.CooldownTTL))
	}
	return false
}

// Options configures a Mgr.
type Options struct {
	// Store persists policies. Defaults to an in-memory store.
	Store Store
}

// DefaultOptions hold the defaults for NewMgr.
var DefaultOptions = Options{}

// Mgr caches the latest version of every known policy in front of a
// Store.
type Mgr struct {
	store Store

	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMgr creates a policy manager.
func NewMgr(optFns ...func(o *Options)) *Mgr {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Store == nil {
		opts.Store = NewMemStore()
	}

	return &Mgr{
		store:    opts.Store,
		policies: make(map[string]Policy),
	}
}

// Update writes p through to the store and cache. Versions equal to
// the cached one are a no-op; older versions return ErrStaleVersion.
func (m *Mgr) Update(ctx context.Context, p Policy) error {
	if p.Name == "" {
		return errors.New("policy: name must not be empty")
	}
	if p.Version <= 0 {
		return fmt.Errorf("policy: version must be positive, got %d", p.Version)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.policies[p.Name]; ok {
		if p.Version == cur.Version {
			return nil
		}
		if p.Version < cur.Version {
			return fmt.Errorf("%w: %s version %d, cached %d", ErrStaleVersion, p.Name, p.Version, cur.Version)
		}
	}

	if err := m.store.Put(ctx, p); err != nil {
		return err
	}

	m.policies[p.Name] = p
	return nil
}

// Get returns the named policy, consulting the store on a cache miss.
func (m *Mgr) Get(ctx context.Context, name string) (Policy, error) {
	m.mu.RLock()
	p, ok := m.policies[name]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := m.store.Get(ctx, name)
	if err != nil {
		return Policy{}, err
	}

	m.mu.Lock()
	// Keep the newer one if a concurrent Update landed first.
	if cur, ok := m.policies[name]; !ok || p.Version > cur.Version {
		m.policies[name] = p
	} else {
		p = cur
	}
	m.mu.Unlock()

	return p, nil
}

// Delete removes the named policy from the store and cache.
func (m *Mgr) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, name); err != nil {
		return err
	}
	delete(m.policies, name)
	return nil
}

// Policies returns the cached policies sorted by name.
func (m *Mgr) Policies() []Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Policy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PolicyCount returns the number of cached policies.
func (m *Mgr) PolicyCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.policies)
}
