package policy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPolicyNotFound is returned when no policy exists under a name.
var ErrPolicyNotFound = errors.New("policy: not found")

// ErrStaleVersion is returned when an update carries a version that is
// not newer than the stored one.
var ErrStaleVersion = errors.New("policy: stale version")

// Store persists versioned policies. Put must reject versions that do
// not advance the stored one so concurrent writers cannot roll a
// policy back.
type Store interface {
	// Get returns the latest version of the named policy.
	Get(ctx context.Context, name string) (Policy, error)
	// Put stores p. Returns ErrStaleVersion when p.Version does not
	// exceed the latest stored version.
	Put(ctx context.Context, p Policy) error
	// Delete removes all versions of the named policy. Deleting a
	// missing policy is not an error.
	Delete(ctx context.Context, name string) error
}

// MemStore is an in-process Store for single-node deployments and
// tests.
type MemStore struct {
	mu       sync.RWMutex
	policies map[string]Policy
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{policies: make(map[string]Policy)}
}

// Get implements Store.
func (s *MemStore) Get(_ context.Context, name string) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[name]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}
	return p, nil
}

// Put implements Store.
func (s *MemStore) Put(_ context.Context, p Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.policies[p.Name]; ok && p.Version <= cur.Version {
		return fmt.Errorf("%w: %s version %d, stored %d", ErrStaleVersion, p.Name, p.Version, cur.Version)
	}
	s.policies[p.Name] = p
	return nil
}

// Delete implements Store.
func (s *MemStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.policies, name)
	return nil
}
