package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"
)

// =============================================================================
// LOCK MANAGER - Per-key exclusive locks acquired as an ordered set
// =============================================================================

// LockManager hands out exclusive locks on allocation IDs and wallet keys.
// A lock set is always acquired in sorted key order, so two operations with
// overlapping ancestor sets cannot deadlock.
//
// Locks are in-process. Multi-instance deployments rely on the store's
// transactional isolation (store/postgres runs SERIALIZABLE with row locks).
type LockManager struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[string]*keyLock)}
}

// LockSet is a held set of keys.
type LockSet struct {
	m    *LockManager
	keys []string
	held map[string]bool
}

// Covers reports whether key is part of the held set.
func (s *LockSet) Covers(key string) bool { return s.held[key] }

// Release unlocks every key in the set.
func (s *LockSet) Release() {
	for i := len(s.keys) - 1; i >= 0; i-- {
		s.m.release(s.keys[i])
	}
	s.keys = nil
}

// Acquire locks every key, sorted and deduplicated. If ctx ends first, the
// keys acquired so far are released and ErrLockTimeout is returned.
func (m *LockManager) Acquire(ctx context.Context, keys []string) (*LockSet, error) {
	sorted := uniqueSorted(keys)
	set := &LockSet{m: m, held: make(map[string]bool, len(sorted))}

	for _, k := range sorted {
		l := m.ref(k)
		if err := l.sem.Acquire(ctx, 1); err != nil {
			m.unref(k)
			set.Release()
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, k)
			}
			return nil, err
		}
		set.keys = append(set.keys, k)
		set.held[k] = true
	}
	return set, nil
}

func (m *LockManager) ref(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{sem: semaphore.NewWeighted(1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *LockManager) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *LockManager) release(key string) {
	m.mu.Lock()
	l := m.locks[key]
	m.mu.Unlock()
	l.sem.Release(1)
	m.unref(key)
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func allocationKey(id AllocationID) string { return "a/" + string(id) }
func walletKey(id WalletID) string         { return "w/" + string(id) }

// pathKeys returns the lock keys for every allocation on the given paths.
func pathKeys(allocations ...Allocation) []string {
	var keys []string
	for _, a := range allocations {
		for _, id := range a.Path {
			keys = append(keys, allocationKey(id))
		}
	}
	return keys
}
