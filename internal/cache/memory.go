package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryTier is the single-process fallback tier: last resort when both
// the durable store and the shared cache are unreachable.
type MemoryTier struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	capacity int
}

// NewMemoryTier creates an in-process tier holding at most capacity
// entries; the oldest entries are evicted first.
func NewMemoryTier(capacity int) *MemoryTier {
	if capacity <= 0 {
		capacity = 128
	}
	return &MemoryTier{
		entries:  make(map[string]Entry),
		capacity: capacity,
	}
}

func (t *MemoryTier) Name() string { return "memory" }

// Get returns the entry for a key.
func (t *MemoryTier) Get(_ context.Context, key string) (Entry, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[key]
	return e, ok, nil
}

// Put stores the entry, evicting the oldest entries over capacity.
func (t *MemoryTier) Put(_ context.Context, key string, e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[key] = e
	if len(t.entries) > t.capacity {
		t.evictLocked()
	}
	return nil
}

// UpdateHealth records an attempt outcome if the key exists.
func (t *MemoryTier) UpdateHealth(_ context.Context, key string, success bool, at time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return nil
	}
	e.LastAttemptAt = at
	if success {
		e.FailStreak = 0
		e.LastSuccessAt = at
	} else {
		e.FailStreak++
	}
	t.entries[key] = e
	return nil
}

// Len returns the number of cached entries.
func (t *MemoryTier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// evictLocked drops the oldest entries until we are back at capacity.
// Caller holds the write lock.
func (t *MemoryTier) evictLocked() {
	type aged struct {
		key string
		at  time.Time
	}
	all := make([]aged, 0, len(t.entries))
	for k, e := range t.entries {
		all = append(all, aged{key: k, at: e.FetchedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	for _, a := range all {
		if len(t.entries) <= t.capacity {
			return
		}
		delete(t.entries, a.key)
	}
}
