package coreproj

import "sync"

type cacheEntry struct {
	state   PartitionState
	locked  bool
	lockTag CheckpointTag
}

// PartitionStateCache is an associative container keyed by partition string
// (RootPartition denotes the only partition for non-partitioned
// projections). Each entry stores state plus an optional lock tag: the tag
// at which the current hold was acquired.
//
// Locks mark a partition's state as held while work still in the
// StagedQueue is keyed to it. Unlock(T) is the only path that releases a
// hold, and it is only ever called after a checkpoint completes at T.
// Entries are never removed, so the cache grows with every partition seen.
//
// All methods are called from the single cooperative worker that owns the
// enclosing CoreProjection; the mutex here guards only against concurrent
// out-of-order reads (e.g. a management GetState request racing the worker).
type PartitionStateCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
}

// NewPartitionStateCache returns an empty cache with the root partition
// already cached and implicitly locked; the root is never evicted.
func NewPartitionStateCache() *PartitionStateCache {
	c := &PartitionStateCache{entries: make(map[string]*cacheEntry)}
	c.entries[RootPartition] = &cacheEntry{
		state:  PartitionState{CausedByTag: ZeroTag()},
		locked: true,
	}
	return c
}

// GetLocked returns the cached state for partition iff it currently holds a
// lock; ok is false if the partition is unknown or unlocked.
func (c *PartitionStateCache) GetLocked(partition string) (state PartitionState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[partition]
	if !exists || !e.locked {
		return PartitionState{}, false
	}
	return e.state, true
}

// TryLockAt acquires a lock on partition at atTag. It returns ok=false when
// the partition isn't cached, or when a conflicting lock is already held at
// a different tag and allowRelockSamePosition does not cover it.
func (c *PartitionStateCache) TryLockAt(partition string, atTag CheckpointTag, allowRelockSamePosition bool) (state PartitionState, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[partition]
	if !exists {
		return PartitionState{}, false
	}
	if e.locked {
		if e.lockTag.Equal(atTag) && allowRelockSamePosition {
			return e.state, true
		}
		if !e.lockTag.Equal(atTag) {
			return PartitionState{}, false
		}
	}
	e.locked = true
	e.lockTag = atTag
	return e.state, true
}

// CacheAndLock stores state under partition and locks it at lockAtTag.
func (c *PartitionStateCache) CacheAndLock(partition string, state PartitionState, lockAtTag CheckpointTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[partition] = &cacheEntry{
		state:   state,
		locked:  true,
		lockTag: lockAtTag,
	}
}

// Unlock releases every lock whose hold tag is <= upToTag. Called after a
// checkpoint completes at that tag, never earlier. The root partition is
// never evicted but its lock flag is not touched either: it is implicitly
// locked for the life of the cache.
func (c *PartitionStateCache) Unlock(upToTag CheckpointTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if key == RootPartition {
			continue
		}
		if e.locked && !e.lockTag.After(upToTag) {
			e.locked = false
		}
	}
}

// Len reports the number of cached partitions, including the root.
func (c *PartitionStateCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
