// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

// inodeEntry is one attribute cache slot.
type inodeEntry struct {
	attr      ItemAttr
	fetchedAt time.Time
}

// InodePool caches item attributes by item id with a TTL. A stale
// entry triggers a metadata re-fetch; the sync loop refreshes entries
// out of band, so steady-state reads rarely miss.
type InodePool struct {
	client *graph.Client
	clock  clock.Clock
	ttl    time.Duration

	mu      sync.Mutex
	entries map[graph.ItemID]*inodeEntry
	rootID  graph.ItemID
}

// NewInodePool creates an attribute cache backed by the given client.
func NewInodePool(client *graph.Client, clk clock.Clock, ttl time.Duration) *InodePool {
	return &InodePool{
		client:  client,
		clock:   clk,
		ttl:     ttl,
		entries: make(map[graph.ItemID]*inodeEntry),
	}
}

// InitRoot fetches the drive root and pins it in the cache. Must be
// called once before any other method.
func (pool *InodePool) InitRoot(ctx context.Context) (ItemAttr, error) {
	item, err := pool.client.Root(ctx)
	if err != nil {
		return ItemAttr{}, fmt.Errorf("vfs: fetching drive root: %w", err)
	}
	attr := attrFromItem(item)

	pool.mu.Lock()
	pool.rootID = attr.ID
	pool.entries[attr.ID] = &inodeEntry{attr: attr, fetchedAt: pool.clock.Now()}
	pool.mu.Unlock()
	return attr, nil
}

// RootID returns the drive root's item id.
func (pool *InodePool) RootID() graph.ItemID {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.rootID
}

// Get returns the attributes of an item, from cache when fresh,
// otherwise via a metadata fetch. Returns ErrNotFound for items that
// no longer exist remotely.
func (pool *InodePool) Get(ctx context.Context, id graph.ItemID) (ItemAttr, error) {
	pool.mu.Lock()
	entry, ok := pool.entries[id]
	var staleAttr ItemAttr
	if ok {
		if pool.clock.Now().Sub(entry.fetchedAt) < pool.ttl {
			attr := entry.attr
			pool.mu.Unlock()
			return attr, nil
		}
		staleAttr = entry.attr
	}
	pool.mu.Unlock()

	item, err := pool.client.GetItem(ctx, id)
	if graph.IsNotFound(err) {
		pool.Forget(id)
		return ItemAttr{}, ErrNotFound
	}
	if err != nil {
		// A stale entry beats an error when the service is briefly
		// unreachable.
		if ok {
			return staleAttr, nil
		}
		return ItemAttr{}, fmt.Errorf("vfs: fetching item %s: %w", id, err)
	}

	attr := attrFromItem(item)
	pool.Put(attr)
	return attr, nil
}

// Cached returns the cached attributes without freshness checks or
// fetching. The boolean reports a hit.
func (pool *InodePool) Cached(id graph.ItemID) (ItemAttr, bool) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if entry, ok := pool.entries[id]; ok {
		return entry.attr, true
	}
	return ItemAttr{}, false
}

// Put inserts or refreshes an entry with attributes fresh from the
// service.
func (pool *InodePool) Put(attr ItemAttr) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.entries[attr.ID] = &inodeEntry{attr: attr, fetchedAt: pool.clock.Now()}
}

// UpdateSize rewrites the cached size after a local write, without
// touching freshness. No-op for unknown items.
func (pool *InodePool) UpdateSize(id graph.ItemID, size int64, modified time.Time) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if entry, ok := pool.entries[id]; ok {
		entry.attr.Size = size
		entry.attr.Modified = modified
	}
}

// Forget drops an entry. Called when an item is deleted locally or via
// the delta feed.
func (pool *InodePool) Forget(id graph.ItemID) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	delete(pool.entries, id)
}

// Invalidate marks an entry stale so the next Get re-fetches, keeping
// the entry available as a fallback.
func (pool *InodePool) Invalidate(id graph.ItemID) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	if entry, ok := pool.entries[id]; ok {
		entry.fetchedAt = time.Time{}
	}
}

// Snapshot returns a copy of all cached attributes, for the snapshot
// file.
func (pool *InodePool) Snapshot() []ItemAttr {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	attrs := make([]ItemAttr, 0, len(pool.entries))
	for _, entry := range pool.entries {
		attrs = append(attrs, entry.attr)
	}
	return attrs
}

// Restore seeds the cache from a snapshot. Entries are inserted as
// already stale: usable for fallback, re-fetched on first access, and
// corrected by the first sync round.
func (pool *InodePool) Restore(attrs []ItemAttr, rootID graph.ItemID) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.rootID = rootID
	for _, attr := range attrs {
		if _, ok := pool.entries[attr.ID]; !ok {
			pool.entries[attr.ID] = &inodeEntry{attr: attr}
		}
	}
}

// Len returns the number of cached entries.
func (pool *InodePool) Len() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.entries)
}
