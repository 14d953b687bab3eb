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

// DirEntry is one name in a directory listing.
type DirEntry struct {
	Name  string       `cbor:"name"`
	ID    graph.ItemID `cbor:"id"`
	IsDir bool         `cbor:"is_dir"`
}

// dirSlot is one cached directory listing.
type dirSlot struct {
	entries   []DirEntry
	fetchedAt time.Time
}

// DirCache caches directory listings by parent item id with a TTL.
// Listing a directory also feeds the attribute cache, so a readdir
// followed by per-entry stat calls stays local.
type DirCache struct {
	client *graph.Client
	inodes *InodePool
	clock  clock.Clock
	ttl    time.Duration

	mu   sync.Mutex
	dirs map[graph.ItemID]*dirSlot
}

// NewDirCache creates a directory cache. Listings populate the given
// InodePool as a side effect.
func NewDirCache(client *graph.Client, inodes *InodePool, clk clock.Clock, ttl time.Duration) *DirCache {
	return &DirCache{
		client: client,
		inodes: inodes,
		clock:  clk,
		ttl:    ttl,
		dirs:   make(map[graph.ItemID]*dirSlot),
	}
}

// Children returns the listing of a directory, from cache when fresh.
func (cache *DirCache) Children(ctx context.Context, parent graph.ItemID) ([]DirEntry, error) {
	cache.mu.Lock()
	slot, ok := cache.dirs[parent]
	var staleEntries []DirEntry
	if ok {
		if cache.clock.Now().Sub(slot.fetchedAt) < cache.ttl {
			entries := slot.entries
			cache.mu.Unlock()
			return entries, nil
		}
		staleEntries = slot.entries
	}
	cache.mu.Unlock()

	items, err := cache.client.AllChildren(ctx, parent)
	if graph.IsNotFound(err) {
		cache.Forget(parent)
		return nil, ErrNotFound
	}
	if err != nil {
		if ok {
			return staleEntries, nil
		}
		return nil, fmt.Errorf("vfs: listing %s: %w", parent, err)
	}

	entries := make([]DirEntry, 0, len(items))
	for index := range items {
		attr := attrFromItem(&items[index])
		attr.ParentID = parent
		cache.inodes.Put(attr)
		entries = append(entries, DirEntry{Name: attr.Name, ID: attr.ID, IsDir: attr.IsDir})
	}

	cache.mu.Lock()
	cache.dirs[parent] = &dirSlot{entries: entries, fetchedAt: cache.clock.Now()}
	cache.mu.Unlock()
	return entries, nil
}

// Lookup resolves a name within a directory. A fresh cached listing
// answers locally, including negative results; otherwise the service
// is asked for the single child.
func (cache *DirCache) Lookup(ctx context.Context, parent graph.ItemID, name string) (ItemAttr, error) {
	cache.mu.Lock()
	slot, ok := cache.dirs[parent]
	if ok && cache.clock.Now().Sub(slot.fetchedAt) < cache.ttl {
		for _, entry := range slot.entries {
			if entry.Name == name {
				cache.mu.Unlock()
				return cache.inodes.Get(ctx, entry.ID)
			}
		}
		cache.mu.Unlock()
		return ItemAttr{}, ErrNotFound
	}
	cache.mu.Unlock()

	item, err := cache.client.GetChild(ctx, parent, name)
	if graph.IsNotFound(err) {
		return ItemAttr{}, ErrNotFound
	}
	if err != nil {
		return ItemAttr{}, fmt.Errorf("vfs: looking up %q in %s: %w", name, parent, err)
	}

	attr := attrFromItem(item)
	attr.ParentID = parent
	cache.inodes.Put(attr)
	return attr, nil
}

// AddEntry inserts a name into a cached listing after a local create.
// No-op when the parent is not cached.
func (cache *DirCache) AddEntry(parent graph.ItemID, entry DirEntry) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	slot, ok := cache.dirs[parent]
	if !ok {
		return
	}
	for index := range slot.entries {
		if slot.entries[index].Name == entry.Name {
			slot.entries[index] = entry
			return
		}
	}
	slot.entries = append(slot.entries, entry)
}

// RemoveEntry drops a name from a cached listing after a local delete
// or rename. No-op when the parent is not cached.
func (cache *DirCache) RemoveEntry(parent graph.ItemID, name string) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	slot, ok := cache.dirs[parent]
	if !ok {
		return
	}
	for index := range slot.entries {
		if slot.entries[index].Name == name {
			slot.entries = append(slot.entries[:index], slot.entries[index+1:]...)
			return
		}
	}
}

// Forget drops a directory's cached listing.
func (cache *DirCache) Forget(parent graph.ItemID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	delete(cache.dirs, parent)
}

// Invalidate marks a listing stale so the next Children call re-lists,
// keeping it available as a fallback.
func (cache *DirCache) Invalidate(parent graph.ItemID) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	if slot, ok := cache.dirs[parent]; ok {
		slot.fetchedAt = time.Time{}
	}
}

// Snapshot returns a copy of all cached listings, for the snapshot
// file.
func (cache *DirCache) Snapshot() map[graph.ItemID][]DirEntry {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	dirs := make(map[graph.ItemID][]DirEntry, len(cache.dirs))
	for parent, slot := range cache.dirs {
		entries := make([]DirEntry, len(slot.entries))
		copy(entries, slot.entries)
		dirs[parent] = entries
	}
	return dirs
}

// Restore seeds the cache from a snapshot. Listings are inserted as
// already stale.
func (cache *DirCache) Restore(dirs map[graph.ItemID][]DirEntry) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	for parent, entries := range dirs {
		if _, ok := cache.dirs[parent]; !ok {
			cache.dirs[parent] = &dirSlot{entries: entries}
		}
	}
}
