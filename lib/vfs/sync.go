// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
)

// SyncConfig configures the delta reconciliation loop.
type SyncConfig struct {
	// Interval is how often the loop walks the delta feed. Default:
	// 30 seconds.
	Interval time.Duration

	// MaxBackoff is the maximum duration between retries on transient
	// errors. Exponential backoff starts at 1 second. Default: the
	// interval.
	MaxBackoff time.Duration
}

// Syncer keeps local caches in agreement with the service by walking
// the drive's delta feed. Each round applies changed items to the
// attribute and directory caches and invalidates cached content whose
// cTag moved. The delta link persists across restarts in the state
// database.
type Syncer struct {
	client  *graph.Client
	db      *statedb.DB
	inodes  *InodePool
	dirs    *DirCache
	cache   *DiskCache
	clock   clock.Clock
	logger  *slog.Logger
	driveID string

	interval   time.Duration
	maxBackoff time.Duration
}

// NewSyncer creates a delta reconciliation loop over the given caches.
// The disk cache may be nil when content caching is disabled.
func NewSyncer(client *graph.Client, db *statedb.DB, inodes *InodePool, dirs *DirCache, cache *DiskCache, driveID string, cfg SyncConfig, clk clock.Clock, logger *slog.Logger) *Syncer {
	interval := cfg.Interval
	if interval == 0 {
		interval = 30 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff == 0 {
		maxBackoff = interval
	}
	return &Syncer{
		client:     client,
		db:         db,
		inodes:     inodes,
		dirs:       dirs,
		cache:      cache,
		clock:      clk,
		logger:     logger,
		driveID:    driveID,
		interval:   interval,
		maxBackoff: maxBackoff,
	}
}

// Run walks the delta feed on the configured interval until ctx is
// cancelled. Transient errors back off exponentially; a service-side
// resync demand discards the delta link and starts a full walk.
func (syncer *Syncer) Run(ctx context.Context) {
	backoff := time.Second

	for {
		err := syncer.SyncOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			syncer.logger.Error("delta sync failed, retrying", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-syncer.clock.After(backoff):
			}
			backoff *= 2
			if backoff > syncer.maxBackoff {
				backoff = syncer.maxBackoff
			}
			continue
		}

		backoff = time.Second
		select {
		case <-ctx.Done():
			return
		case <-syncer.clock.After(syncer.interval):
		}
	}
}

// SyncOnce performs a single delta walk: every page of changed items
// is applied, then the new delta link is persisted.
func (syncer *Syncer) SyncOnce(ctx context.Context) error {
	link, err := syncer.db.DeltaLink(ctx, syncer.driveID)
	if err != nil {
		return err
	}

	applied, err := syncer.walk(ctx, link)
	if graph.IsResyncRequired(err) {
		syncer.logger.Warn("service demands a full resync, discarding delta link")
		if err := syncer.db.ClearDeltaLink(ctx, syncer.driveID); err != nil {
			return err
		}
		applied, err = syncer.walk(ctx, "")
	}
	if err != nil {
		return err
	}
	if applied > 0 {
		syncer.logger.Info("delta sync applied changes", "items", applied)
	}
	return nil
}

// walk runs one delta query to completion and persists the resulting
// delta link.
func (syncer *Syncer) walk(ctx context.Context, link string) (int, error) {
	pager := syncer.client.Delta(link)
	applied := 0
	for {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return applied, err
		}
		if page == nil {
			break
		}
		for index := range page {
			syncer.apply(ctx, &page[index])
		}
		applied += len(page)
	}

	if err := syncer.db.SetDeltaLink(ctx, syncer.driveID, pager.DeltaLink(), syncer.clock.Now()); err != nil {
		return applied, fmt.Errorf("vfs: persisting delta link: %w", err)
	}
	return applied, nil
}

// apply folds one changed item into the local caches.
func (syncer *Syncer) apply(ctx context.Context, item *graph.DriveItem) {
	if item.IsDeleted() {
		attr, known := syncer.inodes.Cached(item.ID)
		syncer.inodes.Forget(item.ID)
		syncer.dirs.Forget(item.ID)
		if known && attr.ParentID != "" {
			syncer.dirs.RemoveEntry(attr.ParentID, attr.Name)
		}
		if syncer.cache != nil {
			syncer.cache.Remove(ctx, item.ID)
		}
		return
	}

	newAttr := attrFromItem(item)
	oldAttr, known := syncer.inodes.Cached(item.ID)

	// The root item's delta record carries no parent reference worth
	// tracking; everything else updates the containing directory.
	if known {
		if oldAttr.ParentID != "" && (oldAttr.ParentID != newAttr.ParentID || oldAttr.Name != newAttr.Name) {
			syncer.dirs.RemoveEntry(oldAttr.ParentID, oldAttr.Name)
		}
		if !newAttr.IsDir && oldAttr.CTag != "" && oldAttr.CTag != newAttr.CTag && syncer.cache != nil {
			syncer.cache.Invalidate(ctx, item.ID, newAttr.CTag)
		}
	}
	if newAttr.ParentID != "" && item.Root == nil {
		syncer.dirs.AddEntry(newAttr.ParentID, DirEntry{
			Name:  newAttr.Name,
			ID:    newAttr.ID,
			IsDir: newAttr.IsDir,
		})
	}
	syncer.inodes.Put(newAttr)
}
