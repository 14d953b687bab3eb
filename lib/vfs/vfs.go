// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
)

// Options holds everything the filesystem needs to run.
type Options struct {
	// Client is the Graph API client. Required.
	Client *graph.Client

	// DB is the persistent state database. Required.
	DB *statedb.DB

	// Config supplies cache TTLs, disk cache bounds, upload and sync
	// tuning, and the snapshot path. Required.
	Config *config.Config

	// ReadOnly disables all mutating operations.
	ReadOnly bool

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. Defaults to a no-op logger.
	Logger *slog.Logger
}

// FS is the filesystem core: caches, open handles, write-back upload,
// and delta reconciliation over one drive. The FUSE adapter calls its
// methods; everything is keyed by graph.ItemID.
type FS struct {
	client   *graph.Client
	db       *statedb.DB
	cfg      *config.Config
	readOnly bool
	clock    clock.Clock
	logger   *slog.Logger

	inodes   *InodePool
	dirs     *DirCache
	cache    *DiskCache
	files    *FilePool
	uploader *Uploader
	syncer   *Syncer

	root    ItemAttr
	driveID string

	// maxStreamSkip is how far forward a streaming handle discards
	// instead of reopening the download.
	maxStreamSkip int64
}

// New builds the filesystem: fetches the drive root, restores the
// cache snapshot if one exists, and wires the disk cache, uploader,
// and syncer. Call Close to flush and persist state.
func New(ctx context.Context, opts Options) (*FS, error) {
	if opts.Client == nil || opts.DB == nil || opts.Config == nil {
		return nil, fmt.Errorf("vfs: Client, DB, and Config are required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := opts.Config

	fs := &FS{
		client:        opts.Client,
		db:            opts.DB,
		cfg:           cfg,
		readOnly:      opts.ReadOnly,
		clock:         clk,
		logger:        logger,
		files:         NewFilePool(),
		maxStreamSkip: int64(cfg.Download.StreamBufferChunks) << 20,
	}

	fs.inodes = NewInodePool(opts.Client, clk, cfg.AttrCache.TTL.Std())
	fs.dirs = NewDirCache(opts.Client, fs.inodes, clk, cfg.DirCache.TTL.Std())

	drive, err := opts.Client.Drive(ctx)
	if err != nil {
		return nil, fmt.Errorf("vfs: fetching drive: %w", err)
	}
	fs.driveID = drive.ID

	root, err := fs.inodes.InitRoot(ctx)
	if err != nil {
		return nil, err
	}
	fs.root = root

	if snapshot, err := LoadSnapshot(cfg.SnapshotFile()); err != nil {
		logger.Warn("discarding unreadable snapshot", "error", err)
	} else if snapshot != nil {
		fs.inodes.Restore(snapshot.Attrs, root.ID)
		fs.dirs.Restore(snapshot.Dirs)
		logger.Info("restored cache snapshot",
			"attrs", len(snapshot.Attrs), "dirs", len(snapshot.Dirs),
			"saved_at", snapshot.SavedAt)
	}

	if cfg.DiskCache.Enable {
		fs.cache, err = NewDiskCache(DiskCacheConfig{
			Dir:             cfg.DiskCache.Path,
			MaxFileSize:     cfg.DiskCache.MaxCachedFileSize,
			MaxFiles:        int64(cfg.DiskCache.MaxFiles),
			MaxTotalSize:    cfg.DiskCache.MaxTotalSize,
			DownloadRetries: cfg.Download.MaxRetry,
			RetryDelay:      cfg.Download.RetryDelay.Std(),
			Client:          opts.Client,
			DB:              opts.DB,
			Clock:           clk,
			Logger:          logger,
		})
		if err != nil {
			return nil, err
		}

		fs.uploader = NewUploader(UploaderConfig{
			FlushDelay:       cfg.Upload.FlushDelay.Std(),
			RetryDelay:       cfg.Upload.RetryDelay.Std(),
			SessionChunkSize: cfg.Upload.SessionChunkSize,
			MaxSize:          cfg.Upload.MaxSize,
			Client:           opts.Client,
			Clock:            clk,
			Logger:           logger,
			OnUploaded: func(item *graph.DriveItem) {
				attr := attrFromItem(item)
				if cached, ok := fs.inodes.Cached(item.ID); ok && attr.ParentID == "" {
					attr.ParentID = cached.ParentID
				}
				fs.inodes.Put(attr)
			},
		})
	}

	fs.syncer = NewSyncer(opts.Client, opts.DB, fs.inodes, fs.dirs, fs.cache,
		fs.driveID, SyncConfig{
			Interval:   cfg.Sync.Interval.Std(),
			MaxBackoff: cfg.Sync.MaxBackoff.Std(),
		}, clk, logger)

	return fs, nil
}

// RunSync runs the delta reconciliation loop until ctx is cancelled.
// Run it on its own goroutine for the lifetime of the mount.
func (fs *FS) RunSync(ctx context.Context) { fs.syncer.Run(ctx) }

// SyncOnce runs a single delta walk. The mount does one before
// serving so a restored snapshot is reconciled up front.
func (fs *FS) SyncOnce(ctx context.Context) error { return fs.syncer.SyncOnce(ctx) }

// Close flushes pending uploads, stops background work, and writes
// the cache snapshot.
func (fs *FS) Close(ctx context.Context) error {
	var firstErr error
	if fs.uploader != nil {
		if err := fs.uploader.Flush(ctx); err != nil {
			fs.logger.Error("flushing pending uploads at shutdown", "error", err)
			firstErr = err
		}
		fs.uploader.Close()
	}
	if fs.cache != nil {
		fs.cache.Close()
	}
	if err := SaveSnapshot(fs.cfg.SnapshotFile(), fs.inodes, fs.dirs, fs.clock.Now()); err != nil {
		fs.logger.Error("saving cache snapshot", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Root returns the drive root's attributes.
func (fs *FS) Root() ItemAttr { return fs.root }

// GetAttr returns an item's attributes.
func (fs *FS) GetAttr(ctx context.Context, id graph.ItemID) (ItemAttr, error) {
	return fs.inodes.Get(ctx, id)
}

// Lookup resolves a name within a directory.
func (fs *FS) Lookup(ctx context.Context, parent graph.ItemID, name string) (ItemAttr, error) {
	return fs.dirs.Lookup(ctx, parent, name)
}

// ReadDir lists a directory.
func (fs *FS) ReadDir(ctx context.Context, id graph.ItemID) ([]DirEntry, error) {
	return fs.dirs.Children(ctx, id)
}

// Mkdir creates a directory.
func (fs *FS) Mkdir(ctx context.Context, parent graph.ItemID, name string) (ItemAttr, error) {
	if fs.readOnly {
		return ItemAttr{}, ErrReadOnly
	}
	if err := graph.ValidateName(name); err != nil {
		return ItemAttr{}, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	item, err := fs.client.CreateFolder(ctx, parent, name)
	if graph.IsConflict(err) {
		return ItemAttr{}, ErrExists
	}
	if err != nil {
		return ItemAttr{}, fmt.Errorf("vfs: creating folder %q: %w", name, err)
	}

	attr := attrFromItem(item)
	attr.ParentID = parent
	fs.inodes.Put(attr)
	fs.dirs.AddEntry(parent, DirEntry{Name: attr.Name, ID: attr.ID, IsDir: true})
	return attr, nil
}

// Create makes an empty file remotely and returns a writable handle
// on it. The remote item exists before the local one, so its id is
// authoritative from the start.
func (fs *FS) Create(ctx context.Context, parent graph.ItemID, name string) (ItemAttr, HandleID, error) {
	if fs.readOnly {
		return ItemAttr{}, 0, ErrReadOnly
	}
	if fs.cache == nil {
		return ItemAttr{}, 0, ErrWriteWithoutCache
	}
	if err := graph.ValidateName(name); err != nil {
		return ItemAttr{}, 0, fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	item, err := fs.client.UploadSmallToParent(ctx, parent, name, nil)
	if err != nil {
		return ItemAttr{}, 0, fmt.Errorf("vfs: creating file %q: %w", name, err)
	}

	attr := attrFromItem(item)
	attr.ParentID = parent
	fs.inodes.Put(attr)
	fs.dirs.AddEntry(parent, DirEntry{Name: attr.Name, ID: attr.ID, IsDir: false})

	file, err := fs.cache.CreateEmpty(attr)
	if err != nil {
		return ItemAttr{}, 0, err
	}
	handle := fs.files.OpenCached(file, true)
	return attr, handle, nil
}

// Remove deletes a file or directory. Directories must be empty.
func (fs *FS) Remove(ctx context.Context, parent graph.ItemID, name string, wantDir bool) error {
	if fs.readOnly {
		return ErrReadOnly
	}

	attr, err := fs.Lookup(ctx, parent, name)
	if err != nil {
		return err
	}
	if wantDir && !attr.IsDir {
		return ErrNotDirectory
	}
	if !wantDir && attr.IsDir {
		return ErrIsDirectory
	}
	if attr.IsDir {
		children, err := fs.ReadDir(ctx, attr.ID)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ErrNotEmpty
		}
	}

	if err := fs.client.DeleteItem(ctx, attr.ID); err != nil {
		if graph.IsNotFound(err) {
			err = ErrNotFound
		} else {
			err = fmt.Errorf("vfs: deleting %q: %w", name, err)
		}
		return err
	}

	fs.inodes.Forget(attr.ID)
	fs.dirs.Forget(attr.ID)
	fs.dirs.RemoveEntry(parent, name)
	if fs.cache != nil && !attr.IsDir {
		fs.cache.Remove(ctx, attr.ID)
	}
	return nil
}

// Rename moves and/or renames an item. An existing file at the
// destination is replaced, per POSIX; an existing directory blocks
// the rename.
func (fs *FS) Rename(ctx context.Context, oldParent graph.ItemID, oldName string, newParent graph.ItemID, newName string) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if err := graph.ValidateName(newName); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidName, err)
	}

	attr, err := fs.Lookup(ctx, oldParent, oldName)
	if err != nil {
		return err
	}

	// The service refuses to overwrite on move, so replace semantics
	// need an explicit delete of the target first.
	if target, err := fs.Lookup(ctx, newParent, newName); err == nil {
		if target.ID == attr.ID {
			return nil
		}
		if target.IsDir {
			return ErrExists
		}
		if err := fs.client.DeleteItem(ctx, target.ID); err != nil {
			return fmt.Errorf("vfs: replacing %q: %w", newName, err)
		}
		fs.inodes.Forget(target.ID)
		fs.dirs.RemoveEntry(newParent, newName)
		if fs.cache != nil {
			fs.cache.Remove(ctx, target.ID)
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	moveParent := newParent
	if moveParent == oldParent {
		moveParent = ""
	}
	moveName := newName
	if moveName == oldName {
		moveName = ""
	}
	item, err := fs.client.UpdateItem(ctx, attr.ID, moveParent, moveName)
	if err != nil {
		return fmt.Errorf("vfs: renaming %q: %w", oldName, err)
	}

	newAttr := attrFromItem(item)
	newAttr.ParentID = newParent
	fs.inodes.Put(newAttr)
	fs.dirs.RemoveEntry(oldParent, oldName)
	fs.dirs.AddEntry(newParent, DirEntry{Name: newName, ID: attr.ID, IsDir: attr.IsDir})
	return nil
}

// Open opens a file and returns a handle. Cacheable files get a
// read-write cached handle with a background download; oversized
// files (or all files when the cache is disabled) get a read-only
// streaming handle.
func (fs *FS) Open(ctx context.Context, id graph.ItemID, writable bool) (HandleID, error) {
	if writable && fs.readOnly {
		return 0, ErrReadOnly
	}

	attr, err := fs.inodes.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if attr.IsDir {
		return 0, ErrIsDirectory
	}

	if fs.cache != nil && fs.cache.Cacheable(attr.Size) {
		file, err := fs.cache.Open(ctx, attr)
		if err != nil {
			return 0, err
		}
		return fs.files.OpenCached(file, writable), nil
	}

	if writable {
		return 0, ErrWriteWithoutCache
	}
	return fs.files.OpenStreaming(fs.client, attr, fs.maxStreamSkip), nil
}

// Read reads from an open handle.
func (fs *FS) Read(ctx context.Context, handle HandleID, buffer []byte, offset int64) (int, error) {
	return fs.files.Read(ctx, handle, buffer, offset)
}

// Write writes to an open handle and arms the write-back upload.
func (fs *FS) Write(ctx context.Context, handle HandleID, data []byte, offset int64) (int, error) {
	n, err := fs.files.Write(ctx, handle, data, offset, fs.cfg.Upload.MaxSize)
	if err != nil {
		return n, err
	}

	file, _ := fs.files.CachedFile(handle)
	if file != nil {
		fs.inodes.UpdateSize(file.ID(), file.Size(), fs.clock.Now())
		fs.uploader.Schedule(file)
	}
	return n, nil
}

// SetSize truncates or extends an open item's content.
func (fs *FS) SetSize(ctx context.Context, id graph.ItemID, size int64) error {
	if fs.readOnly {
		return ErrReadOnly
	}
	if fs.cache == nil {
		return ErrWriteWithoutCache
	}

	attr, err := fs.inodes.Get(ctx, id)
	if err != nil {
		return err
	}
	if attr.IsDir {
		return ErrIsDirectory
	}

	file, err := fs.cache.Open(ctx, attr)
	if err != nil {
		return err
	}
	defer file.Release(ctx)

	if err := file.Truncate(ctx, size, fs.cfg.Upload.MaxSize); err != nil {
		return err
	}
	fs.inodes.UpdateSize(id, size, fs.clock.Now())
	fs.uploader.Schedule(file)
	return nil
}

// IsStreaming reports whether a handle is a sequential streaming
// reader rather than a disk-cached one. Unknown handles report false.
func (fs *FS) IsStreaming(handle HandleID) bool {
	file, err := fs.files.CachedFile(handle)
	return err == nil && file == nil
}

// Fsync forces the pending upload of a handle's dirty content and
// waits for it.
func (fs *FS) Fsync(ctx context.Context, handle HandleID) error {
	file, err := fs.files.CachedFile(handle)
	if err != nil {
		return err
	}
	if file == nil || fs.uploader == nil {
		return nil
	}
	return fs.uploader.FlushFile(ctx, file.ID())
}

// Release closes an open handle.
func (fs *FS) Release(ctx context.Context, handle HandleID) error {
	return fs.files.Release(ctx, handle)
}

// StatFS reports drive quota for statfs.
func (fs *FS) StatFS(ctx context.Context) (graph.Quota, error) {
	drive, err := fs.client.Drive(ctx)
	if err != nil {
		return graph.Quota{}, fmt.Errorf("vfs: fetching quota: %w", err)
	}
	return drive.Quota, nil
}
