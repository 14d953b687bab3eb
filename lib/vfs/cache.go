// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
)

// cacheState is the lifecycle of a disk-cached file's content.
type cacheState int

const (
	// stateDownloading: a background fetch is filling the file;
	// available marks the watermark of valid bytes.
	stateDownloading cacheState = iota

	// stateFailed: the background fetch gave up. Reads fail with
	// ErrDownloadFailed until the last handle closes.
	stateFailed

	// stateAvailable: content is complete and matches the remote cTag.
	stateAvailable

	// stateDirty: content has local writes awaiting upload.
	stateDirty

	// stateInvalidated: remote content changed underneath open
	// handles. Reads fail with ErrInvalidated until reopened.
	stateInvalidated
)

// DiskCacheConfig holds the parameters for opening the disk cache.
type DiskCacheConfig struct {
	// Dir is the cache directory. Created if missing.
	Dir string

	// MaxFileSize caps which files are cached at all; larger files
	// stream. Zero means no per-file cap.
	MaxFileSize int64

	// MaxFiles and MaxTotalSize bound the cache; least recently used
	// clean files are evicted past either bound. Zero disables the
	// respective bound.
	MaxFiles     int64
	MaxTotalSize int64

	// DownloadRetries is how many times a failed content download is
	// retried (with fresh download URLs) before the file enters the
	// failed state.
	DownloadRetries int

	// RetryDelay is the pause between download retries.
	RetryDelay time.Duration

	Client *graph.Client
	DB     *statedb.DB
	Clock  clock.Clock
	Logger *slog.Logger
}

// DiskCache holds downloaded file content on local disk, indexed in
// the state database and bounded by an LRU budget. Files are stored
// one per item, named by a hash of the item id, and verified against
// a BLAKE3 checksum when reused across runs.
type DiskCache struct {
	dir             string
	maxFileSize     int64
	maxFiles        int64
	maxTotalSize    int64
	downloadRetries int
	retryDelay      time.Duration

	client *graph.Client
	db     *statedb.DB
	clock  clock.Clock
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	files map[graph.ItemID]*CacheFile
}

// NewDiskCache opens the cache directory and reconciles the index
// against the files actually present: rows without files are dropped,
// files without rows are removed.
func NewDiskCache(cfg DiskCacheConfig) (*DiskCache, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("vfs: creating cache directory: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	cache := &DiskCache{
		dir:             cfg.Dir,
		maxFileSize:     cfg.MaxFileSize,
		maxFiles:        cfg.MaxFiles,
		maxTotalSize:    cfg.MaxTotalSize,
		downloadRetries: cfg.DownloadRetries,
		retryDelay:      cfg.RetryDelay,
		client:          cfg.Client,
		db:              cfg.DB,
		clock:           clk,
		logger:          logger,
		ctx:             ctx,
		cancel:          cancel,
		files:           make(map[graph.ItemID]*CacheFile),
	}

	if err := cache.reconcile(ctx); err != nil {
		cancel()
		return nil, err
	}
	return cache, nil
}

// reconcile brings the index and the directory into agreement at
// startup.
func (cache *DiskCache) reconcile(ctx context.Context) error {
	entries, err := cache.db.AllCacheEntries(ctx)
	if err != nil {
		return err
	}

	indexed := make(map[string]bool, len(entries))
	for _, entry := range entries {
		path := cache.pathFor(entry.ItemID)
		indexed[filepath.Base(path)] = true
		info, err := os.Stat(path)
		if err != nil || info.Size() != entry.Size {
			cache.logger.Warn("dropping cache index row without matching file",
				"item_id", string(entry.ItemID))
			if err := cache.db.DeleteCacheEntry(ctx, entry.ItemID); err != nil {
				return err
			}
			os.Remove(path)
		}
	}

	listing, err := os.ReadDir(cache.dir)
	if err != nil {
		return fmt.Errorf("vfs: listing cache directory: %w", err)
	}
	for _, file := range listing {
		if file.IsDir() || indexed[file.Name()] {
			continue
		}
		cache.logger.Warn("removing unindexed cache file", "name", file.Name())
		os.Remove(filepath.Join(cache.dir, file.Name()))
	}
	return nil
}

// Close cancels background downloads. Open handles become unusable.
func (cache *DiskCache) Close() error {
	cache.cancel()
	cache.mu.Lock()
	defer cache.mu.Unlock()
	for _, file := range cache.files {
		file.mu.Lock()
		if file.handle != nil {
			file.handle.Close()
			file.handle = nil
		}
		file.cond.Broadcast()
		file.mu.Unlock()
	}
	cache.files = make(map[graph.ItemID]*CacheFile)
	return nil
}

// Cacheable reports whether a file of the given size fits the cache's
// per-file cap.
func (cache *DiskCache) Cacheable(size int64) bool {
	return cache.maxFileSize <= 0 || size <= cache.maxFileSize
}

// pathFor names content files by a hash of the item id rather than
// the id itself, so the directory layout never depends on what
// characters the service puts in its identifiers.
func (cache *DiskCache) pathFor(id graph.ItemID) string {
	sum := blake3.Sum256([]byte(id))
	return filepath.Join(cache.dir, hex.EncodeToString(sum[:16]))
}

// Open returns a handle on the cached content for an item, starting a
// background download when the content is not already present. Each
// Open must be balanced by a Release.
func (cache *DiskCache) Open(ctx context.Context, attr ItemAttr) (*CacheFile, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	if file, ok := cache.files[attr.ID]; ok {
		file.mu.Lock()
		usable := file.state != stateInvalidated && file.state != stateFailed &&
			(file.ctag == attr.CTag || file.state == stateDirty)
		if usable {
			file.refs++
			file.mu.Unlock()
			return file, nil
		}
		file.mu.Unlock()
		// The tracked file is defunct; fall through and replace it.
		// Remaining handles keep their reference to the old CacheFile
		// and see its terminal state.
	}

	file := &CacheFile{
		cache: cache,
		id:    attr.ID,
		ctag:  attr.CTag,
		path:  cache.pathFor(attr.ID),
		size:  attr.Size,
		refs:  1,
	}
	file.cond = sync.NewCond(&file.mu)

	if err := file.initialize(ctx, attr); err != nil {
		return nil, err
	}
	cache.files[attr.ID] = file
	return file, nil
}

// CreateEmpty tracks a zero-byte cached file for a just-created item,
// skipping the download path entirely.
func (cache *DiskCache) CreateEmpty(attr ItemAttr) (*CacheFile, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()

	file := &CacheFile{
		cache: cache,
		id:    attr.ID,
		ctag:  attr.CTag,
		path:  cache.pathFor(attr.ID),
		refs:  1,
		state: stateAvailable,
	}
	file.cond = sync.NewCond(&file.mu)

	handle, err := os.OpenFile(file.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("vfs: creating cache file: %w", err)
	}
	file.handle = handle
	cache.files[attr.ID] = file
	return file, nil
}

// InUse returns the ids of files with open handles, which eviction
// must skip.
func (cache *DiskCache) InUse() []graph.ItemID {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	ids := make([]graph.ItemID, 0, len(cache.files))
	for id := range cache.files {
		ids = append(ids, id)
	}
	return ids
}

// Invalidate reacts to a remote content change. Clean cached content
// is discarded; dirty content is kept, since the pending upload will
// overwrite the remote change (last writer wins).
func (cache *DiskCache) Invalidate(ctx context.Context, id graph.ItemID, newCTag string) {
	cache.mu.Lock()
	file, open := cache.files[id]
	cache.mu.Unlock()

	if open {
		file.mu.Lock()
		switch file.state {
		case stateDirty:
			file.mu.Unlock()
			return
		case stateInvalidated:
			file.mu.Unlock()
			return
		default:
			if file.ctag == newCTag {
				file.mu.Unlock()
				return
			}
			file.state = stateInvalidated
			file.cond.Broadcast()
			file.mu.Unlock()
		}
	}

	if err := cache.db.DeleteCacheEntry(ctx, id); err != nil {
		cache.logger.Warn("dropping cache index row failed", "item_id", string(id), "error", err)
	}
	if !open {
		os.Remove(cache.pathFor(id))
	}
}

// Remove discards an item's cached content entirely, after a delete.
func (cache *DiskCache) Remove(ctx context.Context, id graph.ItemID) {
	cache.mu.Lock()
	file, open := cache.files[id]
	if open {
		delete(cache.files, id)
	}
	cache.mu.Unlock()

	if open {
		file.mu.Lock()
		file.state = stateInvalidated
		file.cond.Broadcast()
		file.mu.Unlock()
	}

	if err := cache.db.DeleteCacheEntry(ctx, id); err != nil {
		cache.logger.Warn("dropping cache index row failed", "item_id", string(id), "error", err)
	}
	os.Remove(cache.pathFor(id))
}

// evict removes least recently used clean files until the cache fits
// its budget.
func (cache *DiskCache) evict(ctx context.Context) {
	count, totalSize, err := cache.db.CacheUsage(ctx)
	if err != nil {
		cache.logger.Warn("cache usage query failed", "error", err)
		return
	}
	overFiles := cache.maxFiles > 0 && count > cache.maxFiles
	overSize := cache.maxTotalSize > 0 && totalSize > cache.maxTotalSize
	if !overFiles && !overSize {
		return
	}

	candidates, err := cache.db.EvictionCandidates(ctx, int(count), cache.InUse())
	if err != nil {
		cache.logger.Warn("eviction candidate query failed", "error", err)
		return
	}

	for _, candidate := range candidates {
		if (cache.maxFiles <= 0 || count <= cache.maxFiles) &&
			(cache.maxTotalSize <= 0 || totalSize <= cache.maxTotalSize) {
			return
		}
		if err := cache.db.DeleteCacheEntry(ctx, candidate.ItemID); err != nil {
			cache.logger.Warn("evicting cache entry failed",
				"item_id", string(candidate.ItemID), "error", err)
			continue
		}
		os.Remove(cache.pathFor(candidate.ItemID))
		count--
		totalSize -= candidate.Size
		cache.logger.Debug("evicted cached file",
			"item_id", string(candidate.ItemID), "size", candidate.Size)
	}
}

// CacheFile is the on-disk content of one item, shared by all open
// handles on that item.
type CacheFile struct {
	cache *DiskCache
	id    graph.ItemID
	path  string

	mu        sync.Mutex
	cond      *sync.Cond
	handle    *os.File
	state     cacheState
	ctag      string
	size      int64
	available int64
	refs      int
	fetchErr  error

	// writeGen counts local mutations. The uploader captures it before
	// reading content and only marks the file clean if no write landed
	// during the upload.
	writeGen uint64
}

// WriteGen returns the current mutation counter.
func (file *CacheFile) WriteGen() uint64 {
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.writeGen
}

// ID returns the item id this file caches.
func (file *CacheFile) ID() graph.ItemID { return file.id }

// Size returns the current content size, including local writes.
func (file *CacheFile) Size() int64 {
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.size
}

// Dirty reports whether the file has local writes awaiting upload.
func (file *CacheFile) Dirty() bool {
	file.mu.Lock()
	defer file.mu.Unlock()
	return file.state == stateDirty
}

// initialize opens or creates the backing file. With a matching,
// checksum-verified index row the content is reused; otherwise a
// background download starts. Called with cache.mu held.
func (file *CacheFile) initialize(ctx context.Context, attr ItemAttr) error {
	entry, err := file.cache.db.GetCacheEntry(ctx, file.id)
	if err != nil {
		return err
	}

	if entry != nil && entry.CTag == attr.CTag {
		handle, err := os.OpenFile(file.path, os.O_RDWR, 0o600)
		if err == nil {
			ok, verifyErr := verifyChecksum(handle, entry.Checksum)
			if verifyErr == nil && ok {
				file.handle = handle
				file.state = stateAvailable
				file.size = entry.Size
				file.available = entry.Size
				if err := file.cache.db.TouchCacheEntry(ctx, file.id, file.cache.clock.Now()); err != nil {
					file.cache.logger.Warn("touching cache entry failed",
						"item_id", string(file.id), "error", err)
				}
				return nil
			}
			handle.Close()
			file.cache.logger.Warn("cached content failed checksum, re-downloading",
				"item_id", string(file.id))
		}
		if err := file.cache.db.DeleteCacheEntry(ctx, file.id); err != nil {
			return err
		}
	}

	handle, err := os.OpenFile(file.path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("vfs: creating cache file: %w", err)
	}
	file.handle = handle

	if attr.Size == 0 {
		file.state = stateAvailable
		return nil
	}

	file.state = stateDownloading
	go file.download(attr)
	return nil
}

// errDownloadSuperseded aborts a download whose CacheFile stopped
// being the tracked entry for its item: an invalidation, a remove, or
// cache shutdown ended it. The replacement entry owns the path now,
// so the stale goroutine must not touch the file again.
var errDownloadSuperseded = errors.New("vfs: download superseded")

// download fills the backing file from the service, advancing the
// available watermark as bytes land. Runs on its own goroutine with
// the cache's lifetime context; a retried attempt re-fetches item
// metadata because download URLs expire.
func (file *CacheFile) download(attr ItemAttr) {
	ctx := file.cache.ctx
	downloadURL := attr.DownloadURL

	var lastErr error
	for attempt := 0; attempt <= file.cache.downloadRetries; attempt++ {
		file.mu.Lock()
		downloading := file.state == stateDownloading
		file.mu.Unlock()
		if !downloading {
			return
		}
		if attempt > 0 {
			file.cache.clock.Sleep(file.cache.retryDelay)
			item, err := file.cache.client.GetItem(ctx, file.id)
			if err != nil {
				lastErr = err
				continue
			}
			if item.CTag != attr.CTag {
				file.fail(fmt.Errorf("%w: content changed during download", ErrInvalidated))
				return
			}
			downloadURL = item.DownloadURL
		}
		if downloadURL == "" {
			item, err := file.cache.client.GetItem(ctx, file.id)
			if err != nil {
				lastErr = err
				continue
			}
			downloadURL = item.DownloadURL
		}

		err := file.downloadFrom(ctx, downloadURL)
		if err == nil || errors.Is(err, errDownloadSuperseded) {
			return
		}
		if ctx.Err() != nil {
			file.fail(ctx.Err())
			return
		}
		lastErr = err
		file.cache.logger.Warn("content download attempt failed",
			"item_id", string(file.id), "attempt", attempt, "error", err)
	}
	file.fail(fmt.Errorf("%w: %v", ErrDownloadFailed, lastErr))
}

// downloadFrom resumes the ranged download at the current watermark.
func (file *CacheFile) downloadFrom(ctx context.Context, downloadURL string) error {
	file.mu.Lock()
	offset := file.available
	file.mu.Unlock()

	reader, err := file.cache.client.Download(ctx, downloadURL, offset)
	if err != nil {
		return err
	}
	defer reader.Close()

	buffer := make([]byte, 1<<20)
	for {
		n, readErr := reader.Read(buffer)
		if n > 0 {
			// The state check and the write happen under one lock hold:
			// once Invalidate or Remove flips the state, no further byte
			// can land on the path, which a replacement CacheFile may
			// own by now (O_TRUNC reuses the inode).
			file.mu.Lock()
			if file.state != stateDownloading || file.handle == nil {
				file.mu.Unlock()
				return errDownloadSuperseded
			}
			if _, err := file.handle.WriteAt(buffer[:n], offset); err != nil {
				file.mu.Unlock()
				return fmt.Errorf("writing cache file: %w", err)
			}
			offset += int64(n)
			file.available = offset
			done := offset >= file.size
			if done {
				file.state = stateAvailable
			}
			file.cond.Broadcast()
			file.mu.Unlock()
			if done {
				file.finishDownload()
				return nil
			}
		}
		if readErr == io.EOF {
			file.mu.Lock()
			if file.state != stateDownloading {
				file.mu.Unlock()
				return errDownloadSuperseded
			}
			short := offset < file.size
			if !short {
				file.state = stateAvailable
			}
			file.cond.Broadcast()
			file.mu.Unlock()
			if short {
				return fmt.Errorf("download ended early at %d of %d bytes", offset, file.size)
			}
			file.finishDownload()
			return nil
		}
		if readErr != nil {
			return readErr
		}
	}
}

// finishDownload records the completed content in the index. Only
// content still in the available state is indexed: a write racing the
// tail of the download is indexed by the upload path instead, and an
// invalidation must not resurrect the row it just deleted.
func (file *CacheFile) finishDownload() {
	file.mu.Lock()
	size := file.size
	ctag := file.ctag
	handle := file.handle
	available := file.state == stateAvailable
	file.mu.Unlock()
	if !available || handle == nil {
		return
	}

	checksum, err := checksumFile(handle)
	if err != nil {
		file.cache.logger.Warn("checksumming downloaded content failed",
			"item_id", string(file.id), "error", err)
		return
	}

	// Re-check after the checksum pass: an invalidation that landed
	// while hashing has already deleted the index row.
	file.mu.Lock()
	stale := file.state != stateAvailable || file.ctag != ctag
	file.mu.Unlock()
	if stale {
		return
	}

	err = file.cache.db.PutCacheEntry(file.cache.ctx, statedb.CacheEntry{
		ItemID:   file.id,
		CTag:     ctag,
		Size:     size,
		Checksum: checksum,
		LastUsed: file.cache.clock.Now(),
	})
	if err != nil {
		file.cache.logger.Warn("indexing downloaded content failed",
			"item_id", string(file.id), "error", err)
	}
	file.cache.evict(file.cache.ctx)
}

func (file *CacheFile) fail(err error) {
	file.mu.Lock()
	if file.state == stateDownloading {
		file.state = stateFailed
		file.fetchErr = err
	}
	file.cond.Broadcast()
	file.mu.Unlock()
}

// waitAvailable blocks until at least target bytes are readable, the
// content reaches a terminal failure state, or ctx is cancelled.
// Called with file.mu held; returns with file.mu held.
func (file *CacheFile) waitAvailable(ctx context.Context, target int64) error {
	stop := context.AfterFunc(ctx, func() {
		file.mu.Lock()
		file.cond.Broadcast()
		file.mu.Unlock()
	})
	defer stop()

	for {
		switch file.state {
		case stateInvalidated:
			return ErrInvalidated
		case stateFailed:
			return file.fetchErr
		case stateAvailable, stateDirty:
			return nil
		}
		if file.available >= target {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		file.cond.Wait()
	}
}

// ReadAt reads content at offset. Blocks while the background
// download catches up to the requested range.
func (file *CacheFile) ReadAt(ctx context.Context, buffer []byte, offset int64) (int, error) {
	file.mu.Lock()
	if offset >= file.size {
		file.mu.Unlock()
		return 0, io.EOF
	}
	target := offset + int64(len(buffer))
	if target > file.size {
		target = file.size
	}
	if err := file.waitAvailable(ctx, target); err != nil {
		file.mu.Unlock()
		return 0, err
	}
	if offset >= file.size {
		file.mu.Unlock()
		return 0, io.EOF
	}
	if target > file.size {
		target = file.size
	}
	handle := file.handle
	file.mu.Unlock()

	if handle == nil {
		return 0, ErrInvalidHandle
	}
	n, err := handle.ReadAt(buffer[:target-offset], offset)
	if errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return n, err
}

// WriteAt writes content at offset, extending the file as needed. The
// write waits for the download to complete first so the file never
// mixes local and missing remote bytes. maxSize caps the resulting
// file; 0 means uncapped.
func (file *CacheFile) WriteAt(ctx context.Context, data []byte, offset int64, maxSize int64) (int, error) {
	end := offset + int64(len(data))
	if maxSize > 0 && end > maxSize {
		return 0, ErrFileTooLarge
	}

	file.mu.Lock()
	if err := file.waitAvailable(ctx, file.size); err != nil {
		file.mu.Unlock()
		return 0, err
	}
	handle := file.handle
	file.mu.Unlock()

	if handle == nil {
		return 0, ErrInvalidHandle
	}
	n, err := handle.WriteAt(data, offset)
	if err != nil {
		return n, fmt.Errorf("vfs: writing cache file: %w", err)
	}

	file.mu.Lock()
	if end > file.size {
		file.size = end
		file.available = end
	}
	file.state = stateDirty
	file.writeGen++
	file.mu.Unlock()
	return n, nil
}

// Truncate resizes the content. Like WriteAt it waits for the
// download to complete.
func (file *CacheFile) Truncate(ctx context.Context, newSize int64, maxSize int64) error {
	if maxSize > 0 && newSize > maxSize {
		return ErrFileTooLarge
	}

	file.mu.Lock()
	if err := file.waitAvailable(ctx, file.size); err != nil {
		file.mu.Unlock()
		return err
	}
	handle := file.handle
	file.mu.Unlock()

	if handle == nil {
		return ErrInvalidHandle
	}
	if err := handle.Truncate(newSize); err != nil {
		return fmt.Errorf("vfs: truncating cache file: %w", err)
	}

	file.mu.Lock()
	file.size = newSize
	file.available = newSize
	file.state = stateDirty
	file.writeGen++
	file.mu.Unlock()
	return nil
}

// readRaw reads without state checks. The uploader uses it to stream
// dirty content that is by definition fully available.
func (file *CacheFile) readRaw(buffer []byte, offset int64) (int, error) {
	file.mu.Lock()
	handle := file.handle
	file.mu.Unlock()
	if handle == nil {
		return 0, ErrInvalidHandle
	}
	return handle.ReadAt(buffer, offset)
}

// markUploaded transitions Dirty back to Available after a successful
// upload and records the new content version in the index. A write
// that landed during the upload (writeGen moved past uploadedGen)
// keeps the file dirty; the caller reschedules. Returns whether the
// file is now clean.
func (file *CacheFile) markUploaded(ctx context.Context, newCTag string, uploadedGen uint64) bool {
	file.mu.Lock()
	if file.state != stateDirty {
		file.mu.Unlock()
		return true
	}
	file.ctag = newCTag
	if file.writeGen != uploadedGen {
		file.mu.Unlock()
		return false
	}
	file.state = stateAvailable
	size := file.size
	file.mu.Unlock()

	checksum, err := checksumFile(file.handle)
	if err != nil {
		file.cache.logger.Warn("checksumming uploaded content failed",
			"item_id", string(file.id), "error", err)
		return true
	}
	err = file.cache.db.PutCacheEntry(ctx, statedb.CacheEntry{
		ItemID:   file.id,
		CTag:     newCTag,
		Size:     size,
		Checksum: checksum,
		LastUsed: file.cache.clock.Now(),
	})
	if err != nil {
		file.cache.logger.Warn("indexing uploaded content failed",
			"item_id", string(file.id), "error", err)
	}
	return true
}

// Release drops one handle reference. When the last reference goes
// and no upload is pending, the descriptor closes and the LRU budget
// is enforced.
func (file *CacheFile) Release(ctx context.Context) {
	cache := file.cache

	cache.mu.Lock()
	file.mu.Lock()
	file.refs--
	lastRef := file.refs <= 0
	dirty := file.state == stateDirty
	if lastRef && !dirty {
		if file.handle != nil {
			file.handle.Close()
			file.handle = nil
		}
		if cache.files[file.id] == file {
			delete(cache.files, file.id)
		}
	}
	file.mu.Unlock()
	cache.mu.Unlock()

	if lastRef && !dirty {
		if err := cache.db.TouchCacheEntry(ctx, file.id, cache.clock.Now()); err != nil {
			cache.logger.Warn("touching cache entry failed",
				"item_id", string(file.id), "error", err)
		}
		cache.evict(ctx)
	}
}

// Ref adds a handle reference. The uploader takes one for the
// duration of a pending upload so Release keeps the descriptor open.
func (file *CacheFile) Ref() {
	file.mu.Lock()
	file.refs++
	file.mu.Unlock()
}

// checksumFile computes the BLAKE3 digest of the whole backing file.
func checksumFile(handle *os.File) ([]byte, error) {
	hasher := blake3.New()
	if _, err := handle.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.Copy(hasher, handle); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

// verifyChecksum reports whether the file's content matches the
// expected BLAKE3 digest.
func verifyChecksum(handle *os.File, expected []byte) (bool, error) {
	actual, err := checksumFile(handle)
	if err != nil {
		return false, err
	}
	if len(actual) != len(expected) {
		return false, nil
	}
	for index := range actual {
		if actual[index] != expected[index] {
			return false, nil
		}
	}
	return true, nil
}
