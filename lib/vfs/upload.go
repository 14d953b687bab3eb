// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

// UploaderConfig holds the parameters for the write-back uploader.
type UploaderConfig struct {
	// FlushDelay is the debounce window: an upload starts this long
	// after the last write to a file.
	FlushDelay time.Duration

	// RetryDelay is the pause before retrying a failed upload.
	RetryDelay time.Duration

	// SessionChunkSize is the chunk size for upload sessions. Must be
	// a multiple of 320 KiB per service requirements.
	SessionChunkSize int64

	// MaxSize caps uploads entirely; larger files fail at write time,
	// this is the backstop. Zero means uncapped.
	MaxSize int64

	Client *graph.Client
	Clock  clock.Clock
	Logger *slog.Logger

	// OnUploaded is called with the fresh item metadata after each
	// successful upload, so attribute caches track the new cTag and
	// mtime. Optional.
	OnUploaded func(item *graph.DriveItem)
}

// Uploader pushes dirty cached files back to the service. Writes are
// debounced: each write re-arms a per-file timer, and the upload runs
// once the file has been quiet for the flush delay. Failed uploads
// retry indefinitely; the content stays dirty and safe on local disk
// in the meantime.
type Uploader struct {
	flushDelay       time.Duration
	retryDelay       time.Duration
	sessionChunkSize int64
	maxSize          int64

	client     *graph.Client
	clock      clock.Clock
	logger     *slog.Logger
	onUploaded func(item *graph.DriveItem)

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[graph.ItemID]*pendingUpload
	idle    *sync.Cond
}

type pendingUpload struct {
	file    *CacheFile
	timer   *clock.Timer
	running bool
}

// NewUploader creates an uploader. Call Close to stop it; Flush first
// to drain pending work.
func NewUploader(cfg UploaderConfig) *Uploader {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}

	ctx, cancel := context.WithCancel(context.Background())
	uploader := &Uploader{
		flushDelay:       cfg.FlushDelay,
		retryDelay:       cfg.RetryDelay,
		sessionChunkSize: cfg.SessionChunkSize,
		maxSize:          cfg.MaxSize,
		client:           cfg.Client,
		clock:            clk,
		logger:           logger,
		onUploaded:       cfg.OnUploaded,
		ctx:              ctx,
		cancel:           cancel,
		pending:          make(map[graph.ItemID]*pendingUpload),
	}
	uploader.idle = sync.NewCond(&uploader.mu)
	return uploader
}

// Schedule arms (or re-arms) the debounced upload for a dirty file.
// The uploader holds a handle reference until the upload completes so
// the descriptor outlives the last close.
func (uploader *Uploader) Schedule(file *CacheFile) {
	uploader.mu.Lock()
	defer uploader.mu.Unlock()

	if entry, ok := uploader.pending[file.ID()]; ok {
		if !entry.running {
			entry.timer.Reset(uploader.flushDelay)
		}
		return
	}

	file.Ref()
	entry := &pendingUpload{file: file}
	entry.timer = uploader.clock.AfterFunc(uploader.flushDelay, func() {
		uploader.run(entry)
	})
	uploader.pending[file.ID()] = entry
}

// wake broadcasts the idle cond so waiters re-check their exit
// conditions. Registered as a context.AfterFunc while flushing, since
// a cond wait cannot observe cancellation on its own.
func (uploader *Uploader) wake() {
	uploader.mu.Lock()
	uploader.idle.Broadcast()
	uploader.mu.Unlock()
}

// FlushFile forces an immediate upload of one file if it is pending.
// Blocks until the upload finishes or ctx is cancelled. Used by fsync.
func (uploader *Uploader) FlushFile(ctx context.Context, id graph.ItemID) error {
	stop := context.AfterFunc(ctx, uploader.wake)
	defer stop()

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	entry, ok := uploader.pending[id]
	if ok && !entry.running {
		entry.timer.Reset(0)
	}
	for {
		if _, stillPending := uploader.pending[id]; !stillPending {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		uploader.idle.Wait()
	}
}

// Flush forces every pending upload and blocks until the queue drains
// or ctx is cancelled. A file whose upload keeps failing stays in the
// queue, so the ctx deadline is the only bound on a flush against an
// unreachable service. Used at unmount.
func (uploader *Uploader) Flush(ctx context.Context) error {
	stop := context.AfterFunc(ctx, uploader.wake)
	defer stop()

	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	for _, entry := range uploader.pending {
		if !entry.running {
			entry.timer.Reset(0)
		}
	}
	for len(uploader.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		uploader.idle.Wait()
	}
	return nil
}

// Close stops the uploader without draining. Pending dirty content
// remains on disk and is not lost, but will not upload until the next
// mount writes to it.
func (uploader *Uploader) Close() {
	uploader.cancel()
	uploader.mu.Lock()
	uploader.idle.Broadcast()
	uploader.mu.Unlock()
}

// PendingCount returns the number of files with uploads queued or
// running.
func (uploader *Uploader) PendingCount() int {
	uploader.mu.Lock()
	defer uploader.mu.Unlock()
	return len(uploader.pending)
}

// run executes one upload attempt on the timer goroutine.
func (uploader *Uploader) run(entry *pendingUpload) {
	uploader.mu.Lock()
	if uploader.ctx.Err() != nil {
		uploader.mu.Unlock()
		return
	}
	entry.running = true
	uploader.mu.Unlock()

	file := entry.file
	uploadedGen := file.WriteGen()
	item, err := uploader.upload(uploader.ctx, file)

	uploader.mu.Lock()
	if err != nil {
		if uploader.ctx.Err() == nil {
			uploader.logger.Warn("upload failed, will retry",
				"item_id", string(file.ID()), "error", err)
			entry.running = false
			entry.timer.Reset(uploader.retryDelay)
			uploader.mu.Unlock()
			return
		}
		// Shutting down; leave the content dirty on disk.
		delete(uploader.pending, file.ID())
		uploader.idle.Broadcast()
		uploader.mu.Unlock()
		file.Release(context.Background())
		return
	}
	uploader.mu.Unlock()

	clean := file.markUploaded(uploader.ctx, item.CTag, uploadedGen)

	uploader.mu.Lock()
	if !clean && uploader.ctx.Err() == nil {
		// A write landed mid-upload; go around again after the
		// debounce window.
		entry.running = false
		entry.timer.Reset(uploader.flushDelay)
		uploader.mu.Unlock()
		return
	}
	delete(uploader.pending, file.ID())
	uploader.idle.Broadcast()
	uploader.mu.Unlock()

	if uploader.onUploaded != nil {
		uploader.onUploaded(item)
	}
	file.Release(context.Background())

	uploader.logger.Info("uploaded file content",
		"item_id", string(file.ID()), "size", item.Size, "ctag", item.CTag)
}

// upload pushes the file's current content: a single PUT for small
// files, a chunked upload session otherwise.
func (uploader *Uploader) upload(ctx context.Context, file *CacheFile) (*graph.DriveItem, error) {
	size := file.Size()
	if uploader.maxSize > 0 && size > uploader.maxSize {
		return nil, ErrFileTooLarge
	}

	if size <= graph.SmallUploadLimit {
		content := make([]byte, size)
		if size > 0 {
			if _, err := file.readRaw(content, 0); err != nil {
				return nil, fmt.Errorf("reading dirty content: %w", err)
			}
		}
		return uploader.client.UploadSmall(ctx, file.ID(), content)
	}

	session, err := uploader.client.CreateUploadSession(ctx, file.ID())
	if err != nil {
		return nil, err
	}

	chunk := make([]byte, uploader.sessionChunkSize)
	for offset := int64(0); offset < size; offset += uploader.sessionChunkSize {
		length := uploader.sessionChunkSize
		if offset+length > size {
			length = size - offset
		}
		if _, err := file.readRaw(chunk[:length], offset); err != nil {
			session.Cancel(ctx)
			return nil, fmt.Errorf("reading dirty content at %d: %w", offset, err)
		}
		item, err := session.PutChunk(ctx, chunk[:length], offset, size)
		if err != nil {
			session.Cancel(ctx)
			return nil, err
		}
		if item != nil {
			return item, nil
		}
	}
	return nil, fmt.Errorf("upload session ended without a completed item")
}
