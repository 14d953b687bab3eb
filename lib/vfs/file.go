// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

// HandleID identifies an open file handle.
type HandleID uint64

// FilePool tracks open file handles. Each handle is either cached
// (backed by a DiskCache file, read-write) or streaming (a sequential
// ranged download, read-only, used for files too large to cache or
// when the cache is disabled).
type FilePool struct {
	mu      sync.Mutex
	next    HandleID
	handles map[HandleID]*fileHandle
}

type fileHandle struct {
	itemID   graph.ItemID
	writable bool

	// Exactly one of cached and stream is set.
	cached *CacheFile
	stream *streamReader
}

// NewFilePool creates an empty handle table.
func NewFilePool() *FilePool {
	return &FilePool{handles: make(map[HandleID]*fileHandle)}
}

// OpenCached registers a handle over a disk-cached file.
func (pool *FilePool) OpenCached(file *CacheFile, writable bool) HandleID {
	return pool.insert(&fileHandle{
		itemID:   file.ID(),
		writable: writable,
		cached:   file,
	})
}

// OpenStreaming registers a read-only streaming handle.
func (pool *FilePool) OpenStreaming(client *graph.Client, attr ItemAttr, maxSkip int64) HandleID {
	return pool.insert(&fileHandle{
		itemID: attr.ID,
		stream: &streamReader{
			client:      client,
			itemID:      attr.ID,
			downloadURL: attr.DownloadURL,
			size:        attr.Size,
			maxSkip:     maxSkip,
		},
	})
}

func (pool *FilePool) insert(handle *fileHandle) HandleID {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	pool.next++
	id := pool.next
	pool.handles[id] = handle
	return id
}

func (pool *FilePool) get(id HandleID) (*fileHandle, error) {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	handle, ok := pool.handles[id]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return handle, nil
}

// Read reads from a handle at the given offset.
func (pool *FilePool) Read(ctx context.Context, id HandleID, buffer []byte, offset int64) (int, error) {
	handle, err := pool.get(id)
	if err != nil {
		return 0, err
	}
	if handle.cached != nil {
		return handle.cached.ReadAt(ctx, buffer, offset)
	}
	return handle.stream.read(ctx, buffer, offset)
}

// Write writes to a handle at the given offset. Streaming handles are
// read-only.
func (pool *FilePool) Write(ctx context.Context, id HandleID, data []byte, offset int64, maxSize int64) (int, error) {
	handle, err := pool.get(id)
	if err != nil {
		return 0, err
	}
	if handle.cached == nil {
		return 0, ErrWriteWithoutCache
	}
	if !handle.writable {
		return 0, ErrReadOnly
	}
	return handle.cached.WriteAt(ctx, data, offset, maxSize)
}

// CachedFile returns the disk cache file behind a handle, or nil for
// streaming handles.
func (pool *FilePool) CachedFile(id HandleID) (*CacheFile, error) {
	handle, err := pool.get(id)
	if err != nil {
		return nil, err
	}
	return handle.cached, nil
}

// Release closes a handle and releases its backing resources.
func (pool *FilePool) Release(ctx context.Context, id HandleID) error {
	pool.mu.Lock()
	handle, ok := pool.handles[id]
	if ok {
		delete(pool.handles, id)
	}
	pool.mu.Unlock()
	if !ok {
		return ErrInvalidHandle
	}

	if handle.cached != nil {
		handle.cached.Release(ctx)
		return nil
	}
	return handle.stream.close()
}

// Len returns the number of open handles.
func (pool *FilePool) Len() int {
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return len(pool.handles)
}

// streamReader reads file content as one forward pass over a ranged
// download. Short forward gaps are skipped by discarding; a long
// forward jump reopens the download at the new offset; backward seeks
// fail with ErrNonsequentialRead.
type streamReader struct {
	client      *graph.Client
	itemID      graph.ItemID
	downloadURL string
	size        int64
	maxSkip     int64

	mu     sync.Mutex
	reader io.ReadCloser
	pos    int64
	closed bool
}

func (stream *streamReader) read(ctx context.Context, buffer []byte, offset int64) (int, error) {
	stream.mu.Lock()
	defer stream.mu.Unlock()

	if stream.closed {
		return 0, ErrInvalidHandle
	}
	if offset >= stream.size {
		return 0, io.EOF
	}

	if stream.reader != nil {
		switch {
		case offset == stream.pos:
			// Sequential; keep going.
		case offset < stream.pos:
			return 0, ErrNonsequentialRead
		case offset-stream.pos <= stream.maxSkip:
			if err := stream.discard(offset - stream.pos); err != nil {
				return 0, err
			}
		default:
			stream.reader.Close()
			stream.reader = nil
		}
	}

	if stream.reader == nil {
		if err := stream.open(ctx, offset); err != nil {
			return 0, err
		}
	}

	n, err := io.ReadFull(stream.reader, buffer[:stream.clampLen(buffer, offset)])
	stream.pos += int64(n)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	}
	if err != nil {
		// The connection broke mid-stream; drop it so the next read
		// reopens at the right place.
		stream.reader.Close()
		stream.reader = nil
		return n, fmt.Errorf("vfs: streaming read: %w", err)
	}
	return n, nil
}

func (stream *streamReader) clampLen(buffer []byte, offset int64) int64 {
	length := int64(len(buffer))
	if offset+length > stream.size {
		length = stream.size - offset
	}
	return length
}

// open starts (or restarts) the download at offset, refreshing the
// download URL when the stored one has expired.
func (stream *streamReader) open(ctx context.Context, offset int64) error {
	reader, err := stream.client.Download(ctx, stream.downloadURL, offset)
	if err != nil {
		var apiError *graph.APIError
		if !errors.As(err, &apiError) || apiError.StatusCode < 400 || apiError.StatusCode >= 500 {
			return err
		}
		// Pre-authenticated URLs expire after a while. Fetch fresh
		// metadata and try once more.
		item, fetchErr := stream.client.GetItem(ctx, stream.itemID)
		if fetchErr != nil {
			return fetchErr
		}
		stream.downloadURL = item.DownloadURL
		reader, err = stream.client.Download(ctx, stream.downloadURL, offset)
		if err != nil {
			return err
		}
	}
	stream.reader = reader
	stream.pos = offset
	return nil
}

func (stream *streamReader) discard(n int64) error {
	if _, err := io.CopyN(io.Discard, stream.reader, n); err != nil {
		stream.reader.Close()
		stream.reader = nil
		return fmt.Errorf("vfs: skipping stream bytes: %w", err)
	}
	stream.pos += n
	return nil
}

func (stream *streamReader) close() error {
	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.closed = true
	if stream.reader != nil {
		err := stream.reader.Close()
		stream.reader = nil
		return err
	}
	return nil
}
