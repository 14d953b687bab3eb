// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import "errors"

// Sentinel errors for filesystem conditions. The FUSE adapter maps
// each to an errno; everything else surfaces as EIO.
var (
	// ErrNotFound reports that an item does not exist, locally or
	// remotely. Maps to ENOENT.
	ErrNotFound = errors.New("vfs: item not found")

	// ErrExists reports a create or rename target that already exists.
	// Maps to EEXIST.
	ErrExists = errors.New("vfs: item already exists")

	// ErrNotDirectory reports a directory operation on a file. Maps to
	// ENOTDIR.
	ErrNotDirectory = errors.New("vfs: not a directory")

	// ErrIsDirectory reports a file operation on a directory. Maps to
	// EISDIR.
	ErrIsDirectory = errors.New("vfs: is a directory")

	// ErrNotEmpty reports an rmdir of a non-empty directory. Maps to
	// ENOTEMPTY.
	ErrNotEmpty = errors.New("vfs: directory not empty")

	// ErrInvalidHandle reports an operation on a released or unknown
	// file handle. Maps to EBADF.
	ErrInvalidHandle = errors.New("vfs: invalid file handle")

	// ErrNonsequentialRead reports a backward seek on a streaming
	// handle, which only supports forward reads. Maps to EINVAL.
	ErrNonsequentialRead = errors.New("vfs: non-sequential read on streaming handle")

	// ErrInvalidName reports a name OneDrive cannot store. Maps to
	// EINVAL.
	ErrInvalidName = errors.New("vfs: invalid item name")

	// ErrFileTooLarge reports a write that would exceed the configured
	// upload size limit. Maps to EFBIG.
	ErrFileTooLarge = errors.New("vfs: file exceeds upload size limit")

	// ErrWriteWithoutCache reports a write to a handle opened in
	// streaming mode, which is read-only. Maps to EROFS.
	ErrWriteWithoutCache = errors.New("vfs: write requires the disk cache")

	// ErrDownloadFailed reports that the background download backing a
	// cached handle failed. Maps to EIO.
	ErrDownloadFailed = errors.New("vfs: content download failed")

	// ErrInvalidated reports that remote content changed underneath an
	// open handle. Maps to ESTALE; the caller must reopen.
	ErrInvalidated = errors.New("vfs: handle invalidated by remote change")

	// ErrReadOnly reports a mutation on a read-only mount. Maps to
	// EROFS.
	ErrReadOnly = errors.New("vfs: filesystem is read-only")
)
