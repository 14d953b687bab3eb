// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"errors"
	"syscall"

	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs"
)

// errnoFor maps the filesystem core's error taxonomy onto errnos.
// Unrecognized errors surface as EIO.
func errnoFor(err error) syscall.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, vfs.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, vfs.ErrExists):
		return syscall.EEXIST
	case errors.Is(err, vfs.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, vfs.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, vfs.ErrNotEmpty):
		return syscall.ENOTEMPTY
	case errors.Is(err, vfs.ErrInvalidHandle):
		return syscall.EBADF
	case errors.Is(err, vfs.ErrNonsequentialRead):
		return syscall.EINVAL
	case errors.Is(err, vfs.ErrInvalidName):
		return syscall.EINVAL
	case errors.Is(err, vfs.ErrFileTooLarge):
		return syscall.EFBIG
	case errors.Is(err, vfs.ErrWriteWithoutCache):
		return syscall.EROFS
	case errors.Is(err, vfs.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, vfs.ErrDownloadFailed):
		return syscall.EIO
	case errors.Is(err, vfs.ErrInvalidated):
		return syscall.ESTALE
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}
