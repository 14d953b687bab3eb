// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/zeebo/blake3"

	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs"
)

// node represents one drive item, file or directory. All state lives
// in the vfs core; the node only carries the item id.
type node struct {
	gofuse.Inode
	options *Options
	id      graph.ItemID
}

var _ gofuse.InodeEmbedder = (*node)(nil)
var _ gofuse.NodeGetattrer = (*node)(nil)
var _ gofuse.NodeSetattrer = (*node)(nil)
var _ gofuse.NodeLookuper = (*node)(nil)
var _ gofuse.NodeReaddirer = (*node)(nil)
var _ gofuse.NodeMkdirer = (*node)(nil)
var _ gofuse.NodeCreater = (*node)(nil)
var _ gofuse.NodeUnlinker = (*node)(nil)
var _ gofuse.NodeRmdirer = (*node)(nil)
var _ gofuse.NodeRenamer = (*node)(nil)
var _ gofuse.NodeOpener = (*node)(nil)
var _ gofuse.NodeFsyncer = (*node)(nil)
var _ gofuse.NodeStatfser = (*node)(nil)

func newNode(options *Options, id graph.ItemID) *node {
	return &node{options: options, id: id}
}

// inoFor derives a stable inode number from an item id, so the same
// item keeps its inode across lookups through different paths.
func inoFor(id graph.ItemID) uint64 {
	sum := blake3.Sum256([]byte(id))
	return binary.BigEndian.Uint64(sum[:8])
}

func stableAttrFor(attr vfs.ItemAttr) gofuse.StableAttr {
	mode := uint32(syscall.S_IFREG)
	if attr.IsDir {
		mode = syscall.S_IFDIR
	}
	return gofuse.StableAttr{Mode: mode, Ino: inoFor(attr.ID)}
}

// fillAttr translates item attributes into a kernel attr struct.
func (n *node) fillAttr(attr vfs.ItemAttr, out *fuse.Attr) {
	cfg := n.options.Config
	if attr.IsDir {
		out.Mode = syscall.S_IFDIR | cfg.Permissions.DirMode
	} else {
		out.Mode = syscall.S_IFREG | cfg.Permissions.FileMode
	}
	out.Ino = inoFor(attr.ID)
	out.Size = uint64(attr.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 4096
	out.SetTimes(nil, &attr.Modified, &attr.Modified)
	if !attr.Created.IsZero() {
		out.Ctime = uint64(attr.Created.Unix())
		out.Ctimensec = uint32(attr.Created.Nanosecond())
	}
	out.Owner = fuse.Owner{Uid: uint32(syscall.Getuid()), Gid: uint32(syscall.Getgid())}
}

func (n *node) childInode(ctx context.Context, attr vfs.ItemAttr) *gofuse.Inode {
	return n.NewInode(ctx, newNode(n.options, attr.ID), stableAttrFor(attr))
}

func (n *node) Getattr(ctx context.Context, _ gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.options.FS.GetAttr(ctx, n.id)
	if err != nil {
		return errnoFor(err)
	}
	n.fillAttr(attr, &out.Attr)
	return 0
}

// Setattr handles truncation. Other attribute changes (mode, owner,
// times) have no remote representation and succeed as no-ops so tools
// like cp and tar do not fail.
func (n *node) Setattr(ctx context.Context, _ gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if size, ok := in.GetSize(); ok {
		if err := n.options.FS.SetSize(ctx, n.id, int64(size)); err != nil {
			return errnoFor(err)
		}
	}
	attr, err := n.options.FS.GetAttr(ctx, n.id)
	if err != nil {
		return errnoFor(err)
	}
	n.fillAttr(attr, &out.Attr)
	return 0
}

func (n *node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.options.FS.Lookup(ctx, n.id, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	n.fillAttr(attr, &out.Attr)
	return n.childInode(ctx, attr), 0
}

func (n *node) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	children, err := n.options.FS.ReadDir(ctx, n.id)
	if err != nil {
		return nil, errnoFor(err)
	}

	entries := make([]fuse.DirEntry, 0, len(children))
	for _, child := range children {
		mode := uint32(syscall.S_IFREG)
		if child.IsDir {
			mode = syscall.S_IFDIR
		}
		entries = append(entries, fuse.DirEntry{
			Name: child.Name,
			Mode: mode,
			Ino:  inoFor(child.ID),
		})
	}
	return &sliceDirStream{entries: entries}, 0
}

func (n *node) Mkdir(ctx context.Context, name string, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	attr, err := n.options.FS.Mkdir(ctx, n.id, name)
	if err != nil {
		return nil, errnoFor(err)
	}
	n.fillAttr(attr, &out.Attr)
	return n.childInode(ctx, attr), 0
}

func (n *node) Create(ctx context.Context, name string, flags uint32, _ uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	attr, handle, err := n.options.FS.Create(ctx, n.id, name)
	if err != nil {
		return nil, nil, 0, errnoFor(err)
	}
	n.fillAttr(attr, &out.Attr)
	child := n.childInode(ctx, attr)
	return child, &fileHandle{fsys: n.options.FS, id: handle}, 0, 0
}

func (n *node) Unlink(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.options.FS.Remove(ctx, n.id, name, false))
}

func (n *node) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errnoFor(n.options.FS.Remove(ctx, n.id, name, true))
}

func (n *node) Rename(ctx context.Context, name string, newParent gofuse.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	target, ok := newParent.(*node)
	if !ok {
		return syscall.EXDEV
	}
	return errnoFor(n.options.FS.Rename(ctx, n.id, name, target.id, newName))
}

func (n *node) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	writable := flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0
	handle, err := n.options.FS.Open(ctx, n.id, writable)
	if err != nil {
		return nil, 0, errnoFor(err)
	}

	// Streaming handles only support one forward pass; direct IO keeps
	// the kernel from caching and re-reading ranges out of order.
	var fuseFlags uint32
	if n.options.FS.IsStreaming(handle) {
		fuseFlags = fuse.FOPEN_DIRECT_IO
	}
	return &fileHandle{fsys: n.options.FS, id: handle}, fuseFlags, 0
}

func (n *node) Fsync(ctx context.Context, f gofuse.FileHandle, _ uint32) syscall.Errno {
	handle, ok := f.(*fileHandle)
	if !ok {
		return syscall.EBADF
	}
	return errnoFor(n.options.FS.Fsync(ctx, handle.id))
}

func (n *node) Statfs(ctx context.Context, out *fuse.StatfsOut) syscall.Errno {
	quota, err := n.options.FS.StatFS(ctx)
	if err != nil {
		return errnoFor(err)
	}

	const blockSize = 4096
	out.Bsize = blockSize
	out.Frsize = blockSize
	out.Blocks = uint64(quota.Total) / blockSize
	out.Bfree = uint64(quota.Remaining) / blockSize
	out.Bavail = out.Bfree
	out.NameLen = 255
	return 0
}

// fileHandle bridges one open kernel handle to the core's handle
// table.
type fileHandle struct {
	fsys *vfs.FS
	id   vfs.HandleID
}

var _ gofuse.FileReader = (*fileHandle)(nil)
var _ gofuse.FileWriter = (*fileHandle)(nil)
var _ gofuse.FileFlusher = (*fileHandle)(nil)
var _ gofuse.FileFsyncer = (*fileHandle)(nil)
var _ gofuse.FileReleaser = (*fileHandle)(nil)

func (h *fileHandle) Read(ctx context.Context, dest []byte, offset int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.fsys.Read(ctx, h.id, dest, offset)
	if err != nil && n == 0 {
		// Reading at or past the end is a zero-byte result, not an
		// error, to the kernel.
		if errors.Is(err, io.EOF) {
			return fuse.ReadResultData(nil), 0
		}
		return nil, errnoFor(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *fileHandle) Write(ctx context.Context, data []byte, offset int64) (uint32, syscall.Errno) {
	n, err := h.fsys.Write(ctx, h.id, data, offset)
	if err != nil {
		return uint32(n), errnoFor(err)
	}
	return uint32(n), 0
}

// Flush runs on every close. Dirty content uploads now instead of
// waiting out the write-back delay, so a completed close means the
// data is on the drive.
func (h *fileHandle) Flush(ctx context.Context) syscall.Errno {
	return errnoFor(h.fsys.Fsync(ctx, h.id))
}

func (h *fileHandle) Fsync(ctx context.Context, _ uint32) syscall.Errno {
	return errnoFor(h.fsys.Fsync(ctx, h.id))
}

func (h *fileHandle) Release(ctx context.Context) syscall.Errno {
	return errnoFor(h.fsys.Release(ctx, h.id))
}

// sliceDirStream implements fs.DirStream over a slice of entries.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
