// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse adapts the filesystem core to the kernel FUSE
// protocol: POSIX operations arrive as go-fuse callbacks, run against
// vfs.FS, and map the error taxonomy onto errnos.
package fuse

import (
	"fmt"
	"log/slog"
	"os"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// FS is the filesystem core. Required.
	FS *vfs.FS

	// Config supplies mount timeouts, permission modes, and mount
	// flags. Required.
	Config *config.Config

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Mount mounts the filesystem at the configured mountpoint. The caller
// must call Unmount on the returned server when done, then Close the
// FS. The mountpoint directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.FS == nil {
		return nil, fmt.Errorf("filesystem is required")
	}
	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	cfg := options.Config
	root := newNode(&options, options.FS.Root().ID)

	entryTimeout := cfg.Mount.EntryTimeout.Std()
	attrTimeout := cfg.Mount.AttrTimeout.Std()
	negativeTimeout := cfg.Mount.NegativeTimeout.Std()

	mountOptions := fuse.MountOptions{
		FsName:     cfg.Mount.FsName,
		Name:       "onedrive",
		AllowOther: cfg.Mount.AllowOther,
	}
	if cfg.Mount.Readonly {
		mountOptions.Options = append(mountOptions.Options, "ro")
	}

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions:    mountOptions,
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}
