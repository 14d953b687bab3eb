// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/onedrive-fuse/onedrive-fuse/lib/auth"
	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
	"github.com/onedrive-fuse/onedrive-fuse/lib/statedb"
	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs"
	"github.com/onedrive-fuse/onedrive-fuse/lib/vfs/fuse"
)

// shutdownTimeout bounds the final flush of dirty files after the
// mount is torn down.
const shutdownTimeout = 2 * time.Minute

func runMount(args []string) error {
	flags := pflag.NewFlagSet("mount", pflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath(), "path to the config file")
	readOnly := flags.Bool("read-only", false, "mount read-only regardless of configuration")
	allowOther := flags.Bool("allow-other", false, "allow other users to access the mount")
	debug := flags.Bool("debug", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.NArg() != 1 {
		return fmt.Errorf("usage: onedrive-fuse mount [flags] <mountpoint>")
	}
	mountpoint := flags.Arg(0)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *readOnly {
		cfg.Mount.Readonly = true
	}
	if *allowOther {
		cfg.Mount.AllowOther = true
	}
	if cfg.API.ClientID == "" {
		return fmt.Errorf("no client ID: set api.client_id in %s", *configPath)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := newLogger(*debug)

	store := auth.NewStore(cfg.TokenFile(), cfg.KeyFile())
	refreshToken, err := store.Load()
	if errors.Is(err, auth.ErrNotLoggedIn) {
		return fmt.Errorf("no stored credentials; run \"onedrive-fuse login\" first")
	}
	if err != nil {
		return err
	}

	// The token source owns the refresh token buffer and persists
	// rotated tokens back through the store.
	tokens, err := auth.NewTokenSource(auth.Config{
		TokenURL:     cfg.API.TokenURL,
		ClientID:     cfg.API.ClientID,
		RefreshToken: refreshToken,
		OnRotate:     store.Save,
		HTTPClient:   &http.Client{Timeout: cfg.API.Timeout.Std()},
		Logger:       logger,
	})
	if err != nil {
		refreshToken.Close()
		return err
	}
	defer tokens.Close()

	client, err := graph.NewClient(graph.Config{
		BaseURL: cfg.API.BaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	db, err := statedb.Open(statedb.Config{Path: cfg.StateDB(), Logger: logger})
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fsys, err := vfs.New(ctx, vfs.Options{
		Client:   client,
		DB:       db,
		Config:   cfg,
		ReadOnly: cfg.Mount.Readonly,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	// Closed after the FUSE server is unmounted (LIFO defer order), so
	// the final flush sees no in-flight kernel operations.
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := fsys.Close(flushCtx); err != nil {
			logger.Error("closing filesystem", "error", err)
		}
	}()

	// Reconcile the restored snapshot against the drive before
	// serving. A failure here is not fatal: the sync loop retries
	// with backoff once the mount is up.
	if err := fsys.SyncOnce(ctx); err != nil {
		logger.Warn("initial delta sync failed", "error", err)
	}
	go fsys.RunSync(ctx)

	server, err := fuse.Mount(fuse.Options{
		Mountpoint: mountpoint,
		FS:         fsys,
		Config:     cfg,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := server.Unmount(); err != nil {
			logger.Error("unmounting filesystem", "error", err)
		} else {
			logger.Info("filesystem unmounted", "mountpoint", mountpoint)
		}
	}()

	logger.Info("serving", "mountpoint", mountpoint, "read_only", cfg.Mount.Readonly)

	// Serve until a signal arrives or the filesystem is unmounted
	// externally (fusermount -u).
	serverDone := make(chan struct{})
	go func() {
		server.Wait()
		close(serverDone)
	}()
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-serverDone:
		logger.Info("unmounted externally, shutting down")
	}
	return nil
}
