// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pierrec/lz4/v4"

	"github.com/onedrive-fuse/onedrive-fuse/lib/codec"
	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

// snapshotVersion guards the on-disk layout. A mismatch discards the
// snapshot; the caches just warm up from the service instead.
const snapshotVersion = 1

// Snapshot is the serialized warm-start state: the attribute and
// directory caches as of the last clean shutdown. Entries restore as
// stale, so the first sync round reconciles any drift that happened
// while unmounted.
type Snapshot struct {
	Version int                         `cbor:"version"`
	SavedAt time.Time                   `cbor:"saved_at"`
	RootID  graph.ItemID                `cbor:"root_id"`
	Attrs   []ItemAttr                  `cbor:"attrs"`
	Dirs    map[graph.ItemID][]DirEntry `cbor:"dirs"`
}

// SaveSnapshot writes the current cache state to path, CBOR-encoded
// and lz4-compressed, atomically.
func SaveSnapshot(path string, inodes *InodePool, dirs *DirCache, savedAt time.Time) error {
	snapshot := Snapshot{
		Version: snapshotVersion,
		SavedAt: savedAt,
		RootID:  inodes.RootID(),
		Attrs:   inodes.Snapshot(),
		Dirs:    dirs.Snapshot(),
	}

	temp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("vfs: creating snapshot temp file: %w", err)
	}
	tempName := temp.Name()
	cleanup := func() {
		temp.Close()
		os.Remove(tempName)
	}

	compressor := lz4.NewWriter(temp)
	if err := codec.NewEncoder(compressor).Encode(snapshot); err != nil {
		cleanup()
		return fmt.Errorf("vfs: encoding snapshot: %w", err)
	}
	if err := compressor.Close(); err != nil {
		cleanup()
		return fmt.Errorf("vfs: compressing snapshot: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("vfs: closing snapshot: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("vfs: renaming snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads a snapshot from path. Returns (nil, nil) when no
// snapshot exists or its version does not match; both just mean a
// cold start.
func LoadSnapshot(path string) (*Snapshot, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vfs: opening snapshot: %w", err)
	}
	defer file.Close()

	var snapshot Snapshot
	if err := codec.NewDecoder(lz4.NewReader(file)).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("vfs: decoding snapshot: %w", err)
	}
	if snapshot.Version != snapshotVersion {
		return nil, nil
	}
	return &snapshot, nil
}
