// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package vfs implements the filesystem semantics between the FUSE
// adapter and the Graph API: attribute and directory caches keyed by
// OneDrive item id, open file handles in streaming or disk-cached
// mode, debounced write-back upload, and delta-based reconciliation
// with the service.
//
// All remote state is identified by graph.ItemID. Kernel-facing inode
// numbers are the FUSE adapter's concern; this package never sees
// them.
package vfs
