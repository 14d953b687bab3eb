// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package graph is a typed client for the OneDrive endpoints of the
// Microsoft Graph REST API: item metadata, children listings, delta
// queries, content downloads, and small and sessioned uploads.
//
// The client handles bearer authentication through a TokenProvider,
// preemptive throttling backoff from Retry-After headers, bounded
// response reads, and structured API errors. All metadata requests
// project fields with $select so responses stay small.
package graph
