// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth implements OAuth2 authentication against the Microsoft
// identity platform: the authorization-code login flow, refresh-token
// rotation for long-running mounts, and sealed on-disk persistence of
// the refresh token.
//
// Access tokens live only in memory. The refresh token, which grants
// long-term account access, is held in a locked secret buffer and
// stored on disk encrypted to an age identity kept next to it with
// 0600 permissions.
package auth
