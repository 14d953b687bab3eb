// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import "context"

// Drive fetches the signed-in user's default drive, including the
// quota that backs statfs.
func (client *Client) Drive(ctx context.Context) (*Drive, error) {
	var drive Drive
	if err := client.get(ctx, "/me/drive?$select=id,driveType,quota", &drive); err != nil {
		return nil, err
	}
	return &drive, nil
}
