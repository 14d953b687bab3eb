// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package vfs

import (
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/graph"
)

// ItemAttr is the locally cached view of a drive item's metadata.
type ItemAttr struct {
	ID       graph.ItemID `cbor:"id"`
	ParentID graph.ItemID `cbor:"parent_id"`
	Name     string       `cbor:"name"`
	Size     int64        `cbor:"size"`
	IsDir    bool         `cbor:"is_dir"`

	// CTag changes when file content changes; ETag when anything
	// (content or metadata) changes. Cached content is keyed by CTag.
	CTag string `cbor:"ctag"`
	ETag string `cbor:"etag"`

	Created  time.Time `cbor:"created"`
	Modified time.Time `cbor:"modified"`

	// DownloadURL is the pre-authenticated content URL. Short-lived;
	// empty for directories and for items restored from a snapshot.
	DownloadURL string `cbor:"-"`
}

// attrFromItem projects a DriveItem onto ItemAttr.
func attrFromItem(item *graph.DriveItem) ItemAttr {
	attr := ItemAttr{
		ID:          item.ID,
		Name:        item.Name,
		Size:        item.Size,
		IsDir:       item.IsFolder(),
		CTag:        item.CTag,
		ETag:        item.ETag,
		Created:     item.CreatedDateTime,
		Modified:    item.LastModifiedDateTime,
		DownloadURL: item.DownloadURL,
	}
	if item.ParentReference != nil {
		attr.ParentID = item.ParentReference.ID
	}
	return attr
}
