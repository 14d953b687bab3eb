// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import "time"

// ItemID is an opaque Graph drive item identifier.
type ItemID string

// DriveItem is the Graph driveItem resource, projected to the fields
// onedrive-fuse uses.
type DriveItem struct {
	ID                   ItemID         `json:"id"`
	Name                 string         `json:"name"`
	Size                 int64          `json:"size"`
	ETag                 string         `json:"eTag"`
	CTag                 string         `json:"cTag"`
	CreatedDateTime      time.Time      `json:"createdDateTime"`
	LastModifiedDateTime time.Time      `json:"lastModifiedDateTime"`
	Folder               *FolderFacet   `json:"folder,omitempty"`
	File                 *FileFacet     `json:"file,omitempty"`
	Deleted              *DeletedFacet  `json:"deleted,omitempty"`
	Root                 *RootFacet     `json:"root,omitempty"`
	ParentReference      *ItemReference `json:"parentReference,omitempty"`

	// DownloadURL is a pre-authenticated, short-lived content URL.
	// Graph includes it on file items without $select filtering it.
	DownloadURL string `json:"@microsoft.graph.downloadUrl,omitempty"`
}

// IsFolder reports whether the item is a directory.
func (item *DriveItem) IsFolder() bool { return item.Folder != nil }

// IsDeleted reports whether the item carries the deleted facet, as
// delta responses use for removals.
func (item *DriveItem) IsDeleted() bool { return item.Deleted != nil }

// FolderFacet marks an item as a folder.
type FolderFacet struct {
	ChildCount int64 `json:"childCount"`
}

// FileFacet marks an item as a file.
type FileFacet struct {
	MimeType string  `json:"mimeType"`
	Hashes   *Hashes `json:"hashes,omitempty"`
}

// Hashes carries the content hashes Graph computes server-side.
type Hashes struct {
	QuickXorHash string `json:"quickXorHash,omitempty"`
	SHA1Hash     string `json:"sha1Hash,omitempty"`
	SHA256Hash   string `json:"sha256Hash,omitempty"`
}

// DeletedFacet marks an item as deleted in a delta response.
type DeletedFacet struct {
	State string `json:"state,omitempty"`
}

// RootFacet marks the drive root item.
type RootFacet struct{}

// ItemReference locates an item's parent.
type ItemReference struct {
	DriveID string `json:"driveId,omitempty"`
	ID      ItemID `json:"id,omitempty"`
	Path    string `json:"path,omitempty"`
}

// Drive is the Graph drive resource.
type Drive struct {
	ID        string `json:"id"`
	DriveType string `json:"driveType"`
	Quota     Quota  `json:"quota"`
}

// Quota is the drive's storage quota, used to answer statfs.
type Quota struct {
	Total     int64  `json:"total"`
	Used      int64  `json:"used"`
	Remaining int64  `json:"remaining"`
	Deleted   int64  `json:"deleted"`
	State     string `json:"state"`
}

// itemSelect is the $select projection for metadata requests. The
// download URL needs no $select entry; Graph always includes it on
// file items.
const itemSelect = "id,name,size,eTag,cTag,createdDateTime,lastModifiedDateTime,folder,file,parentReference,root"

// deltaSelect adds the deleted facet, which only delta responses carry.
const deltaSelect = itemSelect + ",deleted"
