// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// deltaPage is the wire shape of a delta query page.
type deltaPage struct {
	Value     []DriveItem `json:"value"`
	NextLink  string      `json:"@odata.nextLink"`
	DeltaLink string      `json:"@odata.deltaLink"`
}

// DeltaPager walks a delta query: pages of changed items, terminated
// by a delta link that resumes the query later.
//
// A 410 response surfaces as an error matching IsResyncRequired; the
// caller must discard its delta link and all derived local state, then
// start over with Delta("").
type DeltaPager struct {
	client    *Client
	nextURL   string
	deltaLink string
	done      bool
}

// Delta starts or resumes a delta query. An empty link starts a full
// enumeration from the drive root; otherwise link must be a delta link
// returned by a previous walk.
func (client *Client) Delta(link string) *DeltaPager {
	nextURL := link
	if nextURL == "" {
		nextURL = fmt.Sprintf("%s/me/drive/root/delta?$select=%s&$top=200", client.baseURL, deltaSelect)
	}
	return &DeltaPager{
		client:  client,
		nextURL: nextURL,
	}
}

// NextPage fetches the next page of changes. Returns nil once the walk
// is complete, after which DeltaLink returns the resume token.
func (pager *DeltaPager) NextPage(ctx context.Context) ([]DriveItem, error) {
	if pager.done {
		return nil, nil
	}

	body, err := pager.client.doWithRetry(ctx, http.MethodGet, pager.nextURL, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var page deltaPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("graph: decoding delta page: %w", err)
	}

	switch {
	case page.DeltaLink != "":
		pager.deltaLink = page.DeltaLink
		pager.done = true
	case page.NextLink != "":
		pager.nextURL = page.NextLink
	default:
		return nil, fmt.Errorf("graph: delta page carries neither nextLink nor deltaLink")
	}

	// A page can legitimately be empty (e.g. the final page carrying
	// only the delta link). Return a non-nil slice so callers can
	// distinguish "empty page" from "walk complete".
	if page.Value == nil {
		page.Value = []DriveItem{}
	}
	return page.Value, nil
}

// DeltaLink returns the resume token. Valid only after NextPage has
// returned nil.
func (pager *DeltaPager) DeltaLink() string { return pager.deltaLink }
