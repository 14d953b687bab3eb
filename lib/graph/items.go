// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Root fetches the drive's root item.
func (client *Client) Root(ctx context.Context) (*DriveItem, error) {
	var item DriveItem
	if err := client.get(ctx, "/me/drive/root?$select="+itemSelect, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetItem fetches a single item by id with the standard metadata
// projection.
func (client *Client) GetItem(ctx context.Context, id ItemID) (*DriveItem, error) {
	var item DriveItem
	path := fmt.Sprintf("/me/drive/items/%s?$select=%s", url.PathEscape(string(id)), itemSelect)
	if err := client.get(ctx, path, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// GetChild fetches a named child of an item, using Graph's colon
// path addressing. Returns an IsNotFound error when no such child
// exists.
func (client *Client) GetChild(ctx context.Context, parent ItemID, name string) (*DriveItem, error) {
	var item DriveItem
	path := fmt.Sprintf("/me/drive/items/%s:/%s:?$select=%s",
		url.PathEscape(string(parent)), url.PathEscape(name), itemSelect)
	if err := client.get(ctx, path, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// childrenPage is the wire shape of a children listing page.
type childrenPage struct {
	Value    []DriveItem `json:"value"`
	NextLink string      `json:"@odata.nextLink"`
}

// ChildIterator pages through a directory's children.
type ChildIterator struct {
	client  *Client
	nextURL string
	done    bool
}

// ListChildren returns an iterator over the children of an item.
func (client *Client) ListChildren(id ItemID) *ChildIterator {
	return &ChildIterator{
		client: client,
		nextURL: fmt.Sprintf("%s/me/drive/items/%s/children?$select=%s&$top=200",
			client.baseURL, url.PathEscape(string(id)), itemSelect),
	}
}

// NextPage fetches the next page of children. Returns nil when the
// listing is exhausted.
func (iterator *ChildIterator) NextPage(ctx context.Context) ([]DriveItem, error) {
	if iterator.done {
		return nil, nil
	}

	body, err := iterator.client.doWithRetry(ctx, http.MethodGet, iterator.nextURL, nil, nil, false)
	if err != nil {
		return nil, err
	}

	var page childrenPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("graph: decoding children page: %w", err)
	}

	if page.NextLink == "" {
		iterator.done = true
	} else {
		iterator.nextURL = page.NextLink
	}
	return page.Value, nil
}

// AllChildren collects every page of an item's children.
func (client *Client) AllChildren(ctx context.Context, id ItemID) ([]DriveItem, error) {
	iterator := client.ListChildren(id)
	var all []DriveItem
	for {
		page, err := iterator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return all, nil
		}
		all = append(all, page...)
	}
}

// CreateFolder creates a child folder under parent. Graph returns 409
// (nameAlreadyExists) when the name is taken.
func (client *Client) CreateFolder(ctx context.Context, parent ItemID, name string) (*DriveItem, error) {
	request := map[string]any{
		"name":                              name,
		"folder":                            map[string]any{},
		"@microsoft.graph.conflictBehavior": "fail",
	}

	path := fmt.Sprintf("/me/drive/items/%s/children", url.PathEscape(string(parent)))
	body, err := client.do(ctx, http.MethodPost, path, request)
	if err != nil {
		return nil, err
	}

	var item DriveItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("graph: decoding created folder: %w", err)
	}
	return &item, nil
}

// UpdateItem renames and/or moves an item. Pass an empty newName to
// keep the name, or an empty newParent to keep the location.
func (client *Client) UpdateItem(ctx context.Context, id ItemID, newParent ItemID, newName string) (*DriveItem, error) {
	request := map[string]any{}
	if newName != "" {
		request["name"] = newName
	}
	if newParent != "" {
		request["parentReference"] = map[string]any{"id": string(newParent)}
	}
	if len(request) == 0 {
		return nil, fmt.Errorf("graph: UpdateItem needs a new name or parent")
	}

	path := fmt.Sprintf("/me/drive/items/%s", url.PathEscape(string(id)))
	body, err := client.do(ctx, http.MethodPatch, path, request)
	if err != nil {
		return nil, err
	}

	var item DriveItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("graph: decoding updated item: %w", err)
	}
	return &item, nil
}

// DeleteItem deletes an item (to the remote recycle bin).
func (client *Client) DeleteItem(ctx context.Context, id ItemID) error {
	path := fmt.Sprintf("/me/drive/items/%s", url.PathEscape(string(id)))
	_, err := client.do(ctx, http.MethodDelete, path, nil)
	return err
}

// ValidateName rejects names OneDrive cannot store. The FUSE layer
// calls this before creating or renaming so invalid names fail fast
// with EINVAL instead of a round-trip 400.
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("graph: invalid item name %q", name)
	}
	if len(name) > 255 {
		return fmt.Errorf("graph: item name exceeds 255 characters")
	}
	if strings.ContainsAny(name, `/\:*?"<>|`) {
		return fmt.Errorf("graph: item name %q contains a reserved character", name)
	}
	return nil
}
