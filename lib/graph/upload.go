// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/onedrive-fuse/onedrive-fuse/lib/netutil"
)

// SmallUploadLimit is the Graph ceiling for single-request content
// uploads. Larger content must go through an upload session.
const SmallUploadLimit = 4 << 20

// UploadSmall replaces an existing item's content in a single PUT.
// Content must be at most SmallUploadLimit bytes. Returns the updated
// item, whose cTag reflects the new content.
func (client *Client) UploadSmall(ctx context.Context, id ItemID, content []byte) (*DriveItem, error) {
	if len(content) > SmallUploadLimit {
		return nil, fmt.Errorf("graph: content size %d exceeds small upload limit %d", len(content), SmallUploadLimit)
	}
	path := fmt.Sprintf("/me/drive/items/%s/content", url.PathEscape(string(id)))
	return client.putContent(ctx, client.baseURL+path, content)
}

// UploadSmallToParent creates (or replaces) a named child of parent
// with the given content in a single PUT. Used for O_CREAT and
// truncate-to-empty, matching the remote-first create model: the item
// exists remotely before the local cache entry does.
func (client *Client) UploadSmallToParent(ctx context.Context, parent ItemID, name string, content []byte) (*DriveItem, error) {
	if len(content) > SmallUploadLimit {
		return nil, fmt.Errorf("graph: content size %d exceeds small upload limit %d", len(content), SmallUploadLimit)
	}
	path := fmt.Sprintf("/me/drive/items/%s:/%s:/content",
		url.PathEscape(string(parent)), url.PathEscape(name))
	return client.putContent(ctx, client.baseURL+path, content)
}

func (client *Client) putContent(ctx context.Context, uploadURL string, content []byte) (*DriveItem, error) {
	if err := client.throttle.wait(ctx); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("graph: creating upload request: %w", err)
	}

	token, err := client.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: authentication: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("graph: upload: %w", err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading upload response: %w", err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		if response.StatusCode == 429 || response.StatusCode == 503 {
			client.throttle.update(response.Header)
		}
		return nil, parseAPIError(response.StatusCode, body)
	}

	var item DriveItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("graph: decoding upload response: %w", err)
	}
	return &item, nil
}

// UploadSession is an in-progress chunked upload. Chunks must be sent
// sequentially; the final chunk's response carries the completed item.
type UploadSession struct {
	client *Client

	// UploadURL is the pre-authenticated session URL. Chunk PUTs
	// need no bearer token.
	UploadURL string `json:"uploadUrl"`
}

// CreateUploadSession starts a chunked replacement of an existing
// item's content.
func (client *Client) CreateUploadSession(ctx context.Context, id ItemID) (*UploadSession, error) {
	request := map[string]any{
		"item": map[string]any{
			"@microsoft.graph.conflictBehavior": "replace",
		},
	}

	path := fmt.Sprintf("/me/drive/items/%s/createUploadSession", url.PathEscape(string(id)))
	body, err := client.do(ctx, http.MethodPost, path, request)
	if err != nil {
		return nil, err
	}

	session := &UploadSession{client: client}
	if err := json.Unmarshal(body, session); err != nil {
		return nil, fmt.Errorf("graph: decoding upload session: %w", err)
	}
	if session.UploadURL == "" {
		return nil, fmt.Errorf("graph: upload session response missing uploadUrl")
	}
	return session, nil
}

// PutChunk uploads one chunk at the given offset of a total-byte
// upload. Intermediate chunks return (nil, nil); the final chunk
// returns the completed DriveItem.
func (session *UploadSession) PutChunk(ctx context.Context, chunk []byte, offset, total int64) (*DriveItem, error) {
	if err := session.client.throttle.wait(ctx); err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPut, session.UploadURL, bytes.NewReader(chunk))
	if err != nil {
		return nil, fmt.Errorf("graph: creating chunk request: %w", err)
	}
	request.Header.Set("Content-Range",
		fmt.Sprintf("bytes %d-%d/%d", offset, offset+int64(len(chunk))-1, total))

	response, err := session.client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("graph: uploading chunk at %d: %w", offset, err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading chunk response: %w", err)
	}

	switch response.StatusCode {
	case http.StatusAccepted:
		// Intermediate chunk acknowledged.
		return nil, nil
	case http.StatusCreated, http.StatusOK:
		var item DriveItem
		if err := json.Unmarshal(body, &item); err != nil {
			return nil, fmt.Errorf("graph: decoding completed upload: %w", err)
		}
		return &item, nil
	default:
		if response.StatusCode == 429 || response.StatusCode == 503 {
			session.client.throttle.update(response.Header)
		}
		return nil, parseAPIError(response.StatusCode, body)
	}
}

// Cancel abandons the upload session. Best effort: an expired
// session cancels itself server-side.
func (session *UploadSession) Cancel(ctx context.Context) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, session.UploadURL, nil)
	if err != nil {
		return fmt.Errorf("graph: creating cancel request: %w", err)
	}
	response, err := session.client.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("graph: canceling upload session: %w", err)
	}
	response.Body.Close()
	return nil
}
