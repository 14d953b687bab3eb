// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Download opens a streaming read of a pre-authenticated download URL
// starting at the given offset. The URL comes from a DriveItem's
// DownloadURL field and needs no bearer token; it expires after a
// while, so callers re-fetch item metadata on 4xx failures.
//
// The caller must Close the returned reader. Reads are bounded only by
// the stream itself; this is the one request path exempt from the
// JSON response size limit.
func (client *Client) Download(ctx context.Context, downloadURL string, offset int64) (io.ReadCloser, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, fmt.Errorf("graph: creating download request: %w", err)
	}
	if offset > 0 {
		request.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}
	// Content is opaque bytes; transport-level compression would only
	// interfere with Range accounting.
	request.Header.Set("Accept-Encoding", "identity")

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("graph: download: %w", err)
	}

	switch {
	case offset > 0 && response.StatusCode == http.StatusPartialContent:
	case offset == 0 && response.StatusCode == http.StatusOK:
	default:
		response.Body.Close()
		return nil, &APIError{
			StatusCode: response.StatusCode,
			Message:    fmt.Sprintf("unexpected download status for offset %d", offset),
		}
	}

	return response.Body, nil
}
