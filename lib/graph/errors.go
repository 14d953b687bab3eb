// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"errors"
	"fmt"
)

// APIError represents a non-2xx response from the Graph API. Graph
// returns structured JSON error bodies with a code string and a
// human-readable message.
type APIError struct {
	// StatusCode is the HTTP response status code.
	StatusCode int

	// Code is the Graph error code, e.g. "itemNotFound",
	// "nameAlreadyExists", "resyncRequired".
	Code string

	// Message is the error description from Graph.
	Message string
}

func (err *APIError) Error() string {
	if err.Code != "" {
		return fmt.Sprintf("graph: HTTP %d %s: %s", err.StatusCode, err.Code, err.Message)
	}
	return fmt.Sprintf("graph: HTTP %d: %s", err.StatusCode, err.Message)
}

// IsNotFound reports whether err is a Graph 404 Not Found response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 404
}

// IsThrottled reports whether err is a Graph throttling response.
// Graph throttles with 429 and occasionally 503 + Retry-After.
func IsThrottled(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.StatusCode == 429 || apiError.StatusCode == 503
}

// IsConflict reports whether err is a name conflict (409, or the
// nameAlreadyExists error code).
func IsConflict(err error) bool {
	var apiError *APIError
	if !errors.As(err, &apiError) {
		return false
	}
	return apiError.StatusCode == 409 || apiError.Code == "nameAlreadyExists"
}

// IsResyncRequired reports whether err is a delta resync response
// (410 Gone). The caller must discard its delta link and local
// knowledge and start a fresh full enumeration.
func IsResyncRequired(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == 410
}
