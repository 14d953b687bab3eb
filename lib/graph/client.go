// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzhttp"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/netutil"
)

// defaultBaseURL is the public Microsoft Graph v1.0 endpoint.
const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// TokenProvider supplies bearer tokens for Graph requests. The auth
// package's TokenSource implements it; tests supply a static token.
type TokenProvider interface {
	// AccessToken returns a currently valid access token, refreshing
	// behind the scenes if the cached one is near expiry.
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider returning a fixed token. For tests
// and short-lived tooling only — it never refreshes.
type StaticToken string

// AccessToken implements TokenProvider.
func (token StaticToken) AccessToken(context.Context) (string, error) {
	return string(token), nil
}

// Config holds configuration for creating a Graph API Client.
type Config struct {
	// BaseURL is the root URL for API requests. Defaults to the
	// public Graph v1.0 endpoint. Must use HTTPS.
	BaseURL string

	// Tokens supplies bearer tokens. Required.
	Tokens TokenProvider

	// HTTPClient is used for all requests. If nil, a client with
	// transparent gzip response decompression is created.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. Defaults to a no-op logger.
	Logger *slog.Logger
}

// Client is a typed Graph API client with automatic authentication,
// throttling backoff, and structured error handling.
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenProvider
	throttle   *throttleTracker
	clock      clock.Clock
	logger     *slog.Logger
}

// NewClient creates a Graph API client from the given configuration.
func NewClient(config Config) (*Client, error) {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	if !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("graph: API client requires HTTPS (got %q)", baseURL)
	}
	if config.Tokens == nil {
		return nil, fmt.Errorf("graph: TokenProvider is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		// Metadata responses compress well; gzhttp negotiates and
		// decompresses gzip transparently.
		httpClient = &http.Client{Transport: gzhttp.Transport(http.DefaultTransport)}
	}

	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		tokens:     config.Tokens,
		throttle:   newThrottleTracker(clk),
		clock:      clk,
		logger:     logger,
	}, nil
}

// do executes an authenticated Graph request and returns the response
// body. The path is relative to the base URL. On non-2xx responses it
// returns an *APIError. Throttled responses (429/503) are retried once
// after the server-indicated backoff.
func (client *Client) do(ctx context.Context, method, path string, requestBody any) ([]byte, error) {
	return client.doWithRetry(ctx, method, client.baseURL+path, requestBody, nil, false)
}

func (client *Client) doWithRetry(ctx context.Context, method, url string, requestBody any, headers http.Header, isRetry bool) ([]byte, error) {
	response, err := client.doRaw(ctx, method, url, requestBody, headers)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("graph: reading response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return body, nil
	}

	apiError := parseAPIError(response.StatusCode, body)

	if !isRetry && (response.StatusCode == 429 || response.StatusCode == 503) {
		client.throttle.update(response.Header)
		client.logger.Info("throttled by Graph, backing off",
			"method", method,
			"status", response.StatusCode,
		)
		if err := client.throttle.wait(ctx); err != nil {
			return nil, err
		}
		return client.doWithRetry(ctx, method, url, requestBody, headers, true)
	}

	return nil, apiError
}

// doRaw executes an HTTP request with authentication and throttle
// waiting, without response parsing. The caller closes the body.
// Used by do and by the pagers, which follow absolute @odata links.
func (client *Client) doRaw(ctx context.Context, method, url string, requestBody any, headers http.Header) (*http.Response, error) {
	if err := client.throttle.wait(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("graph: encoding request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("graph: creating request: %w", err)
	}

	token, err := client.tokens.AccessToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("graph: authentication: %w", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Accept", "application/json")
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := client.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("graph: %s %s: %w", method, url, err)
	}
	return response, nil
}

// get executes a GET request and decodes the JSON response into result.
func (client *Client) get(ctx context.Context, path string, result any) error {
	body, err := client.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

// parseAPIError parses a Graph error body:
//
//	{"error": {"code": "itemNotFound", "message": "..."}}
func parseAPIError(statusCode int, body []byte) *APIError {
	apiError := &APIError{StatusCode: statusCode}

	var wireError struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &wireError) == nil && wireError.Error.Code != "" {
		apiError.Code = wireError.Error.Code
		apiError.Message = wireError.Error.Message
	} else {
		apiError.Message = string(body)
	}
	return apiError
}
