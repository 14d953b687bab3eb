// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onedrive-fuse/onedrive-fuse/lib/clock"
	"github.com/onedrive-fuse/onedrive-fuse/lib/netutil"
	"github.com/onedrive-fuse/onedrive-fuse/lib/secret"
)

// Scope covers everything the filesystem needs: item read/write plus
// offline_access so the token endpoint issues a refresh token.
const Scope = "offline_access files.readwrite"

// tokenRotationMargin is how far before expiry the access token is
// refreshed. Microsoft access tokens have roughly a 1-hour TTL;
// refreshing 5 minutes early avoids a token expiring mid-request.
const tokenRotationMargin = 5 * time.Minute

// Config holds configuration for creating a TokenSource.
type Config struct {
	// TokenURL is the OAuth2 token endpoint. Must use HTTPS.
	TokenURL string

	// ClientID is the registered application's client id. Required.
	ClientID string

	// RefreshToken is the stored refresh token. Required. The
	// TokenSource takes ownership and closes it when rotated out.
	RefreshToken *secret.Buffer

	// OnRotate is called with the new refresh token whenever the
	// token endpoint issues one, so the caller can re-seal it to
	// disk. The buffer is only valid for the duration of the call.
	// Optional.
	OnRotate func(refreshToken *secret.Buffer) error

	// HTTPClient is used for token endpoint requests. Defaults to
	// http.DefaultClient.
	HTTPClient *http.Client

	// Clock provides time operations. Defaults to clock.Real().
	Clock clock.Clock

	// Logger receives diagnostic messages. Defaults to a no-op logger.
	Logger *slog.Logger
}

// TokenSource exchanges a refresh token for access tokens on demand,
// caching each access token until it nears expiry. It implements
// graph.TokenProvider.
type TokenSource struct {
	tokenURL   string
	clientID   string
	onRotate   func(*secret.Buffer) error
	httpClient *http.Client
	clock      clock.Clock
	logger     *slog.Logger

	mu           sync.Mutex
	refreshToken *secret.Buffer
	accessToken  string
	expiresAt    time.Time
}

// NewTokenSource creates a TokenSource from the given configuration.
func NewTokenSource(config Config) (*TokenSource, error) {
	if !strings.HasPrefix(config.TokenURL, "https://") {
		return nil, fmt.Errorf("auth: token endpoint requires HTTPS (got %q)", config.TokenURL)
	}
	if config.ClientID == "" {
		return nil, fmt.Errorf("auth: ClientID is required")
	}
	if config.RefreshToken == nil {
		return nil, fmt.Errorf("auth: RefreshToken is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &TokenSource{
		tokenURL:     config.TokenURL,
		clientID:     config.ClientID,
		refreshToken: config.RefreshToken,
		onRotate:     config.OnRotate,
		httpClient:   httpClient,
		clock:        clk,
		logger:       logger,
	}, nil
}

// AccessToken returns a currently valid access token, refreshing
// behind the scenes if the cached one is near expiry.
func (source *TokenSource) AccessToken(ctx context.Context) (string, error) {
	source.mu.Lock()
	defer source.mu.Unlock()

	if source.accessToken != "" && source.clock.Now().Before(source.expiresAt.Add(-tokenRotationMargin)) {
		return source.accessToken, nil
	}
	if err := source.refreshLocked(ctx); err != nil {
		return "", err
	}
	return source.accessToken, nil
}

// Close releases the held refresh token buffer. The TokenSource is
// unusable afterwards.
func (source *TokenSource) Close() error {
	source.mu.Lock()
	defer source.mu.Unlock()
	if source.refreshToken != nil {
		source.refreshToken.Close()
		source.refreshToken = nil
	}
	source.accessToken = ""
	return nil
}

// refreshLocked exchanges the refresh token for a new access token.
// Must be called with source.mu held.
func (source *TokenSource) refreshLocked(ctx context.Context) error {
	if source.refreshToken == nil {
		return fmt.Errorf("auth: token source is closed")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {source.clientID},
		"scope":         {Scope},
		"refresh_token": {source.refreshToken.String()},
	}

	grant, err := postTokenRequest(ctx, source.httpClient, source.tokenURL, form)
	if err != nil {
		return err
	}

	source.accessToken = grant.AccessToken
	source.expiresAt = source.clock.Now().Add(time.Duration(grant.ExpiresIn) * time.Second)
	source.logger.Debug("access token refreshed", "expires_in_seconds", grant.ExpiresIn)

	// The identity platform rotates refresh tokens; adopt the new one
	// and let the caller re-seal it.
	if grant.RefreshToken != "" && grant.RefreshToken != source.refreshToken.String() {
		rotated, err := secret.NewFromBytes([]byte(grant.RefreshToken))
		if err != nil {
			return fmt.Errorf("auth: storing rotated refresh token: %w", err)
		}
		source.refreshToken.Close()
		source.refreshToken = rotated
		if source.onRotate != nil {
			if err := source.onRotate(rotated); err != nil {
				source.logger.Warn("persisting rotated refresh token failed", "error", err)
			}
		}
	}
	return nil
}

// tokenGrant is the wire shape of a successful token endpoint response.
type tokenGrant struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// tokenEndpointError is the wire shape of a token endpoint failure.
type tokenEndpointError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// RedeemCode exchanges an authorization code from the login flow for
// an initial token grant. Returns the refresh token in a locked
// buffer; the access token is discarded because a TokenSource will
// fetch its own.
func RedeemCode(ctx context.Context, httpClient *http.Client, tokenURL, clientID, redirectURI string, code *secret.Buffer) (*secret.Buffer, error) {
	if !strings.HasPrefix(tokenURL, "https://") {
		return nil, fmt.Errorf("auth: token endpoint requires HTTPS (got %q)", tokenURL)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {clientID},
		"scope":        {Scope},
		"redirect_uri": {redirectURI},
		"code":         {code.String()},
	}

	grant, err := postTokenRequest(ctx, httpClient, tokenURL, form)
	if err != nil {
		return nil, err
	}
	if grant.RefreshToken == "" {
		return nil, fmt.Errorf("auth: token endpoint returned no refresh token; check the offline_access scope")
	}
	return secret.NewFromBytes([]byte(grant.RefreshToken))
}

// AuthCodeURL builds the browser URL for the authorization-code login
// flow. The user signs in there and pastes the redirected URL's code
// back into the CLI.
func AuthCodeURL(authURL, clientID, redirectURI string) string {
	query := url.Values{
		"client_id":     {clientID},
		"response_type": {"code"},
		"redirect_uri":  {redirectURI},
		"scope":         {Scope},
	}
	return authURL + "?" + query.Encode()
}

func postTokenRequest(ctx context.Context, httpClient *http.Client, tokenURL string, form url.Values) (*tokenGrant, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("auth: creating token request: %w", err)
	}
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	response, err := httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("auth: token request: %w", err)
	}
	defer response.Body.Close()

	body, err := netutil.ReadResponse(response.Body)
	if err != nil {
		return nil, fmt.Errorf("auth: reading token response: %w", err)
	}

	if response.StatusCode != http.StatusOK {
		var endpointError tokenEndpointError
		if json.Unmarshal(body, &endpointError) == nil && endpointError.Code != "" {
			return nil, fmt.Errorf("auth: token endpoint returned %s: %s", endpointError.Code, endpointError.Description)
		}
		return nil, fmt.Errorf("auth: token endpoint returned HTTP %d", response.StatusCode)
	}

	var grant tokenGrant
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("auth: decoding token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("auth: token endpoint returned empty access token")
	}
	return &grant, nil
}
