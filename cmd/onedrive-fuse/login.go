// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/onedrive-fuse/onedrive-fuse/lib/auth"
	"github.com/onedrive-fuse/onedrive-fuse/lib/config"
	"github.com/onedrive-fuse/onedrive-fuse/lib/secret"
)

// consumerAuthURL is the common OAuth2 v2 authorization endpoint,
// matching the token endpoint the config defaults to.
const consumerAuthURL = "https://login.microsoftonline.com/common/oauth2/v2.0/authorize"

// nativeRedirectURI is the redirect target for applications without
// their own callback server. After sign-in the browser lands on this
// URL with the authorization code in the query string, and the user
// pastes it back into the CLI.
const nativeRedirectURI = "https://login.microsoftonline.com/common/oauth2/nativeclient"

func runLogin(args []string) error {
	flags := pflag.NewFlagSet("login", pflag.ContinueOnError)
	configPath := flags.String("config", defaultConfigPath(), "path to the config file")
	clientID := flags.String("client-id", "", "override the configured application (client) ID")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *clientID != "" {
		cfg.API.ClientID = *clientID
	}
	if cfg.API.ClientID == "" {
		return fmt.Errorf("no client ID: set api.client_id in %s or pass --client-id", *configPath)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	fmt.Println("Open this URL in a browser and sign in:")
	fmt.Println()
	fmt.Println("  " + auth.AuthCodeURL(consumerAuthURL, cfg.API.ClientID, nativeRedirectURI))
	fmt.Println()
	fmt.Println("After signing in, the browser shows a blank page. Paste its")
	fmt.Println("full address (or just the code parameter) below.")
	fmt.Println()
	fmt.Print("Redirect URL or code: ")

	code, err := readAuthCode()
	if err != nil {
		return err
	}
	defer code.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: cfg.API.Timeout.Std()}
	refreshToken, err := auth.RedeemCode(ctx, httpClient, cfg.API.TokenURL, cfg.API.ClientID, nativeRedirectURI, code)
	if err != nil {
		return err
	}
	defer refreshToken.Close()

	store := auth.NewStore(cfg.TokenFile(), cfg.KeyFile())
	if err := store.Save(refreshToken); err != nil {
		return err
	}

	fmt.Println("Logged in. Credentials sealed to " + cfg.TokenFile())
	return nil
}

// readAuthCode reads the pasted redirect URL or raw code from stdin.
// On a terminal the input is read without echo: the authorization
// code is a credential and should not land in scrollback.
func readAuthCode() (*secret.Buffer, error) {
	var line *secret.Buffer
	var err error
	if term.IsTerminal(int(os.Stdin.Fd())) {
		var raw []byte
		raw, err = term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err == nil {
			line, err = secret.NewFromBytes(bytes.TrimSpace(raw))
			for i := range raw {
				raw[i] = 0
			}
		}
	} else {
		line, err = secret.ReadLine(os.Stdin)
	}
	if err != nil {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}

	code, err := extractCode(line)
	line.Close()
	return code, err
}

// extractCode pulls the code query parameter out of a pasted redirect
// URL. Input that is not a URL is taken as the bare code.
func extractCode(input *secret.Buffer) (*secret.Buffer, error) {
	text := input.String()
	if !strings.Contains(text, "code=") {
		return secret.NewFromBytes([]byte(text))
	}

	parsed, err := url.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing redirect URL: %w", err)
	}
	code := parsed.Query().Get("code")
	if code == "" {
		return nil, fmt.Errorf("redirect URL has no code parameter")
	}
	return secret.NewFromBytes([]byte(code))
}
