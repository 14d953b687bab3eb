// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/onedrive-fuse/onedrive-fuse/lib/sealed"
	"github.com/onedrive-fuse/onedrive-fuse/lib/secret"
)

// Store persists the refresh token sealed to an age identity. Both
// files live in the state directory: the identity with 0600
// permissions, the sealed token next to it.
type Store struct {
	tokenPath string
	keyPath   string
}

// NewStore creates a Store using the given file paths.
func NewStore(tokenPath, keyPath string) *Store {
	return &Store{tokenPath: tokenPath, keyPath: keyPath}
}

// ErrNotLoggedIn reports that no stored credentials exist yet.
var ErrNotLoggedIn = errors.New("auth: not logged in")

// Save seals the refresh token to disk, generating the identity on
// first use. Atomic: a crash mid-save leaves the previous token file
// intact.
func (store *Store) Save(refreshToken *secret.Buffer) error {
	keypair, err := sealed.ReadKeyFile(store.keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		keypair, err = sealed.GenerateKeypair()
		if err != nil {
			return fmt.Errorf("auth: generating identity: %w", err)
		}
		if err := sealed.WriteKeyFile(store.keyPath, keypair); err != nil {
			keypair.Close()
			return fmt.Errorf("auth: writing identity: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("auth: reading identity: %w", err)
	}
	defer keypair.Close()

	if err := sealed.SealToFile(store.tokenPath, refreshToken.Bytes(), keypair.PublicKey); err != nil {
		return fmt.Errorf("auth: sealing refresh token: %w", err)
	}
	return nil
}

// Load unseals the stored refresh token. Returns ErrNotLoggedIn when
// either file is missing.
func (store *Store) Load() (*secret.Buffer, error) {
	keypair, err := sealed.ReadKeyFile(store.keyPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("auth: reading identity: %w", err)
	}
	defer keypair.Close()

	refreshToken, err := sealed.UnsealFile(store.tokenPath, keypair.PrivateKey)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, fmt.Errorf("auth: unsealing refresh token: %w", err)
	}
	return refreshToken, nil
}
