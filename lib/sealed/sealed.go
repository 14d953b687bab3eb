// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

// Package sealed provides age encryption for the token file that
// stores OAuth credentials at rest. It wraps filippo.io/age for the
// operations onedrive-fuse needs: generate a keypair on first login,
// seal the token bundle to the machine's public key, and unseal it
// with the private key on mount.
//
// Private keys and unsealed plaintext are returned as *secret.Buffer
// values, backed by mmap memory outside the Go heap (locked against
// swap, excluded from core dumps, zeroed on close). Plaintext
// credentials never touch disk.
package sealed

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/onedrive-fuse/onedrive-fuse/lib/secret"
)

// Keypair holds an age x25519 keypair. The private key lives in a
// secret.Buffer; the public key is a plain string, safe to store on
// disk in the clear.
//
// The caller must call Close when the keypair is no longer needed.
type Keypair struct {
	// PrivateKey is the secret key in AGE-SECRET-KEY-1... format.
	// Must never be logged or passed on a command line.
	PrivateKey *secret.Buffer

	// PublicKey is the corresponding recipient key in age1... format.
	PublicKey string
}

// Close releases the private key memory. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

// GenerateKeypair generates a new age x25519 keypair with the private
// key held in locked memory. The caller must Close the returned
// Keypair when done.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age keypair: %w", err)
	}

	// Move the private key into mmap-backed memory immediately. The
	// identity's own string is on the heap and will be GC'd; the mmap
	// buffer is the durable copy.
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("protecting private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// WriteKeyFile stores a keypair on disk: the private key at path with
// mode 0600, the public key beside it at path+".pub". The directory
// must exist.
func WriteKeyFile(path string, keypair *Keypair) error {
	if err := os.WriteFile(path, append(keypair.PrivateKey.Bytes(), '\n'), 0o600); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.WriteFile(path+".pub", []byte(keypair.PublicKey+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing public key file: %w", err)
	}
	return nil
}

// ReadKeyFile loads the private key from a key file into a
// secret.Buffer and returns the derived public key. Rejects key files
// that are group- or world-readable.
func ReadKeyFile(path string) (*Keypair, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat key file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("key file %s has mode %04o; must not be group- or world-accessible", path, info.Mode().Perm())
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening key file: %w", err)
	}
	defer file.Close()

	privateKey, err := secret.NewFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		privateKey.Close()
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return &Keypair{
		PrivateKey: privateKey,
		PublicKey:  identity.Recipient().String(),
	}, nil
}

// SealToFile encrypts plaintext to the recipient public key and writes
// the ciphertext to path atomically (temp file + rename) with mode
// 0600.
func SealToFile(path string, plaintext []byte, recipientKey string) error {
	recipient, err := age.ParseX25519Recipient(recipientKey)
	if err != nil {
		return fmt.Errorf("parsing recipient key: %w", err)
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	temp, err := os.CreateTemp(filepath.Dir(path), ".sealed-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempName := temp.Name()
	if err := temp.Chmod(0o600); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := temp.Write(ciphertext.Bytes()); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("writing sealed file: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("closing sealed file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("renaming sealed file: %w", err)
	}
	return nil
}

// UnsealFile decrypts the ciphertext at path with the given private
// key and returns the plaintext in a secret.Buffer. The private key is
// borrowed and not closed.
func UnsealFile(path string, privateKey *secret.Buffer) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(privateKey.String())
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening sealed file: %w", err)
	}
	defer file.Close()

	reader, err := age.Decrypt(file, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting %s: %w", path, err)
	}

	plaintext, err := io.ReadAll(io.LimitReader(reader, secret.MaxSecretSize))
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed file %s is empty", path)
	}

	buffer, err := secret.NewFromBytes(plaintext)
	if err != nil {
		for index := range plaintext {
			plaintext[index] = 0
		}
		return nil, fmt.Errorf("protecting decrypted plaintext: %w", err)
	}
	return buffer, nil
}
