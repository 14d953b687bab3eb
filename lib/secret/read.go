// Copyright 2026 The onedrive-fuse Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bufio"
	"fmt"
	"io"
)

// MaxSecretSize bounds secrets read from external sources: 1 MiB.
// Refresh tokens and age keys are a few hundred bytes; the limit only
// guards against reading an unexpected large stream into locked memory.
const MaxSecretSize = 1 << 20

// NewFromReader reads all of r (up to MaxSecretSize) into a secret
// buffer. Trailing newlines are stripped, since secrets piped from
// files or terminals usually carry one. The intermediate heap copy is
// zeroed before returning.
func NewFromReader(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSecretSize+1))
	if err != nil {
		return nil, fmt.Errorf("secret: reading: %w", err)
	}
	if len(data) > MaxSecretSize {
		zero(data)
		return nil, fmt.Errorf("secret: input exceeds %d bytes", MaxSecretSize)
	}

	end := len(data)
	for end > 0 && (data[end-1] == '\n' || data[end-1] == '\r') {
		end--
	}
	if end == 0 {
		zero(data)
		return nil, fmt.Errorf("secret: input is empty")
	}

	buffer, err := NewFromBytes(data[:end])
	zero(data)
	return buffer, err
}

// ReadLine reads a single line from r into a secret buffer. Used for
// interactive prompts where the input is line-oriented.
func ReadLine(r io.Reader) (*Buffer, error) {
	reader := bufio.NewReader(io.LimitReader(r, MaxSecretSize))
	line, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		zero(line)
		return nil, fmt.Errorf("secret: reading line: %w", err)
	}

	end := len(line)
	for end > 0 && (line[end-1] == '\n' || line[end-1] == '\r') {
		end--
	}
	if end == 0 {
		zero(line)
		return nil, fmt.Errorf("secret: input is empty")
	}

	buffer, bufferErr := NewFromBytes(line[:end])
	zero(line)
	return buffer, bufferErr
}

func zero(data []byte) {
	for index := range data {
		data[index] = 0
	}
}
